package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/api"
	"github.com/thawlabs/staking-engine/internal/backend"
	"github.com/thawlabs/staking-engine/internal/lending"
	"github.com/thawlabs/staking-engine/internal/leverage"
	"github.com/thawlabs/staking-engine/internal/staking"
	"github.com/thawlabs/staking-engine/internal/store"
	"github.com/thawlabs/staking-engine/internal/stream"
)

// newTestRouter wires the full engine over an in-memory store.
func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	be := backend.NewSim()
	var mu sync.Mutex
	hub := stream.NewHub()
	go hub.Run()

	stk := staking.NewLedger(ms, be, &mu, hub, "admin")
	lnd := lending.NewLedger(ms, stk, &mu, hub)
	orch := leverage.NewOrchestrator(ms, be, &mu, hub)
	server := api.NewServer(ms, stk, lnd, orch, hub)

	r := chi.NewRouter()
	r.Route("/api/v1", server.Routes)
	return r
}

func postJSON(t *testing.T, r chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, r chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestStakeEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := postJSON(t, r, "/api/v1/stake", map[string]any{
		"account": "alice",
		"amount":  "100000000000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["shares_minted"] != "100000000000" {
		t.Errorf("expected 1:1 mint, got %q", resp["shares_minted"])
	}

	w = get(t, r, "/api/v1/accounts/alice/shares")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStakeEndpoint_ValidationErrors(t *testing.T) {
	r := newTestRouter(t)

	// Below the 10-token minimum.
	w := postJSON(t, r, "/api/v1/stake", map[string]any{
		"account": "alice",
		"amount":  "5",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for below-minimum stake, got %d", w.Code)
	}

	w = postJSON(t, r, "/api/v1/stake", map[string]any{"amount": "100000000000"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing account, got %d", w.Code)
	}
}

func TestClaimEndpoint_UnknownWithdrawal(t *testing.T) {
	r := newTestRouter(t)

	w := postJSON(t, r, "/api/v1/claim", map[string]any{
		"account":       "alice",
		"withdrawal_id": 42,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown withdrawal, got %d", w.Code)
	}
}

func TestUnstakeEndpoint_InsufficientSharesMapsToConflict(t *testing.T) {
	r := newTestRouter(t)

	w := postJSON(t, r, "/api/v1/unstake", map[string]any{
		"account": "alice",
		"shares":  "100",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient shares, got %d", w.Code)
	}
}

func TestAdminEndpoints_Authorization(t *testing.T) {
	r := newTestRouter(t)

	w := postJSON(t, r, "/api/v1/admin/pause", map[string]any{"caller": "mallory"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}
	w = postJSON(t, r, "/api/v1/admin/pause", map[string]any{"caller": "admin"})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d: %s", w.Code, w.Body.String())
	}

	// Paused pool rejects stakes with 409.
	w = postJSON(t, r, "/api/v1/stake", map[string]any{
		"account": "alice",
		"amount":  "100000000000",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 while paused, got %d", w.Code)
	}
}

func TestLeverageFlow(t *testing.T) {
	r := newTestRouter(t)

	w := postJSON(t, r, "/api/v1/lending/deposit", map[string]any{
		"account": "lender",
		"amount":  "1000000000000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: %d: %s", w.Code, w.Body.String())
	}

	w = get(t, r, "/api/v1/leverage/preview?account=alice&amount=100000000000&loops=3")
	if w.Code != http.StatusOK {
		t.Fatalf("preview: %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, r, "/api/v1/leverage/stake", map[string]any{
		"account": "alice",
		"amount":  "100000000000",
		"loops":   3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("leverage stake: %d: %s", w.Code, w.Body.String())
	}
	var result leverage.Result
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.TotalStaked.Equal(decimal.New(23125, 7)) {
		t.Errorf("expected total staked 231.25 tokens, got %s", result.TotalStaked)
	}

	w = get(t, r, "/api/v1/lending/positions/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("position: %d", w.Code)
	}

	w = get(t, r, "/api/v1/accounts/alice/journal")
	if w.Code != http.StatusOK {
		t.Fatalf("journal: %d", w.Code)
	}
}
