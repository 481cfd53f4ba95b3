// Package api exposes the staking engine over HTTP: JSON endpoints for the
// staking and lending ledgers, the leverage orchestrator, admin operations,
// and the WebSocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/lending"
	"github.com/thawlabs/staking-engine/internal/leverage"
	"github.com/thawlabs/staking-engine/internal/model"
	"github.com/thawlabs/staking-engine/internal/staking"
	"github.com/thawlabs/staking-engine/internal/store"
	"github.com/thawlabs/staking-engine/internal/stream"
)

// Server wires the three services and the store's read surface into HTTP
// handlers. Routing, middleware, and lifecycle live in cmd/server.
type Server struct {
	staking  *staking.Ledger
	lending  *lending.Ledger
	leverage *leverage.Orchestrator
	store    store.Store
	hub      *stream.Hub
}

// NewServer creates the HTTP surface over the engine's services.
func NewServer(st store.Store, stk *staking.Ledger, lnd *lending.Ledger, lev *leverage.Orchestrator, hub *stream.Hub) *Server {
	return &Server{
		staking:  stk,
		lending:  lnd,
		leverage: lev,
		store:    st,
		hub:      hub,
	}
}

// Routes registers every /api/v1 endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/ws", s.hub.HandleWS)

	// Staking ledger.
	r.Post("/stake", s.Stake)
	r.Post("/unstake", s.Unstake)
	r.Post("/claim", s.Claim)
	r.Post("/compound", s.Compound)
	r.Get("/pool", s.PoolStats)
	r.Get("/accounts/{account}/shares", s.ShareBalance)
	r.Get("/accounts/{account}/withdrawals", s.Withdrawals)
	r.Get("/accounts/{account}/journal", s.Journal)

	// Lending ledger.
	r.Post("/lending/deposit", s.LendingDeposit)
	r.Post("/lending/withdraw", s.LendingWithdraw)
	r.Post("/lending/collateral/deposit", s.CollateralDeposit)
	r.Post("/lending/collateral/withdraw", s.CollateralWithdraw)
	r.Post("/lending/borrow", s.Borrow)
	r.Post("/lending/repay", s.Repay)
	r.Post("/lending/liquidate", s.Liquidate)
	r.Get("/lending/pool", s.LendingPoolStats)
	r.Get("/lending/positions/{account}", s.Position)

	// Leverage orchestrator.
	r.Post("/leverage/stake", s.LeverageStake)
	r.Get("/leverage/preview", s.LeveragePreview)

	// Admin.
	r.Post("/admin/pause", s.Pause)
	r.Post("/admin/unpause", s.Unpause)
	r.Post("/admin/fee", s.SetFee)
	r.Post("/admin/min-stake", s.SetMinStake)
}

// accountAmountRequest is the shared body of the amount-taking operations.
type accountAmountRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func decodeAccountAmount(w http.ResponseWriter, r *http.Request) (accountAmountRequest, bool) {
	var req accountAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// --- Staking handlers ---

func (s *Server) Stake(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountAmount(w, r)
	if !ok {
		return
	}
	minted, err := s.staking.Stake(r.Context(), req.Account, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"shares_minted": minted.String()})
}

func (s *Server) Unstake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string          `json:"account"`
		Shares  decimal.Decimal `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	id, err := s.staking.Unstake(r.Context(), req.Account, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]uint64{"withdrawal_id": id})
}

func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account      string `json:"account"`
		WithdrawalID uint64 `json:"withdrawal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	principal, err := s.staking.Claim(r.Context(), req.Account, req.WithdrawalID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"principal": principal.String()})
}

// Compound is permissionless: anyone may trigger a reward harvest.
func (s *Server) Compound(w http.ResponseWriter, r *http.Request) {
	net, err := s.staking.Compound(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"compounded": net.String()})
}

func (s *Server) PoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.staking.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) ShareBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	balance, err := s.staking.ShareBalance(r.Context(), account)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"account": account, "shares": balance.String()})
}

func (s *Server) Withdrawals(w http.ResponseWriter, r *http.Request) {
	views, err := s.staking.Withdrawals(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, views)
}

func (s *Server) Journal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListJournalByAccount(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.JournalEntry{}
	}
	writeJSON(w, entries)
}

// --- Lending handlers ---

func (s *Server) lendingOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string, decimal.Decimal) error) {
	req, ok := decodeAccountAmount(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), req.Account, req.Amount); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) LendingDeposit(w http.ResponseWriter, r *http.Request) {
	s.lendingOp(w, r, s.lending.Deposit)
}

func (s *Server) LendingWithdraw(w http.ResponseWriter, r *http.Request) {
	s.lendingOp(w, r, s.lending.Withdraw)
}

func (s *Server) CollateralDeposit(w http.ResponseWriter, r *http.Request) {
	s.collateralOp(w, r, s.lending.DepositCollateral)
}

func (s *Server) CollateralWithdraw(w http.ResponseWriter, r *http.Request) {
	s.collateralOp(w, r, s.lending.WithdrawCollateral)
}

func (s *Server) collateralOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string, decimal.Decimal) error) {
	var req struct {
		Account string          `json:"account"`
		Shares  decimal.Decimal `json:"shares"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), req.Account, req.Shares); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) Borrow(w http.ResponseWriter, r *http.Request) {
	s.lendingOp(w, r, s.lending.Borrow)
}

func (s *Server) Repay(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAccountAmount(w, r)
	if !ok {
		return
	}
	repaid, err := s.lending.Repay(r.Context(), req.Account, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"repaid": repaid.String()})
}

func (s *Server) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Liquidator string          `json:"liquidator"`
		Borrower   string          `json:"borrower"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Liquidator == "" || req.Borrower == "" {
		writeError(w, "liquidator and borrower are required", http.StatusBadRequest)
		return
	}
	repaid, seized, err := s.lending.Liquidate(r.Context(), req.Liquidator, req.Borrower, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{
		"repaid":        repaid.String(),
		"seized_shares": seized.String(),
	})
}

func (s *Server) LendingPoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.lending.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) Position(w http.ResponseWriter, r *http.Request) {
	view, err := s.lending.Position(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, view)
}

// --- Leverage handlers ---

func (s *Server) LeverageStake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string          `json:"account"`
		Amount  decimal.Decimal `json:"amount"`
		Loops   int             `json:"loops"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	result, err := s.leverage.Stake(r.Context(), req.Account, req.Amount, req.Loops)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, result)
}

// LeveragePreview projects a leverage loop from query parameters:
// ?account=X&amount=N&loops=K.
func (s *Server) LeveragePreview(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	loops, err := strconv.Atoi(r.URL.Query().Get("loops"))
	if err != nil {
		writeError(w, "invalid loops", http.StatusBadRequest)
		return
	}
	result, err := s.leverage.Preview(r.Context(), account, amount, loops)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, result)
}

// --- Admin handlers ---

func (s *Server) Pause(w http.ResponseWriter, r *http.Request) {
	s.adminOp(w, r, s.staking.Pause)
}

func (s *Server) Unpause(w http.ResponseWriter, r *http.Request) {
	s.adminOp(w, r, s.staking.Unpause)
}

func (s *Server) adminOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), req.Caller); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) SetFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		FeeBps int64  `json:"fee_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.staking.SetProtocolFee(r.Context(), req.Caller, req.FeeBps); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) SetMinStake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string          `json:"caller"`
		MinStake decimal.Decimal `json:"min_stake"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.staking.SetMinStake(r.Context(), req.Caller, req.MinStake); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps service sentinel errors onto HTTP statuses:
// validation failures are 400, authorization 403, unknown entities 404,
// and rejected state transitions 409.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, staking.ErrZeroAmount),
		errors.Is(err, staking.ErrBelowMinimumStake),
		errors.Is(err, lending.ErrZeroAmount),
		errors.Is(err, leverage.ErrInvalidLoops),
		errors.Is(err, model.ErrFeeTooHigh),
		errors.Is(err, model.ErrInvalidBps),
		errors.Is(err, model.ErrInvalidMinStake),
		errors.Is(err, model.ErrInvalidLoops):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, staking.ErrNotAdmin),
		errors.Is(err, staking.ErrNotWithdrawalOwner):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, staking.ErrWithdrawalNotFound),
		errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, staking.ErrPoolPaused),
		errors.Is(err, staking.ErrInsufficientShares),
		errors.Is(err, staking.ErrAlreadyClaimed),
		errors.Is(err, staking.ErrStillUnbonding),
		errors.Is(err, lending.ErrInsufficientDeposit),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrWouldBeUndercollateralized),
		errors.Is(err, lending.ErrExceedsMaxBorrow),
		errors.Is(err, lending.ErrPositionHealthy):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
