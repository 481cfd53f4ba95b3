package leverage_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/backend"
	"github.com/thawlabs/staking-engine/internal/lending"
	"github.com/thawlabs/staking-engine/internal/leverage"
	"github.com/thawlabs/staking-engine/internal/staking"
	"github.com/thawlabs/staking-engine/internal/store"
)

// motes converts whole tokens into motes (9 decimals).
func motes(tokens int64) decimal.Decimal {
	return decimal.New(tokens, 9)
}

type testEnv struct {
	orch    *leverage.Orchestrator
	staking *staking.Ledger
	lending *lending.Ledger
	store   *store.MemoryStore
	backend *backend.Sim
}

// newTestEnv wires all three services over a shared store and mutex, the
// way cmd/server does, and seeds the lending pool with liquidity.
func newTestEnv(t *testing.T, liquidity int64) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	be := backend.NewSim()
	var mu sync.Mutex
	stk := staking.NewLedger(ms, be, &mu, nil, "admin")
	lnd := lending.NewLedger(ms, stk, &mu, nil)
	orch := leverage.NewOrchestrator(ms, be, &mu, nil)

	if liquidity > 0 {
		if err := lnd.Deposit(context.Background(), "lender", motes(liquidity)); err != nil {
			t.Fatalf("seed liquidity: %v", err)
		}
	}
	return &testEnv{orch: orch, staking: stk, lending: lnd, store: ms, backend: be}
}

func TestStake_ThreeLoops(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	result, err := env.orch.Stake(ctx, "alice", motes(100), 3)
	if err != nil {
		t.Fatalf("leverage stake: %v", err)
	}

	// 100 staked, 75 borrowed and staked, 56.25 borrowed and staked.
	wantStaked := decimal.New(23125, 7)   // 231.25 tokens
	wantBorrowed := decimal.New(13125, 7) // 131.25 tokens
	if !result.TotalStaked.Equal(wantStaked) {
		t.Errorf("expected total staked %s, got %s", wantStaked, result.TotalStaked)
	}
	if !result.TotalBorrowed.Equal(wantBorrowed) {
		t.Errorf("expected total borrowed %s, got %s", wantBorrowed, result.TotalBorrowed)
	}
	if result.Loops != 3 {
		t.Errorf("expected 3 loops, got %d", result.Loops)
	}
	// 231.25 / 100 = 2.3125x at 1e18 scale.
	if !result.EffectiveLeverage.Equal(decimal.New(23125, 14)) {
		t.Errorf("expected leverage 2.3125e18, got %s", result.EffectiveLeverage)
	}

	// All minted shares sit in the position as collateral.
	position, err := env.lending.Position(ctx, "alice")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !position.CollateralShares.Equal(wantStaked) {
		t.Errorf("expected collateral %s, got %s", wantStaked, position.CollateralShares)
	}
	if !position.Debt.Equal(wantBorrowed) {
		t.Errorf("expected debt %s, got %s", wantBorrowed, position.Debt)
	}

	// Pool state reflects the whole loop.
	stats, _ := env.staking.Stats(ctx)
	if !stats.TotalPooled.Equal(wantStaked) {
		t.Errorf("expected pooled %s, got %s", wantStaked, stats.TotalPooled)
	}
	lendStats, _ := env.lending.Stats(ctx)
	if !lendStats.TotalBorrowed.Equal(wantBorrowed) {
		t.Errorf("expected pool borrowed %s, got %s", wantBorrowed, lendStats.TotalBorrowed)
	}

	// One delegation covering the total exposure.
	if !env.backend.Delegated().Equal(wantStaked) {
		t.Errorf("expected delegated %s, got %s", wantStaked, env.backend.Delegated())
	}

	// The loop must end healthy: 185 weighted collateral over 131.25 debt.
	if result.HealthFactor.LessThan(decimal.New(1, 18)) {
		t.Errorf("expected healthy position, got %s", result.HealthFactor)
	}
}

func TestStake_SingleLoopIsPlainStake(t *testing.T) {
	env := newTestEnv(t, 1000)
	result, err := env.orch.Stake(context.Background(), "alice", motes(100), 1)
	if err != nil {
		t.Fatalf("leverage stake: %v", err)
	}
	if !result.TotalStaked.Equal(motes(100)) || !result.TotalBorrowed.IsZero() {
		t.Errorf("expected plain 100 stake, got staked=%s borrowed=%s",
			result.TotalStaked, result.TotalBorrowed)
	}
	if !result.EffectiveLeverage.Equal(decimal.New(1, 18)) {
		t.Errorf("expected leverage 1.0, got %s", result.EffectiveLeverage)
	}
}

func TestStake_InsufficientLiquidityAbortsWhole(t *testing.T) {
	// Pool holds 50: the first borrow leg needs 75.
	env := newTestEnv(t, 50)
	ctx := context.Background()

	_, err := env.orch.Stake(ctx, "alice", motes(100), 3)
	if !errors.Is(err, lending.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	// Nothing committed anywhere, not even the initial stake.
	stats, _ := env.staking.Stats(ctx)
	if !stats.TotalPooled.IsZero() || !stats.TotalShares.IsZero() {
		t.Errorf("aborted loop must not touch the staking pool: %+v", stats)
	}
	position, _ := env.lending.Position(ctx, "alice")
	if !position.CollateralShares.IsZero() || !position.Debt.IsZero() {
		t.Errorf("aborted loop must not touch the position: %+v", position)
	}
	if !env.backend.Delegated().IsZero() {
		t.Errorf("aborted loop must not delegate: %s", env.backend.Delegated())
	}
}

func TestStake_LoopBounds(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	if _, err := env.orch.Stake(ctx, "alice", motes(100), 0); !errors.Is(err, leverage.ErrInvalidLoops) {
		t.Errorf("expected ErrInvalidLoops for 0, got %v", err)
	}
	// Default maximum is 4.
	if _, err := env.orch.Stake(ctx, "alice", motes(100), 5); !errors.Is(err, leverage.ErrInvalidLoops) {
		t.Errorf("expected ErrInvalidLoops for 5, got %v", err)
	}
}

func TestStake_BelowMinimum(t *testing.T) {
	env := newTestEnv(t, 1000)
	_, err := env.orch.Stake(context.Background(), "alice", motes(5), 2)
	if !errors.Is(err, staking.ErrBelowMinimumStake) {
		t.Errorf("expected ErrBelowMinimumStake, got %v", err)
	}
}

func TestStake_PausedPool(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	if err := env.staking.Pause(ctx, "admin"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.orch.Stake(ctx, "alice", motes(100), 2); !errors.Is(err, staking.ErrPoolPaused) {
		t.Errorf("expected ErrPoolPaused, got %v", err)
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	result, err := env.orch.Preview(ctx, "alice", motes(100), 3)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !result.TotalStaked.Equal(decimal.New(23125, 7)) {
		t.Errorf("preview must project the full loop, got %s", result.TotalStaked)
	}
	if result.NetAPYBps.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive projected APY, got %s", result.NetAPYBps)
	}

	stats, _ := env.staking.Stats(ctx)
	if !stats.TotalPooled.IsZero() {
		t.Errorf("preview must not touch the pool: %s", stats.TotalPooled)
	}
	if !env.backend.Delegated().IsZero() {
		t.Errorf("preview must not delegate: %s", env.backend.Delegated())
	}
}

func TestStake_BackendFailureAborts(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	env.backend.Fail()
	if _, err := env.orch.Stake(ctx, "alice", motes(100), 2); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("expected backend error, got %v", err)
	}
	stats, _ := env.staking.Stats(ctx)
	if !stats.TotalPooled.IsZero() {
		t.Errorf("failed delegation must not commit: %s", stats.TotalPooled)
	}
}
