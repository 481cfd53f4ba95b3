package staking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/backend"
	"github.com/thawlabs/staking-engine/internal/fixedpoint"
	"github.com/thawlabs/staking-engine/internal/model"
	"github.com/thawlabs/staking-engine/internal/staking"
	"github.com/thawlabs/staking-engine/internal/store"
)

// motes converts whole tokens into motes (9 decimals).
func motes(tokens int64) decimal.Decimal {
	return decimal.New(tokens, 9)
}

// newTestEnv creates a ledger over the in-memory store with a simulated
// backend and a fixed, advanceable clock.
func newTestEnv(t *testing.T) (*staking.Ledger, *backend.Sim, *store.MemoryStore, *time.Time) {
	t.Helper()
	ms := store.NewMemoryStore()
	be := backend.NewSim()
	var mu sync.Mutex
	led := staking.NewLedger(ms, be, &mu, nil, "admin")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	led.Clock = func() time.Time { return now }
	return led, be, ms, &now
}

func TestStake_FirstStakeMintsOneToOne(t *testing.T) {
	led, be, _, _ := newTestEnv(t)
	ctx := context.Background()

	minted, err := led.Stake(ctx, "alice", motes(1000))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if !minted.Equal(motes(1000)) {
		t.Errorf("expected 1:1 mint of %s, got %s", motes(1000), minted)
	}
	if !be.Delegated().Equal(motes(1000)) {
		t.Errorf("expected backend delegation %s, got %s", motes(1000), be.Delegated())
	}
}

func TestStake_BelowMinimumRejected(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	// Default minimum is 10 tokens.
	_, err := led.Stake(context.Background(), "alice", motes(9))
	if !errors.Is(err, staking.ErrBelowMinimumStake) {
		t.Errorf("expected ErrBelowMinimumStake, got %v", err)
	}
}

func TestStake_ZeroAmountRejected(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	_, err := led.Stake(context.Background(), "alice", decimal.Zero)
	if !errors.Is(err, staking.ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestStake_RateUnchangedWithoutCompound(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	for _, amount := range []int64{1000, 50, 12345} {
		if _, err := led.Stake(ctx, "alice", motes(amount)); err != nil {
			t.Fatalf("stake %d: %v", amount, err)
		}
	}
	rate, err := led.ExchangeRate(ctx)
	if err != nil {
		t.Fatalf("exchange rate: %v", err)
	}
	if !rate.Equal(fixedpoint.RateScale) {
		t.Errorf("staking alone must not move the rate: got %s", rate)
	}
}

func TestStake_BackendFailureLeavesStateUntouched(t *testing.T) {
	led, be, _, _ := newTestEnv(t)
	ctx := context.Background()

	be.Fail()
	if _, err := led.Stake(ctx, "alice", motes(1000)); !errors.Is(err, backend.ErrBackendUnavailable) {
		t.Fatalf("expected backend error, got %v", err)
	}
	balance, err := led.ShareBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("share balance: %v", err)
	}
	if !balance.IsZero() {
		t.Errorf("failed stake must not mint shares: got %s", balance)
	}
	stats, err := led.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.TotalPooled.IsZero() || !stats.TotalShares.IsZero() {
		t.Errorf("failed stake must not change the pool: %+v", stats)
	}
}

func TestCompound_TakesFeeAndRaisesRate(t *testing.T) {
	led, be, _, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := led.Stake(ctx, "alice", motes(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	be.AccrueRewards(motes(110))

	net, err := led.Compound(ctx)
	if err != nil {
		t.Fatalf("compound: %v", err)
	}
	// Default fee is 1000 bps: 110 rewards -> 11 fee, 99 net.
	if !net.Equal(motes(99)) {
		t.Errorf("expected net 99 tokens, got %s", net)
	}

	stats, err := led.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.TotalPooled.Equal(motes(1099)) {
		t.Errorf("expected pooled 1099, got %s", stats.TotalPooled)
	}
	if !stats.TotalShares.Equal(motes(1000)) {
		t.Errorf("compound must not mint shares: got %s", stats.TotalShares)
	}
	if !stats.TreasuryFees.Equal(motes(11)) {
		t.Errorf("expected treasury fees 11, got %s", stats.TreasuryFees)
	}
	if !stats.ExchangeRate.Equal(decimal.New(1099, 15)) { // 1.099e18
		t.Errorf("expected rate 1.099e18, got %s", stats.ExchangeRate)
	}
}

func TestCompound_ZeroRewardsIsNoOp(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	net, err := led.Compound(context.Background())
	if err != nil {
		t.Fatalf("compound: %v", err)
	}
	if !net.IsZero() {
		t.Errorf("expected zero-reward no-op, got %s", net)
	}
}

func TestUnstakeClaim_FullCycle(t *testing.T) {
	led, _, _, now := newTestEnv(t)
	ctx := context.Background()

	if _, err := led.Stake(ctx, "alice", motes(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}

	id, err := led.Unstake(ctx, "alice", motes(400))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}

	// Shares burn immediately.
	balance, _ := led.ShareBalance(ctx, "alice")
	if !balance.Equal(motes(600)) {
		t.Errorf("expected 600 shares after unstake, got %s", balance)
	}

	// Too early.
	if _, err := led.Claim(ctx, "alice", id); !errors.Is(err, staking.ErrStillUnbonding) {
		t.Errorf("expected ErrStillUnbonding, got %v", err)
	}

	// Wrong owner, any time.
	if _, err := led.Claim(ctx, "mallory", id); !errors.Is(err, staking.ErrNotWithdrawalOwner) {
		t.Errorf("expected ErrNotWithdrawalOwner, got %v", err)
	}

	*now = now.Add(14*time.Hour + time.Second)
	principal, err := led.Claim(ctx, "alice", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !principal.Equal(motes(400)) {
		t.Errorf("expected principal 400 at rate 1.0, got %s", principal)
	}

	// Exactly once.
	if _, err := led.Claim(ctx, "alice", id); !errors.Is(err, staking.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaim_UnknownWithdrawal(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	_, err := led.Claim(context.Background(), "alice", 42)
	if !errors.Is(err, staking.ErrWithdrawalNotFound) {
		t.Errorf("expected ErrWithdrawalNotFound, got %v", err)
	}
}

func TestUnstake_PrincipalLockedAtRequestTime(t *testing.T) {
	led, be, _, now := newTestEnv(t)
	ctx := context.Background()

	if _, err := led.Stake(ctx, "alice", motes(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	id, err := led.Unstake(ctx, "alice", motes(500))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}

	// A compound after the request must not change the owed principal.
	be.AccrueRewards(motes(100))
	if _, err := led.Compound(ctx); err != nil {
		t.Fatalf("compound: %v", err)
	}

	*now = now.Add(15 * time.Hour)
	principal, err := led.Claim(ctx, "alice", id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !principal.Equal(motes(500)) {
		t.Errorf("principal must be fixed at request time: got %s", principal)
	}
}

func TestUnstake_InsufficientShares(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := led.Stake(ctx, "alice", motes(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := led.Unstake(ctx, "alice", motes(101)); !errors.Is(err, staking.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestPause_BlocksStakeUnstakeButNotClaim(t *testing.T) {
	led, _, _, now := newTestEnv(t)
	ctx := context.Background()

	if _, err := led.Stake(ctx, "alice", motes(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	id, err := led.Unstake(ctx, "alice", motes(100))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}

	if err := led.Pause(ctx, "mallory"); !errors.Is(err, staking.ErrNotAdmin) {
		t.Errorf("expected ErrNotAdmin, got %v", err)
	}
	if err := led.Pause(ctx, "admin"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := led.Stake(ctx, "alice", motes(100)); !errors.Is(err, staking.ErrPoolPaused) {
		t.Errorf("expected ErrPoolPaused on stake, got %v", err)
	}
	if _, err := led.Unstake(ctx, "alice", motes(100)); !errors.Is(err, staking.ErrPoolPaused) {
		t.Errorf("expected ErrPoolPaused on unstake, got %v", err)
	}

	// Claims settle obligations already incurred, even while paused.
	*now = now.Add(15 * time.Hour)
	if _, err := led.Claim(ctx, "alice", id); err != nil {
		t.Errorf("claim while paused: %v", err)
	}

	if err := led.Unpause(ctx, "admin"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := led.Stake(ctx, "alice", motes(100)); err != nil {
		t.Errorf("stake after unpause: %v", err)
	}
}

func TestSetProtocolFee_Bounds(t *testing.T) {
	led, _, _, _ := newTestEnv(t)
	ctx := context.Background()

	if err := led.SetProtocolFee(ctx, "admin", 2500); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if err := led.SetProtocolFee(ctx, "admin", 3001); !errors.Is(err, model.ErrFeeTooHigh) {
		t.Errorf("expected ErrFeeTooHigh, got %v", err)
	}
	if err := led.SetProtocolFee(ctx, "mallory", 100); !errors.Is(err, staking.ErrNotAdmin) {
		t.Errorf("expected ErrNotAdmin, got %v", err)
	}
}

func TestWithdrawals_ClaimableFlag(t *testing.T) {
	led, _, _, now := newTestEnv(t)
	ctx := context.Background()

	if _, err := led.Stake(ctx, "alice", motes(1000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := led.Unstake(ctx, "alice", motes(100)); err != nil {
		t.Fatalf("unstake: %v", err)
	}

	views, err := led.Withdrawals(ctx, "alice")
	if err != nil {
		t.Fatalf("withdrawals: %v", err)
	}
	if len(views) != 1 || views[0].Claimable {
		t.Fatalf("expected one unclaimable withdrawal, got %+v", views)
	}

	*now = now.Add(14 * time.Hour)
	views, _ = led.Withdrawals(ctx, "alice")
	if !views[0].Claimable {
		t.Errorf("expected claimable at the unbonding boundary")
	}
}
