// Package staking implements the staking ledger: the pooled-balance /
// share-supply pair behind the claim token, the delayed withdrawal queue,
// and the permissionless compound operation that raises the exchange rate.
//
// Every mutation is validate-then-commit: constraints are checked against
// reads first, then the whole write set is applied as one store.Batch.
// No operation leaves partial writes on any rejection path.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/backend"
	"github.com/thawlabs/staking-engine/internal/fixedpoint"
	"github.com/thawlabs/staking-engine/internal/metrics"
	"github.com/thawlabs/staking-engine/internal/model"
	"github.com/thawlabs/staking-engine/internal/store"
	"github.com/thawlabs/staking-engine/internal/stream"
)

var (
	// ErrPoolPaused is returned when stake/unstake is attempted on a
	// paused pool. Claims still work while paused.
	ErrPoolPaused = errors.New("staking: pool is paused")

	// ErrBelowMinimumStake is returned when the stake amount is below
	// the configured minimum.
	ErrBelowMinimumStake = errors.New("staking: amount below minimum stake")

	// ErrZeroAmount is returned when an operation amount is zero or negative.
	ErrZeroAmount = errors.New("staking: amount must be positive")

	// ErrInsufficientShares is returned when unstaking more shares than
	// the caller holds.
	ErrInsufficientShares = errors.New("staking: insufficient share balance")

	// ErrWithdrawalNotFound is returned for an unknown withdrawal id.
	ErrWithdrawalNotFound = errors.New("staking: withdrawal not found")

	// ErrNotWithdrawalOwner is returned when a claim comes from an
	// account other than the withdrawal's creator.
	ErrNotWithdrawalOwner = errors.New("staking: not the withdrawal owner")

	// ErrAlreadyClaimed is returned on a second claim of the same id.
	ErrAlreadyClaimed = errors.New("staking: withdrawal already claimed")

	// ErrStillUnbonding is returned when claiming before the unbonding
	// period ends. Retryable later.
	ErrStillUnbonding = errors.New("staking: withdrawal still unbonding")

	// ErrNotAdmin is returned when a non-admin account calls an admin
	// operation.
	ErrNotAdmin = errors.New("staking: caller is not admin")
)

// Ledger owns the staking pool state machine. Mutations are serialized by
// an engine-wide mutex shared with the lending ledger and the leverage
// orchestrator, so pool-wide totals are never observed mid-update.
type Ledger struct {
	store   store.Store
	backend backend.StakingBackend
	mu      *sync.Mutex
	hub     *stream.Hub // optional
	admin   string

	// Clock is the time source for withdrawal timestamps. Overridable
	// in tests.
	Clock func() time.Time
}

// NewLedger creates the staking ledger. mu is the engine-wide mutex;
// pass nil for hub if WebSocket broadcasting is not needed.
func NewLedger(st store.Store, be backend.StakingBackend, mu *sync.Mutex, hub *stream.Hub, admin string) *Ledger {
	return &Ledger{
		store:   st,
		backend: be,
		mu:      mu,
		hub:     hub,
		admin:   admin,
		Clock:   time.Now,
	}
}

// Stake converts amount native tokens into claim-token shares for caller
// and forwards the tokens to the staking backend. Returns minted shares.
func (l *Ledger) Stake(ctx context.Context, caller string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetStakingPool(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if pool.Paused {
		return decimal.Zero, ErrPoolPaused
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.LessThan(params.MinStake) {
		return decimal.Zero, ErrBelowMinimumStake
	}
	balance, err := l.store.GetShareBalance(ctx, caller)
	if err != nil {
		return decimal.Zero, err
	}

	minted := fixedpoint.SharesForStake(amount, pool.TotalPooled, pool.TotalShares)
	pool.TotalPooled = pool.TotalPooled.Add(amount)
	pool.TotalShares = pool.TotalShares.Add(minted)

	// Backend delegation must succeed before anything is committed;
	// failure aborts the whole operation.
	if err := l.backend.Delegate(ctx, amount); err != nil {
		return decimal.Zero, fmt.Errorf("staking: delegate: %w", err)
	}

	batch := &store.Batch{StakingPool: pool}
	batch.SetShareBalance(caller, balance.Add(minted))
	batch.Journal = append(batch.Journal, l.journal(model.KindStaked, caller, amount, minted, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return decimal.Zero, err
	}

	rate := fixedpoint.Rate(pool.TotalPooled, pool.TotalShares)
	l.observeRate(rate)
	metrics.StakingOpsTotal.WithLabelValues("stake").Inc()
	slog.Info("staked",
		"account", caller,
		"amount", amount.String(),
		"minted", minted.String(),
		"rate", rate.String(),
	)
	l.publish(stream.Message{
		Type:         "staked",
		Account:      caller,
		Amount:       amount.String(),
		Shares:       minted.String(),
		ExchangeRate: rate.String(),
	})
	return minted, nil
}

// Unstake burns shares immediately, requests undelegation from the backend,
// and queues a withdrawal claimable after the unbonding period. Returns the
// new withdrawal id.
func (l *Ledger) Unstake(ctx context.Context, caller string, shares decimal.Decimal) (uint64, error) {
	if !shares.IsPositive() {
		return 0, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetStakingPool(ctx)
	if err != nil {
		return 0, err
	}
	if pool.Paused {
		return 0, ErrPoolPaused
	}
	balance, err := l.store.GetShareBalance(ctx, caller)
	if err != nil {
		return 0, err
	}
	if shares.GreaterThan(balance) {
		return 0, ErrInsufficientShares
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return 0, err
	}

	principal := fixedpoint.PrincipalForShares(shares, pool.TotalPooled, pool.TotalShares)
	pool.TotalPooled = pool.TotalPooled.Sub(principal)
	pool.TotalShares = pool.TotalShares.Sub(shares)

	id := pool.WithdrawalCounter
	pool.WithdrawalCounter++

	if err := l.backend.Undelegate(ctx, principal); err != nil {
		return 0, fmt.Errorf("staking: undelegate: %w", err)
	}

	now := l.Clock().UTC()
	request := &model.WithdrawalRequest{
		ID:           id,
		Owner:        caller,
		Principal:    principal,
		SharesBurned: shares,
		RequestedAt:  now,
		ClaimableAt:  now.Add(params.UnbondingPeriod),
	}

	batch := &store.Batch{StakingPool: pool, NewWithdrawal: request}
	batch.SetShareBalance(caller, balance.Sub(shares))
	batch.Journal = append(batch.Journal,
		l.journal(model.KindUnstaked, caller, principal, shares, fmt.Sprintf("%d", id)))

	if err := l.store.Commit(ctx, batch); err != nil {
		return 0, err
	}

	rate := fixedpoint.Rate(pool.TotalPooled, pool.TotalShares)
	l.observeRate(rate)
	metrics.StakingOpsTotal.WithLabelValues("unstake").Inc()
	slog.Info("unstaked",
		"account", caller,
		"shares", shares.String(),
		"principal", principal.String(),
		"withdrawal_id", id,
		"claimable_at", request.ClaimableAt,
	)
	l.publish(stream.Message{
		Type:         "unstaked",
		Account:      caller,
		Amount:       principal.String(),
		Shares:       shares.String(),
		ExchangeRate: rate.String(),
		WithdrawalID: id,
	})
	return id, nil
}

// Claim pays out a matured withdrawal exactly once. Works while the pool
// is paused: claims settle obligations already incurred.
func (l *Ledger) Claim(ctx context.Context, caller string, id uint64) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	request, err := l.store.GetWithdrawal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, ErrWithdrawalNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	if request.Owner != caller {
		return decimal.Zero, ErrNotWithdrawalOwner
	}
	if request.Claimed {
		return decimal.Zero, ErrAlreadyClaimed
	}
	if l.Clock().UTC().Before(request.ClaimableAt) {
		return decimal.Zero, ErrStillUnbonding
	}

	batch := &store.Batch{ClaimWithdrawalID: &id}
	batch.Journal = append(batch.Journal,
		l.journal(model.KindClaimed, caller, request.Principal, request.SharesBurned, fmt.Sprintf("%d", id)))

	if err := l.store.Commit(ctx, batch); err != nil {
		return decimal.Zero, err
	}

	metrics.StakingOpsTotal.WithLabelValues("claim").Inc()
	slog.Info("claimed",
		"account", caller,
		"withdrawal_id", id,
		"principal", request.Principal.String(),
	)
	return request.Principal, nil
}

// Compound harvests backend rewards, takes the protocol fee for the
// treasury, adds the remainder to the pool, and re-delegates it. This is
// the only mechanism that raises the exchange rate; no shares are minted.
// Callable by anyone; zero pending rewards is a benign no-op returning zero.
func (l *Ledger) Compound(ctx context.Context) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rewards, err := l.backend.PendingRewards(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("staking: pending rewards: %w", err)
	}
	if rewards.IsZero() {
		return decimal.Zero, nil
	}

	pool, err := l.store.GetStakingPool(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := l.backend.WithdrawRewards(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("staking: withdraw rewards: %w", err)
	}

	fee := fixedpoint.ApplyBps(rewards, params.ProtocolFeeBps)
	net := rewards.Sub(fee)

	pool.TotalPooled = pool.TotalPooled.Add(net)
	pool.TreasuryFees = pool.TreasuryFees.Add(fee)

	if net.IsPositive() {
		if err := l.backend.Delegate(ctx, net); err != nil {
			return decimal.Zero, fmt.Errorf("staking: re-delegate rewards: %w", err)
		}
	}

	batch := &store.Batch{StakingPool: pool}
	batch.Journal = append(batch.Journal, l.journal(model.KindCompounded, "protocol", net, decimal.Zero, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return decimal.Zero, err
	}

	rate := fixedpoint.Rate(pool.TotalPooled, pool.TotalShares)
	l.observeRate(rate)
	metrics.StakingOpsTotal.WithLabelValues("compound").Inc()
	slog.Info("compounded",
		"rewards", rewards.String(),
		"fee", fee.String(),
		"net", net.String(),
		"rate", rate.String(),
	)
	l.publish(stream.Message{
		Type:         "compounded",
		Amount:       net.String(),
		ExchangeRate: rate.String(),
	})
	return net, nil
}

// --- Admin operations ---

// Pause stops stake and unstake. Claims remain allowed.
func (l *Ledger) Pause(ctx context.Context, caller string) error {
	return l.setPaused(ctx, caller, true)
}

// Unpause re-enables stake and unstake.
func (l *Ledger) Unpause(ctx context.Context, caller string) error {
	return l.setPaused(ctx, caller, false)
}

func (l *Ledger) setPaused(ctx context.Context, caller string, paused bool) error {
	if caller != l.admin {
		return ErrNotAdmin
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetStakingPool(ctx)
	if err != nil {
		return err
	}
	pool.Paused = paused
	if err := l.store.Commit(ctx, &store.Batch{StakingPool: pool}); err != nil {
		return err
	}
	slog.Info("pause state changed", "by", caller, "paused", paused)
	return nil
}

// SetProtocolFee updates the protocol fee, range-checked against the cap.
func (l *Ledger) SetProtocolFee(ctx context.Context, caller string, bps int64) error {
	return l.updateParams(ctx, caller, func(p *model.Params) { p.ProtocolFeeBps = bps })
}

// SetMinStake updates the minimum stake amount.
func (l *Ledger) SetMinStake(ctx context.Context, caller string, minStake decimal.Decimal) error {
	return l.updateParams(ctx, caller, func(p *model.Params) { p.MinStake = minStake })
}

func (l *Ledger) updateParams(ctx context.Context, caller string, mutate func(*model.Params)) error {
	if caller != l.admin {
		return ErrNotAdmin
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	params, err := l.store.GetParams(ctx)
	if err != nil {
		return err
	}
	mutate(params)
	if err := params.Validate(); err != nil {
		return err
	}
	if err := l.store.SaveParams(ctx, params); err != nil {
		return err
	}
	slog.Info("params updated", "by", caller)
	return nil
}

// --- Views ---

// PoolStats is the read-only staking pool snapshot for callers.
type PoolStats struct {
	TotalPooled    decimal.Decimal `json:"total_pooled"`
	TotalShares    decimal.Decimal `json:"total_shares"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"` // 1e18 scale
	TreasuryFees   decimal.Decimal `json:"treasury_fees"`
	Paused         bool            `json:"paused"`
	MinStake       decimal.Decimal `json:"min_stake"`
	ProtocolFeeBps int64           `json:"protocol_fee_bps"`
}

// Stats returns the current pool snapshot.
func (l *Ledger) Stats(ctx context.Context) (*PoolStats, error) {
	pool, err := l.store.GetStakingPool(ctx)
	if err != nil {
		return nil, err
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolStats{
		TotalPooled:    pool.TotalPooled,
		TotalShares:    pool.TotalShares,
		ExchangeRate:   fixedpoint.Rate(pool.TotalPooled, pool.TotalShares),
		TreasuryFees:   pool.TreasuryFees,
		Paused:         pool.Paused,
		MinStake:       params.MinStake,
		ProtocolFeeBps: params.ProtocolFeeBps,
	}, nil
}

// ShareBalance returns an account's claim-token balance.
func (l *Ledger) ShareBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	return l.store.GetShareBalance(ctx, account)
}

// WithdrawalView is a withdrawal request with its computed claimable flag.
type WithdrawalView struct {
	model.WithdrawalRequest
	Claimable bool `json:"claimable"`
}

// Withdrawals returns an account's withdrawal requests with the claimable
// flag computed against the current clock.
func (l *Ledger) Withdrawals(ctx context.Context, owner string) ([]WithdrawalView, error) {
	requests, err := l.store.ListWithdrawalsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := l.Clock().UTC()
	views := make([]WithdrawalView, 0, len(requests))
	for _, r := range requests {
		views = append(views, WithdrawalView{
			WithdrawalRequest: r,
			Claimable:         !r.Claimed && !now.Before(r.ClaimableAt),
		})
	}
	return views, nil
}

// ExchangeRate returns the current rate at 1e18 scale.
func (l *Ledger) ExchangeRate(ctx context.Context) (decimal.Decimal, error) {
	pool, err := l.store.GetStakingPool(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Rate(pool.TotalPooled, pool.TotalShares), nil
}

// --- Internal helpers ---

func (l *Ledger) journal(kind, account string, amount, shares decimal.Decimal, refID string) model.JournalEntry {
	return model.JournalEntry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		Shares:    shares,
		RefID:     refID,
		CreatedAt: l.Clock().UTC(),
	}
}

func (l *Ledger) publish(msg stream.Message) {
	if l.hub != nil {
		l.hub.Broadcast(msg)
	}
}

func (l *Ledger) observeRate(rate decimal.Decimal) {
	metrics.ExchangeRate.Set(rate.Div(fixedpoint.RateScale).InexactFloat64())
}
