// Package leverage composes the staking and lending ledgers into a bounded
// recursive loop: stake, pledge the minted shares as collateral, borrow
// against them, and stake the proceeds again.
//
// The orchestrator is all-or-nothing. Every iteration is computed against
// a read snapshot of both pools; the first constraint violation aborts the
// whole operation with no state change. On success the combined write set
// commits as a single store.Batch and the backend receives one delegation
// for the total exposure.
package leverage

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
	"github.com/thawlabs/staking-engine/internal/lending"
	"github.com/thawlabs/staking-engine/internal/metrics"
	"github.com/thawlabs/staking-engine/internal/model"
	"github.com/thawlabs/staking-engine/internal/staking"
	"github.com/thawlabs/staking-engine/internal/store"
	"github.com/thawlabs/staking-engine/internal/stream"
)

// ErrInvalidLoops is returned when the requested loop count is zero or
// exceeds the configured maximum.
var ErrInvalidLoops = errors.New("leverage: loop count out of range")

// Orchestrator runs leveraged staking loops over the shared store. It holds
// the same engine-wide mutex as the two ledgers, so a loop observes and
// mutates both pools atomically with respect to every other operation.
type Orchestrator struct {
	store   store.Store
	backend backend.StakingBackend
	mu      *sync.Mutex
	hub     *stream.Hub // optional
}

// NewOrchestrator creates the leverage orchestrator. mu is the engine-wide
// mutex shared with the staking and lending ledgers.
func NewOrchestrator(st store.Store, be backend.StakingBackend, mu *sync.Mutex, hub *stream.Hub) *Orchestrator {
	return &Orchestrator{
		store:   st,
		backend: be,
		mu:      mu,
		hub:     hub,
	}
}

// Result reports the outcome of a leverage loop, executed or previewed.
type Result struct {
	InitialStake      decimal.Decimal `json:"initial_stake"`
	TotalStaked       decimal.Decimal `json:"total_staked"`
	TotalBorrowed     decimal.Decimal `json:"total_borrowed"`
	CollateralShares  decimal.Decimal `json:"collateral_shares"`
	Loops             int             `json:"loops"`
	EffectiveLeverage decimal.Decimal `json:"effective_leverage"` // 1e18 scale
	HealthFactor      decimal.Decimal `json:"health_factor"`      // 1e18 scale
	NetAPYBps         decimal.Decimal `json:"net_apy_bps"`        // heuristic projection
}

// plan is the computed write set for one leverage loop: post-loop pool and
// position states plus the loop totals.
type plan struct {
	stakingPool *model.StakingPool
	lendingPool *model.LendingPool
	position    *model.LendingPosition
	result      *Result
}

// Stake runs a leverage loop for caller: the initial stake plus up to
// loops-1 borrow-and-restake iterations. All minted shares are pledged as
// collateral. Any constraint violation aborts with no state change.
func (o *Orchestrator) Stake(ctx context.Context, caller string, amount decimal.Decimal, loops int) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.compute(ctx, caller, amount, loops)
	if err != nil {
		return nil, err
	}

	// One delegation for the whole exposure; the borrowed legs never
	// leave the engine.
	if err := o.backend.Delegate(ctx, p.result.TotalStaked); err != nil {
		return nil, fmt.Errorf("leverage: delegate: %w", err)
	}

	batch := &store.Batch{
		StakingPool: p.stakingPool,
		LendingPool: p.lendingPool,
		Positions:   []*model.LendingPosition{p.position},
	}
	batch.Journal = append(batch.Journal, model.JournalEntry{
		ID:        uuid.New().String(),
		Kind:      model.KindLeverageStaked,
		Account:   caller,
		Amount:    p.result.TotalStaked,
		Shares:    p.result.CollateralShares,
		RefID:     fmt.Sprintf("loops=%d", p.result.Loops),
		CreatedAt: time.Now().UTC(),
	})

	if err := o.store.Commit(ctx, batch); err != nil {
		return nil, err
	}

	rate := fixedpoint.Rate(p.stakingPool.TotalPooled, p.stakingPool.TotalShares)
	metrics.ExchangeRate.Set(rate.Div(fixedpoint.RateScale).InexactFloat64())
	metrics.Utilization.Set(fixedpoint.Utilization(p.lendingPool.TotalBorrowed, p.lendingPool.TotalDeposits).InexactFloat64())
	metrics.LeverageLoopsTotal.WithLabelValues(fmt.Sprintf("%d", p.result.Loops)).Inc()
	slog.Info("leverage staked",
		"account", caller,
		"initial", amount.String(),
		"total_staked", p.result.TotalStaked.String(),
		"total_borrowed", p.result.TotalBorrowed.String(),
		"loops", p.result.Loops,
		"health", p.result.HealthFactor.String(),
	)
	if o.hub != nil {
		o.hub.Broadcast(stream.Message{
			Type:         "leverage_staked",
			Account:      caller,
			Amount:       p.result.TotalStaked.String(),
			Shares:       p.result.CollateralShares.String(),
			ExchangeRate: rate.String(),
			HealthFactor: p.result.HealthFactor.String(),
		})
	}
	return p.result, nil
}

// Preview computes the projected outcome of a leverage loop without
// touching any state. It applies the same validation as Stake.
func (o *Orchestrator) Preview(ctx context.Context, caller string, amount decimal.Decimal, loops int) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.compute(ctx, caller, amount, loops)
	if err != nil {
		return nil, err
	}
	return p.result, nil
}

// compute validates the request and simulates the whole loop against a
// read snapshot. It returns the post-loop states without writing anything;
// callers commit the plan or discard it.
func (o *Orchestrator) compute(ctx context.Context, caller string, amount decimal.Decimal, loops int) (*plan, error) {
	if !amount.IsPositive() {
		return nil, staking.ErrZeroAmount
	}
	params, err := o.store.GetParams(ctx)
	if err != nil {
		return nil, err
	}
	if loops < 1 || loops > params.MaxLeverageLoops {
		return nil, ErrInvalidLoops
	}
	if amount.LessThan(params.MinStake) {
		return nil, staking.ErrBelowMinimumStake
	}

	stakingPool, err := o.store.GetStakingPool(ctx)
	if err != nil {
		return nil, err
	}
	if stakingPool.Paused {
		return nil, staking.ErrPoolPaused
	}
	lendingPool, err := o.store.GetLendingPool(ctx)
	if err != nil {
		return nil, err
	}
	position, err := o.store.GetPosition(ctx, caller)
	if err != nil {
		return nil, err
	}

	totalStaked := decimal.Zero
	totalBorrowed := decimal.Zero
	mintedTotal := decimal.Zero
	executedLoops := 0

	stake := amount
	for i := 0; i < loops; i++ {
		minted := fixedpoint.SharesForStake(stake, stakingPool.TotalPooled, stakingPool.TotalShares)
		stakingPool.TotalPooled = stakingPool.TotalPooled.Add(stake)
		stakingPool.TotalShares = stakingPool.TotalShares.Add(minted)
		position.CollateralShares = position.CollateralShares.Add(minted)
		totalStaked = totalStaked.Add(stake)
		mintedTotal = mintedTotal.Add(minted)
		executedLoops++

		if i == loops-1 {
			break
		}

		// Each leg borrows the full headroom at that point, which is
		// bounded above by the collateral factor of the leg's own
		// minted shares.
		rate := fixedpoint.Rate(stakingPool.TotalPooled, stakingPool.TotalShares)
		borrow := fixedpoint.MaxBorrow(position.CollateralShares, rate, position.Debt, params.CollateralFactorBps)
		if borrow.IsZero() {
			// Floor division has ground the leg to dust; stop here
			// rather than stake nothing.
			break
		}
		if borrow.GreaterThan(lendingPool.AvailableLiquidity()) {
			return nil, lending.ErrInsufficientLiquidity
		}

		position.Debt = position.Debt.Add(borrow)
		lendingPool.TotalBorrowed = lendingPool.TotalBorrowed.Add(borrow)
		totalBorrowed = totalBorrowed.Add(borrow)
		stake = borrow
	}

	rate := fixedpoint.Rate(stakingPool.TotalPooled, stakingPool.TotalShares)
	leverage := fixedpoint.MulDivFloor(totalStaked, fixedpoint.RateScale, amount)
	return &plan{
		stakingPool: stakingPool,
		lendingPool: lendingPool,
		position:    position,
		result: &Result{
			InitialStake:      amount,
			TotalStaked:       totalStaked,
			TotalBorrowed:     totalBorrowed,
			CollateralShares:  mintedTotal,
			Loops:             executedLoops,
			EffectiveLeverage: leverage,
			HealthFactor:      fixedpoint.HealthFactor(position.CollateralShares, rate, position.Debt, params.LiquidationThresholdBps),
			NetAPYBps:         netAPYBps(leverage, params.StakingAPYBps, fixedpoint.BorrowAPRBps(lendingPool.TotalBorrowed, lendingPool.TotalDeposits, params.BaseRateBps)),
		},
	}, nil
}

// netAPYBps projects the levered yield: staking APY on the full exposure
// minus the borrow APR on the borrowed legs.
//
//	net = apy·L − apr·(L−1)   where L is the effective leverage
//
// A display heuristic only; it assumes both rates hold constant.
func netAPYBps(leverage decimal.Decimal, stakingAPYBps int64, borrowAPRBps decimal.Decimal) decimal.Decimal {
	lev := leverage.Div(fixedpoint.RateScale)
	earn := decimal.NewFromInt(stakingAPYBps).Mul(lev)
	pay := borrowAPRBps.Mul(lev.Sub(decimal.NewFromInt(1)))
	return earn.Sub(pay).Round(2)
}
