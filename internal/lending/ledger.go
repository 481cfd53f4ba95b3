// Package lending implements the lending ledger: lender deposits, claim-token
// collateral, collateralized borrowing with health-factor rules, and
// liquidation of undercollateralized positions.
//
// The ledger values collateral through a read-only exchange-rate source
// (the staking ledger); it never mutates staking state. Every mutation is
// validate-then-commit through a single store.Batch.
package lending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/fixedpoint"
	"github.com/thawlabs/staking-engine/internal/metrics"
	"github.com/thawlabs/staking-engine/internal/model"
	"github.com/thawlabs/staking-engine/internal/store"
	"github.com/thawlabs/staking-engine/internal/stream"
)

var (
	// ErrZeroAmount is returned when an operation amount is zero or negative.
	ErrZeroAmount = errors.New("lending: amount must be positive")

	// ErrInsufficientDeposit is returned when withdrawing more than the
	// lender's deposit balance.
	ErrInsufficientDeposit = errors.New("lending: insufficient deposit balance")

	// ErrInsufficientLiquidity is returned when the pool cannot cover a
	// borrow or lender withdrawal.
	ErrInsufficientLiquidity = errors.New("lending: insufficient pool liquidity")

	// ErrInsufficientShares is returned when pledging more shares than
	// the caller holds.
	ErrInsufficientShares = errors.New("lending: insufficient share balance")

	// ErrInsufficientCollateral is returned when withdrawing more
	// collateral than pledged.
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")

	// ErrWouldBeUndercollateralized is returned when a collateral
	// withdrawal would drop the health factor below 1.0.
	ErrWouldBeUndercollateralized = errors.New("lending: withdrawal would undercollateralize position")

	// ErrExceedsMaxBorrow is returned when a borrow would exceed the
	// collateral-factor limit.
	ErrExceedsMaxBorrow = errors.New("lending: borrow exceeds collateral limit")

	// ErrPositionHealthy is returned when liquidating a position whose
	// health factor is at or above 1.0.
	ErrPositionHealthy = errors.New("lending: position is healthy")
)

// RateSource exposes the claim-token exchange rate at 1e18 scale. The
// staking ledger implements it.
type RateSource interface {
	ExchangeRate(ctx context.Context) (decimal.Decimal, error)
}

// Ledger owns the lending pool state machine. Mutations are serialized by
// the engine-wide mutex shared with the staking ledger.
type Ledger struct {
	store store.Store
	rates RateSource
	mu    *sync.Mutex
	hub   *stream.Hub // optional
}

// NewLedger creates the lending ledger. mu is the engine-wide mutex;
// pass nil for hub if WebSocket broadcasting is not needed.
func NewLedger(st store.Store, rates RateSource, mu *sync.Mutex, hub *stream.Hub) *Ledger {
	return &Ledger{
		store: st,
		rates: rates,
		mu:    mu,
		hub:   hub,
	}
}

// Deposit adds amount to the caller's lender balance and pool liquidity.
func (l *Ledger) Deposit(ctx context.Context, caller string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetLendingPool(ctx)
	if err != nil {
		return err
	}
	balance, err := l.store.GetLenderDeposit(ctx, caller)
	if err != nil {
		return err
	}

	pool.TotalDeposits = pool.TotalDeposits.Add(amount)

	batch := &store.Batch{LendingPool: pool}
	batch.SetLenderDeposit(caller, balance.Add(amount))
	batch.Journal = append(batch.Journal, journal(model.KindDeposited, caller, amount, decimal.Zero, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return err
	}
	l.observePool(pool)
	metrics.LendingOpsTotal.WithLabelValues("deposit").Inc()
	slog.Info("lender deposited", "account", caller, "amount", amount.String())
	return nil
}

// Withdraw removes amount from the caller's lender balance, bounded by the
// pool's available liquidity.
func (l *Ledger) Withdraw(ctx context.Context, caller string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetLendingPool(ctx)
	if err != nil {
		return err
	}
	balance, err := l.store.GetLenderDeposit(ctx, caller)
	if err != nil {
		return err
	}
	if amount.GreaterThan(balance) {
		return ErrInsufficientDeposit
	}
	if amount.GreaterThan(pool.AvailableLiquidity()) {
		return ErrInsufficientLiquidity
	}

	pool.TotalDeposits = pool.TotalDeposits.Sub(amount)

	batch := &store.Batch{LendingPool: pool}
	batch.SetLenderDeposit(caller, balance.Sub(amount))
	batch.Journal = append(batch.Journal, journal(model.KindWithdrawn, caller, amount, decimal.Zero, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return err
	}
	l.observePool(pool)
	metrics.LendingOpsTotal.WithLabelValues("withdraw").Inc()
	slog.Info("lender withdrew", "account", caller, "amount", amount.String())
	return nil
}

// DepositCollateral pledges shares from the caller's claim-token balance
// into their position. The transfer and the position credit are one atomic
// step; pledged shares are not transferable.
func (l *Ledger) DepositCollateral(ctx context.Context, caller string, shares decimal.Decimal) error {
	if !shares.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, err := l.store.GetShareBalance(ctx, caller)
	if err != nil {
		return err
	}
	if shares.GreaterThan(balance) {
		return ErrInsufficientShares
	}
	position, err := l.store.GetPosition(ctx, caller)
	if err != nil {
		return err
	}

	position.CollateralShares = position.CollateralShares.Add(shares)

	batch := &store.Batch{Positions: []*model.LendingPosition{position}}
	batch.SetShareBalance(caller, balance.Sub(shares))
	batch.Journal = append(batch.Journal, journal(model.KindCollateralDeposited, caller, decimal.Zero, shares, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return err
	}
	metrics.LendingOpsTotal.WithLabelValues("deposit_collateral").Inc()
	slog.Info("collateral deposited", "account", caller, "shares", shares.String())
	return nil
}

// WithdrawCollateral returns pledged shares to the caller's balance,
// rejected if it would drop the health factor below 1.0 for existing debt.
func (l *Ledger) WithdrawCollateral(ctx context.Context, caller string, shares decimal.Decimal) error {
	if !shares.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	position, err := l.store.GetPosition(ctx, caller)
	if err != nil {
		return err
	}
	if shares.GreaterThan(position.CollateralShares) {
		return ErrInsufficientCollateral
	}

	remaining := position.CollateralShares.Sub(shares)
	if position.Debt.IsPositive() {
		rate, err := l.rates.ExchangeRate(ctx)
		if err != nil {
			return err
		}
		params, err := l.store.GetParams(ctx)
		if err != nil {
			return err
		}
		health := fixedpoint.HealthFactor(remaining, rate, position.Debt, params.LiquidationThresholdBps)
		if health.LessThan(fixedpoint.RateScale) {
			return ErrWouldBeUndercollateralized
		}
	}
	balance, err := l.store.GetShareBalance(ctx, caller)
	if err != nil {
		return err
	}

	position.CollateralShares = remaining

	batch := &store.Batch{Positions: []*model.LendingPosition{position}}
	batch.SetShareBalance(caller, balance.Add(shares))
	batch.Journal = append(batch.Journal, journal(model.KindCollateralWithdrawn, caller, decimal.Zero, shares, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return err
	}
	metrics.LendingOpsTotal.WithLabelValues("withdraw_collateral").Inc()
	slog.Info("collateral withdrawn", "account", caller, "shares", shares.String())
	return nil
}

// Borrow lends amount to the caller against their pledged collateral,
// bounded by the collateral-factor limit and pool liquidity.
func (l *Ledger) Borrow(ctx context.Context, caller string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetLendingPool(ctx)
	if err != nil {
		return err
	}
	if amount.GreaterThan(pool.AvailableLiquidity()) {
		return ErrInsufficientLiquidity
	}
	position, err := l.store.GetPosition(ctx, caller)
	if err != nil {
		return err
	}
	rate, err := l.rates.ExchangeRate(ctx)
	if err != nil {
		return err
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return err
	}

	headroom := fixedpoint.MaxBorrow(position.CollateralShares, rate, position.Debt, params.CollateralFactorBps)
	if amount.GreaterThan(headroom) {
		return ErrExceedsMaxBorrow
	}

	position.Debt = position.Debt.Add(amount)
	pool.TotalBorrowed = pool.TotalBorrowed.Add(amount)

	batch := &store.Batch{LendingPool: pool, Positions: []*model.LendingPosition{position}}
	batch.Journal = append(batch.Journal, journal(model.KindBorrowed, caller, amount, decimal.Zero, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return err
	}
	l.observePool(pool)
	metrics.LendingOpsTotal.WithLabelValues("borrow").Inc()
	slog.Info("borrowed", "account", caller, "amount", amount.String(), "debt", position.Debt.String())
	return nil
}

// Repay pays down the caller's debt. The amount is clamped to the
// outstanding debt; returns the amount actually repaid.
func (l *Ledger) Repay(ctx context.Context, caller string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pool, err := l.store.GetLendingPool(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	position, err := l.store.GetPosition(ctx, caller)
	if err != nil {
		return decimal.Zero, err
	}

	repaid := amount
	if repaid.GreaterThan(position.Debt) {
		repaid = position.Debt
	}

	position.Debt = position.Debt.Sub(repaid)
	pool.TotalBorrowed = pool.TotalBorrowed.Sub(repaid)

	batch := &store.Batch{LendingPool: pool, Positions: []*model.LendingPosition{position}}
	batch.Journal = append(batch.Journal, journal(model.KindRepaid, caller, repaid, decimal.Zero, ""))

	if err := l.store.Commit(ctx, batch); err != nil {
		return decimal.Zero, err
	}
	l.observePool(pool)
	metrics.LendingOpsTotal.WithLabelValues("repay").Inc()
	slog.Info("repaid", "account", caller, "amount", repaid.String(), "debt", position.Debt.String())
	return repaid, nil
}

// Liquidate lets the liquidator repay part of an unhealthy borrower's debt
// and seize collateral shares worth the repayment plus the liquidation
// bonus. Repayment is clamped to the debt; seizure is clamped to the
// borrower's pledged collateral. Returns (repaid, seized shares).
func (l *Ledger) Liquidate(ctx context.Context, liquidator, borrower string, repayAmount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if !repayAmount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	position, err := l.store.GetPosition(ctx, borrower)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	rate, err := l.rates.ExchangeRate(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	health := fixedpoint.HealthFactor(position.CollateralShares, rate, position.Debt, params.LiquidationThresholdBps)
	if health.GreaterThanOrEqual(fixedpoint.RateScale) {
		return decimal.Zero, decimal.Zero, ErrPositionHealthy
	}

	repaid := repayAmount
	if repaid.GreaterThan(position.Debt) {
		repaid = position.Debt
	}

	// Seize shares worth the repayment plus the bonus, clamped to the
	// borrower's pledged collateral.
	seized := fixedpoint.MulDivFloor(
		fixedpoint.SharesForTokens(repaid, rate),
		decimal.NewFromInt(10000+params.LiquidationBonusBps),
		fixedpoint.BpsScale,
	)
	if seized.GreaterThan(position.CollateralShares) {
		seized = position.CollateralShares
	}

	pool, err := l.store.GetLendingPool(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	liquidatorShares, err := l.store.GetShareBalance(ctx, liquidator)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	position.Debt = position.Debt.Sub(repaid)
	position.CollateralShares = position.CollateralShares.Sub(seized)
	pool.TotalBorrowed = pool.TotalBorrowed.Sub(repaid)

	batch := &store.Batch{LendingPool: pool, Positions: []*model.LendingPosition{position}}
	batch.SetShareBalance(liquidator, liquidatorShares.Add(seized))
	batch.Journal = append(batch.Journal,
		journal(model.KindLiquidated, borrower, repaid, seized, liquidator))

	if err := l.store.Commit(ctx, batch); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	l.observePool(pool)
	metrics.Liquidations.Inc()
	metrics.LendingOpsTotal.WithLabelValues("liquidate").Inc()
	slog.Info("liquidated",
		"liquidator", liquidator,
		"borrower", borrower,
		"repaid", repaid.String(),
		"seized", seized.String(),
		"health_before", health.String(),
	)
	if l.hub != nil {
		l.hub.Broadcast(stream.Message{
			Type:         "liquidated",
			Account:      borrower,
			Amount:       repaid.String(),
			Shares:       seized.String(),
			HealthFactor: health.String(),
		})
	}
	return repaid, seized, nil
}

// --- Views ---

// PoolStats is the read-only lending pool snapshot for callers.
type PoolStats struct {
	TotalDeposits           decimal.Decimal `json:"total_deposits"`
	TotalBorrowed           decimal.Decimal `json:"total_borrowed"`
	AvailableLiquidity      decimal.Decimal `json:"available_liquidity"`
	UtilizationRate         decimal.Decimal `json:"utilization_rate"`
	BorrowAPRBps            decimal.Decimal `json:"borrow_apr_bps"`
	CollateralFactorBps     int64           `json:"collateral_factor_bps"`
	LiquidationThresholdBps int64           `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64           `json:"liquidation_bonus_bps"`
	BaseRateBps             int64           `json:"base_rate_bps"`
}

// Stats returns the current lending pool snapshot.
func (l *Ledger) Stats(ctx context.Context) (*PoolStats, error) {
	pool, err := l.store.GetLendingPool(ctx)
	if err != nil {
		return nil, err
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolStats{
		TotalDeposits:           pool.TotalDeposits,
		TotalBorrowed:           pool.TotalBorrowed,
		AvailableLiquidity:      pool.AvailableLiquidity(),
		UtilizationRate:         fixedpoint.Utilization(pool.TotalBorrowed, pool.TotalDeposits),
		BorrowAPRBps:            fixedpoint.BorrowAPRBps(pool.TotalBorrowed, pool.TotalDeposits, params.BaseRateBps),
		CollateralFactorBps:     params.CollateralFactorBps,
		LiquidationThresholdBps: params.LiquidationThresholdBps,
		LiquidationBonusBps:     params.LiquidationBonusBps,
		BaseRateBps:             params.BaseRateBps,
	}, nil
}

// PositionView is a borrower's position with its derived quantities.
type PositionView struct {
	Account          string          `json:"account"`
	CollateralShares decimal.Decimal `json:"collateral_shares"`
	Debt             decimal.Decimal `json:"debt"`
	HealthFactor     decimal.Decimal `json:"health_factor"` // 1e18 scale
	MaxBorrow        decimal.Decimal `json:"max_borrow"`
	LenderDeposit    decimal.Decimal `json:"lender_deposit"`
}

// Position returns an account's position with health factor and borrow
// headroom computed against the live exchange rate.
func (l *Ledger) Position(ctx context.Context, account string) (*PositionView, error) {
	position, err := l.store.GetPosition(ctx, account)
	if err != nil {
		return nil, err
	}
	rate, err := l.rates.ExchangeRate(ctx)
	if err != nil {
		return nil, err
	}
	params, err := l.store.GetParams(ctx)
	if err != nil {
		return nil, err
	}
	deposit, err := l.store.GetLenderDeposit(ctx, account)
	if err != nil {
		return nil, err
	}
	return &PositionView{
		Account:          account,
		CollateralShares: position.CollateralShares,
		Debt:             position.Debt,
		HealthFactor:     fixedpoint.HealthFactor(position.CollateralShares, rate, position.Debt, params.LiquidationThresholdBps),
		MaxBorrow:        fixedpoint.MaxBorrow(position.CollateralShares, rate, position.Debt, params.CollateralFactorBps),
		LenderDeposit:    deposit,
	}, nil
}

// --- Internal helpers ---

func journal(kind, account string, amount, shares decimal.Decimal, refID string) model.JournalEntry {
	return model.JournalEntry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		Shares:    shares,
		RefID:     refID,
		CreatedAt: time.Now().UTC(),
	}
}

func (l *Ledger) observePool(pool *model.LendingPool) {
	metrics.Utilization.Set(fixedpoint.Utilization(pool.TotalBorrowed, pool.TotalDeposits).InexactFloat64())
}
