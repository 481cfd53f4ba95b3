// Package model defines the core domain types shared across the staking engine.
// All token and share amounts use shopspring/decimal — never float64 for money.
// Amounts are integer-valued (smallest token unit, "motes"); the exchange rate
// and health factor are 1e18-scaled fixed-point integers.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// StakingPool is the singleton pool backing the claim token. The exchange
// rate TotalPooled/TotalShares is derived, never stored.
// Invariant: TotalShares == 0 implies TotalPooled == 0.
type StakingPool struct {
	TotalPooled       decimal.Decimal `json:"total_pooled" db:"total_pooled"`
	TotalShares       decimal.Decimal `json:"total_shares" db:"total_shares"`
	WithdrawalCounter uint64          `json:"withdrawal_counter" db:"withdrawal_counter"`
	TreasuryFees      decimal.Decimal `json:"treasury_fees" db:"treasury_fees"` // cumulative protocol fees
	Paused            bool            `json:"paused" db:"paused"`
}

// WithdrawalRequest is created by unstake and claimed exactly once after the
// unbonding period. Requests are never deleted; they form an audit trail.
type WithdrawalRequest struct {
	ID           uint64          `json:"id" db:"id"`
	Owner        string          `json:"owner" db:"owner"`
	Principal    decimal.Decimal `json:"principal" db:"principal"` // native tokens owed
	SharesBurned decimal.Decimal `json:"shares_burned" db:"shares_burned"`
	RequestedAt  time.Time       `json:"requested_at" db:"requested_at"`
	ClaimableAt  time.Time       `json:"claimable_at" db:"claimable_at"`
	Claimed      bool            `json:"claimed" db:"claimed"`
}

// LendingPool is the singleton lending pool. Available liquidity is
// TotalDeposits - TotalBorrowed and must never go negative.
type LendingPool struct {
	TotalDeposits decimal.Decimal `json:"total_deposits" db:"total_deposits"`
	TotalBorrowed decimal.Decimal `json:"total_borrowed" db:"total_borrowed"`
}

// AvailableLiquidity returns TotalDeposits - TotalBorrowed, floored at zero.
func (p *LendingPool) AvailableLiquidity() decimal.Decimal {
	avail := p.TotalDeposits.Sub(p.TotalBorrowed)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// LendingPosition is a borrower's collateral/debt pair. Health factor and
// max borrow are derived from the live exchange rate, never stored.
type LendingPosition struct {
	Account          string          `json:"account" db:"account"`
	CollateralShares decimal.Decimal `json:"collateral_shares" db:"collateral_shares"`
	Debt             decimal.Decimal `json:"debt" db:"debt"`
}

// Journal entry kinds, one per state transition.
const (
	KindStaked              = "staked"
	KindUnstaked            = "unstaked"
	KindClaimed             = "claimed"
	KindCompounded          = "compounded"
	KindDeposited           = "deposited"
	KindWithdrawn           = "withdrawn"
	KindCollateralDeposited = "collateral_deposited"
	KindCollateralWithdrawn = "collateral_withdrawn"
	KindBorrowed            = "borrowed"
	KindRepaid              = "repaid"
	KindLiquidated          = "liquidated"
	KindLeverageStaked      = "leverage_staked"
)

// JournalEntry is an immutable record of a completed operation.
// Once created, these are never modified or deleted.
type JournalEntry struct {
	ID        string          `json:"id" db:"id"`
	Kind      string          `json:"kind" db:"kind"`
	Account   string          `json:"account" db:"account"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // native tokens
	Shares    decimal.Decimal `json:"shares" db:"shares"` // claim-token shares
	RefID     string          `json:"ref_id,omitempty" db:"ref_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Parameter bounds enforced at admin-update time.
var (
	ErrFeeTooHigh      = errors.New("model: protocol fee exceeds 3000 bps")
	ErrInvalidBps      = errors.New("model: bps parameter out of range")
	ErrInvalidMinStake = errors.New("model: min stake must be positive")
	ErrInvalidLoops    = errors.New("model: max leverage loops must be between 1 and 10")
)

// MaxProtocolFeeBps caps the protocol fee taken from compounded rewards.
const MaxProtocolFeeBps = 3000

// Params holds the protocol configuration. Set at initialization and
// admin-mutable within validated bounds.
type Params struct {
	CollateralFactorBps     int64           `json:"collateral_factor_bps"`
	LiquidationThresholdBps int64           `json:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64           `json:"liquidation_bonus_bps"`
	ProtocolFeeBps          int64           `json:"protocol_fee_bps"`
	BaseRateBps             int64           `json:"base_rate_bps"`
	StakingAPYBps           int64           `json:"staking_apy_bps"` // heuristic, projections only
	MinStake                decimal.Decimal `json:"min_stake"`
	UnbondingPeriod         time.Duration   `json:"unbonding_period"`
	MaxLeverageLoops        int             `json:"max_leverage_loops"`
}

// DefaultParams returns the protocol defaults: 75% collateral factor,
// 80% liquidation threshold, 5% liquidation bonus, 10% protocol fee,
// 10 token (1e10 motes) minimum stake, 14h unbonding, 4 leverage loops.
func DefaultParams() *Params {
	return &Params{
		CollateralFactorBps:     7500,
		LiquidationThresholdBps: 8000,
		LiquidationBonusBps:     500,
		ProtocolFeeBps:          1000,
		BaseRateBps:             500,
		StakingAPYBps:           800,
		MinStake:                decimal.New(1, 10), // 10 tokens at 9 decimals
		UnbondingPeriod:         14 * time.Hour,
		MaxLeverageLoops:        4,
	}
}

// Validate range-checks every parameter. Called on every admin update.
func (p *Params) Validate() error {
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps > MaxProtocolFeeBps {
		return ErrFeeTooHigh
	}
	if p.CollateralFactorBps <= 0 || p.CollateralFactorBps > 10000 {
		return ErrInvalidBps
	}
	if p.LiquidationThresholdBps < p.CollateralFactorBps || p.LiquidationThresholdBps > 10000 {
		return ErrInvalidBps
	}
	if p.LiquidationBonusBps < 0 || p.LiquidationBonusBps > 10000 {
		return ErrInvalidBps
	}
	if p.BaseRateBps < 0 || p.BaseRateBps > 10000 {
		return ErrInvalidBps
	}
	if p.StakingAPYBps < 0 || p.StakingAPYBps > 10000 {
		return ErrInvalidBps
	}
	if !p.MinStake.IsPositive() {
		return ErrInvalidMinStake
	}
	if p.MaxLeverageLoops < 1 || p.MaxLeverageLoops > 10 {
		return ErrInvalidLoops
	}
	return nil
}
