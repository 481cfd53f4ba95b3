// Package fixedpoint implements the share/exchange-rate arithmetic of the
// liquid staking pool and the collateral math of the lending pool.
//
// Conventions:
//   - Token and share amounts are integer-valued decimals (smallest unit).
//   - The exchange rate and health factor are integers scaled by 1e18.
//   - Divisions round down: staking mints and unstake payouts always favor
//     the pool, never the caller.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fixedpoint

import "github.com/shopspring/decimal"

var (
	// RateScale is the 1e18 fixed-point scale for exchange rates and
	// health factors.
	RateScale = decimal.New(1, 18)

	// BpsScale is the basis-point denominator: 10000 bps = 100%.
	BpsScale = decimal.NewFromInt(10000)

	// MaxHealth is the health factor reported for positions with zero
	// debt. Large enough to compare above any reachable real value.
	MaxHealth = decimal.New(1, 36)
)

// rateSlopeK is the utilization slope divisor in the linear borrow-rate
// model: apr = base + utilization * base / rateSlopeK.
const rateSlopeK = 2

// MulDivFloor returns floor(a * b / c). Panics if c is zero, mirroring
// integer division; callers guard the zero-denominator cases explicitly.
func MulDivFloor(a, b, c decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(c, 0)
	return q
}

// Rate returns the exchange rate totalPooled/totalShares at 1e18 scale.
// An empty pool has rate exactly 1e18 (one share is worth one token).
func Rate(totalPooled, totalShares decimal.Decimal) decimal.Decimal {
	if totalShares.IsZero() {
		return RateScale
	}
	return MulDivFloor(totalPooled, RateScale, totalShares)
}

// SharesForStake returns the shares minted for staking amount tokens.
// The first stake mints 1:1; afterwards minted = floor(amount·shares/pooled).
func SharesForStake(amount, totalPooled, totalShares decimal.Decimal) decimal.Decimal {
	if totalShares.IsZero() || totalPooled.IsZero() {
		return amount
	}
	return MulDivFloor(amount, totalShares, totalPooled)
}

// PrincipalForShares returns the tokens owed for burning shares:
// floor(shares·pooled/shares_total). Zero when the pool has no shares.
func PrincipalForShares(shares, totalPooled, totalShares decimal.Decimal) decimal.Decimal {
	if totalShares.IsZero() {
		return decimal.Zero
	}
	return MulDivFloor(shares, totalPooled, totalShares)
}

// SharesForTokens converts a token amount into shares at the given
// 1e18-scaled rate: floor(amount·1e18/rate). Used to price collateral
// seizure during liquidation.
func SharesForTokens(amount, rate decimal.Decimal) decimal.Decimal {
	return MulDivFloor(amount, RateScale, rate)
}

// TokensForShares converts shares into token value at the given
// 1e18-scaled rate: floor(shares·rate/1e18).
func TokensForShares(shares, rate decimal.Decimal) decimal.Decimal {
	return MulDivFloor(shares, rate, RateScale)
}

// ApplyBps returns floor(amount · bps / 10000).
func ApplyBps(amount decimal.Decimal, bps int64) decimal.Decimal {
	return MulDivFloor(amount, decimal.NewFromInt(bps), BpsScale)
}

// HealthFactor returns the 1e18-scaled safety margin
//
//	collateralShares · rate · liquidationThresholdBps / (debt · 10000)
//
// Below 1e18 the position is liquidatable. Zero debt reports MaxHealth.
func HealthFactor(collateralShares, rate, debt decimal.Decimal, liquidationThresholdBps int64) decimal.Decimal {
	if debt.IsZero() {
		return MaxHealth
	}
	weighted := ApplyBps(TokensForShares(collateralShares, rate), liquidationThresholdBps)
	return MulDivFloor(weighted, RateScale, debt)
}

// MaxBorrow returns the additional tokens an account may borrow:
// max(0, collateralShares·rate·collateralFactorBps/10000 − debt).
func MaxBorrow(collateralShares, rate, debt decimal.Decimal, collateralFactorBps int64) decimal.Decimal {
	limit := ApplyBps(TokensForShares(collateralShares, rate), collateralFactorBps)
	headroom := limit.Sub(debt)
	if headroom.IsNegative() {
		return decimal.Zero
	}
	return headroom
}

// Utilization returns totalBorrowed/totalDeposits as a plain ratio in
// [0, 1], or zero for an empty pool. A display quantity, not ledger state.
func Utilization(totalBorrowed, totalDeposits decimal.Decimal) decimal.Decimal {
	if totalDeposits.IsZero() {
		return decimal.Zero
	}
	return totalBorrowed.DivRound(totalDeposits, 6)
}

// BorrowAPRBps returns the utilization-scaled borrow APR in basis points:
//
//	apr = base + utilization · base / k   (k = 2)
//
// A linear heuristic display rate; it carries no safety invariants.
func BorrowAPRBps(totalBorrowed, totalDeposits decimal.Decimal, baseRateBps int64) decimal.Decimal {
	base := decimal.NewFromInt(baseRateBps)
	util := Utilization(totalBorrowed, totalDeposits)
	return base.Add(util.Mul(base).DivRound(decimal.NewFromInt(rateSlopeK), 2))
}
