package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All token and share amounts are stored as NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS staking_pool (
	id                 INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	total_pooled       NUMERIC NOT NULL,
	total_shares       NUMERIC NOT NULL,
	withdrawal_counter BIGINT  NOT NULL,
	treasury_fees      NUMERIC NOT NULL,
	paused             BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS lending_pool (
	id             INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	total_deposits NUMERIC NOT NULL,
	total_borrowed NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS share_balances (
	account TEXT PRIMARY KEY,
	shares  NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS lender_deposits (
	account TEXT PRIMARY KEY,
	amount  NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account           TEXT PRIMARY KEY,
	collateral_shares NUMERIC NOT NULL,
	debt              NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS withdrawals (
	id            BIGINT PRIMARY KEY,
	owner         TEXT        NOT NULL,
	principal     NUMERIC     NOT NULL,
	shares_burned NUMERIC     NOT NULL,
	requested_at  TIMESTAMPTZ NOT NULL,
	claimable_at  TIMESTAMPTZ NOT NULL,
	claimed       BOOLEAN     NOT NULL
);
CREATE INDEX IF NOT EXISTS withdrawals_owner_idx ON withdrawals (owner);
CREATE TABLE IF NOT EXISTS params (
	id                        INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	collateral_factor_bps     BIGINT  NOT NULL,
	liquidation_threshold_bps BIGINT  NOT NULL,
	liquidation_bonus_bps     BIGINT  NOT NULL,
	protocol_fee_bps          BIGINT  NOT NULL,
	base_rate_bps             BIGINT  NOT NULL,
	staking_apy_bps           BIGINT  NOT NULL,
	min_stake                 NUMERIC NOT NULL,
	unbonding_period_ms       BIGINT  NOT NULL,
	max_leverage_loops        INT     NOT NULL
);
CREATE TABLE IF NOT EXISTS journal (
	id         TEXT PRIMARY KEY,
	kind       TEXT        NOT NULL,
	account    TEXT        NOT NULL,
	amount     NUMERIC     NOT NULL,
	shares     NUMERIC     NOT NULL,
	ref_id     TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_account_idx ON journal (account, created_at);
`

// Migrate creates the schema and seeds the singleton rows on first run.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO staking_pool (id, total_pooled, total_shares, withdrawal_counter, treasury_fees, paused)
		 VALUES (1, 0, 0, 0, 0, FALSE) ON CONFLICT (id) DO NOTHING`); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO lending_pool (id, total_deposits, total_borrowed)
		 VALUES (1, 0, 0) ON CONFLICT (id) DO NOTHING`); err != nil {
		return err
	}
	p := model.DefaultParams()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO params (id, collateral_factor_bps, liquidation_threshold_bps, liquidation_bonus_bps,
		                     protocol_fee_bps, base_rate_bps, staking_apy_bps, min_stake, unbonding_period_ms, max_leverage_loops)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9) ON CONFLICT (id) DO NOTHING`,
		p.CollateralFactorBps, p.LiquidationThresholdBps, p.LiquidationBonusBps,
		p.ProtocolFeeBps, p.BaseRateBps, p.StakingAPYBps,
		p.MinStake.String(), p.UnbondingPeriod.Milliseconds(), p.MaxLeverageLoops,
	)
	return err
}

func (s *PostgresStore) GetStakingPool(ctx context.Context) (*model.StakingPool, error) {
	var pool model.StakingPool
	var pooled, shares, fees string
	err := s.pool.QueryRow(ctx,
		`SELECT total_pooled::TEXT, total_shares::TEXT, withdrawal_counter, treasury_fees::TEXT, paused
		 FROM staking_pool WHERE id = 1`).
		Scan(&pooled, &shares, &pool.WithdrawalCounter, &fees, &pool.Paused)
	if err != nil {
		return nil, fmt.Errorf("get staking pool: %w", err)
	}
	pool.TotalPooled, _ = decimal.NewFromString(pooled)
	pool.TotalShares, _ = decimal.NewFromString(shares)
	pool.TreasuryFees, _ = decimal.NewFromString(fees)
	return &pool, nil
}

func (s *PostgresStore) GetShareBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT shares::TEXT FROM share_balances WHERE account = $1`, account).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get share balance %s: %w", account, err)
	}
	shares, _ := decimal.NewFromString(raw)
	return shares, nil
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id uint64) (*model.WithdrawalRequest, error) {
	var w model.WithdrawalRequest
	var principal, burned string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, principal::TEXT, shares_burned::TEXT, requested_at, claimable_at, claimed
		 FROM withdrawals WHERE id = $1`, int64(id)).
		Scan(&w.ID, &w.Owner, &principal, &burned, &w.RequestedAt, &w.ClaimableAt, &w.Claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal %d: %w", id, err)
	}
	w.Principal, _ = decimal.NewFromString(principal)
	w.SharesBurned, _ = decimal.NewFromString(burned)
	return &w, nil
}

func (s *PostgresStore) ListWithdrawalsByOwner(ctx context.Context, owner string) ([]model.WithdrawalRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, principal::TEXT, shares_burned::TEXT, requested_at, claimable_at, claimed
		 FROM withdrawals WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		var w model.WithdrawalRequest
		var principal, burned string
		if err := rows.Scan(&w.ID, &w.Owner, &principal, &burned, &w.RequestedAt, &w.ClaimableAt, &w.Claimed); err != nil {
			return nil, err
		}
		w.Principal, _ = decimal.NewFromString(principal)
		w.SharesBurned, _ = decimal.NewFromString(burned)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLendingPool(ctx context.Context) (*model.LendingPool, error) {
	var pool model.LendingPool
	var deposits, borrowed string
	err := s.pool.QueryRow(ctx,
		`SELECT total_deposits::TEXT, total_borrowed::TEXT FROM lending_pool WHERE id = 1`).
		Scan(&deposits, &borrowed)
	if err != nil {
		return nil, fmt.Errorf("get lending pool: %w", err)
	}
	pool.TotalDeposits, _ = decimal.NewFromString(deposits)
	pool.TotalBorrowed, _ = decimal.NewFromString(borrowed)
	return &pool, nil
}

func (s *PostgresStore) GetLenderDeposit(ctx context.Context, account string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::TEXT FROM lender_deposits WHERE account = $1`, account).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get lender deposit %s: %w", account, err)
	}
	amount, _ := decimal.NewFromString(raw)
	return amount, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, account string) (*model.LendingPosition, error) {
	var collateral, debt string
	err := s.pool.QueryRow(ctx,
		`SELECT collateral_shares::TEXT, debt::TEXT FROM positions WHERE account = $1`, account).
		Scan(&collateral, &debt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.LendingPosition{
			Account:          account,
			CollateralShares: decimal.Zero,
			Debt:             decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", account, err)
	}
	p := model.LendingPosition{Account: account}
	p.CollateralShares, _ = decimal.NewFromString(collateral)
	p.Debt, _ = decimal.NewFromString(debt)
	return &p, nil
}

func (s *PostgresStore) GetParams(ctx context.Context) (*model.Params, error) {
	var p model.Params
	var minStake string
	var unbondingMs int64
	err := s.pool.QueryRow(ctx,
		`SELECT collateral_factor_bps, liquidation_threshold_bps, liquidation_bonus_bps,
		        protocol_fee_bps, base_rate_bps, staking_apy_bps, min_stake::TEXT,
		        unbonding_period_ms, max_leverage_loops
		 FROM params WHERE id = 1`).
		Scan(&p.CollateralFactorBps, &p.LiquidationThresholdBps, &p.LiquidationBonusBps,
			&p.ProtocolFeeBps, &p.BaseRateBps, &p.StakingAPYBps, &minStake,
			&unbondingMs, &p.MaxLeverageLoops)
	if err != nil {
		return nil, fmt.Errorf("get params: %w", err)
	}
	p.MinStake, _ = decimal.NewFromString(minStake)
	p.UnbondingPeriod = time.Duration(unbondingMs) * time.Millisecond
	return &p, nil
}

func (s *PostgresStore) SaveParams(ctx context.Context, p *model.Params) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE params SET
		   collateral_factor_bps = $1, liquidation_threshold_bps = $2, liquidation_bonus_bps = $3,
		   protocol_fee_bps = $4, base_rate_bps = $5, staking_apy_bps = $6,
		   min_stake = $7::NUMERIC, unbonding_period_ms = $8, max_leverage_loops = $9
		 WHERE id = 1`,
		p.CollateralFactorBps, p.LiquidationThresholdBps, p.LiquidationBonusBps,
		p.ProtocolFeeBps, p.BaseRateBps, p.StakingAPYBps,
		p.MinStake.String(), p.UnbondingPeriod.Milliseconds(), p.MaxLeverageLoops,
	)
	return err
}

func (s *PostgresStore) ListJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, account, amount::TEXT, shares::TEXT, ref_id, created_at
		 FROM journal WHERE account = $1 ORDER BY created_at`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var amount, shares string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Account, &amount, &shares, &e.RefID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.Shares, _ = decimal.NewFromString(shares)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Commit applies the batch inside one transaction.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if b.ClaimWithdrawalID != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE withdrawals SET claimed = TRUE WHERE id = $1 AND NOT claimed`,
			int64(*b.ClaimWithdrawalID))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	if b.StakingPool != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE staking_pool SET total_pooled = $1::NUMERIC, total_shares = $2::NUMERIC,
			   withdrawal_counter = $3, treasury_fees = $4::NUMERIC, paused = $5 WHERE id = 1`,
			b.StakingPool.TotalPooled.String(), b.StakingPool.TotalShares.String(),
			b.StakingPool.WithdrawalCounter, b.StakingPool.TreasuryFees.String(),
			b.StakingPool.Paused); err != nil {
			return err
		}
	}
	if b.LendingPool != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE lending_pool SET total_deposits = $1::NUMERIC, total_borrowed = $2::NUMERIC WHERE id = 1`,
			b.LendingPool.TotalDeposits.String(), b.LendingPool.TotalBorrowed.String()); err != nil {
			return err
		}
	}
	for account, shares := range b.ShareBalances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO share_balances (account, shares) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (account) DO UPDATE SET shares = EXCLUDED.shares`,
			account, shares.String()); err != nil {
			return err
		}
	}
	for account, amount := range b.LenderDeposits {
		if _, err := tx.Exec(ctx,
			`INSERT INTO lender_deposits (account, amount) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
			account, amount.String()); err != nil {
			return err
		}
	}
	for _, p := range b.Positions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (account, collateral_shares, debt) VALUES ($1, $2::NUMERIC, $3::NUMERIC)
			 ON CONFLICT (account) DO UPDATE SET collateral_shares = EXCLUDED.collateral_shares, debt = EXCLUDED.debt`,
			p.Account, p.CollateralShares.String(), p.Debt.String()); err != nil {
			return err
		}
	}
	if b.NewWithdrawal != nil {
		w := b.NewWithdrawal
		if _, err := tx.Exec(ctx,
			`INSERT INTO withdrawals (id, owner, principal, shares_burned, requested_at, claimable_at, claimed)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)`,
			int64(w.ID), w.Owner, w.Principal.String(), w.SharesBurned.String(),
			w.RequestedAt, w.ClaimableAt, w.Claimed); err != nil {
			return err
		}
	}
	for _, e := range b.Journal {
		if _, err := tx.Exec(ctx,
			`INSERT INTO journal (id, kind, account, amount, shares, ref_id, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
			e.ID, e.Kind, e.Account, e.Amount.String(), e.Shares.String(), e.RefID, e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
