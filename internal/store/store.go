// Package store defines the persistence interface for the staking engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Batch is the write set of one ledger operation. Services validate against
// reads first, fill a batch with the absolute post-operation values, and
// commit it in a single atomic step — no operation leaves partial writes.
type Batch struct {
	StakingPool *model.StakingPool
	LendingPool *model.LendingPool

	// Absolute new balances, keyed by account.
	ShareBalances  map[string]decimal.Decimal
	LenderDeposits map[string]decimal.Decimal

	// Absolute new positions.
	Positions []*model.LendingPosition

	NewWithdrawal     *model.WithdrawalRequest
	ClaimWithdrawalID *uint64

	Journal []model.JournalEntry
}

// SetShareBalance records an absolute share balance in the batch.
func (b *Batch) SetShareBalance(account string, shares decimal.Decimal) {
	if b.ShareBalances == nil {
		b.ShareBalances = make(map[string]decimal.Decimal)
	}
	b.ShareBalances[account] = shares
}

// SetLenderDeposit records an absolute lender deposit balance in the batch.
func (b *Batch) SetLenderDeposit(account string, amount decimal.Decimal) {
	if b.LenderDeposits == nil {
		b.LenderDeposits = make(map[string]decimal.Decimal)
	}
	b.LenderDeposits[account] = amount
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Reads return current durable
// state; all mutations flow through Commit.
type Store interface {
	// --- Staking ledger ---

	// GetStakingPool returns the singleton staking pool.
	GetStakingPool(ctx context.Context) (*model.StakingPool, error)

	// GetShareBalance returns an account's claim-token share balance
	// (zero for unknown accounts).
	GetShareBalance(ctx context.Context, account string) (decimal.Decimal, error)

	// GetWithdrawal retrieves a withdrawal request by id.
	GetWithdrawal(ctx context.Context, id uint64) (*model.WithdrawalRequest, error)

	// ListWithdrawalsByOwner returns all of an account's withdrawal
	// requests, oldest first.
	ListWithdrawalsByOwner(ctx context.Context, owner string) ([]model.WithdrawalRequest, error)

	// --- Lending ledger ---

	// GetLendingPool returns the singleton lending pool.
	GetLendingPool(ctx context.Context) (*model.LendingPool, error)

	// GetLenderDeposit returns an account's lender deposit balance.
	GetLenderDeposit(ctx context.Context, account string) (decimal.Decimal, error)

	// GetPosition returns an account's collateral/debt position
	// (zero-valued for unknown accounts).
	GetPosition(ctx context.Context, account string) (*model.LendingPosition, error)

	// --- Protocol parameters ---

	GetParams(ctx context.Context) (*model.Params, error)
	SaveParams(ctx context.Context, p *model.Params) error

	// --- Journal ---

	// ListJournalByAccount returns an account's immutable operation
	// records, oldest first.
	ListJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error)

	// --- Atomic commit ---

	// Commit applies the whole batch atomically: either every write in
	// the batch becomes durable or none does.
	Commit(ctx context.Context, b *Batch) error
}
