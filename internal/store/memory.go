package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu             sync.RWMutex
	stakingPool    model.StakingPool
	lendingPool    model.LendingPool
	shareBalances  map[string]decimal.Decimal
	lenderDeposits map[string]decimal.Decimal
	positions      map[string]model.LendingPosition
	withdrawals    map[uint64]model.WithdrawalRequest
	params         model.Params
	journal        []model.JournalEntry
}

// NewMemoryStore creates an in-memory store seeded with an empty pool and
// default protocol parameters.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stakingPool: model.StakingPool{
			TotalPooled:  decimal.Zero,
			TotalShares:  decimal.Zero,
			TreasuryFees: decimal.Zero,
		},
		lendingPool: model.LendingPool{
			TotalDeposits: decimal.Zero,
			TotalBorrowed: decimal.Zero,
		},
		shareBalances:  make(map[string]decimal.Decimal),
		lenderDeposits: make(map[string]decimal.Decimal),
		positions:      make(map[string]model.LendingPosition),
		withdrawals:    make(map[uint64]model.WithdrawalRequest),
		params:         *model.DefaultParams(),
	}
}

func (s *MemoryStore) GetStakingPool(_ context.Context) (*model.StakingPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := s.stakingPool
	return &pool, nil
}

func (s *MemoryStore) GetShareBalance(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shareBalances[account], nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id uint64) (*model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) ListWithdrawalsByOwner(_ context.Context, owner string) ([]model.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.WithdrawalRequest
	for _, w := range s.withdrawals {
		if w.Owner == owner {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetLendingPool(_ context.Context) (*model.LendingPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := s.lendingPool
	return &pool, nil
}

func (s *MemoryStore) GetLenderDeposit(_ context.Context, account string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lenderDeposits[account], nil
}

func (s *MemoryStore) GetPosition(_ context.Context, account string) (*model.LendingPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[account]
	if !ok {
		return &model.LendingPosition{
			Account:          account,
			CollateralShares: decimal.Zero,
			Debt:             decimal.Zero,
		}, nil
	}
	return &p, nil
}

func (s *MemoryStore) GetParams(_ context.Context) (*model.Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.params
	return &p, nil
}

func (s *MemoryStore) SaveParams(_ context.Context, p *model.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = *p
	return nil
}

func (s *MemoryStore) ListJournalByAccount(_ context.Context, account string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.JournalEntry
	for _, e := range s.journal {
		if e.Account == account {
			out = append(out, e)
		}
	}
	return out, nil
}

// Commit applies the batch under a single lock. Every write here is a plain
// assignment, so a validated batch cannot half-apply.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ClaimWithdrawalID != nil {
		w, ok := s.withdrawals[*b.ClaimWithdrawalID]
		if !ok {
			return ErrNotFound
		}
		w.Claimed = true
		s.withdrawals[w.ID] = w
	}
	if b.StakingPool != nil {
		s.stakingPool = *b.StakingPool
	}
	if b.LendingPool != nil {
		s.lendingPool = *b.LendingPool
	}
	for account, shares := range b.ShareBalances {
		s.shareBalances[account] = shares
	}
	for account, amount := range b.LenderDeposits {
		s.lenderDeposits[account] = amount
	}
	for _, p := range b.Positions {
		s.positions[p.Account] = *p
	}
	if b.NewWithdrawal != nil {
		s.withdrawals[b.NewWithdrawal.ID] = *b.NewWithdrawal
	}
	s.journal = append(s.journal, b.Journal...)
	return nil
}
