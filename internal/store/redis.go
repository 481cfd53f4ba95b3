package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/thawlabs/staking-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: pool singletons, share balances, and
// positions. Commits go to the primary store and invalidate the touched
// keys; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStakingPool(ctx context.Context) (*model.StakingPool, error) {
	data, err := s.rdb.Get(ctx, stakingPoolKey).Bytes()
	if err == nil {
		var pool model.StakingPool
		if json.Unmarshal(data, &pool) == nil {
			return &pool, nil
		}
	}

	pool, err := s.primary.GetStakingPool(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, stakingPoolKey, pool)
	return pool, nil
}

func (s *CachedStore) GetLendingPool(ctx context.Context) (*model.LendingPool, error) {
	data, err := s.rdb.Get(ctx, lendingPoolKey).Bytes()
	if err == nil {
		var pool model.LendingPool
		if json.Unmarshal(data, &pool) == nil {
			return &pool, nil
		}
	}

	pool, err := s.primary.GetLendingPool(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, lendingPoolKey, pool)
	return pool, nil
}

func (s *CachedStore) GetShareBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, sharesKey(account)).Result()
	if err == nil {
		if shares, perr := decimal.NewFromString(raw); perr == nil {
			return shares, nil
		}
	}

	shares, err := s.primary.GetShareBalance(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, sharesKey(account), shares.String(), s.ttl)
	return shares, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, account string) (*model.LendingPosition, error) {
	data, err := s.rdb.Get(ctx, positionKey(account)).Bytes()
	if err == nil {
		var p model.LendingPosition
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionKey(account), p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetWithdrawal(ctx context.Context, id uint64) (*model.WithdrawalRequest, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

func (s *CachedStore) ListWithdrawalsByOwner(ctx context.Context, owner string) ([]model.WithdrawalRequest, error) {
	return s.primary.ListWithdrawalsByOwner(ctx, owner)
}

func (s *CachedStore) GetLenderDeposit(ctx context.Context, account string) (decimal.Decimal, error) {
	return s.primary.GetLenderDeposit(ctx, account)
}

func (s *CachedStore) GetParams(ctx context.Context) (*model.Params, error) {
	return s.primary.GetParams(ctx)
}

func (s *CachedStore) SaveParams(ctx context.Context, p *model.Params) error {
	return s.primary.SaveParams(ctx, p)
}

func (s *CachedStore) ListJournalByAccount(ctx context.Context, account string) ([]model.JournalEntry, error) {
	return s.primary.ListJournalByAccount(ctx, account)
}

// --- Commit (write to primary, invalidate touched keys) ---

func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}

	keys := make([]string, 0, 2+len(b.ShareBalances)+len(b.Positions))
	if b.StakingPool != nil {
		keys = append(keys, stakingPoolKey)
	}
	if b.LendingPool != nil {
		keys = append(keys, lendingPoolKey)
	}
	for account := range b.ShareBalances {
		keys = append(keys, sharesKey(account))
	}
	for _, p := range b.Positions {
		keys = append(keys, positionKey(p.Account))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	stakingPoolKey = "pool:staking"
	lendingPoolKey = "pool:lending"
)

func sharesKey(account string) string   { return fmt.Sprintf("shares:%s", account) }
func positionKey(account string) string { return fmt.Sprintf("position:%s", account) }
