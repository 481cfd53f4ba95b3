// Package backend defines the staking backend collaborator: the opaque
// native-chain delegation system the ledger forwards stake to and harvests
// rewards from. Calls are synchronous; a failure aborts the calling ledger
// operation before any state is committed.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrBackendUnavailable is returned by Sim when failure injection is armed.
var ErrBackendUnavailable = errors.New("backend: delegation backend unavailable")

// StakingBackend is consumed by the staking ledger. Implementations either
// complete the call or return an error; there is no pending intermediate
// state visible to the ledger.
type StakingBackend interface {
	// Delegate stakes amount with the backend validator.
	Delegate(ctx context.Context, amount decimal.Decimal) error

	// Undelegate begins unbonding amount from the backend validator.
	Undelegate(ctx context.Context, amount decimal.Decimal) error

	// PendingRewards reports accrued, unharvested rewards. May be zero.
	PendingRewards(ctx context.Context) (decimal.Decimal, error)

	// WithdrawRewards moves accrued rewards into the engine's own balance
	// and returns the amount moved.
	WithdrawRewards(ctx context.Context) (decimal.Decimal, error)
}

// Sim is an in-process backend for development and tests. Rewards accrue
// only when AccrueRewards is called; Fail arms one-shot failure injection.
type Sim struct {
	mu        sync.Mutex
	delegated decimal.Decimal
	rewards   decimal.Decimal
	failNext  bool
}

// NewSim creates an empty simulated backend.
func NewSim() *Sim {
	return &Sim{}
}

func (s *Sim) Delegate(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return ErrBackendUnavailable
	}
	s.delegated = s.delegated.Add(amount)
	return nil
}

func (s *Sim) Undelegate(_ context.Context, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return ErrBackendUnavailable
	}
	s.delegated = s.delegated.Sub(amount)
	return nil
}

func (s *Sim) PendingRewards(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return decimal.Zero, ErrBackendUnavailable
	}
	return s.rewards, nil
}

func (s *Sim) WithdrawRewards(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return decimal.Zero, ErrBackendUnavailable
	}
	r := s.rewards
	s.rewards = decimal.Zero
	return r, nil
}

// AccrueRewards adds amount to the pending reward balance.
func (s *Sim) AccrueRewards(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards = s.rewards.Add(amount)
}

// Delegated reports the currently delegated total.
func (s *Sim) Delegated() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegated
}

// Fail makes the next backend call return ErrBackendUnavailable.
func (s *Sim) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}
