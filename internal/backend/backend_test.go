package backend

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSim_DelegateUndelegate(t *testing.T) {
	s := NewSim()
	ctx := context.Background()

	if err := s.Delegate(ctx, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if err := s.Undelegate(ctx, decimal.NewFromInt(40)); err != nil {
		t.Fatalf("undelegate: %v", err)
	}
	if !s.Delegated().Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected delegated 60, got %s", s.Delegated())
	}
}

func TestSim_RewardsDrainOnWithdraw(t *testing.T) {
	s := NewSim()
	ctx := context.Background()

	s.AccrueRewards(decimal.NewFromInt(25))
	pending, err := s.PendingRewards(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !pending.Equal(decimal.NewFromInt(25)) {
		t.Errorf("expected pending 25, got %s", pending)
	}

	got, err := s.WithdrawRewards(ctx)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(25)) {
		t.Errorf("expected withdrawn 25, got %s", got)
	}
	pending, _ = s.PendingRewards(ctx)
	if !pending.IsZero() {
		t.Errorf("expected drained rewards, got %s", pending)
	}
}

func TestSim_FailIsOneShot(t *testing.T) {
	s := NewSim()
	ctx := context.Background()

	s.Fail()
	if err := s.Delegate(ctx, decimal.NewFromInt(10)); err != ErrBackendUnavailable {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
	if err := s.Delegate(ctx, decimal.NewFromInt(10)); err != nil {
		t.Errorf("failure injection must clear after one call: %v", err)
	}
}
