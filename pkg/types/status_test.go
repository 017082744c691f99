package types

import "testing"

func TestWithdrawalStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to WithdrawalStatus
		want     bool
	}{
		{WithdrawalFailed, WithdrawalPending, true},
		{WithdrawalFailed, WithdrawalCompleted, false},
		{WithdrawalPending, WithdrawalCompleted, true},
		{WithdrawalPending, WithdrawalCancelled, true},
		{WithdrawalPending, WithdrawalFailed, false},
		{WithdrawalCompleted, WithdrawalPending, false},
		{WithdrawalCompleted, WithdrawalCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDepositStatus_CanTransition(t *testing.T) {
	if !DepositPending.CanTransition(DepositCompleted) {
		t.Error("PENDING -> COMPLETED should be allowed")
	}
	if !DepositPending.CanTransition(DepositCancelled) {
		t.Error("PENDING -> CANCELLED should be allowed")
	}
	if DepositCompleted.CanTransition(DepositCancelled) {
		t.Error("COMPLETED -> CANCELLED should be refused")
	}
	if DepositCancelled.CanTransition(DepositCompleted) {
		t.Error("CANCELLED -> COMPLETED should be refused")
	}
}
