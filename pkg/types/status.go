package types

import "fmt"

// DepositStatus is the lifecycle state of an observed incoming transfer.
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositCompleted DepositStatus = "COMPLETED"
	DepositCancelled DepositStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s DepositStatus) IsTerminal() bool {
	return s == DepositCompleted || s == DepositCancelled
}

// CanTransition reports whether a deposit may move from s to next.
// Only PENDING deposits move, and never backwards.
func (s DepositStatus) CanTransition(next DepositStatus) bool {
	return s == DepositPending && (next == DepositCompleted || next == DepositCancelled)
}

// WithdrawalStatus is the lifecycle state of an outgoing transfer.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
	WithdrawalFailed    WithdrawalStatus = "FAILED"
)

// ParseWithdrawalStatus validates a status string.
func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	switch st := WithdrawalStatus(s); st {
	case WithdrawalPending, WithdrawalCompleted, WithdrawalCancelled, WithdrawalFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown withdrawal status %q", s)
	}
}

// IsTerminal reports whether no further transition is possible.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalCancelled
}

// CanTransition reports whether a withdrawal may move from s to next.
//
// A withdrawal row starts as a FAILED placeholder and becomes PENDING once
// its transaction is broadcast; PENDING ends in COMPLETED or CANCELLED.
func (s WithdrawalStatus) CanTransition(next WithdrawalStatus) bool {
	switch s {
	case WithdrawalFailed:
		return next == WithdrawalPending
	case WithdrawalPending:
		return next == WithdrawalCompleted || next == WithdrawalCancelled
	default:
		return false
	}
}
