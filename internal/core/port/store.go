package port

import (
	"context"
	"errors"

	"github.com/piatok/piatok/internal/core/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// PendingCallStore keeps the durable fallback record of an unanswered call,
// one per callee, expired after a TTL or cleared on accept/end.
type PendingCallStore interface {
	Put(ctx context.Context, callee domain.UserID, call domain.PendingCall) error
	Get(ctx context.Context, callee domain.UserID) (domain.PendingCall, bool, error)

	// Clear removes the record only if it still belongs to callID, so a
	// late cleanup cannot erase a newer call's record.
	Clear(ctx context.Context, callee domain.UserID, callID domain.CallID) error
}

// BalanceStore holds the Friday token balance per user, in minutes.
// Purchase and ledger history live in an external service; the core only
// reads, debits, and credits the projection.
type BalanceStore interface {
	Minutes(ctx context.Context, user domain.UserID) (int, error)

	// Debit subtracts minutes and returns the remaining balance. Returns
	// ErrInsufficientFunds when the balance is already zero.
	Debit(ctx context.Context, user domain.UserID, minutes int) (int, error)

	Credit(ctx context.Context, user domain.UserID, minutes int) (int, error)
}
