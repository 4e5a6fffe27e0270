package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/points"
	"github.com/dukerupert/loyaltywallet/internal/store"
)

// Permanent rejections. The engine never retries these and no state changes
// when one is returned.
var (
	ErrNotFound            = store.ErrNotFound
	ErrWalletNotFound      = fmt.Errorf("wallet %w", ErrNotFound)
	ErrBusinessNotFound    = fmt.Errorf("business %w", ErrNotFound)
	ErrCustomerNotFound    = fmt.Errorf("customer %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)

	ErrInsufficientFunds  = store.ErrInsufficientFunds
	ErrInsufficientPoints = store.ErrInsufficientPoints

	ErrCannotRefundARefund = errors.New("cannot refund a refund")
	ErrNotRefundable       = errors.New("only payments and top-ups can be refunded")
	ErrAlreadyRefunded     = errors.New("transaction already refunded")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrReconciliation      = errors.New("wallet does not match its transaction log")
)

// ErrUnavailable wraps every infrastructure failure. The operation was rolled
// back in full and the caller may retry it.
var ErrUnavailable = errors.New("ledger unavailable")

var rejections = []error{
	ErrNotFound,
	ErrInsufficientFunds,
	ErrInsufficientPoints,
	ErrCannotRefundARefund,
	ErrNotRefundable,
	ErrAlreadyRefunded,
	ErrForbidden,
	ErrInvalidAmount,
}

// IsRejection reports whether err is a permanent business-rule rejection.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// classify leaves rejections untouched, turns amounts too large to represent
// into ErrInvalidAmount, and folds everything else, including timeouts and
// lost version races, into ErrUnavailable.
func classify(err error) error {
	if err == nil || IsRejection(err) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, store.ErrOutOfRange) || errors.Is(err, points.ErrOverflow) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: store timeout: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// rejection carries the attempted record so it can be audited after the
// transaction that discovered it has rolled back.
type rejection struct {
	err     error
	attempt *model.Transaction
}

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }
