package models

import "errors"

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNonZeroBalanceOnClose  = errors.New("non-zero balance on close")
	ErrAccountNotOperable     = errors.New("account not operable")
	ErrInsufficientBalance    = errors.New("insufficient balance")

	// ErrDuplicateReference means the mutation was already applied.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrOrphanReversal is a reversal whose original payment is not in the
	// ledger yet, usually an ordering violation upstream.
	ErrOrphanReversal = errors.New("reversal without original payment")

	ErrConcurrentModification = errors.New("concurrent modification")
	ErrUnknownEventType       = errors.New("unknown event type")
	ErrMalformedEvent         = errors.New("malformed event")
	ErrPartitionKeyMismatch   = errors.New("partition key does not match account")
)

// businessRejections are terminal outcomes: redelivering the same event will
// produce the same answer.
var businessRejections = []error{
	ErrAccountNotOperable,
	ErrInsufficientBalance,
	ErrDuplicateReference,
	ErrInvalidRequest,
	ErrAccountNotFound,
	ErrInvalidStateTransition,
	ErrNonZeroBalanceOnClose,
}

// IsBusinessRejection reports whether err is a rule violation rather than an
// infrastructure failure.
func IsBusinessRejection(err error) bool {
	for _, target := range businessRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorCode returns a stable, metric-friendly code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrInvalidStateTransition):
		return "INVALID_STATE_TRANSITION"
	case errors.Is(err, ErrNonZeroBalanceOnClose):
		return "NON_ZERO_BALANCE_ON_CLOSE"
	case errors.Is(err, ErrAccountNotOperable):
		return "ACCOUNT_NOT_OPERABLE"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrDuplicateReference):
		return "DUPLICATE_REFERENCE"
	case errors.Is(err, ErrOrphanReversal):
		return "ORPHAN_REVERSAL"
	case errors.Is(err, ErrConcurrentModification):
		return "CONCURRENT_MODIFICATION"
	case errors.Is(err, ErrUnknownEventType):
		return "UNKNOWN_EVENT_TYPE"
	case errors.Is(err, ErrMalformedEvent):
		return "MALFORMED_EVENT"
	case errors.Is(err, ErrPartitionKeyMismatch):
		return "PARTITION_KEY_MISMATCH"
	}
	return "INTERNAL"
}
