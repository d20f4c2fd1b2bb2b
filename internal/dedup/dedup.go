// Package dedup remembers which inbound events were already handled so a
// redelivered event can be acknowledged without touching the ledger.
package dedup

import (
	"context"
	"strings"
)

// Outcome is what processing an event produced the first time.
type Outcome string

const (
	Applied Outcome = "applied"
	Ignored Outcome = "ignored"
)

// Rejected builds the outcome of a terminal business rejection.
func Rejected(code string) Outcome {
	return Outcome("rejected:" + code)
}

// IsRejection reports whether o was recorded for a rejected event.
func (o Outcome) IsRejection() bool {
	return strings.HasPrefix(string(o), "rejected:")
}

// Deduplicator is the event-id index. Records expire after the retention
// window the implementation was built with.
type Deduplicator interface {
	// Seen returns the recorded outcome for key, if any.
	Seen(ctx context.Context, key string) (Outcome, bool, error)
	// Record stores the outcome for key. Recording an existing key keeps
	// the first outcome.
	Record(ctx context.Context, key string, outcome Outcome) error
}
