// Package stream defines the engine's log boundary: the ordered command
// log it consumes, the response log it publishes to, and the per-user
// change-notification channel. Implementations include Redis streams
// (production) and in-memory (for testing).
package stream

import (
	"context"
	"time"

	"github.com/opex/trading-engine/internal/command"
)

// Entry is one raw command log entry before decoding.
type Entry struct {
	ID     string
	Values map[string]any
}

// Log is the ordered command log consumed by exactly one engine instance
// through a tracked cursor. Read is the only call allowed to block.
type Log interface {
	// EnsureGroup creates the consumer group if it does not exist yet.
	EnsureGroup(ctx context.Context) error

	// Read blocks up to block for the next undelivered entry.
	// Returns (nil, nil) when the wait times out with nothing to read.
	Read(ctx context.Context, block time.Duration) (*Entry, error)

	// Ack marks an entry as fully applied.
	Ack(ctx context.Context, id string) error

	// Range returns the entries between two cursors, inclusive.
	Range(ctx context.Context, from, to string) ([]Entry, error)

	// LastDeliveredID returns the group's current delivery cursor,
	// or "" when nothing was ever delivered.
	LastDeliveredID(ctx context.Context) (string, error)

	// Trim bounds the retained log length.
	Trim(ctx context.Context, maxLen int64) error
}

// Publisher appends responses to the response log.
type Publisher interface {
	Publish(ctx context.Context, resp *command.Response) error
}

// Notifier emits fire-and-forget change notifications on a per-user
// channel whenever a balance or position changes. Failures are logged by
// the caller and never block command application.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event string) error
}
