// Package snapshot persists point-in-time engine state for crash recovery.
// A single logical document is fully replaced on every persist; boot loads
// it once and replays the command gap behind its recorded cursor.
package snapshot

import (
	"context"
	"errors"

	"github.com/opex/trading-engine/internal/model"
)

// ErrInvalidSnapshot reports that a stored document does not have the
// expected shape. Loading skips it and the engine starts empty; the skip
// is observable through this sentinel rather than only a log line.
var ErrInvalidSnapshot = errors.New("snapshot: invalid document shape")

// Store is the snapshot persistence boundary.
type Store interface {
	// Load returns the stored snapshot, (nil, nil) when none exists, or
	// ErrInvalidSnapshot when the stored document fails shape validation.
	Load(ctx context.Context) (*model.Snapshot, error)

	// Save fully replaces the stored snapshot.
	Save(ctx context.Context, snap *model.Snapshot) error
}
