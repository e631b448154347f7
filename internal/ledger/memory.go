package ledger

import (
	"context"
	"sync"

	"github.com/opex/trading-engine/internal/model"
)

// MemoryWriter implements Writer with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryWriter struct {
	mu       sync.Mutex
	trades   map[string]model.ClosedTrade
	balances map[string]model.Balance

	failNext error // injected failure for the next RecordClose
}

// NewMemoryWriter creates a new in-memory ledger writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		trades:   make(map[string]model.ClosedTrade),
		balances: make(map[string]model.Balance),
	}
}

func (w *MemoryWriter) RecordClose(_ context.Context, t *model.ClosedTrade, bal model.Balance) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failNext != nil {
		err := w.failNext
		w.failNext = nil
		return err
	}
	if _, ok := w.trades[t.ID]; ok {
		return ErrDuplicateTrade
	}

	w.trades[t.ID] = *t
	w.balances[t.UserID] = bal
	return nil
}

// FailNext makes the next RecordClose return err instead of writing.
func (w *MemoryWriter) FailNext(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failNext = err
}

// SeedTrade inserts a trade directly, simulating a row committed before a
// crash.
func (w *MemoryWriter) SeedTrade(t model.ClosedTrade) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trades[t.ID] = t
}

// Trades returns a copy of all recorded trades.
func (w *MemoryWriter) Trades() []model.ClosedTrade {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]model.ClosedTrade, 0, len(w.trades))
	for _, t := range w.trades {
		out = append(out, t)
	}
	return out
}

// Trade returns one recorded trade by id.
func (w *MemoryWriter) Trade(id string) (model.ClosedTrade, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.trades[id]
	return t, ok
}

// Balance returns the last durably written balance for a user.
func (w *MemoryWriter) Balance(userID string) (model.Balance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.balances[userID]
	return b, ok
}
