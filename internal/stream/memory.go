package stream

import (
	"context"
	"sync"
	"time"

	"github.com/opex/trading-engine/internal/command"
)

// MemoryLog implements Log with an in-memory slice. Used for testing and
// development. Entry ids are the stream ids supplied by the appender.
type MemoryLog struct {
	mu        sync.Mutex
	entries   []Entry
	delivered int // index of the next undelivered entry
	acked     map[string]bool
	trimmedTo int64 // number of Trim calls observed, for assertions
}

// NewMemoryLog creates an empty in-memory command log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{acked: make(map[string]bool)}
}

// Append adds an entry to the tail of the log.
func (l *MemoryLog) Append(id string, values map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{ID: id, Values: values})
}

func (l *MemoryLog) EnsureGroup(context.Context) error { return nil }

func (l *MemoryLog) Read(ctx context.Context, block time.Duration) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delivered >= len(l.entries) {
		return nil, nil // nothing to read; no blocking in tests
	}

	e := l.entries[l.delivered]
	l.delivered++
	return &e, nil
}

func (l *MemoryLog) Ack(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acked[id] = true
	return nil
}

// Acked reports whether an entry id has been acknowledged.
func (l *MemoryLog) Acked(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked[id]
}

func (l *MemoryLog) Range(_ context.Context, from, to string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	collecting := false
	for _, e := range l.entries {
		if e.ID == from {
			collecting = true
		}
		if collecting {
			out = append(out, e)
		}
		if e.ID == to {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) LastDeliveredID(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delivered == 0 {
		return "", nil
	}
	return l.entries[l.delivered-1].ID, nil
}

// SetDelivered moves the delivery cursor past the entry with the given id,
// simulating commands delivered before a crash.
func (l *MemoryLog) SetDelivered(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID == id {
			l.delivered = i + 1
			return
		}
	}
}

func (l *MemoryLog) Trim(_ context.Context, maxLen int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimmedTo++
	return nil
}

// Trims returns how many Trim calls were made.
func (l *MemoryLog) Trims() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimmedTo
}

// MemoryPublisher records published responses for assertions.
type MemoryPublisher struct {
	mu        sync.Mutex
	responses []command.Response
}

// NewMemoryPublisher creates an in-memory response sink.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, resp *command.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, *resp)
	return nil
}

// Responses returns a copy of everything published so far.
func (p *MemoryPublisher) Responses() []command.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]command.Response, len(p.responses))
	copy(out, p.responses)
	return out
}

// MemoryNotifier records per-user notification events for assertions.
type MemoryNotifier struct {
	mu     sync.Mutex
	events map[string][]string
}

// NewMemoryNotifier creates an in-memory notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{events: make(map[string][]string)}
}

func (n *MemoryNotifier) NotifyUser(_ context.Context, userID, event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], event)
	return nil
}

// Events returns the events recorded for one user.
func (n *MemoryNotifier) Events(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events[userID]...)
}
