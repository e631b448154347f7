// Package engine implements the trading engine core: a single-writer state
// machine that consumes the ordered command log, applies one command at a
// time against the in-memory trading state, force-liquidates under-margined
// positions on price ticks, records closed trades durably, and recovers
// from crashes through periodic snapshots plus log replay.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opex/trading-engine/internal/command"
	"github.com/opex/trading-engine/internal/ledger"
	"github.com/opex/trading-engine/internal/metrics"
	"github.com/opex/trading-engine/internal/model"
	"github.com/opex/trading-engine/internal/snapshot"
	"github.com/opex/trading-engine/internal/stream"
)

// Replay and snapshot retry policy.
const (
	replayAttempts   = 3
	replayBackoff    = 500 * time.Millisecond
	snapshotAttempts = 3
)

var snapshotBackoff = []time.Duration{time.Second, 2 * time.Second}

// Options tune the consumer loop. Zero values select the defaults.
type Options struct {
	SnapshotEvery time.Duration // min interval between snapshot persists (default 5s)
	ReadBlock     time.Duration // bounded blocking wait when the log is idle (default 5s)
	TrimMaxLen    int64         // retained log length after a successful snapshot (default 10000)
}

// Engine owns the canonical trading state. Exactly one command handler runs
// at a time and nothing else mutates the maps, so there are no locks; every
// durable call a handler makes is awaited before the next command is read.
type Engine struct {
	log       stream.Log
	responses stream.Publisher
	notifier  stream.Notifier
	trades    ledger.Writer
	snapshots snapshot.Store

	quotes    map[string]model.Quote
	balances  map[string]model.Balance
	positions map[string][]model.Position

	lastAppliedID  string
	lastSnapshotAt time.Time

	opts  Options
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates an engine with empty state. Pass nil for notifier if change
// notifications are not needed.
func New(log stream.Log, responses stream.Publisher, notifier stream.Notifier,
	trades ledger.Writer, snapshots snapshot.Store, opts Options) *Engine {

	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 5 * time.Second
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = 5 * time.Second
	}
	if opts.TrimMaxLen <= 0 {
		opts.TrimMaxLen = 10_000
	}

	return &Engine{
		log:       log,
		responses: responses,
		notifier:  notifier,
		trades:    trades,
		snapshots: snapshots,
		quotes:    make(map[string]model.Quote),
		balances:  make(map[string]model.Balance),
		positions: make(map[string][]model.Position),
		opts:      opts,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Run consumes the command log until ctx is cancelled. It returns nil on a
// clean stop and an error only on fatal conditions: a boot-time store
// failure, an unrecoverable replay, or snapshot persistence exhausting its
// retries. The caller is expected to terminate the process on error;
// running on with unverifiable durability is worse than stopping.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.log.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := e.loadSnapshot(ctx); err != nil {
		return err
	}

	delivered, err := e.log.LastDeliveredID(ctx)
	if err != nil {
		return fmt.Errorf("read delivery cursor: %w", err)
	}
	if e.lastAppliedID != "" && delivered != "" && delivered != e.lastAppliedID {
		if err := e.replay(ctx, e.lastAppliedID, delivered); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}

	e.lastSnapshotAt = e.now()
	slog.Info("engine running", "last_applied", e.lastAppliedID,
		"users", len(e.balances), "assets", len(e.quotes))

	for {
		if ctx.Err() != nil {
			e.finalSnapshot()
			return nil
		}

		// Acknowledge the command applied in the previous iteration.
		if e.lastAppliedID != "" {
			if err := e.log.Ack(ctx, e.lastAppliedID); err != nil && ctx.Err() == nil {
				slog.Error("ack failed", "id", e.lastAppliedID, "err", err)
			}
		}

		entry, err := e.log.Read(ctx, e.opts.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("command log read failed", "err", err)
			e.sleep(replayBackoff)
			continue
		}

		if entry != nil {
			e.lastAppliedID = entry.ID
			e.process(ctx, *entry)
		}

		if e.now().Sub(e.lastSnapshotAt) >= e.opts.SnapshotEvery {
			if err := e.persistSnapshot(ctx); err != nil {
				return err
			}
			// Trimming is safe only once the snapshot covers the backlog.
			if err := e.log.Trim(ctx, e.opts.TrimMaxLen); err != nil {
				slog.Error("stream trim failed", "err", err)
			}
		}
	}
}

// Apply applies one decoded command against the state and returns the
// response it defines, or nil for fire-and-forget commands.
func (e *Engine) Apply(ctx context.Context, cmd command.Command) (*command.Response, error) {
	return e.apply(ctx, cmd, false)
}

// process applies one raw log entry. A malformed entry answers its
// requester with request-failed (when a request id is present) and never
// aborts the loop.
func (e *Engine) process(ctx context.Context, entry stream.Entry) {
	start := time.Now()

	cmd, err := command.FromValues(entry.ID, entry.Values)
	if err == nil {
		var resp *command.Response
		if resp, err = e.apply(ctx, cmd, false); err == nil {
			outcome := "applied"
			if resp != nil {
				outcome = outcomeOf(resp.Type)
				e.publish(ctx, resp)
			}
			metrics.CommandsTotal.WithLabelValues(cmd.Type, outcome).Inc()
			metrics.CommandLatency.WithLabelValues(cmd.Type).Observe(time.Since(start).Seconds())
			return
		}
	}

	slog.Error("malformed command", "id", entry.ID, "err", err)
	cmdType, _ := entry.Values["type"].(string)
	if cmdType == "" {
		cmdType = "unknown"
	}
	metrics.CommandsTotal.WithLabelValues(cmdType, "failed").Inc()
	if reqID, _ := entry.Values["reqId"].(string); reqID != "" {
		e.publish(ctx, command.Failed(reqID))
	}
}

func (e *Engine) publish(ctx context.Context, resp *command.Response) {
	if err := e.responses.Publish(ctx, resp); err != nil {
		slog.Error("failed to publish response", "type", resp.Type, "req_id", resp.ReqID, "err", err)
	}
}

func outcomeOf(respType string) string {
	if strings.HasSuffix(respType, "-ack") {
		return "ack"
	}
	return "err"
}

// loadSnapshot restores state from the last persisted snapshot. A document
// that fails shape validation is skipped (counted, logged) and the engine
// starts empty; any other load failure is fatal.
func (e *Engine) loadSnapshot(ctx context.Context) error {
	snap, err := e.snapshots.Load(ctx)
	if errors.Is(err, snapshot.ErrInvalidSnapshot) {
		metrics.SnapshotLoadSkips.Inc()
		slog.Error("invalid snapshot format, skipping load", "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		slog.Info("no snapshot found, starting empty")
		return nil
	}

	e.quotes = snap.Quotes
	e.positions = snap.Positions
	e.balances = snap.Balances
	e.lastAppliedID = snap.LastAppliedID
	if e.quotes == nil {
		e.quotes = make(map[string]model.Quote)
	}
	if e.positions == nil {
		e.positions = make(map[string][]model.Position)
	}
	if e.balances == nil {
		e.balances = make(map[string]model.Balance)
	}

	open := 0
	for _, orders := range e.positions {
		open += len(orders)
	}
	metrics.OpenPositions.Set(float64(open))

	slog.Info("snapshot loaded", "last_applied", e.lastAppliedID,
		"users", len(e.balances), "open_positions", open)
	return nil
}

// replay re-applies the command range between the snapshot's cursor and
// the group's last delivered entry. Handlers run without publishing
// responses or notifications, since the original requesters have long
// timed out; durable writes rely on duplicate-key reconciliation.
func (e *Engine) replay(ctx context.Context, from, to string) error {
	entries, err := e.log.Range(ctx, from, to)
	if err != nil {
		return fmt.Errorf("read range %s..%s: %w", from, to, err)
	}
	// The range is inclusive and from was already applied before the
	// snapshot was taken.
	if len(entries) > 0 && entries[0].ID == from {
		entries = entries[1:]
	}

	slog.Info("replaying command gap", "from", from, "to", to, "count", len(entries))

	for _, entry := range entries {
		cmd, err := command.FromValues(entry.ID, entry.Values)
		if err != nil {
			// The previous life rejected this entry too.
			slog.Warn("skipping malformed entry during replay", "id", entry.ID, "err", err)
			e.lastAppliedID = entry.ID
			continue
		}

		var applyErr error
		for attempt := 1; attempt <= replayAttempts; attempt++ {
			if _, applyErr = e.apply(ctx, cmd, true); applyErr == nil {
				break
			}
			if errors.Is(applyErr, command.ErrBadPayload) {
				break // will not heal on retry
			}
			slog.Warn("replay apply failed", "id", entry.ID, "attempt", attempt, "err", applyErr)
			if attempt < replayAttempts {
				e.sleep(replayBackoff)
			}
		}
		if applyErr != nil {
			if errors.Is(applyErr, command.ErrBadPayload) {
				slog.Warn("skipping entry with bad payload during replay", "id", entry.ID, "err", applyErr)
			} else {
				return fmt.Errorf("apply %s: %w", entry.ID, applyErr)
			}
		}

		e.lastAppliedID = entry.ID
		metrics.ReplayedCommands.Inc()
	}
	return nil
}

// persistSnapshot writes the full state with retries. Exhausting the
// retries is fatal to the engine.
func (e *Engine) persistSnapshot(ctx context.Context) error {
	snap := e.buildSnapshot()

	var err error
	for attempt := 0; attempt < snapshotAttempts; attempt++ {
		if attempt > 0 {
			e.sleep(snapshotBackoff[attempt-1])
		}
		if err = e.snapshots.Save(ctx, snap); err == nil {
			e.lastSnapshotAt = e.now()
			metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		slog.Error("snapshot persist failed", "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("snapshot persistence exhausted retries: %w", err)
}

// finalSnapshot is the best-effort persist on clean shutdown.
func (e *Engine) finalSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.snapshots.Save(ctx, e.buildSnapshot()); err != nil {
		slog.Error("final snapshot failed", "err", err)
		return
	}
	slog.Info("final snapshot persisted", "last_applied", e.lastAppliedID)
}

func (e *Engine) buildSnapshot() *model.Snapshot {
	return &model.Snapshot{
		Quotes:        e.quotes,
		Positions:     e.positions,
		Balances:      e.balances,
		LastAppliedID: e.lastAppliedID,
		TakenAt:       e.now().UnixMilli(),
	}
}

// --- State inspection ---
//
// Read-only accessors for tests and diagnostics. Like everything else on
// Engine they must not race with Run.

// Balance returns a user's free balance.
func (e *Engine) Balance(userID string) (model.Balance, bool) {
	bal, ok := e.balances[userID]
	return bal, ok
}

// Positions returns a copy of a user's open positions.
func (e *Engine) Positions(userID string) []model.Position {
	return append([]model.Position(nil), e.positions[userID]...)
}

// Quote returns the current quote for an asset.
func (e *Engine) Quote(asset string) (model.Quote, bool) {
	q, ok := e.quotes[asset]
	return q, ok
}

// LastAppliedID returns the log cursor of the last fully applied command.
func (e *Engine) LastAppliedID() string {
	return e.lastAppliedID
}
