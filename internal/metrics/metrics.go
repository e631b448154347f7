// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsTotal counts applied commands, partitioned by type and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opex_commands_total",
		Help: "Total number of commands applied",
	}, []string{"type", "outcome"})

	// CommandLatency tracks command application latency.
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opex_command_latency_seconds",
		Help:    "Command application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// LiquidationsTotal counts force-closed positions.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opex_liquidations_total",
		Help: "Positions force-closed by the liquidation sweep",
	})

	// OpenPositions tracks currently open positions across all users.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opex_open_positions",
		Help: "Number of currently open positions",
	})

	// SnapshotsTotal counts snapshot persists by result.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opex_snapshots_total",
		Help: "Snapshot persistence attempts",
	}, []string{"result"})

	// SnapshotLoadSkips counts boot-time snapshots skipped for bad shape.
	SnapshotLoadSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opex_snapshot_load_skips_total",
		Help: "Snapshots skipped at boot due to shape mismatch",
	})

	// ReplayedCommands counts commands re-applied during boot-time replay.
	ReplayedCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opex_replayed_commands_total",
		Help: "Commands re-applied from the log during recovery",
	})

	// DuplicateTradeWrites counts ledger writes reconciled as already applied.
	DuplicateTradeWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opex_duplicate_trade_writes_total",
		Help: "Closed-trade writes rejected by the id constraint and treated as applied",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
