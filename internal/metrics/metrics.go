// Package metrics holds the Prometheus collectors updated by the trading core.
//
//   - trader_samples_total{symbol}            price samples ingested
//   - trader_feed_errors_total{symbol}        failed or unavailable feed polls
//   - trader_fills_total{direction}           tranche fills persisted
//   - trader_exits_total{reason,direction}    closes split by reason
//   - trader_discarded_total{cause}           entries abandoned without any fill
//   - trader_positions{status}                positions currently tracked per status
//   - trader_skipped_ticks_total{component}   ticks skipped on missing data or exhausted retries
//   - trader_reconciliation_alerts_total{kind}
//   - trader_stop_ratchets_total              trailing-stop tightenings
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SamplesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_samples_total",
			Help: "Price samples ingested into the sampler",
		},
		[]string{"symbol"},
	)

	FeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_feed_errors_total",
			Help: "Price feed polls that returned no price",
		},
		[]string{"symbol"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_fills_total",
			Help: "Tranche fills persisted",
		},
		[]string{"direction"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Position closes split by reason and direction",
		},
		[]string{"reason", "direction"},
	)

	Discarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_discarded_total",
			Help: "Entries discarded before any tranche filled",
		},
		[]string{"cause"},
	)

	Positions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_positions",
			Help: "Positions tracked by the manager, by status",
		},
		[]string{"status"},
	)

	SkippedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_skipped_ticks_total",
			Help: "Evaluation ticks skipped for missing inputs or exhausted retries",
		},
		[]string{"component"},
	)

	ReconciliationAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_reconciliation_alerts_total",
			Help: "Alerts requiring manual reconciliation",
		},
		[]string{"kind"},
	)

	StopRatchets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_stop_ratchets_total",
			Help: "Trailing-stop tightenings",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SamplesIngested,
		FeedErrors,
		Fills,
		Exits,
		Discarded,
		Positions,
		SkippedTicks,
		ReconciliationAlerts,
		StopRatchets,
	)
}
