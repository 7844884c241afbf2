package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the liquidator and settler bots.
type Metrics struct {
	// --- Chain data feed ---
	AccountUpdateQueueLen  prometheus.Gauge
	TrackedAccounts        prometheus.Gauge
	ChainDataAccounts      prometheus.Gauge
	ChainDataAccountWrites prometheus.Counter
	SnapshotsApplied       prometheus.Counter

	// --- Scanning ---
	ScanPassDuration *prometheus.HistogramVec
	ScanEventToDone  prometheus.Histogram
	CandidatesFound  *prometheus.CounterVec
	AccountsSkipped  *prometheus.CounterVec

	// --- Execution ---
	LiquidationsAttempted prometheus.Counter
	LiquidationsExecuted  *prometheus.CounterVec
	TcsTriggered          prometheus.Counter
	TcsTriggerVolume      prometheus.Counter
	ExecutionErrors       *prometheus.CounterVec
	WorkersBusy           prometheus.Gauge

	// --- Oracles ---
	OracleErrors *prometheus.CounterVec

	// --- Rebalancing ---
	RebalanceRuns   prometheus.Counter
	RebalanceErrors prometheus.Counter

	// --- Settlement ---
	SettlementsExecuted prometheus.Counter
	SettlementErrors    prometheus.Counter

	// --- Swap quoting ---
	SwapQuotes      *prometheus.CounterVec
	SwapQuoteErrors prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten   *prometheus.CounterVec
	PersistErrors        *prometheus.CounterVec
	PersistBatchDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	scanBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
	}

	return &Metrics{
		AccountUpdateQueueLen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "liqkeeper_account_update_queue_length",
			Help: "Pending messages in the account update channel",
		}),

		TrackedAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "liqkeeper_tracked_accounts",
			Help: "Margin accounts known to the scanner",
		}),

		ChainDataAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "liqkeeper_chain_data_accounts",
			Help: "Accounts held in the chain data cache",
		}),

		ChainDataAccountWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_chain_data_account_writes_total",
			Help: "Account writes applied to the chain data cache",
		}),

		SnapshotsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_snapshots_applied_total",
			Help: "Full account snapshots applied",
		}),

		ScanPassDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liqkeeper_scan_pass_duration_seconds",
			Help:    "Wall clock duration of one full scan pass",
			Buckets: scanBuckets,
		}, []string{"scanner"}),

		ScanEventToDone: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "liqkeeper_scan_event_to_done_seconds",
			Help:    "Oldest unprocessed chain event reception to scan completion",
			Buckets: scanBuckets,
		}),

		CandidatesFound: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_candidates_found_total",
			Help: "Candidates discovered by the scanners",
		}, []string{"kind"}),

		AccountsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_accounts_skipped_total",
			Help: "Accounts skipped due to recent errors",
		}, []string{"kind"}),

		LiquidationsAttempted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_liquidations_attempted_total",
			Help: "Liquidation executions attempted",
		}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_liquidations_executed_total",
			Help: "Liquidation instructions confirmed, by route",
		}, []string{"route"}),

		TcsTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_tcs_triggered_total",
			Help: "Token conditional swaps triggered",
		}),

		TcsTriggerVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_tcs_trigger_volume_native",
			Help: "Total triggered TCS volume in quote native units",
		}),

		ExecutionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_execution_errors_total",
			Help: "Execution failures by kind (benign races excluded)",
		}, []string{"kind"}),

		WorkersBusy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "liqkeeper_workers_busy",
			Help: "Workers currently executing a candidate",
		}),

		OracleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_oracle_errors_total",
			Help: "Oracle resolution failures by token index",
		}, []string{"token_index"}),

		RebalanceRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_rebalance_runs_total",
			Help: "Rebalancer passes over the liqor account",
		}),

		RebalanceErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_rebalance_errors_total",
			Help: "Rebalancer failures",
		}),

		SettlementsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_settlements_executed_total",
			Help: "Perp PnL settlements submitted",
		}),

		SettlementErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_settlement_errors_total",
			Help: "Perp PnL settlement failures",
		}),

		SwapQuotes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_swap_quotes_total",
			Help: "Swap quotes requested, by use",
		}, []string{"use"}),

		SwapQuoteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liqkeeper_swap_quote_errors_total",
			Help: "Swap quote failures",
		}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_persist_rows_written_total",
			Help: "Rows written to the database, by table",
		}, []string{"table"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liqkeeper_persist_errors_total",
			Help: "Database write failures by stage",
		}, []string{"stage"}),

		PersistBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "liqkeeper_persist_batch_duration_seconds",
			Help:    "Wall clock duration of one batch flush",
			Buckets: scanBuckets,
		}),
	}
}
