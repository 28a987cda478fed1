package reconciliation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileWalletsChecked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitpool",
		Subsystem: "reconciliation",
		Name:      "wallets_checked",
		Help:      "Open wallets inspected in the last reconciliation run",
	})

	reconcileDriftedWallets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "splitpool",
		Subsystem: "reconciliation",
		Name:      "drifted_wallets",
		Help:      "Wallets whose recorded total disagreed with the chain in the last run",
	})

	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "splitpool",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation checks that failed",
	})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "splitpool",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs",
		Buckets:   prometheus.DefBuckets,
	})
)
