package tcg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// acquisitions counts ChooseConnection outcomes by result.
	acquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_acquire_total",
			Help: "Number of connection acquisitions by result",
		},
		[]string{"result"},
	)

	// acquireWait tracks how long callers waited in ChooseConnection, whatever the outcome.
	acquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tcg_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection",
			Buckets: []float64{0.001, 0.01, 0.1, 1.0, 5.0, 16.0},
		},
	)

	// snapshotEndpoints and snapshotRejectedEndpoints are labelled by ClientOptions.Name.
	snapshotEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcg_snapshot_endpoints",
			Help: "Number of endpoint clients in the current snapshot",
		},
		[]string{"client"},
	)

	snapshotRejectedEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcg_snapshot_rejected_endpoints",
			Help: "Number of candidate endpoints rejected by the last reconciliation",
		},
		[]string{"client"},
	)

	// eagerRefreshes counts eager refresh requests by outcome (started, deduplicated, backoff, failed).
	eagerRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_eager_refresh_total",
			Help: "Number of eager refresh requests by outcome",
		},
		[]string{"outcome"},
	)

	clusterTeardowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcg_cluster_teardown_total",
			Help: "Number of cluster handle teardowns by result",
		},
		[]string{"result"},
	)
)
