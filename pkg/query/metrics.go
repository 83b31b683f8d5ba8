package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Interpreter metrics, registered with the default Prometheus registry.
var (
	metricSuccessfulQuery = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Name:      "successful_query_total",
		Help:      "Queries that ran to completion.",
	})
	metricFailedQuery = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Name:      "failed_query_total",
		Help:      "Queries that failed in parse, prepare or pull.",
	})
	metricFailedPrepare = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Name:      "failed_prepare_total",
		Help:      "Queries that failed before execution started.",
	})
	metricFailedPull = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Name:      "failed_pull_total",
		Help:      "Queries that failed while results were pulled.",
	})
	metricActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nornicqe",
		Name:      "active_transactions",
		Help:      "Transactions currently open across all sessions.",
	})
	metricCommittedTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Name:      "committed_transactions_total",
		Help:      "Transactions committed.",
	})
	metricRolledBackTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nornicqe",
		Name:      "rolled_back_transactions_total",
		Help:      "Transactions aborted or rolled back.",
	})
)
