package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registryd_requests_total",
		Help: "Requests dispatched, by operation.",
	}, []string{"op"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "registryd_errors_total",
		Help: "Error responses sent, by errno token.",
	}, []string{"errno"})

	watchEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registryd_watch_events_total",
		Help: "Watch event frames delivered to clients.",
	})

	watchEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registryd_watch_events_dropped_total",
		Help: "Watch events dropped on a full client queue.",
	})

	transactionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registryd_transactions_started_total",
		Help: "Transactions branched.",
	})

	transactionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registryd_transactions_committed_total",
		Help: "Transactions committed successfully.",
	})

	transactionsConflicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registryd_transactions_conflicted_total",
		Help: "Transaction commits refused with a conflict.",
	})

	connsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registryd_connections",
		Help: "Connected clients, sockets and ring channels combined.",
	})

	domainsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registryd_domains_introduced",
		Help: "Guest domains currently introduced.",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		errorsTotal,
		watchEventsTotal,
		watchEventsDropped,
		transactionsStarted,
		transactionsCommitted,
		transactionsConflicted,
		connsGauge,
		domainsGauge,
	)
}
