package kubernetesagent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kube_executor",
		Name:      "policy_decisions_total",
		Help:      "Whitelist decisions by result",
	}, []string{"decision"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kube_executor",
		Name:      "command_duration_seconds",
		Help:      "kubectl run time by outcome",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"outcome"})

	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kube_executor",
		Name:      "poll_errors_total",
		Help:      "Failed long-poll requests",
	})

	resultsBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kube_executor",
		Name:      "results_buffered",
		Help:      "Results waiting to be posted to the broker",
	})

	resultsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kube_executor",
		Name:      "results_dropped_total",
		Help:      "Results discarded because the buffer was full or the broker rejected them",
	})
)
