package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidenced_llm_requests_total",
		Help: "LLM completion requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	failoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidenced_llm_failovers_total",
		Help: "Single-hop failovers by failed and substitute provider.",
	}, []string{"from", "to"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidenced_llm_request_duration_seconds",
		Help:    "LLM completion latency by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidenced_llm_tokens_total",
		Help: "Normalized token usage by provider and kind (prompt/completion).",
	}, []string{"provider", "kind"})
)
