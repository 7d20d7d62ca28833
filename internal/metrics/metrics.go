// Package metrics holds the prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStarted counts jobs entering the running state, by pipeline.
	JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "books_jobs_started_total",
		Help: "Jobs started, by pipeline.",
	}, []string{"pipeline"})

	// JobsFinished counts jobs reaching a terminal state.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "books_jobs_finished_total",
		Help: "Jobs finished, by pipeline and terminal status.",
	}, []string{"pipeline", "status"})

	// SocketMessages counts outbound websocket messages by disposition.
	SocketMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "books_socket_messages_total",
		Help: "Outbound websocket messages, by disposition (sent, dropped, shed).",
	}, []string{"disposition"})

	// CacheHits counts cache lookups by outcome (hit, miss, negative).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "books_cache_lookups_total",
		Help: "Cache lookups, by outcome.",
	}, []string{"outcome"})

	// RateLimited counts denied requests on rate-limited endpoints.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "books_rate_limited_total",
		Help: "Requests denied by the per-key rate limiter.",
	})

	// ProviderLookups counts metadata provider calls by provider and outcome.
	ProviderLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "books_provider_lookups_total",
		Help: "Metadata provider calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// ActiveSessions tracks live job sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "books_active_sessions",
		Help: "Sessions currently held by the registry.",
	})
)
