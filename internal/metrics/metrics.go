// Package metrics holds the Prometheus collectors for refreshes, queries
// and agent turns.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// refreshTotal counts refreshes by result: ok, partial, failed.
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luma_refresh_total",
			Help: "Total number of event cache refreshes",
		},
		[]string{"result"},
	)

	sourceFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luma_source_fetch_failures_total",
			Help: "Total number of failed source fetches",
		},
		[]string{"source"},
	)

	eventsCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "luma_events_cached",
			Help: "Number of events in the published cache",
		},
	)

	// queriesTotal counts query evaluations by outcome: ok, invalid.
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luma_queries_total",
			Help: "Total number of query evaluations",
		},
		[]string{"outcome"},
	)

	// agentTurnsTotal counts agent turns by outcome: query, text, events, error.
	agentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luma_agent_turns_total",
			Help: "Total number of agent turns",
		},
		[]string{"outcome"},
	)

	registerOnce sync.Once
)

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			refreshTotal,
			sourceFetchFailures,
			eventsCached,
			queriesTotal,
			agentTurnsTotal,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func ObserveRefresh(result string) { refreshTotal.WithLabelValues(result).Inc() }

func ObserveSourceFailure(sourceID string) { sourceFetchFailures.WithLabelValues(sourceID).Inc() }

func SetEventsCached(n int) { eventsCached.Set(float64(n)) }

func ObserveQuery(outcome string) { queriesTotal.WithLabelValues(outcome).Inc() }

func ObserveAgentTurn(outcome string) { agentTurnsTotal.WithLabelValues(outcome).Inc() }
