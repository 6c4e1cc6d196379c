// Package metrics exposes prometheus instrumentation for the broker.
// Collection is always on; the HTTP listener is opt-in via config.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Picks counts successful claims by decision reason (rotation, preempt).
	Picks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_picks_total",
		Help: "Tasks claimed by the scheduler, by decision reason.",
	}, []string{"reason"})

	// NoWork counts pick_next calls that found nothing claimable.
	NoWork = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_no_work_total",
		Help: "pick_next calls returning NO_WORK.",
	})

	// Reaps counts stale leases reclaimed.
	Reaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_reaps_total",
		Help: "Stale leases reaped back to pending or dead_letter.",
	})

	// Decisions counts gavel outcomes by decision.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_decisions_total",
		Help: "Review decisions rendered, by decision.",
	}, []string{"decision"})

	// PlansAccepted counts accepted plan artifacts.
	PlansAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_plans_accepted_total",
		Help: "Plan artifacts accepted into the store.",
	})

	// TasksByStatus gauges the queue depth per status, refreshed by the
	// snapshot service.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gantry_tasks",
		Help: "Current task count by status.",
	}, []string{"status"})
)

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
