package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeFound            = "found"
	OutcomeNew              = "new"
	OutcomeFiltered         = "filtered"
	OutcomeNotified         = "notified"
	OutcomeSkippedCooldown  = "skipped_cooldown"
	OutcomeSkippedDuplicate = "skipped_duplicate"
	OutcomeError            = "error"
)

var (
	// ItemsTotal counts listing outcomes per rule and locale.
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_comb_items_total",
			Help: "Total listing outcomes by rule, locale and outcome",
		},
		[]string{"rule", "locale", "outcome"},
	)

	// RunsTotal counts completed runs by status (success, error).
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_comb_runs_total",
			Help: "Total completed runs by status",
		},
		[]string{"status"},
	)
)

// Export adds the counters of a finished run to the Prometheus collectors.
func Export(run *RunMetrics) {
	for _, m := range run.Rules() {
		outcomes := map[string]int{
			OutcomeFound:            m.Found,
			OutcomeNew:              m.New,
			OutcomeFiltered:         m.FilteredOut,
			OutcomeNotified:         m.Notified,
			OutcomeSkippedCooldown:  m.SkippedCooldown,
			OutcomeSkippedDuplicate: m.SkippedDuplicate,
			OutcomeError:            m.Errors,
		}
		for outcome, count := range outcomes {
			if count > 0 {
				ItemsTotal.WithLabelValues(m.Rule, m.Locale, outcome).Add(float64(count))
			}
		}
	}

	status := "success"
	if run.HasErrors() {
		status = "error"
	}
	RunsTotal.WithLabelValues(status).Inc()
}
