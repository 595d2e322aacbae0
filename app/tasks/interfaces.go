package tasks

import (
	"context"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/metrics"
)

// TaskSchedulerInterface is used by the API to trigger runs on demand.
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

// RunnerInterface executes one pass over the given rules.
type RunnerInterface interface {
	Run(ctx context.Context, rules []*listing.Rule) *metrics.RunMetrics
}

// RuleSource provides the rules a poll runs against.
type RuleSource interface {
	GetEnabledRules() []*listing.Rule
}
