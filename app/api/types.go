package api

import (
	"time"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/state"
	"github.com/lysyi3m/listing-comb/app/tasks"
)

type SchedulerInterface interface {
	tasks.TaskSchedulerInterface
	NewPollTask(trigger string) *tasks.PollTask
}

type RuleCacheInterface interface {
	GetRules() []*listing.Rule
	GetRuleCount() int
}

var _ RuleCacheInterface = (*listing.ConfigCache)(nil)

type StateReader interface {
	Snapshot(rule string) (state.RuleSnapshot, bool)
	RemainingCooldown(rule string, cooldown time.Duration) (time.Duration, bool)
}

var _ StateReader = (*state.Store)(nil)

type Handler struct {
	ruleCache       RuleCacheInterface
	store           StateReader
	scheduler       SchedulerInterface
	lastRun         *tasks.LastRun
	defaultCooldown time.Duration
	now             func() time.Time
}
