package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/listing-comb/app/metrics"
)

// LastRun keeps the summary of the most recent completed run.
type LastRun struct {
	mu          sync.RWMutex
	summary     *metrics.RunSummary
	completedAt time.Time
}

func NewLastRun() *LastRun {
	return &LastRun{}
}

func (l *LastRun) Record(summary metrics.RunSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary = &summary
	l.completedAt = time.Now()
}

// Get returns the last summary and when it completed. The boolean is false
// before the first run.
func (l *LastRun) Get() (metrics.RunSummary, time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.summary == nil {
		return metrics.RunSummary{}, time.Time{}, false
	}
	return *l.summary, l.completedAt, true
}

type PollTask struct {
	Task
	rules   RuleSource
	runner  RunnerInterface
	lastRun *LastRun
}

func NewPollTask(trigger string, rules RuleSource, runner RunnerInterface, lastRun *LastRun) *PollTask {
	return &PollTask{
		Task:    NewTask(TaskTypePoll, trigger),
		rules:   rules,
		runner:  runner,
		lastRun: lastRun,
	}
}

// Execute runs every enabled rule once. Fetch errors are reported as a task
// error so the scheduler retries the run.
func (t *PollTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rules := t.rules.GetEnabledRules()
	if len(rules) == 0 {
		slog.Debug("No enabled rules, skipping poll", "id", t.ID)
		return nil
	}

	run := t.runner.Run(ctx, rules)
	metrics.Export(run)

	summary := run.Summary()
	if t.lastRun != nil {
		t.lastRun.Record(summary)
	}

	slog.Info("Task completed",
		"type", string(t.Type),
		"trigger", t.Trigger,
		"duration", t.GetDuration(),
		"rules", len(rules),
		"found", summary.TotalFound,
		"new", summary.TotalNew,
		"notified", summary.TotalNotified,
		"errors", summary.TotalErrors)

	if run.HasErrors() {
		return fmt.Errorf("run completed with %d error(s)", summary.TotalErrors)
	}
	return nil
}
