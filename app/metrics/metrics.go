package metrics

import (
	"log/slog"
	"sync"
)

// RuleMetrics holds the outcome counters of one rule/locale execution.
type RuleMetrics struct {
	Rule             string `json:"name"`
	Locale           string `json:"locale"`
	Found            int    `json:"found"`
	New              int    `json:"new"`
	FilteredOut      int    `json:"filtered_out"`
	Notified         int    `json:"notified"`
	SkippedCooldown  int    `json:"skipped_cooldown"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	Errors           int    `json:"errors"`
}

func NewRuleMetrics(rule, locale string) *RuleMetrics {
	return &RuleMetrics{Rule: rule, Locale: locale}
}

func (m *RuleMetrics) LogSummary(logger *slog.Logger) {
	logger.Info("Rule executed",
		"rule", m.Rule,
		"locale", m.Locale,
		"found", m.Found,
		"new", m.New,
		"filtered", m.FilteredOut,
		"notified", m.Notified,
		"skipped_cooldown", m.SkippedCooldown,
		"skipped_duplicate", m.SkippedDuplicate,
		"errors", m.Errors,
	)
}

type Totals struct {
	Found            int
	New              int
	FilteredOut      int
	Notified         int
	SkippedCooldown  int
	SkippedDuplicate int
	Errors           int
}

// RunSummary is the machine-readable report of a run.
type RunSummary struct {
	SearchesExecuted      int           `json:"searches_executed"`
	TotalFound            int           `json:"total_found"`
	TotalNew              int           `json:"total_new"`
	TotalFiltered         int           `json:"total_filtered"`
	TotalNotified         int           `json:"total_notified"`
	TotalSkippedCooldown  int           `json:"total_skipped_cooldown"`
	TotalSkippedDuplicate int           `json:"total_skipped_duplicate"`
	TotalErrors           int           `json:"total_errors"`
	Searches              []RuleMetrics `json:"searches"`
}

// RunMetrics accumulates rule/locale executions of a single run.
type RunMetrics struct {
	mu    sync.Mutex
	rules []RuleMetrics
}

func NewRunMetrics() *RunMetrics {
	return &RunMetrics{}
}

func (r *RunMetrics) Add(m RuleMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, m)
}

func (r *RunMetrics) Rules() []RuleMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RuleMetrics, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *RunMetrics) Totals() Totals {
	var t Totals
	for _, m := range r.Rules() {
		t.Found += m.Found
		t.New += m.New
		t.FilteredOut += m.FilteredOut
		t.Notified += m.Notified
		t.SkippedCooldown += m.SkippedCooldown
		t.SkippedDuplicate += m.SkippedDuplicate
		t.Errors += m.Errors
	}
	return t
}

func (r *RunMetrics) HasErrors() bool {
	return r.Totals().Errors > 0
}

func (r *RunMetrics) Summary() RunSummary {
	rules := r.Rules()
	t := r.Totals()

	return RunSummary{
		SearchesExecuted:      len(rules),
		TotalFound:            t.Found,
		TotalNew:              t.New,
		TotalFiltered:         t.FilteredOut,
		TotalNotified:         t.Notified,
		TotalSkippedCooldown:  t.SkippedCooldown,
		TotalSkippedDuplicate: t.SkippedDuplicate,
		TotalErrors:           t.Errors,
		Searches:              rules,
	}
}

func (r *RunMetrics) LogSummary(logger *slog.Logger) {
	s := r.Summary()

	logger.Info("Run summary",
		"searches_executed", s.SearchesExecuted,
		"found", s.TotalFound,
		"new", s.TotalNew,
		"filtered", s.TotalFiltered,
		"notified", s.TotalNotified,
		"skipped_cooldown", s.TotalSkippedCooldown,
		"skipped_duplicate", s.TotalSkippedDuplicate,
	)
	if s.TotalErrors > 0 {
		logger.Warn("Run completed with errors", "errors", s.TotalErrors)
	}
}
