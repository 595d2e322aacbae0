package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/metrics"
	"github.com/lysyi3m/listing-comb/app/notify"
	"github.com/lysyi3m/listing-comb/app/state"
)

type Query struct {
	Keywords []string
	Locale   string
	PriceMax *float64
}

// Fetcher returns candidate listings for a query, newest first.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]listing.Item, error)
}

type Options struct {
	DefaultCooldown    time.Duration
	MaxSeenIDs         int
	BatchNotifications bool
	MaxBatchSize       int
	DryRun             bool
}

type Runner struct {
	fetcher  Fetcher
	store    *state.Store
	filterer *listing.Filterer
	channels []notify.Channel
	opts     Options
	mu       sync.Mutex
}

func NewRunner(fetcher Fetcher, store *state.Store, filterer *listing.Filterer, channels []notify.Channel, opts Options) *Runner {
	return &Runner{
		fetcher:  fetcher,
		store:    store,
		filterer: filterer,
		channels: channels,
		opts:     opts,
	}
}

// Run processes every enabled rule and locale in order, then persists state,
// prunes the seen sets and persists again. Runs never overlap.
func (r *Runner) Run(ctx context.Context, rules []*listing.Rule) *metrics.RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := metrics.NewRunMetrics()

	for _, rule := range rules {
		if ctx.Err() != nil {
			slog.Warn("Run interrupted, skipping remaining rules", "rule", rule.Name)
			break
		}
		if !rule.IsEnabled() {
			slog.Info("Rule disabled, skipping", "rule", rule.Name)
			continue
		}

		for _, locale := range rule.Locales {
			m := r.executeLocale(ctx, rule, locale)
			m.LogSummary(slog.Default())
			run.Add(*m)
		}
	}

	r.persist(context.WithoutCancel(ctx))
	run.LogSummary(slog.Default())

	return run
}

func (r *Runner) persist(ctx context.Context) {
	if err := r.store.Save(ctx); err != nil {
		slog.Warn("State not persisted after run", "error", err)
	}

	for rule, removed := range r.store.Cleanup(r.opts.MaxSeenIDs) {
		slog.Info("Pruned seen listings", "rule", rule, "removed", removed, "max", r.opts.MaxSeenIDs)
	}

	if err := r.store.Save(ctx); err != nil {
		slog.Warn("State not persisted after cleanup", "error", err)
	}
}

// executeLocale recovers from unexpected failures so that the remaining
// rules still run. Such failures are logged only; Errors counts fetch
// failures.
func (r *Runner) executeLocale(ctx context.Context, rule *listing.Rule, locale string) (m *metrics.RuleMetrics) {
	m = metrics.NewRuleMetrics(rule.Name, locale)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Unexpected failure while processing rule", "rule", rule.Name, "locale", locale, "panic", rec)
		}
	}()

	r.processLocale(ctx, rule, locale, m)
	return m
}

func (r *Runner) processLocale(ctx context.Context, rule *listing.Rule, locale string, m *metrics.RuleMetrics) {
	items, err := r.fetcher.Fetch(ctx, Query{
		Keywords: rule.Keywords,
		Locale:   locale,
		PriceMax: rule.PriceMax,
	})
	if err != nil {
		slog.Error("Failed to fetch listings", "rule", rule.Name, "locale", locale, "error", err)
		m.Errors++
		return
	}
	m.Found = len(items)

	fresh := make([]listing.Item, 0, len(items))
	inFetch := make(map[string]bool, len(items))
	for _, item := range items {
		if inFetch[item.ID] || r.store.IsSeen(rule.Name, item.ID) {
			m.SkippedDuplicate++
			continue
		}
		inFetch[item.ID] = true
		fresh = append(fresh, item)
	}
	m.New = len(fresh)

	if len(fresh) == 0 {
		slog.Debug("No new listings", "rule", rule.Name, "locale", locale, "found", m.Found)
		return
	}

	passed, skipped := r.filterer.Run(fresh, rule)
	for _, s := range skipped {
		r.store.MarkSeen(rule.Name, s.Item.ID)
	}
	m.FilteredOut = len(skipped)

	if len(passed) == 0 {
		slog.Debug("No listings passed filters", "rule", rule.Name, "locale", locale, "filtered", m.FilteredOut)
		return
	}

	cooldown := EffectiveCooldown(rule, r.opts.DefaultCooldown)
	if remaining, waiting := r.store.TimeUntilNotify(rule.Name, cooldown); waiting {
		slog.Info("Cooldown active, skipping notifications", "rule", rule.Name, "locale", locale, "remaining", remaining.Round(time.Second).String(), "skipped", len(passed))
		r.markSeen(rule.Name, passed)
		m.SkippedCooldown = len(passed)
		return
	}

	toNotify := passed
	if limit := EffectiveBatchSize(rule, r.opts.MaxBatchSize); limit > 0 && len(toNotify) > limit {
		slog.Debug("Batch limit reached", "rule", rule.Name, "locale", locale, "limit", limit, "dropped", len(toNotify)-limit)
		toNotify = toNotify[:limit]
	}

	rc := notify.RuleContext{RuleName: rule.Name, Locale: locale, Webhook: rule.Webhook}
	m.Notified = r.dispatch(ctx, rc, toNotify)

	if m.Notified > 0 {
		r.store.MarkNotified(rule.Name)
	}
	r.markSeen(rule.Name, passed)
}

// dispatch sends items to every enabled channel and returns how many were
// accepted by at least one of them.
func (r *Runner) dispatch(ctx context.Context, rc notify.RuleContext, items []listing.Item) int {
	if r.opts.DryRun {
		for _, item := range items {
			slog.Info("Dry run, notification not sent", "rule", rc.RuleName, "locale", rc.Locale, "id", item.ID, "title", item.Title, "url", item.URL)
		}
		return 0
	}

	channels := r.enabledChannels(rc)
	if len(channels) == 0 {
		slog.Warn("No notification channel configured", "rule", rc.RuleName, "locale", rc.Locale)
		return 0
	}

	if r.opts.BatchNotifications && len(items) > 1 {
		delivered := fanOut(channels, func(ch notify.Channel) error {
			return ch.NotifyBatch(ctx, items, rc)
		}, rc)
		if delivered {
			return len(items)
		}
		return 0
	}

	notified := 0
	for _, item := range items {
		delivered := fanOut(channels, func(ch notify.Channel) error {
			return ch.Notify(ctx, item, rc)
		}, rc)
		if delivered {
			notified++
		}
	}
	return notified
}

func (r *Runner) enabledChannels(rc notify.RuleContext) []notify.Channel {
	enabled := make([]notify.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.Enabled(rc) {
			enabled = append(enabled, ch)
		}
	}
	return enabled
}

// fanOut calls send on every channel concurrently and reports whether any
// of them succeeded.
func fanOut(channels []notify.Channel, send func(ch notify.Channel) error, rc notify.RuleContext) bool {
	var delivered atomic.Bool

	p := pool.New().WithMaxGoroutines(len(channels))
	for _, ch := range channels {
		p.Go(func() {
			if err := send(ch); err != nil {
				slog.Error("Notification failed", "channel", ch.Name(), "rule", rc.RuleName, "locale", rc.Locale, "error", err)
				return
			}
			delivered.Store(true)
		})
	}
	p.Wait()

	return delivered.Load()
}

func (r *Runner) markSeen(rule string, items []listing.Item) {
	for _, item := range items {
		r.store.MarkSeen(rule, item.ID)
	}
}
