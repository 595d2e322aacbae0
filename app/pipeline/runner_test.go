package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/notify"
	"github.com/lysyi3m/listing-comb/app/state"
)

type memoryBackend struct {
	mu      sync.Mutex
	saved   *state.AppState
	saves   int
	saveErr error
}

func (m *memoryBackend) Load(ctx context.Context) (*state.AppState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return nil, state.ErrNotFound
	}
	return m.saved, nil
}

func (m *memoryBackend) Save(ctx context.Context, st *state.AppState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = st
	return nil
}

// mockFetcher returns canned items per locale. A locale mapped to an error
// fails, and a query whose first keyword is panicWord panics.
type mockFetcher struct {
	items     map[string][]listing.Item
	errs      map[string]error
	panicWord string
	calls     []Query
}

func (f *mockFetcher) Fetch(ctx context.Context, q Query) ([]listing.Item, error) {
	f.calls = append(f.calls, q)
	if f.panicWord != "" && len(q.Keywords) > 0 && q.Keywords[0] == f.panicWord {
		panic("unexpected payload")
	}
	if err, ok := f.errs[q.Locale]; ok {
		return nil, err
	}
	return f.items[q.Locale], nil
}

type mockChannel struct {
	name    string
	err     error
	enabled bool

	mu      sync.Mutex
	single  []string
	batches [][]string
}

func newMockChannel(name string, err error) *mockChannel {
	return &mockChannel{name: name, err: err, enabled: true}
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) Enabled(rc notify.RuleContext) bool { return c.enabled }

func (c *mockChannel) Notify(ctx context.Context, item listing.Item, rc notify.RuleContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.single = append(c.single, item.ID)
	return c.err
}

func (c *mockChannel) NotifyBatch(ctx context.Context, items []listing.Item, rc notify.RuleContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	c.batches = append(c.batches, ids)
	return c.err
}

func (c *mockChannel) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.single) + len(c.batches)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func item(id string, price int64) listing.Item {
	return listing.Item{
		ID:    id,
		Title: "Listing " + id,
		Price: listing.Price{Amount: decimal.NewFromInt(price), Currency: "EUR"},
		URL:   "https://marketplace.example/items/" + id,
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }

type testEnv struct {
	runner  *Runner
	store   *state.Store
	backend *memoryBackend
	fetcher *mockFetcher
	clock   *fakeClock
}

func newTestEnv(fetcher *mockFetcher, channels []notify.Channel, opts Options) *testEnv {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	backend := &memoryBackend{}
	store := state.NewStore(backend, state.WithClock(clock.Now))

	return &testEnv{
		runner:  NewRunner(fetcher, store, listing.NewFilterer(), channels, opts),
		store:   store,
		backend: backend,
		fetcher: fetcher,
		clock:   clock,
	}
}

func defaultOptions() Options {
	return Options{
		DefaultCooldown: 0,
		MaxSeenIDs:      1000,
		MaxBatchSize:    10,
	}
}

func TestRunner_PriceScenario(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 40), item("b", 60)},
	}}
	ch := newMockChannel("slack", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"shoes"}, Locales: []string{"en"}, PriceMax: floatPtr(50)}

	verdict := listing.NewFilterer().Evaluate(item("b", 60), rule)
	if verdict.Passed || !strings.Contains(verdict.Reason, "above maximum 50") {
		t.Errorf("Expected rejection mentioning 'above maximum 50', got %+v", verdict)
	}

	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if !env.store.IsSeen("R1", "a") || !env.store.IsSeen("R1", "b") {
		t.Error("Expected both listings to be marked seen")
	}
	if len(ch.single) != 1 || ch.single[0] != "a" {
		t.Errorf("Expected exactly one notification for 'a', got %v", ch.single)
	}

	totals := run.Totals()
	if totals.Found != 2 || totals.New != 2 || totals.FilteredOut != 1 || totals.Notified != 1 {
		t.Errorf("Unexpected totals: %+v", totals)
	}
	if run.HasErrors() {
		t.Error("Expected no errors")
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0].PriceMax == nil || *fetcher.calls[0].PriceMax != 50 {
		t.Errorf("Expected price_max to be passed to the fetcher, got %+v", fetcher.calls)
	}
}

func TestRunner_SaveFailureStillReturnsMetrics(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 40), item("b", 60)},
	}}
	ch := newMockChannel("slack", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())
	env.backend.saveErr = errors.New("disk full")

	rule := &listing.Rule{Name: "R1", Keywords: []string{"shoes"}, Locales: []string{"en"}, PriceMax: floatPtr(50)}

	run := env.runner.Run(context.Background(), []*listing.Rule{rule})
	if run == nil {
		t.Fatal("Expected run metrics despite the save failure")
	}

	summary := run.Summary()
	if summary.SearchesExecuted != 1 || summary.TotalFound != 2 || summary.TotalNotified != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if run.HasErrors() {
		t.Error("Expected a save failure not to count as a run error")
	}
	if env.backend.saves != 2 {
		t.Errorf("Expected both save attempts, got %d", env.backend.saves)
	}
	if env.backend.saved != nil {
		t.Error("Expected nothing to be persisted")
	}
	if !env.store.IsSeen("R1", "a") {
		t.Error("Expected in-memory state to keep the seen listing")
	}
}

func TestRunner_SecondRunOnlyDuplicates(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 40), item("b", 60)},
	}}
	ch := newMockChannel("slack", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"shoes"}, Locales: []string{"en"}, PriceMax: floatPtr(50)}

	env.runner.Run(context.Background(), []*listing.Rule{rule})
	callsAfterFirst := ch.calls()

	run := env.runner.Run(context.Background(), []*listing.Rule{rule})
	totals := run.Totals()

	if totals.Found != 2 || totals.New != 0 {
		t.Errorf("Expected found=2 new=0, got found=%d new=%d", totals.Found, totals.New)
	}
	if totals.SkippedDuplicate != 2 {
		t.Errorf("Expected 2 duplicates, got %d", totals.SkippedDuplicate)
	}
	if totals.FilteredOut != 0 || totals.Notified != 0 || totals.SkippedCooldown != 0 {
		t.Errorf("Expected no filter/cooldown/notify activity, got %+v", totals)
	}
	if ch.calls() != callsAfterFirst {
		t.Errorf("Expected no dispatch on second run, got %d new calls", ch.calls()-callsAfterFirst)
	}
}

func TestRunner_CooldownBlocksDispatch(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 10)},
	}}
	ch := newMockChannel("discord", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"shoes"}, Locales: []string{"en"}, CooldownMinutes: intPtr(60)}

	first := env.runner.Run(context.Background(), []*listing.Rule{rule})
	if first.Totals().Notified != 1 {
		t.Fatalf("Expected first run to notify, got %+v", first.Totals())
	}

	env.clock.Advance(10 * time.Minute)
	fetcher.items["en"] = []listing.Item{item("a", 10), item("c", 20)}

	second := env.runner.Run(context.Background(), []*listing.Rule{rule})
	totals := second.Totals()

	if env.store.CanNotify("R1", time.Hour) {
		t.Error("Expected cooldown to be active")
	}
	if totals.SkippedCooldown != 1 {
		t.Errorf("Expected skipped_cooldown=1, got %d", totals.SkippedCooldown)
	}
	if totals.Notified != 0 {
		t.Errorf("Expected no notifications, got %d", totals.Notified)
	}
	if !env.store.IsSeen("R1", "c") {
		t.Error("Expected cooldown-blocked listing to be marked seen")
	}
	if ch.calls() != 1 {
		t.Errorf("Expected no dispatch during cooldown, got %d total calls", ch.calls())
	}

	env.clock.Advance(50 * time.Minute)
	fetcher.items["en"] = []listing.Item{item("d", 20)}
	third := env.runner.Run(context.Background(), []*listing.Rule{rule})
	if third.Totals().Notified != 1 {
		t.Errorf("Expected notification once the cooldown elapsed, got %+v", third.Totals())
	}
}

func TestRunner_DefaultCooldownApplies(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{"en": {item("a", 10)}}}
	ch := newMockChannel("slack", nil)
	opts := defaultOptions()
	opts.DefaultCooldown = 30 * time.Minute
	env := newTestEnv(fetcher, []notify.Channel{ch}, opts)

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}}
	env.runner.Run(context.Background(), []*listing.Rule{rule})

	fetcher.items["en"] = []listing.Item{item("b", 10)}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if run.Totals().SkippedCooldown != 1 {
		t.Errorf("Expected process default cooldown to block, got %+v", run.Totals())
	}
}

func TestRunner_FetchErrorIsolated(t *testing.T) {
	fetcher := &mockFetcher{
		items: map[string][]listing.Item{"de": {item("a", 10)}},
		errs:  map[string]error{"fr": errors.New("connection reset")},
	}
	ch := newMockChannel("slack", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rules := []*listing.Rule{
		{Name: "R1", Keywords: []string{"x"}, Locales: []string{"fr", "de"}},
		{Name: "R2", Keywords: []string{"y"}, Locales: []string{"de"}},
	}

	run := env.runner.Run(context.Background(), rules)

	summary := run.Summary()
	if summary.SearchesExecuted != 3 {
		t.Errorf("Expected 3 rule/locale executions, got %d", summary.SearchesExecuted)
	}
	if summary.TotalErrors != 1 {
		t.Errorf("Expected 1 error, got %d", summary.TotalErrors)
	}
	if !run.HasErrors() {
		t.Error("Expected run to report errors")
	}
	if summary.TotalNotified != 2 {
		t.Errorf("Expected the other executions to notify, got %d", summary.TotalNotified)
	}
}

func TestRunner_PanicRecoveredAtRuleBoundary(t *testing.T) {
	fetcher := &mockFetcher{
		items:     map[string][]listing.Item{"en": {item("a", 10)}},
		panicWord: "boom",
	}
	ch := newMockChannel("slack", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rules := []*listing.Rule{
		{Name: "broken", Keywords: []string{"boom"}, Locales: []string{"en"}},
		{Name: "healthy", Keywords: []string{"ok"}, Locales: []string{"en"}},
	}

	run := env.runner.Run(context.Background(), rules)

	byRule := map[string]int{}
	for _, m := range run.Rules() {
		byRule[m.Rule] = m.Errors
	}
	if byRule["broken"] != 0 {
		t.Errorf("Expected panic to be logged without counting an error, got %d", byRule["broken"])
	}
	if run.HasErrors() {
		t.Error("Expected a recovered panic not to mark the run as failed")
	}
	if len(run.Rules()) != 2 {
		t.Errorf("Expected both rule executions to be recorded, got %d", len(run.Rules()))
	}
	if !env.store.IsSeen("healthy", "a") {
		t.Error("Expected the next rule to run after a panic")
	}
	if env.backend.saves != 2 {
		t.Errorf("Expected state to be saved twice, got %d", env.backend.saves)
	}
}

func TestRunner_BatchNotification(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 10), item("b", 20), item("c", 30)},
	}}
	ch := newMockChannel("discord", nil)
	opts := defaultOptions()
	opts.BatchNotifications = true
	env := newTestEnv(fetcher, []notify.Channel{ch}, opts)

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}, MaxBatchSize: 2}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if len(ch.batches) != 1 || len(ch.single) != 0 {
		t.Fatalf("Expected exactly one batch call, got batches=%v single=%v", ch.batches, ch.single)
	}
	if strings.Join(ch.batches[0], ",") != "a,b" {
		t.Errorf("Expected batch capped to a,b, got %v", ch.batches[0])
	}
	if run.Totals().Notified != 2 {
		t.Errorf("Expected notified=2, got %d", run.Totals().Notified)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !env.store.IsSeen("R1", id) {
			t.Errorf("Expected %s to be marked seen", id)
		}
	}
}

func TestRunner_SingleQualifyingItemNotBatched(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{"en": {item("a", 10)}}}
	ch := newMockChannel("discord", nil)
	opts := defaultOptions()
	opts.BatchNotifications = true
	env := newTestEnv(fetcher, []notify.Channel{ch}, opts)

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}}
	env.runner.Run(context.Background(), []*listing.Rule{rule})

	if len(ch.single) != 1 || len(ch.batches) != 0 {
		t.Errorf("Expected a single notification, got batches=%v single=%v", ch.batches, ch.single)
	}
}

func TestRunner_AnyChannelSuccessCounts(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{"en": {item("a", 10), item("b", 10)}}}
	failing := newMockChannel("slack", errors.New("webhook down"))
	working := newMockChannel("discord", nil)
	disabled := newMockChannel("other", nil)
	disabled.enabled = false
	env := newTestEnv(fetcher, []notify.Channel{failing, working, disabled}, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}, CooldownMinutes: intPtr(60)}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if run.Totals().Notified != 2 {
		t.Errorf("Expected notified=2, got %d", run.Totals().Notified)
	}
	if failing.calls() != 2 || working.calls() != 2 {
		t.Errorf("Expected every enabled channel to be attempted, got failing=%d working=%d", failing.calls(), working.calls())
	}
	if disabled.calls() != 0 {
		t.Errorf("Expected disabled channel to be skipped, got %d calls", disabled.calls())
	}
	if env.store.CanNotify("R1", time.Hour) {
		t.Error("Expected rule to be marked notified")
	}
}

func TestRunner_AllChannelsFail(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{"en": {item("a", 10)}}}
	ch := newMockChannel("slack", errors.New("webhook down"))
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}, CooldownMinutes: intPtr(60)}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if run.Totals().Notified != 0 {
		t.Errorf("Expected notified=0, got %d", run.Totals().Notified)
	}
	if !env.store.CanNotify("R1", time.Hour) {
		t.Error("Expected no notification timestamp after failed dispatch")
	}
	if !env.store.IsSeen("R1", "a") {
		t.Error("Expected listing to be marked seen after failed dispatch")
	}
}

func TestRunner_DisabledRuleSkipped(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{"en": {item("a", 10)}}}
	env := newTestEnv(fetcher, nil, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}, Enabled: boolPtr(false)}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if len(fetcher.calls) != 0 {
		t.Errorf("Expected no fetch for disabled rule, got %d", len(fetcher.calls))
	}
	if run.Summary().SearchesExecuted != 0 {
		t.Errorf("Expected no executions, got %d", run.Summary().SearchesExecuted)
	}
}

func TestRunner_DryRun(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{"en": {item("a", 10)}}}
	ch := newMockChannel("slack", nil)
	opts := defaultOptions()
	opts.DryRun = true
	env := newTestEnv(fetcher, []notify.Channel{ch}, opts)

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	if ch.calls() != 0 {
		t.Errorf("Expected no channel calls in dry run, got %d", ch.calls())
	}
	if run.Totals().Notified != 0 {
		t.Errorf("Expected notified=0 in dry run, got %d", run.Totals().Notified)
	}
}

func TestRunner_CleanupAfterRun(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 10), item("b", 10), item("c", 10), item("d", 10)},
	}}
	opts := defaultOptions()
	opts.MaxSeenIDs = 2
	env := newTestEnv(fetcher, []notify.Channel{newMockChannel("slack", nil)}, opts)

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}}
	env.runner.Run(context.Background(), []*listing.Rule{rule})

	snap, ok := env.store.Snapshot("R1")
	if !ok {
		t.Fatal("Expected state for R1")
	}
	if snap.SeenCount != 2 {
		t.Errorf("Expected seen set pruned to 2, got %d", snap.SeenCount)
	}
	if !env.store.IsSeen("R1", "c") || !env.store.IsSeen("R1", "d") {
		t.Error("Expected the most recently seen listings to survive cleanup")
	}

	saved := env.backend.saved.Searches["R1"]
	if saved == nil || saved.Len() != 2 {
		t.Error("Expected pruned state to be persisted")
	}
}

func TestRunner_DuplicateIDsWithinFetch(t *testing.T) {
	fetcher := &mockFetcher{items: map[string][]listing.Item{
		"en": {item("a", 10), item("a", 10)},
	}}
	ch := newMockChannel("slack", nil)
	env := newTestEnv(fetcher, []notify.Channel{ch}, defaultOptions())

	rule := &listing.Rule{Name: "R1", Keywords: []string{"x"}, Locales: []string{"en"}}
	run := env.runner.Run(context.Background(), []*listing.Rule{rule})

	totals := run.Totals()
	if totals.New != 1 || totals.SkippedDuplicate != 1 {
		t.Errorf("Expected new=1 duplicates=1, got %+v", totals)
	}
	if ch.calls() != 1 {
		t.Errorf("Expected one notification, got %d", ch.calls())
	}
}
