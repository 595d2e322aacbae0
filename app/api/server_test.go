package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/lysyi3m/listing-comb/app/listing"
	"github.com/lysyi3m/listing-comb/app/metrics"
	"github.com/lysyi3m/listing-comb/app/state"
	"github.com/lysyi3m/listing-comb/app/tasks"
)

type mockRuleCache struct {
	rules []*listing.Rule
}

func (m *mockRuleCache) GetRules() []*listing.Rule { return m.rules }
func (m *mockRuleCache) GetRuleCount() int         { return len(m.rules) }

type mockStateReader struct {
	snapshots map[string]state.RuleSnapshot
	remaining map[string]time.Duration
}

func (m *mockStateReader) Snapshot(rule string) (state.RuleSnapshot, bool) {
	snap, ok := m.snapshots[rule]
	return snap, ok
}

func (m *mockStateReader) RemainingCooldown(rule string, cooldown time.Duration) (time.Duration, bool) {
	remaining, ok := m.remaining[rule]
	return remaining, ok && remaining > 0
}

type mockScheduler struct {
	enqueued []tasks.TaskInterface
	err      error
}

func (m *mockScheduler) Start() {}
func (m *mockScheduler) Stop()  {}

func (m *mockScheduler) EnqueueTask(task tasks.TaskInterface) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, task)
	return nil
}

func (m *mockScheduler) NewPollTask(trigger string) *tasks.PollTask {
	return tasks.NewPollTask(trigger, nil, nil, nil)
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupTestServer(apiKey string) (*gin.Engine, *mockScheduler, *tasks.LastRun) {
	gin.SetMode(gin.TestMode)

	cooldown := 30
	disabled := false
	last := testNow.Add(-10 * time.Minute)

	ruleCache := &mockRuleCache{rules: []*listing.Rule{
		{Name: "boots", Keywords: []string{"boots"}, Locales: []string{"fr"}, CooldownMinutes: &cooldown},
		{Name: "jackets", Keywords: []string{"jacket"}, Locales: []string{"en"}, Enabled: &disabled},
	}}
	store := &mockStateReader{snapshots: map[string]state.RuleSnapshot{
		"boots": {Rule: "boots", SeenCount: 42, LastNotificationTime: &last},
	}, remaining: map[string]time.Duration{
		"boots": 20 * time.Minute,
	}}
	scheduler := &mockScheduler{}
	lastRun := tasks.NewLastRun()

	handler := NewHandler(ruleCache, store, scheduler, lastRun, time.Hour)
	handler.now = func() time.Time { return testNow }

	return NewServer(handler, apiKey), scheduler, lastRun
}

func perform(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r, _, _ := setupTestServer("")

	w := perform(r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", body["status"])
	}
	if body["loaded_rules"] != float64(2) {
		t.Errorf("Expected 2 loaded rules, got %v", body["loaded_rules"])
	}
}

func TestStats(t *testing.T) {
	r, _, lastRun := setupTestServer("")

	w := perform(r, http.MethodGet, "/stats", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204 before the first run, got %d", w.Code)
	}

	run := metrics.NewRunMetrics()
	run.Add(metrics.RuleMetrics{Rule: "boots", Locale: "fr", Found: 5, New: 2, Notified: 1})
	lastRun.Record(run.Summary())

	w = perform(r, http.MethodGet, "/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var summary metrics.RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.TotalFound != 5 || summary.TotalNotified != 1 || len(summary.Searches) != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := setupTestServer("")

	w := perform(r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	r, _, _ := setupTestServer("")

	w := perform(r, http.MethodGet, "/api/rules", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when API is disabled, got %d", w.Code)
	}
}

func TestAPIAuth(t *testing.T) {
	r, _, _ := setupTestServer("secret")

	tests := []struct {
		name     string
		headers  map[string]string
		expected int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"header key", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := perform(r, http.MethodGet, "/api/rules", tt.headers)
			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestAPIListRules(t *testing.T) {
	r, _, _ := setupTestServer("secret")

	w := perform(r, http.MethodGet, "/api/rules", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body struct {
		Rules []map[string]interface{} `json:"rules"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if body.Total != 2 {
		t.Fatalf("Expected 2 rules, got %d", body.Total)
	}

	boots := body.Rules[0]
	if boots["seen_count"] != float64(42) {
		t.Errorf("Expected seen_count 42, got %v", boots["seen_count"])
	}
	if boots["seconds_until_notify"] != float64(20*60) {
		t.Errorf("Expected 1200 seconds until notify, got %v", boots["seconds_until_notify"])
	}
	if boots["cooldown"] != "30m0s" {
		t.Errorf("Expected rule cooldown override, got %v", boots["cooldown"])
	}

	jackets := body.Rules[1]
	if jackets["enabled"] != false {
		t.Errorf("Expected jackets to be disabled, got %v", jackets["enabled"])
	}
	if jackets["last_notification_time"] != nil {
		t.Errorf("Expected no notification time, got %v", jackets["last_notification_time"])
	}
}

func TestAPITriggerRun(t *testing.T) {
	r, scheduler, _ := setupTestServer("secret")

	w := perform(r, http.MethodPost, "/api/run", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	if len(scheduler.enqueued) != 1 {
		t.Fatalf("Expected 1 enqueued task, got %d", len(scheduler.enqueued))
	}
	if scheduler.enqueued[0].GetTrigger() != "api" {
		t.Errorf("Expected trigger 'api', got %s", scheduler.enqueued[0].GetTrigger())
	}

	scheduler.err = errors.New("task queue is full")
	w = perform(r, http.MethodPost, "/api/run", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 when queue is full, got %d", w.Code)
	}
}

func TestAPIListRules_RemainingCooldownFromStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	notifiedAt := testNow.Add(-45 * time.Minute)
	clock := notifiedAt
	store := state.NewStore(state.NewJSONFileBackend(filepath.Join(t.TempDir(), "state.json")),
		state.WithClock(func() time.Time { return clock }))
	store.Load(context.Background())
	store.MarkNotified("boots")
	clock = testNow

	ruleCache := &mockRuleCache{rules: []*listing.Rule{
		{Name: "boots", Keywords: []string{"boots"}, Locales: []string{"fr"}},
	}}
	handler := NewHandler(ruleCache, store, &mockScheduler{}, tasks.NewLastRun(), time.Hour)
	r := NewServer(handler, "secret")

	w := perform(r, http.MethodGet, "/api/rules", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body struct {
		Rules []map[string]interface{} `json:"rules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(body.Rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(body.Rules))
	}
	if body.Rules[0]["seconds_until_notify"] != float64(15*60) {
		t.Errorf("Expected 900 seconds until notify, got %v", body.Rules[0]["seconds_until_notify"])
	}
}
