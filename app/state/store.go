package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Layouts accepted for persisted notification timestamps. Values without a
// zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type Option func(*Store)

// WithClock replaces the wall clock used for notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	backend Backend
	state   *AppState
	now     func() time.Time
	mu      sync.RWMutex
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		state:   NewAppState(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the persisted one. A missing or
// unreadable store results in fresh state.
func (s *Store) Load(ctx context.Context) {
	st, err := s.backend.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, ErrNotFound):
		slog.Info("No persisted state found, starting fresh")
		s.state = NewAppState()
		return
	case err != nil:
		slog.Warn("Failed to load state, starting fresh", "error", err)
		s.state = NewAppState()
		return
	}

	if st.Searches == nil {
		st.Searches = make(map[string]*RuleState)
	}
	if st.Version != CurrentVersion {
		slog.Warn("Unexpected state version, upgrading", "version", st.Version, "current", CurrentVersion)
		st.Version = CurrentVersion
	}

	s.state = st
	slog.Debug("State loaded", "rules", len(st.Searches))
}

func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.backend.Save(ctx, s.state); err != nil {
		slog.Error("Failed to save state", "error", err)
		return fmt.Errorf("failed to save state: %w", err)
	}

	slog.Debug("State saved", "rules", len(s.state.Searches))
	return nil
}

func (s *Store) IsSeen(rule, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ruleState(rule).Contains(id)
}

func (s *Store) MarkSeen(rule, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleState(rule).Add(id)
}

func (s *Store) MarkNotified(rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC().Format(time.RFC3339Nano)
	s.ruleState(rule).LastNotificationTime = &ts
}

// CanNotify reports whether at least cooldown has elapsed since the rule's
// last notification. An unparseable timestamp permits notification.
func (s *Store) CanNotify(rule string, cooldown time.Duration) bool {
	_, waiting := s.TimeUntilNotify(rule, cooldown)
	return !waiting
}

// TimeUntilNotify returns the remaining cooldown. The boolean is false when
// notification is currently allowed.
func (s *Store) TimeUntilNotify(rule string, cooldown time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remaining(rule, s.ruleState(rule), cooldown)
}

// RemainingCooldown is the read-only form of TimeUntilNotify. It never
// creates state for an unknown rule.
func (s *Store) RemainingCooldown(rule string, cooldown time.Duration) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.state.Searches[rule]
	if !ok {
		return 0, false
	}
	return s.remaining(rule, rs, cooldown)
}

// Cleanup bounds every rule's seen set to the maxIDsPerRule most recently
// inserted identifiers. It returns the number removed per pruned rule.
func (s *Store) Cleanup(maxIDsPerRule int) map[string]int {
	removed := make(map[string]int)
	if maxIDsPerRule <= 0 {
		return removed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, rs := range s.state.Searches {
		if n := rs.Trim(maxIDsPerRule); n > 0 {
			removed[name] = n
		}
	}
	return removed
}

// Rules returns the names of every rule with recorded state, sorted.
func (s *Store) Rules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.state.Searches))
	for name := range s.state.Searches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Snapshot(rule string) (RuleSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.state.Searches[rule]
	if !ok {
		return RuleSnapshot{Rule: rule}, false
	}

	snap := RuleSnapshot{Rule: rule, SeenCount: rs.Len()}
	if rs.LastNotificationTime != nil {
		if t, err := parseTimestamp(*rs.LastNotificationTime); err == nil {
			snap.LastNotificationTime = &t
		}
	}
	return snap, true
}

// State returns a deep copy of the current state.
func (s *Store) State() *AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &AppState{
		Version:  s.state.Version,
		Searches: make(map[string]*RuleState, len(s.state.Searches)),
	}
	for name, rs := range s.state.Searches {
		c.Searches[name] = rs.clone()
	}
	return c
}

func (s *Store) ruleState(rule string) *RuleState {
	rs, ok := s.state.Searches[rule]
	if !ok {
		rs = NewRuleState()
		s.state.Searches[rule] = rs
	}
	return rs
}

func (s *Store) remaining(rule string, rs *RuleState, cooldown time.Duration) (time.Duration, bool) {
	last, ok := lastNotification(rule, rs)
	if !ok {
		return 0, false
	}

	remaining := cooldown - s.now().Sub(last)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func lastNotification(rule string, rs *RuleState) (time.Time, bool) {
	if rs.LastNotificationTime == nil {
		return time.Time{}, false
	}

	t, err := parseTimestamp(*rs.LastNotificationTime)
	if err != nil {
		slog.Warn("Invalid notification timestamp, allowing notification", "rule", rule, "value", *rs.LastNotificationTime, "error", err)
		return time.Time{}, false
	}
	return t, true
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q: %w", value, lastErr)
}
