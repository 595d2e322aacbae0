package state

import (
	"context"
	"errors"
	"sort"
	"time"
)

const CurrentVersion = 1

// ErrNotFound is returned by a Backend when no state has been persisted yet.
var ErrNotFound = errors.New("state not found")

type Backend interface {
	Load(ctx context.Context) (*AppState, error)
	Save(ctx context.Context, st *AppState) error
}

type AppState struct {
	Version  int
	Searches map[string]*RuleState
}

func NewAppState() *AppState {
	return &AppState{
		Version:  CurrentVersion,
		Searches: make(map[string]*RuleState),
	}
}

// RuleState is the deduplication ledger of one rule. Every seen identifier
// carries the sequence number of its first insertion.
type RuleState struct {
	seen    map[string]uint64
	nextSeq uint64

	LastNotificationTime *string // Raw persisted timestamp
}

func NewRuleState() *RuleState {
	return &RuleState{seen: make(map[string]uint64)}
}

// NewRuleStateFromIDs rebuilds a ledger from identifiers ordered oldest first.
func NewRuleStateFromIDs(ids []string, lastNotificationTime *string) *RuleState {
	rs := NewRuleState()
	for _, id := range ids {
		rs.Add(id)
	}
	rs.LastNotificationTime = lastNotificationTime
	return rs
}

// Add inserts id and reports whether it was new. Re-adding keeps the
// original sequence.
func (rs *RuleState) Add(id string) bool {
	if _, ok := rs.seen[id]; ok {
		return false
	}
	rs.seen[id] = rs.nextSeq
	rs.nextSeq++
	return true
}

func (rs *RuleState) Contains(id string) bool {
	_, ok := rs.seen[id]
	return ok
}

func (rs *RuleState) Len() int {
	return len(rs.seen)
}

// OrderedIDs returns the seen identifiers oldest first.
func (rs *RuleState) OrderedIDs() []string {
	ids := make([]string, 0, len(rs.seen))
	for id := range rs.seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return rs.seen[ids[i]] < rs.seen[ids[j]] })
	return ids
}

// Trim drops the oldest identifiers until at most limit remain and returns
// how many were removed.
func (rs *RuleState) Trim(limit int) int {
	excess := len(rs.seen) - limit
	if excess <= 0 {
		return 0
	}

	for _, id := range rs.OrderedIDs()[:excess] {
		delete(rs.seen, id)
	}
	return excess
}

func (rs *RuleState) clone() *RuleState {
	c := &RuleState{
		seen:    make(map[string]uint64, len(rs.seen)),
		nextSeq: rs.nextSeq,
	}
	for id, seq := range rs.seen {
		c.seen[id] = seq
	}
	if rs.LastNotificationTime != nil {
		ts := *rs.LastNotificationTime
		c.LastNotificationTime = &ts
	}
	return c
}

// RuleSnapshot is a read-only view of one rule's state.
type RuleSnapshot struct {
	Rule                 string
	SeenCount            int
	LastNotificationTime *time.Time
}
