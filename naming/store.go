package naming

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Record is everything kept for one channel.
type Record struct {
	ChannelID     string    `json:"channel_id"`
	OriginalLabel string    `json:"original_label"`
	LastApplied   string    `json:"last_applied,omitempty"`
	RetryAt       time.Time `json:"retry_at,omitzero"`
	LastSeen      time.Time `json:"last_seen,omitzero"`
}

// RetryPending reports whether a retry is scheduled and not yet due at now.
func (r Record) RetryPending(now time.Time) bool {
	return !r.RetryAt.IsZero() && now.Before(r.RetryAt)
}

// Store holds per-channel label state. Each method is atomic on its own;
// Service provides the per-channel serialization that makes sequences of
// calls safe.
type Store interface {
	// Get returns the record for channelID and whether one exists.
	Get(ctx context.Context, channelID string) (Record, bool, error)
	// EnsureOriginal stores label as the original label unless one is already
	// recorded, marks the channel seen at now, and returns the resulting record.
	EnsureOriginal(ctx context.Context, channelID, label string, now time.Time) (Record, error)
	// SetOriginal overwrites the original label.
	SetOriginal(ctx context.Context, channelID, label string) error
	// SetLastApplied records a confirmed rename and clears any pending retry.
	SetLastApplied(ctx context.Context, channelID, label string) error
	// ScheduleRetry creates or replaces the retry entry.
	ScheduleRetry(ctx context.Context, channelID string, at time.Time) error
	// ClearRetry removes the retry entry, if any.
	ClearRetry(ctx context.Context, channelID string) error
	// DueRetries lists channels whose retry entry is at or before now.
	DueRetries(ctx context.Context, now time.Time) ([]string, error)
	// Forget drops every record for channelID.
	Forget(ctx context.Context, channelID string) error
	// EvictStale drops channels last seen before cutoff that have no pending retry.
	EvictStale(ctx context.Context, cutoff time.Time) (int, error)
	// List returns all records ordered by channel id.
	List(ctx context.Context) ([]Record, error)
}

// MemoryStore is a process-lifetime Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, channelID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[channelID]
	if !ok {
		return Record{}, false, nil
	}
	return *r, true, nil
}

func (m *MemoryStore) EnsureOriginal(_ context.Context, channelID, label string, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[channelID]
	if !ok {
		r = &Record{ChannelID: channelID, OriginalLabel: label}
		m.records[channelID] = r
	}
	r.LastSeen = now
	return *r, nil
}

func (m *MemoryStore) SetOriginal(_ context.Context, channelID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(channelID).OriginalLabel = label
	return nil
}

func (m *MemoryStore) SetLastApplied(_ context.Context, channelID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.entry(channelID)
	r.LastApplied = label
	r.RetryAt = time.Time{}
	return nil
}

func (m *MemoryStore) ScheduleRetry(_ context.Context, channelID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(channelID).RetryAt = at
	return nil
}

func (m *MemoryStore) ClearRetry(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[channelID]; ok {
		r.RetryAt = time.Time{}
	}
	return nil
}

func (m *MemoryStore) DueRetries(_ context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []string
	for id, r := range m.records {
		if !r.RetryAt.IsZero() && !now.Before(r.RetryAt) {
			due = append(due, id)
		}
	}
	slices.Sort(due)
	return due, nil
}

func (m *MemoryStore) Forget(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, channelID)
	return nil
}

func (m *MemoryStore) EvictStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.RetryAt.IsZero() && r.LastSeen.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ChannelID, b.ChannelID) })
	return out, nil
}

// entry returns the record for channelID, creating it. Caller holds mu.
func (m *MemoryStore) entry(channelID string) *Record {
	r, ok := m.records[channelID]
	if !ok {
		r = &Record{ChannelID: channelID}
		m.records[channelID] = r
	}
	return r
}
