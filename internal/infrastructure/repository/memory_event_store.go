package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

// memoryEventStore is the in-memory EventRepository variant. It enforces a
// rolling retention window at read time and preserves insertion order for
// timestamp ties via a monotonically assigned sequence.
type memoryEventStore struct {
	mu        sync.RWMutex
	events    []*storedEvent
	byKey     map[string]struct{}
	retention time.Duration
	seq       int64
	now       func() time.Time
}

type storedEvent struct {
	se  *event.SecurityEvent
	seq int64
}

// NewMemoryEventStore creates an in-memory store with the given retention
// window (default 24 h when zero).
func NewMemoryEventStore(retention time.Duration) EventRepository {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &memoryEventStore{
		byKey:     make(map[string]struct{}),
		retention: retention,
		now:       time.Now,
	}
}

func (m *memoryEventStore) AddSecurityEvent(_ context.Context, se *event.SecurityEvent) error {
	if err := se.Validate(); err != nil {
		return errors.NewValidationError("INVALID_EVENT", err.Error())
	}
	if se.ID == "" {
		se.ID = uuid.NewString()
	}
	if se.CreatedAt.IsZero() {
		se.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// unique_id is the idempotency key; duplicates are a no-op.
	if _, dup := m.byKey[se.Log.UniqueID]; dup {
		return nil
	}
	m.byKey[se.Log.UniqueID] = struct{}{}
	m.seq++
	m.events = append(m.events, &storedEvent{se: se, seq: m.seq})
	return nil
}

func (m *memoryEventStore) List(_ context.Context, filter EventFilter) ([]*event.SecurityEvent, error) {
	live := m.liveEvents()

	var matched []*storedEvent
	for _, s := range live {
		if matchesFilter(s.se, filter) {
			matched = append(matched, s)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].se.Log.Time, matched[j].se.Log.Time
		if ti.Equal(tj) {
			return matched[i].seq > matched[j].seq
		}
		return ti.After(tj)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*event.SecurityEvent, len(matched))
	for i, s := range matched {
		out[i] = s.se
	}
	return out, nil
}

func (m *memoryEventStore) Count(_ context.Context, filter EventFilter) (int, error) {
	count := 0
	for _, s := range m.liveEvents() {
		if matchesFilter(s.se, filter) {
			count++
		}
	}
	return count, nil
}

func (m *memoryEventStore) GetRiskLevelCounts(_ context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, s := range m.liveEvents() {
		counts[strings.ToLower(s.se.Risk.String())]++
	}
	return counts, nil
}

func (m *memoryEventStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var removed int64
	for _, s := range m.events {
		if s.se.Log.Time.Before(cutoff) {
			delete(m.byKey, s.se.Log.UniqueID)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.events = kept
	return removed, nil
}

// liveEvents snapshots the events still inside the retention window.
func (m *memoryEventStore) liveEvents() []*storedEvent {
	cutoff := m.now().Add(-m.retention)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*storedEvent, 0, len(m.events))
	for _, s := range m.events {
		if !s.se.Log.Time.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func matchesFilter(se *event.SecurityEvent, filter EventFilter) bool {
	if filter.RiskLevel != nil && se.Risk != *filter.RiskLevel {
		return false
	}
	if filter.Severity != nil && !strings.EqualFold(se.Log.Severity, *filter.Severity) {
		return false
	}
	if filter.EventType != nil && se.Type != *filter.EventType {
		return false
	}
	if filter.StartTime != nil && se.Log.Time.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && se.Log.Time.After(*filter.EndTime) {
		return false
	}
	if filter.SourceIP != nil && event.ExtractSourceIP(se.Log.Message) != *filter.SourceIP {
		return false
	}
	if filter.MitreTechnique != nil {
		found := false
		needle := strings.ToLower(*filter.MitreTechnique)
		for _, t := range se.MitreTechniques {
			if strings.Contains(strings.ToLower(t), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
