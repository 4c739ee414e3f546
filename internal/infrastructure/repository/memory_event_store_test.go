package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/testutil/fixtures"
)

func memStoreAt(t *testing.T, now time.Time, retention time.Duration) *memoryEventStore {
	t.Helper()
	store := NewMemoryEventStore(retention).(*memoryEventStore)
	store.now = func() time.Time { return now }
	return store
}

func seedEvent(t *testing.T, uniqueID string, ts time.Time, risk event.RiskLevel) *event.SecurityEvent {
	t.Helper()
	log := fixtures.NewLogEventBuilder(t).Build()
	log.UniqueID = uniqueID
	log.Time = ts
	return &event.SecurityEvent{
		Log:        log,
		Type:       event.TypeAuthenticationSuccess,
		Risk:       risk,
		Confidence: 70,
		Summary:    "Successful account logon",
	}
}

func TestMemoryStoreAddAndList(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		se := seedEvent(t, fmt.Sprintf("uid-%d", i), now.Add(-time.Duration(i)*time.Minute), event.RiskLow)
		require.NoError(t, store.AddSecurityEvent(ctx, se))
		assert.NotEmpty(t, se.ID)
		assert.False(t, se.CreatedAt.IsZero())
	}

	got, err := store.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, "uid-0", got[0].Log.UniqueID)
	assert.Equal(t, "uid-2", got[2].Log.UniqueID)
}

func TestMemoryStoreIdempotentOnUniqueID(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "dup", now, event.RiskLow)))
	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "dup", now, event.RiskHigh)))

	count, err := store.Count(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStoreRejectsInvalidEvent(t *testing.T) {
	store := memStoreAt(t, time.Now(), time.Hour)
	err := store.AddSecurityEvent(context.Background(), &event.SecurityEvent{Confidence: 70})
	assert.Error(t, err)
}

func TestMemoryStoreRetentionWindow(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "fresh", now.Add(-30*time.Minute), event.RiskLow)))
	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "stale", now.Add(-2*time.Hour), event.RiskLow)))

	got, err := store.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Log.UniqueID)

	// Reads hide expired events; DeleteOlderThan reclaims them.
	removed, err := store.DeleteOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestMemoryStoreTimestampTiesOrderByInsertion(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "first", now, event.RiskLow)))
	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "second", now, event.RiskLow)))

	got, err := store.List(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Log.UniqueID)
}

func TestMemoryStoreFilters(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, 24*time.Hour)
	ctx := context.Background()

	low := seedEvent(t, "low", now.Add(-10*time.Minute), event.RiskLow)
	high := seedEvent(t, "high", now.Add(-5*time.Minute), event.RiskHigh)
	high.Type = event.TypeAuthenticationFailure
	high.MitreTechniques = []string{"T1110.001"}
	require.NoError(t, store.AddSecurityEvent(ctx, low))
	require.NoError(t, store.AddSecurityEvent(ctx, high))

	riskHigh := event.RiskHigh
	got, err := store.List(ctx, EventFilter{RiskLevel: &riskHigh})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].Log.UniqueID)

	failure := event.TypeAuthenticationFailure
	count, err := store.Count(ctx, EventFilter{EventType: &failure})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	technique := "t1110"
	got, err = store.List(ctx, EventFilter{MitreTechnique: &technique})
	require.NoError(t, err)
	require.Len(t, got, 1)

	start := now.Add(-7 * time.Minute)
	count, err = store.Count(ctx, EventFilter{StartTime: &start})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sourceIP := "10.0.0.5"
	got, err = store.List(ctx, EventFilter{SourceIP: &sourceIP})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStoreLimitAndOffset(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, 24*time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		se := seedEvent(t, fmt.Sprintf("uid-%d", i), now.Add(-time.Duration(i)*time.Minute), event.RiskLow)
		require.NoError(t, store.AddSecurityEvent(ctx, se))
	}

	got, err := store.List(ctx, EventFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "uid-1", got[0].Log.UniqueID)
	assert.Equal(t, "uid-2", got[1].Log.UniqueID)

	got, err = store.List(ctx, EventFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreRiskLevelCounts(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	store := memStoreAt(t, now, 24*time.Hour)
	ctx := context.Background()

	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "a", now, event.RiskLow)))
	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "b", now, event.RiskLow)))
	require.NoError(t, store.AddSecurityEvent(ctx, seedEvent(t, "c", now, event.RiskCritical)))

	counts, err := store.GetRiskLevelCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"low": 2, "critical": 1}, counts)
}
