package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/testutil/fixtures"
)

func newMockEventRepo(t *testing.T) (EventRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEventRepository(db), mock
}

func TestEventRepositoryAdd(t *testing.T) {
	repo, mock := newMockEventRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("windows_event_id, channel, user_name")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	se := fixtures.NewSecurityEventBuilder(t).Build()
	se.ID = ""
	require.NoError(t, repo.AddSecurityEvent(context.Background(), se))
	assert.NotEmpty(t, se.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryAddDuplicateIsNoOp(t *testing.T) {
	repo, mock := newMockEventRepo(t)

	// ON CONFLICT DO NOTHING reports zero rows; the caller still sees success.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	se := fixtures.NewSecurityEventBuilder(t).Build()
	require.NoError(t, repo.AddSecurityEvent(context.Background(), se))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryAddRejectsInvalid(t *testing.T) {
	repo, mock := newMockEventRepo(t)

	err := repo.AddSecurityEvent(context.Background(), &event.SecurityEvent{Confidence: 50})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func eventRows(ts time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "event_id", "event_type", "severity", "risk_level", "source",
		"message", "summary", "event_data", "timestamp", "windows_event_id",
		"channel", "user_name", "mitre_techniques",
		"recommended_actions", "confidence", "correlation_score", "burst_score",
		"anomaly_score", "is_deterministic", "is_correlation_based",
		"is_enhanced", "enrichment_data", "correlation_ids",
		"correlation_context", "created_at",
	}).AddRow(
		"8e4f7a1c-0000-0000-0000-000000000001", "uid-1", "AuthenticationFailure",
		"Information", "High", "WORKSTATION-01", "An account failed to log on.",
		"Failed logon", "", ts, 4625, "Security", "alice",
		[]byte(`["T1110"]`), []byte(`["Block source IP address"]`),
		95, 0.0, 0.0, 0.0, true, false, true, nil, []byte(`[]`), nil, ts,
	)
}

func TestEventRepositoryList(t *testing.T) {
	repo, mock := newMockEventRepo(t)
	ts := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("LOWER(risk_level) = LOWER($1)")).
		WithArgs("High", 10).
		WillReturnRows(eventRows(ts))

	riskHigh := event.RiskHigh
	got, err := repo.List(context.Background(), EventFilter{RiskLevel: &riskHigh, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeAuthenticationFailure, got[0].Type)
	assert.Equal(t, event.RiskHigh, got[0].Risk)
	assert.Equal(t, "uid-1", got[0].Log.UniqueID)
	assert.Equal(t, 4625, got[0].Log.EventID)
	assert.Equal(t, "Security", got[0].Log.Channel)
	assert.Equal(t, "alice", got[0].Log.User)
	assert.Equal(t, []string{"T1110"}, got[0].MitreTechniques)
	assert.True(t, got[0].IsEnhanced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryCount(t *testing.T) {
	repo, mock := newMockEventRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_events")).
		WithArgs("AuthenticationFailure").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	failure := event.TypeAuthenticationFailure
	count, err := repo.Count(context.Background(), EventFilter{EventType: &failure})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryRiskLevelCounts(t *testing.T) {
	repo, mock := newMockEventRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY LOWER(risk_level)")).
		WillReturnRows(sqlmock.NewRows([]string{"risk_level", "count"}).
			AddRow("high", 2).
			AddRow("low", 5))

	counts, err := repo.GetRiskLevelCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"high": 2, "low": 5}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryDeleteOlderThan(t *testing.T) {
	repo, mock := newMockEventRepo(t)
	cutoff := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM security_events WHERE timestamp < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	removed, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 12, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryListStorageError(t *testing.T) {
	repo, mock := newMockEventRepo(t)

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)

	_, err := repo.List(context.Background(), EventFilter{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}
