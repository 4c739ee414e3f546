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
	"github.com/MLidstrom/castellan/internal/domain/rules"
)

func newMockRuleRepo(t *testing.T) (RuleRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRuleRepository(db), mock
}

func ruleRows(r *rules.Rule) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "event_id", "channel", "event_type", "risk_level", "confidence",
		"summary", "mitre_techniques", "recommended_actions", "priority",
		"is_enabled", "created_at", "updated_at",
	}).AddRow(
		r.ID, r.EventID, r.Channel, r.EventType.String(), r.RiskLevel.String(),
		r.Confidence, r.Summary, []byte(`["T1110"]`), []byte(`["Block source IP address"]`),
		r.Priority, r.IsEnabled, time.Now().UTC(), time.Now().UTC(),
	)
}

func TestRuleRepositoryCreate(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO security_event_rules")).
		WithArgs(4625, "Security", "AuthenticationFailure", "High", 95,
			"Failed logon", []byte(`["T1110"]`), []byte(`null`), 1, true,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	rule := &rules.Rule{
		EventID:         4625,
		Channel:         "Security",
		EventType:       event.TypeAuthenticationFailure,
		RiskLevel:       event.RiskHigh,
		Confidence:      95,
		Summary:         "Failed logon",
		MitreTechniques: []string{"T1110"},
		Priority:        1,
		IsEnabled:       true,
	}
	require.NoError(t, repo.Create(context.Background(), rule))
	assert.EqualValues(t, 42, rule.ID)
	assert.False(t, rule.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryCreateRejectsInvalid(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	err := repo.Create(context.Background(), &rules.Rule{EventID: 0, Channel: "Security"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryGetByKey(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	want := &rules.Rule{
		ID:         7,
		EventID:    4625,
		Channel:    "Security",
		EventType:  event.TypeAuthenticationFailure,
		RiskLevel:  event.RiskHigh,
		Confidence: 95,
		Summary:    "Failed logon",
		Priority:   2,
		IsEnabled:  true,
	}
	mock.ExpectQuery(regexp.QuoteMeta("LOWER(channel) = LOWER($2) AND is_enabled")).
		WithArgs(4625, "security").
		WillReturnRows(ruleRows(want))

	got, err := repo.GetByKey(context.Background(), 4625, "security")
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.ID)
	assert.Equal(t, event.TypeAuthenticationFailure, got.EventType)
	assert.Equal(t, event.RiskHigh, got.RiskLevel)
	assert.Equal(t, []string{"T1110"}, got.MitreTechniques)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryGetByKeyNotFound(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	mock.ExpectQuery("SELECT").
		WithArgs(9999, "Security").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByKey(context.Background(), 9999, "Security")
	assert.ErrorIs(t, err, errors.ErrRuleNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryUpdateNotFound(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE security_event_rules")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rule := &rules.Rule{ID: 99, EventID: 4625, Channel: "Security", Confidence: 95}
	err := repo.Update(context.Background(), rule)
	assert.ErrorIs(t, err, errors.ErrRuleNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryDelete(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM security_event_rules WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), 7))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM security_event_rules WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), 7), errors.ErrRuleNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryListEnabled(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	rows := ruleRows(&rules.Rule{
		ID: 1, EventID: 4624, Channel: "Security",
		EventType: event.TypeAuthenticationSuccess, RiskLevel: event.RiskMedium,
		Confidence: 95, IsEnabled: true,
	})
	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_enabled ORDER BY priority DESC")).
		WillReturnRows(rows)

	got, err := repo.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4624, got[0].EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryStorageErrorIsRetryable(t *testing.T) {
	repo, mock := newMockRuleRepo(t)

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrConnDone)

	_, err := repo.List(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
