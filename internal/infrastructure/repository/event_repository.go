package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
)

// EventFilter narrows event reads. All fields are optional; string matches
// are case-insensitive.
type EventFilter struct {
	RiskLevel      *event.RiskLevel
	Severity       *string
	EventType      *event.EventType
	StartTime      *time.Time
	EndTime        *time.Time
	SourceIP       *string
	MitreTechnique *string // substring match over the serialized list
	Limit          int
	Offset         int
}

// EventRepository is the durable security-event store.
type EventRepository interface {
	// AddSecurityEvent assigns an id if absent and inserts. The log event's
	// unique id is the idempotency key: a duplicate insert is a no-op.
	AddSecurityEvent(ctx context.Context, se *event.SecurityEvent) error
	List(ctx context.Context, filter EventFilter) ([]*event.SecurityEvent, error)
	Count(ctx context.Context, filter EventFilter) (int, error)
	GetRiskLevelCounts(ctx context.Context) (map[string]int, error)
	// DeleteOlderThan removes events with a timestamp before the cutoff and
	// returns the number removed. Used by the retention sweeper.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// eventRepository implements EventRepository using PostgreSQL.
type eventRepository struct {
	db dbtx
}

// NewEventRepository creates a new security event repository.
func NewEventRepository(db *sql.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) AddSecurityEvent(ctx context.Context, se *event.SecurityEvent) error {
	if err := se.Validate(); err != nil {
		return errors.NewValidationError("INVALID_EVENT", err.Error())
	}
	if se.ID == "" {
		se.ID = uuid.NewString()
	}
	if se.CreatedAt.IsZero() {
		se.CreatedAt = time.Now().UTC()
	}

	techniques, err := json.Marshal(se.MitreTechniques)
	if err != nil {
		return fmt.Errorf("marshaling mitre techniques: %w", err)
	}
	actions, err := json.Marshal(se.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshaling recommended actions: %w", err)
	}
	correlationIDs, err := json.Marshal(se.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("marshaling correlation ids: %w", err)
	}

	sourceIP := nullIfEmpty(event.ExtractSourceIP(se.Log.Message))

	query := `
		INSERT INTO security_events (
			id, event_id, event_type, severity, risk_level, source, message,
			summary, event_data, timestamp, source_ip, windows_event_id,
			channel, user_name, mitre_techniques, recommended_actions,
			confidence, correlation_score, burst_score, anomaly_score,
			is_deterministic, is_correlation_based, is_enhanced,
			enrichment_data, correlation_ids, correlation_context, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		se.ID, se.Log.UniqueID, se.Type.String(), se.Log.Severity,
		se.Risk.String(), se.Log.Host, se.Log.Message, se.Summary,
		se.Log.RawData, se.Log.Time, sourceIP, se.Log.EventID,
		se.Log.Channel, se.Log.User, techniques, actions,
		se.Confidence, se.CorrelationScore, se.BurstScore, se.AnomalyScore,
		se.IsDeterministic, se.IsCorrelationBased, se.IsEnhanced,
		nullIfEmpty(se.EnrichmentData), correlationIDs,
		nullIfEmpty(se.CorrelationContext), se.CreatedAt,
	)
	if err != nil {
		return errors.NewStorageError("failed to insert security event").WithCause(err)
	}
	return nil
}

const eventColumns = `
	id, event_id, event_type, severity, risk_level, source, message, summary,
	event_data, timestamp, windows_event_id, channel, user_name,
	mitre_techniques, recommended_actions, confidence,
	correlation_score, burst_score, anomaly_score, is_deterministic,
	is_correlation_based, is_enhanced, enrichment_data, correlation_ids,
	correlation_context, created_at`

func (r *eventRepository) List(ctx context.Context, filter EventFilter) ([]*event.SecurityEvent, error) {
	where, args := buildEventFilter(filter)

	query := `SELECT ` + eventColumns + ` FROM security_events` + where +
		` ORDER BY timestamp DESC, seq DESC`

	argCount := len(args)
	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStorageError("failed to list security events").WithCause(err)
	}
	defer rows.Close()

	var out []*event.SecurityEvent
	for rows.Next() {
		se, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, errors.NewStorageError("failed to scan security event").WithCause(err)
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("error iterating security events").WithCause(err)
	}
	return out, nil
}

func (r *eventRepository) Count(ctx context.Context, filter EventFilter) (int, error) {
	where, args := buildEventFilter(filter)
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.NewStorageError("failed to count security events").WithCause(err)
	}
	return count, nil
}

func (r *eventRepository) GetRiskLevelCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT LOWER(risk_level), COUNT(*) FROM security_events GROUP BY LOWER(risk_level)`)
	if err != nil {
		return nil, errors.NewStorageError("failed to count by risk level").WithCause(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return nil, errors.NewStorageError("failed to scan risk count").WithCause(err)
		}
		counts[label] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("error iterating risk counts").WithCause(err)
	}
	return counts, nil
}

func (r *eventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM security_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, errors.NewStorageError("failed to delete expired events").WithCause(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewStorageError("failed to read rows affected").WithCause(err)
	}
	return affected, nil
}

func buildEventFilter(filter EventFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	arg := 0

	if filter.RiskLevel != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("LOWER(risk_level) = LOWER($%d)", arg))
		args = append(args, filter.RiskLevel.String())
	}
	if filter.Severity != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("LOWER(severity) = LOWER($%d)", arg))
		args = append(args, *filter.Severity)
	}
	if filter.EventType != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("LOWER(event_type) = LOWER($%d)", arg))
		args = append(args, filter.EventType.String())
	}
	if filter.StartTime != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", arg))
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", arg))
		args = append(args, *filter.EndTime)
	}
	if filter.SourceIP != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("source_ip = $%d", arg))
		args = append(args, *filter.SourceIP)
	}
	if filter.MitreTechnique != nil {
		arg++
		conditions = append(conditions, fmt.Sprintf("mitre_techniques::text ILIKE $%d", arg))
		args = append(args, "%"+*filter.MitreTechnique+"%")
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanSecurityEvent(rows *sql.Rows) (*event.SecurityEvent, error) {
	var se event.SecurityEvent
	log := &event.LogEvent{}
	var eventType, riskLevel string
	var techniques, actions, correlationIDs []byte
	var enrichment, correlationCtx sql.NullString

	err := rows.Scan(
		&se.ID, &log.UniqueID, &eventType, &log.Severity, &riskLevel,
		&log.Host, &log.Message, &se.Summary, &log.RawData, &log.Time,
		&log.EventID, &log.Channel, &log.User,
		&techniques, &actions, &se.Confidence,
		&se.CorrelationScore, &se.BurstScore, &se.AnomalyScore,
		&se.IsDeterministic, &se.IsCorrelationBased, &se.IsEnhanced,
		&enrichment, &correlationIDs, &correlationCtx, &se.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	se.Log = log
	se.Type = event.ParseEventType(eventType)
	se.Risk = event.ParseRiskLevel(riskLevel)

	if len(techniques) > 0 {
		if err := json.Unmarshal(techniques, &se.MitreTechniques); err != nil {
			return nil, fmt.Errorf("unmarshaling mitre techniques: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &se.RecommendedActions); err != nil {
			return nil, fmt.Errorf("unmarshaling recommended actions: %w", err)
		}
	}
	if len(correlationIDs) > 0 {
		if err := json.Unmarshal(correlationIDs, &se.CorrelationIDs); err != nil {
			return nil, fmt.Errorf("unmarshaling correlation ids: %w", err)
		}
	}
	if enrichment.Valid {
		se.EnrichmentData = enrichment.String
	}
	if correlationCtx.Valid {
		se.CorrelationContext = correlationCtx.String
	}
	return &se, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
