package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/domain/rules"
)

// RuleRepository is the durable catalog of classification rules.
type RuleRepository interface {
	Create(ctx context.Context, r *rules.Rule) error
	Update(ctx context.Context, r *rules.Rule) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*rules.Rule, error)
	// GetByKey returns the winning enabled rule for (event_id, channel):
	// highest priority, ties broken by lowest event id. Channel match is
	// case-insensitive. Returns ErrRuleNotFound on no match.
	GetByKey(ctx context.Context, eventID int, channel string) (*rules.Rule, error)
	List(ctx context.Context) ([]*rules.Rule, error)
	ListEnabled(ctx context.Context) ([]*rules.Rule, error)
}

// ruleRepository implements RuleRepository using PostgreSQL.
type ruleRepository struct {
	db dbtx
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *sql.DB) RuleRepository {
	return &ruleRepository{db: db}
}

// NewRuleRepositoryWithTx creates a rule repository bound to a transaction.
func NewRuleRepositoryWithTx(tx *sql.Tx) RuleRepository {
	return &ruleRepository{db: tx}
}

const ruleColumns = `
	id, event_id, channel, event_type, risk_level, confidence, summary,
	mitre_techniques, recommended_actions, priority, is_enabled,
	created_at, updated_at`

func (r *ruleRepository) Create(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return errors.NewValidationError("INVALID_RULE", err.Error())
	}

	techniques, actions, err := marshalRuleLists(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO security_event_rules (
			event_id, channel, event_type, risk_level, confidence, summary,
			mitre_techniques, recommended_actions, priority, is_enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err = r.db.QueryRowContext(ctx, query,
		rule.EventID, rule.Channel, rule.EventType.String(), rule.RiskLevel.String(),
		rule.Confidence, rule.Summary, techniques, actions,
		rule.Priority, rule.IsEnabled, rule.CreatedAt, rule.UpdatedAt,
	).Scan(&rule.ID)
	if err != nil {
		return errors.NewStorageError("failed to create rule").WithCause(err)
	}
	return nil
}

func (r *ruleRepository) Update(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return errors.NewValidationError("INVALID_RULE", err.Error())
	}

	techniques, actions, err := marshalRuleLists(rule)
	if err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE security_event_rules
		SET event_id = $2, channel = $3, event_type = $4, risk_level = $5,
			confidence = $6, summary = $7, mitre_techniques = $8,
			recommended_actions = $9, priority = $10, is_enabled = $11,
			updated_at = $12
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.EventID, rule.Channel, rule.EventType.String(),
		rule.RiskLevel.String(), rule.Confidence, rule.Summary,
		techniques, actions, rule.Priority, rule.IsEnabled, rule.UpdatedAt,
	)
	if err != nil {
		return errors.NewStorageError("failed to update rule").WithCause(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.NewStorageError("failed to read rows affected").WithCause(err)
	}
	if affected == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM security_event_rules WHERE id = $1`, id)
	if err != nil {
		return errors.NewStorageError("failed to delete rule").WithCause(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.NewStorageError("failed to read rows affected").WithCause(err)
	}
	if affected == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepository) GetByID(ctx context.Context, id int64) (*rules.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM security_event_rules WHERE id = $1`
	rule, err := scanRuleRow(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrRuleNotFound
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to get rule").WithCause(err)
	}
	return rule, nil
}

func (r *ruleRepository) GetByKey(ctx context.Context, eventID int, channel string) (*rules.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM security_event_rules
		WHERE event_id = $1 AND LOWER(channel) = LOWER($2) AND is_enabled
		ORDER BY priority DESC, event_id ASC
		LIMIT 1
	`
	rule, err := scanRuleRow(r.db.QueryRowContext(ctx, query, eventID, channel))
	if err == sql.ErrNoRows {
		return nil, errors.ErrRuleNotFound
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to get rule by key").WithCause(err)
	}
	return rule, nil
}

func (r *ruleRepository) List(ctx context.Context) ([]*rules.Rule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM security_event_rules ORDER BY priority DESC, event_id ASC`)
}

func (r *ruleRepository) ListEnabled(ctx context.Context) ([]*rules.Rule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM security_event_rules WHERE is_enabled ORDER BY priority DESC, event_id ASC`)
}

func (r *ruleRepository) list(ctx context.Context, query string) ([]*rules.Rule, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewStorageError("failed to list rules").WithCause(err)
	}
	defer rows.Close()

	var out []*rules.Rule
	for rows.Next() {
		rule, err := scanRuleRow(rows)
		if err != nil {
			return nil, errors.NewStorageError("failed to scan rule").WithCause(err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError("error iterating rules").WithCause(err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRuleRow(s scanner) (*rules.Rule, error) {
	var rule rules.Rule
	var eventType, riskLevel string
	var techniques, actions []byte

	err := s.Scan(
		&rule.ID, &rule.EventID, &rule.Channel, &eventType, &riskLevel,
		&rule.Confidence, &rule.Summary, &techniques, &actions,
		&rule.Priority, &rule.IsEnabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.EventType = event.ParseEventType(eventType)
	rule.RiskLevel = event.ParseRiskLevel(riskLevel)

	if len(techniques) > 0 {
		if err := json.Unmarshal(techniques, &rule.MitreTechniques); err != nil {
			return nil, fmt.Errorf("unmarshaling mitre techniques: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &rule.RecommendedActions); err != nil {
			return nil, fmt.Errorf("unmarshaling recommended actions: %w", err)
		}
	}
	return &rule, nil
}

func marshalRuleLists(rule *rules.Rule) ([]byte, []byte, error) {
	techniques, err := json.Marshal(rule.MitreTechniques)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling mitre techniques: %w", err)
	}
	actions, err := json.Marshal(rule.RecommendedActions)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling recommended actions: %w", err)
	}
	return techniques, actions, nil
}
