package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Rule is a catalog entry mapping (event_id, channel) to a default
// classification. Duplicates are allowed; among enabled duplicates the
// highest-priority row wins, ties broken by lowest event id.
type Rule struct {
	ID                 int64           `json:"id"`
	EventID            int             `json:"event_id"`
	Channel            string          `json:"channel"`
	EventType          event.EventType `json:"event_type"`
	RiskLevel          event.RiskLevel `json:"risk_level"`
	Confidence         int             `json:"confidence"`
	Summary            string          `json:"summary"`
	MitreTechniques    []string        `json:"mitre_techniques"`
	RecommendedActions []string        `json:"recommended_actions"`
	Priority           int             `json:"priority"`
	IsEnabled          bool            `json:"is_enabled"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Validate checks the fields a rule needs before it can classify anything.
func (r *Rule) Validate() error {
	if r.EventID <= 0 {
		return fmt.Errorf("rule event id must be positive, got %d", r.EventID)
	}
	if r.Channel == "" {
		return fmt.Errorf("rule channel cannot be empty")
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("rule confidence %d out of range [0,100]", r.Confidence)
	}
	return nil
}

// Matches reports whether the rule applies to the given event id and channel.
// Channel comparison is case-insensitive.
func (r *Rule) Matches(eventID int, channel string) bool {
	return r.EventID == eventID && strings.EqualFold(r.Channel, channel)
}

// selectRule picks the winning rule among candidates for one (event_id,
// channel) key: enabled only, highest priority first, lowest event id on
// ties. Returns nil when no candidate is eligible. The SQL store applies the
// same ordering in its lookup query.
func selectRule(candidates []*Rule, eventID int, channel string) *Rule {
	var best *Rule
	for _, c := range candidates {
		if c == nil || !c.IsEnabled || !c.Matches(eventID, channel) {
			continue
		}
		if best == nil ||
			c.Priority > best.Priority ||
			(c.Priority == best.Priority && c.EventID < best.EventID) {
			best = c
		}
	}
	return best
}
