package detection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/domain/rules"
	"github.com/MLidstrom/castellan/internal/metrics"
)

// RuleProvider resolves the winning catalog rule for an (event_id, channel)
// key. Implementations are cache-fronted; a miss returns ErrRuleNotFound.
type RuleProvider interface {
	GetRule(ctx context.Context, eventID int, channel string) (*rules.Rule, error)
}

// Detector classifies raw events: normalize, apply the matching catalog rule
// (database first, legacy fallback table second), then run the context
// refinements.
type Detector struct {
	normalizer *Normalizer
	rules      RuleProvider
	logger     *zap.Logger
	metrics    *metrics.Registry
}

func NewDetector(normalizer *Normalizer, provider RuleProvider, reg *metrics.Registry, logger *zap.Logger) *Detector {
	return &Detector{
		normalizer: normalizer,
		rules:      provider,
		logger:     logger,
		metrics:    reg,
	}
}

// Classify never fails the pipeline; on panic it returns the fallback event.
func (d *Detector) Classify(ctx context.Context, raw *event.RawEvent) (se *event.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			se = d.normalizer.Fallback(raw, fmt.Errorf("classification panic: %v", r))
		}
	}()

	se = d.normalizer.Normalize(raw)

	rule := d.lookupRule(ctx, raw.EventID, raw.Channel)
	if rule != nil {
		applyRule(se, rule)
	}

	if ApplyRefinements(se) && d.metrics != nil {
		d.metrics.RefinementsFired.Add(ctx, 1)
	}
	return se
}

func (d *Detector) lookupRule(ctx context.Context, eventID int, channel string) *rules.Rule {
	rule, err := d.rules.GetRule(ctx, eventID, channel)
	if err == nil && rule != nil {
		return rule
	}
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		// Rule store trouble must not stall classification; fall through to
		// the legacy table.
		d.logger.Warn("rule lookup failed, using fallback catalog",
			zap.Int("event_id", eventID),
			zap.String("channel", channel),
			zap.Error(err))
	}
	return rules.Fallback(eventID, channel)
}

// applyRule overrides the normalizer defaults with the catalog entry.
func applyRule(se *event.SecurityEvent, rule *rules.Rule) {
	se.Type = rule.EventType
	se.Risk = rule.RiskLevel
	se.Confidence = rule.Confidence
	if rule.Summary != "" {
		se.Summary = rule.Summary
	}
	if len(rule.MitreTechniques) > 0 {
		se.MitreTechniques = append([]string(nil), rule.MitreTechniques...)
	}
	if len(rule.RecommendedActions) > 0 {
		se.RecommendedActions = append([]string(nil), rule.RecommendedActions...)
	}
}
