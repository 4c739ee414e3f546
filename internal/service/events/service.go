package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/api/websocket"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
	"github.com/MLidstrom/castellan/internal/metrics"
)

// Broadcaster pushes stream payloads to connected dashboard clients.
type Broadcaster interface {
	Broadcast(messageType string, payload interface{}) error
}

// EventPayload is the sanitized projection of a stored event pushed to the
// dashboard. Raw message text and enrichment blobs stay server-side.
type EventPayload struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	EventType          string    `json:"event_type"`
	RiskLevel          string    `json:"risk_level"`
	Confidence         int       `json:"confidence"`
	Summary            string    `json:"summary"`
	EventID            int       `json:"event_id"`
	Host               string    `json:"host"`
	User               string    `json:"user,omitempty"`
	HasCorrelation     bool      `json:"has_correlation"`
	CorrelationContext string    `json:"correlation_context,omitempty"`
	MitreTechniques    []string  `json:"mitre_techniques,omitempty"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
}

// CorrelationAlert is the secondary payload emitted for correlation-based
// events.
type CorrelationAlert struct {
	EventID         string   `json:"event_id"`
	RiskLevel       string   `json:"risk_level"`
	Summary         string   `json:"summary"`
	Context         string   `json:"context"`
	RelatedEventIDs []string `json:"related_event_ids"`
}

// Service is the security event store facade. Writes persist synchronously;
// the optional broadcaster then receives a best-effort projection that can
// never fail the write. When immediate broadcasting is disabled the write is
// store-only and dashboards catch up through the REST queries.
type Service struct {
	repo        repository.EventRepository
	broadcaster Broadcaster
	immediate   bool
	metrics     *metrics.Registry
	logger      *zap.Logger
}

func NewService(repo repository.EventRepository, b Broadcaster, immediate bool, reg *metrics.Registry, logger *zap.Logger) *Service {
	return &Service{
		repo:        repo,
		broadcaster: b,
		immediate:   immediate,
		metrics:     reg,
		logger:      logger,
	}
}

// AddSecurityEvent persists the event and, after the write succeeds,
// broadcasts its projection.
func (s *Service) AddSecurityEvent(ctx context.Context, se *event.SecurityEvent) error {
	if err := s.repo.AddSecurityEvent(ctx, se); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.EventsStored.Add(ctx, 1)
	}
	s.publish(ctx, se)
	return nil
}

// List returns stored events matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter repository.EventFilter) ([]*event.SecurityEvent, error) {
	return s.repo.List(ctx, filter)
}

// Count mirrors List's filter semantics.
func (s *Service) Count(ctx context.Context, filter repository.EventFilter) (int, error) {
	return s.repo.Count(ctx, filter)
}

// RiskLevelCounts returns event counts grouped by risk level.
func (s *Service) RiskLevelCounts(ctx context.Context) (map[string]int, error) {
	return s.repo.GetRiskLevelCounts(ctx)
}

func (s *Service) publish(ctx context.Context, se *event.SecurityEvent) {
	if s.broadcaster == nil || !s.immediate {
		return
	}

	payload := Project(se)
	if err := s.broadcaster.Broadcast(websocket.MessageSecurityEvent, payload); err != nil {
		s.countBroadcastFailure(ctx, se, err)
	}

	if se.IsCorrelationBased {
		alert := &CorrelationAlert{
			EventID:         se.ID,
			RiskLevel:       se.Risk.String(),
			Summary:         se.Summary,
			Context:         se.CorrelationContext,
			RelatedEventIDs: se.CorrelationIDs,
		}
		if err := s.broadcaster.Broadcast(websocket.MessageCorrelationAlert, alert); err != nil {
			s.countBroadcastFailure(ctx, se, err)
		}
	}
}

func (s *Service) countBroadcastFailure(ctx context.Context, se *event.SecurityEvent, err error) {
	if s.metrics != nil {
		s.metrics.BroadcastFailures.Add(ctx, 1)
	}
	s.logger.Warn("event broadcast failed",
		zap.String("event_id", se.ID),
		zap.Error(err))
}

// Project builds the dashboard-facing view of a stored event.
func Project(se *event.SecurityEvent) *EventPayload {
	return &EventPayload{
		ID:                 se.ID,
		Timestamp:          se.Log.Time,
		EventType:          se.Type.String(),
		RiskLevel:          se.Risk.String(),
		Confidence:         se.Confidence,
		Summary:            se.Summary,
		EventID:            se.Log.EventID,
		Host:               se.Log.Host,
		User:               se.Log.User,
		HasCorrelation:     se.IsCorrelationBased,
		CorrelationContext: se.CorrelationContext,
		MitreTechniques:    se.MitreTechniques,
		RecommendedActions: se.RecommendedActions,
	}
}
