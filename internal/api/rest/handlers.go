package rest

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/domain/rules"
	"github.com/MLidstrom/castellan/internal/health"
	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
	"github.com/MLidstrom/castellan/internal/service/events"
	"github.com/MLidstrom/castellan/internal/service/rulestore"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxBodySize     = 1 << 20
)

// Handler serves the operational HTTP API: event queries, the rule catalog,
// and the health snapshot.
type Handler struct {
	events   *events.Service
	rules    *rulestore.Store
	health   *health.Registry
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(eventsSvc *events.Service, ruleStore *rulestore.Store, healthReg *health.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		events:   eventsSvc,
		rules:    ruleStore,
		health:   healthReg,
		validate: validator.New(),
		logger:   logger,
	}
}

type responseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type envelope struct {
	Data  interface{}  `json:"data,omitempty"`
	Error *errorBody   `json:"error,omitempty"`
	Meta  responseMeta `json:"meta"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Data: data,
		Meta: responseMeta{
			RequestID: RequestIDFrom(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Error: &errorBody{Code: code, Message: message},
		Meta: responseMeta{
			RequestID: RequestIDFrom(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeAppError maps domain error types onto HTTP status codes.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	message := "an unexpected error occurred"

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
		switch appErr.Type {
		case errors.ErrorTypeValidation, errors.ErrorTypeMalformed:
			status = http.StatusBadRequest
		case errors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case errors.ErrorTypePermission:
			status = http.StatusForbidden
		case errors.ErrorTypeRateLimited:
			status = http.StatusTooManyRequests
		case errors.ErrorTypeStorage, errors.ErrorTypeTransient:
			status = http.StatusServiceUnavailable
		}
	}
	if status >= 500 {
		h.logger.Error("request failed", zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFrom(r.Context())))
	}
	writeError(w, r, status, code, message)
}

// ListEvents handles GET /api/v1/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	list, err := h.events.List(r.Context(), filter)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	payloads := make([]*events.EventPayload, 0, len(list))
	for _, se := range list {
		payloads = append(payloads, events.Project(se))
	}
	writeJSON(w, r, http.StatusOK, payloads)
}

// CountEvents handles GET /api/v1/events/count.
func (h *Handler) CountEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	count, err := h.events.Count(r.Context(), filter)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"count": count})
}

// RiskLevelCounts handles GET /api/v1/events/risk-counts.
func (h *Handler) RiskLevelCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.events.RiskLevelCounts(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}

func parseEventFilter(r *http.Request) (repository.EventFilter, error) {
	q := r.URL.Query()
	filter := repository.EventFilter{Limit: defaultPageSize}

	if v := q.Get("risk_level"); v != "" {
		rl := event.ParseRiskLevel(v)
		if rl == event.RiskUnknown {
			return filter, errors.NewValidationError("INVALID_RISK_LEVEL", "unknown risk level: "+v)
		}
		filter.RiskLevel = &rl
	}
	if v := q.Get("severity"); v != "" {
		filter.Severity = &v
	}
	if v := q.Get("event_type"); v != "" {
		et := event.ParseEventType(v)
		filter.EventType = &et
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.NewValidationError("INVALID_TIME", "start must be RFC3339")
		}
		filter.StartTime = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.NewValidationError("INVALID_TIME", "end must be RFC3339")
		}
		filter.EndTime = &t
	}
	if v := q.Get("source_ip"); v != "" {
		filter.SourceIP = &v
	}
	if v := q.Get("mitre_technique"); v != "" {
		filter.MitreTechnique = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, errors.NewValidationError("INVALID_LIMIT", "limit must be a positive integer")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.NewValidationError("INVALID_OFFSET", "offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// ruleRequest is the write shape for the rule catalog.
type ruleRequest struct {
	EventID            int      `json:"event_id" validate:"required,gt=0"`
	Channel            string   `json:"channel" validate:"required"`
	EventType          string   `json:"event_type" validate:"required"`
	RiskLevel          string   `json:"risk_level" validate:"required"`
	Confidence         int      `json:"confidence" validate:"gte=0,lte=100"`
	Summary            string   `json:"summary"`
	MitreTechniques    []string `json:"mitre_techniques"`
	RecommendedActions []string `json:"recommended_actions"`
	Priority           int      `json:"priority"`
	IsEnabled          bool     `json:"is_enabled"`
}

func (req *ruleRequest) toRule() (*rules.Rule, error) {
	risk := event.ParseRiskLevel(req.RiskLevel)
	if risk == event.RiskUnknown {
		return nil, errors.NewValidationError("INVALID_RISK_LEVEL", "unknown risk level: "+req.RiskLevel)
	}
	return &rules.Rule{
		EventID:            req.EventID,
		Channel:            req.Channel,
		EventType:          event.ParseEventType(req.EventType),
		RiskLevel:          risk,
		Confidence:         req.Confidence,
		Summary:            req.Summary,
		MitreTechniques:    req.MitreTechniques,
		RecommendedActions: req.RecommendedActions,
		Priority:           req.Priority,
		IsEnabled:          req.IsEnabled,
	}, nil
}

func (h *Handler) decodeRule(w http.ResponseWriter, r *http.Request) (*rules.Rule, bool) {
	var req ruleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeAppError(w, r, errors.NewMalformedInputError("invalid JSON body"))
		return nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeAppError(w, r, errors.NewValidationError("INVALID_RULE", err.Error()))
		return nil, false
	}
	rule, err := req.toRule()
	if err != nil {
		h.writeAppError(w, r, err)
		return nil, false
	}
	return rule, true
}

// requireRules rejects rule-catalog requests when no durable store backs the
// catalog (memory-only deployments).
func (h *Handler) requireRules(w http.ResponseWriter, r *http.Request) bool {
	if h.rules == nil {
		writeError(w, r, http.StatusServiceUnavailable, "RULES_UNAVAILABLE",
			"rule catalog requires a configured database")
		return false
	}
	return true
}

// ListRules handles GET /api/v1/rules. The enabled=true query restricts the
// list to rules the detector actually applies.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRules(w, r) {
		return
	}
	var (
		list []*rules.Rule
		err  error
	)
	if r.URL.Query().Get("enabled") == "true" {
		list, err = h.rules.ListEnabled(r.Context())
	} else {
		list, err = h.rules.ListAll(r.Context())
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// CreateRule handles POST /api/v1/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRules(w, r) {
		return
	}
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	if err := h.rules.Create(r.Context(), rule); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rule)
}

// UpdateRule handles PUT /api/v1/rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRules(w, r) {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeAppError(w, r, errors.NewValidationError("INVALID_RULE_ID", "rule id must be a positive integer"))
		return
	}
	rule, ok := h.decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id
	if err := h.rules.Update(r.Context(), rule); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/v1/rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRules(w, r) {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeAppError(w, r, errors.NewValidationError("INVALID_RULE_ID", "rule id must be a positive integer"))
		return
	}
	if err := h.rules.Delete(r.Context(), id); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status     health.Status            `json:"status"`
	Components []health.ComponentHealth `json:"components"`
}

// Health handles GET /healthz. The overall status is the worst component
// status; a down component makes the endpoint return 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components := h.health.Snapshot()
	overall := health.StatusUp
	for _, c := range components {
		switch c.Status {
		case health.StatusDown:
			overall = health.StatusDown
		case health.StatusDegraded:
			if overall == health.StatusUp {
				overall = health.StatusDegraded
			}
		}
	}
	status := http.StatusOK
	if overall == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, healthResponse{Status: overall, Components: components})
}
