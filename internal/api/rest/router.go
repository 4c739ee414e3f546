package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/api/websocket"
	"github.com/MLidstrom/castellan/internal/infrastructure/config"
)

// NewRouter mounts the API routes, the websocket stream, and the operational
// endpoints behind the shared middleware chain.
func NewRouter(cfg config.ServerConfig, h *Handler, hub *websocket.Hub, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/events/count", h.CountEvents)
	mux.HandleFunc("GET /api/v1/events/risk-counts", h.RiskLevelCounts)

	mux.HandleFunc("GET /api/v1/rules", h.ListRules)
	mux.HandleFunc("POST /api/v1/rules", h.CreateRule)
	mux.HandleFunc("PUT /api/v1/rules/{id}", h.UpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", h.DeleteRule)

	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	if hub != nil {
		mux.HandleFunc("GET /api/v1/ws", hub.ServeWS)
	}

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		RequestLogging(logger),
	}
	if cfg.EnableCORS {
		middlewares = append(middlewares, CORS())
	}
	return Chain(middlewares...)(mux)
}
