// Package route assembles the local status server.
package route

import (
	"net/http"

	"edgecam/internal/handler"
	"edgecam/internal/logger"
	"edgecam/internal/middleware"
)

// Deps are the collaborators the routes read from. Hub, Backoff and Metrics may be nil.
type Deps struct {
	DeviceID string
	Version  string
	Token    string
	LogDir   string

	Cameras handler.CameraLister
	Outbox  handler.OutboxReader
	Backoff handler.BackoffState
	Hub     handler.ClientRegistry
	Metrics http.Handler

	// Live tunes the viewer keepalive; the zero value is fine.
	Live handler.LiveOptions
}

// SetupRoutes registers the status API, live view, logs and metrics,
// and wraps the mux with the bearer token middleware.
func SetupRoutes(deps Deps, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handler.HealthHandler())

	// API endpoints
	mux.HandleFunc("GET /api/status", handler.StatusHandler(deps.DeviceID, deps.Version, deps.Cameras, deps.Outbox, deps.Backoff, log))
	mux.HandleFunc("GET /api/outbox", handler.OutboxHandler(deps.Outbox, log))
	if deps.Hub != nil {
		mux.HandleFunc("GET /api/live", handler.LiveWebsocketHandler(deps.Hub, deps.Live, log))
	}

	// Log endpoints
	if deps.LogDir != "" {
		mux.HandleFunc("GET /logs/{level}", handler.ShowLogsHandler(deps.LogDir))
	}

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	return middleware.AuthMiddleware(deps.Token, mux)
}
