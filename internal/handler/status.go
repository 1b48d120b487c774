package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"edgecam/internal/logger"
	"edgecam/internal/models"
	"edgecam/internal/service"
)

const (
	defaultOutboxLimit = 50
	maxOutboxLimit     = 500
)

// CameraLister reports per-camera capture state.
type CameraLister interface {
	Cameras() []service.CameraStatus
}

// OutboxReader is the read side of the outbox used by the status API.
type OutboxReader interface {
	GetUnsynced(ctx context.Context, limit int) ([]models.OutboxRow, error)
	CountPending(ctx context.Context) (int, error)
}

// BackoffState reports the sync retry window.
type BackoffState interface {
	State() (time.Duration, time.Time)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	DeviceID     string                 `json:"device_id"`
	Version      string                 `json:"app_version"`
	Cameras      []service.CameraStatus `json:"cameras"`
	Pending      int                    `json:"pending"`
	BackoffDelay float64                `json:"backoff_delay_sec"`
	NextSync     *time.Time             `json:"next_sync_attempt_utc"`
}

// HealthHandler answers liveness probes.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

// StatusHandler returns camera, outbox and sync state as JSON.
func StatusHandler(deviceID, version string, cameras CameraLister, outbox OutboxReader, backoff BackoffState, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := outbox.CountPending(r.Context())
		if err != nil {
			log.Error("failed to count pending captures", logger.Err(err))
			http.Error(w, "outbox unavailable", http.StatusInternalServerError)
			return
		}

		resp := StatusResponse{
			DeviceID: deviceID,
			Version:  version,
			Cameras:  cameras.Cameras(),
			Pending:  pending,
		}
		if backoff != nil {
			delay, next := backoff.State()
			resp.BackoffDelay = delay.Seconds()
			if !next.IsZero() {
				n := next.UTC()
				resp.NextSync = &n
			}
		}
		writeJSON(w, http.StatusOK, resp, log)
	}
}

// OutboxHandler lists pending captures, oldest first. The optional limit query
// parameter is capped at 500.
func OutboxHandler(outbox OutboxReader, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultOutboxLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxOutboxLimit)
		}

		rows, err := outbox.GetUnsynced(r.Context(), limit)
		if err != nil {
			log.Error("failed to list pending captures", logger.Err(err))
			http.Error(w, "outbox unavailable", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []models.OutboxRow{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)}, log)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any, log *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("failed to write response", logger.Err(err))
	}
}
