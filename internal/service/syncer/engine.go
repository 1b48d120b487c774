// Package syncer drains the capture outbox to the ingestion service.
//
// Rows are processed oldest first. A row whose raw frame vanished from disk is marked and
// retired without an upload. The first failed upload opens a backoff window and ends the
// pass, so the remaining rows keep their order for the next attempt.
package syncer

import (
	"context"
	"errors"
	"os"
	"time"

	"edgecam/internal/logger"
	"edgecam/internal/metrics"
	"edgecam/internal/models"
	"edgecam/internal/repository"
	"edgecam/internal/service/metadata"
)

// DefaultBatchSize is used when no batch size is configured.
const DefaultBatchSize = 20

// PassResult summarizes one AttemptSync call.
type PassResult struct {
	// Skipped is set when the pass did not run because a backoff window was open.
	Skipped   bool
	Attempted int
	Synced    int
	Missing   int
	Failed    bool
	// NextAttempt is the end of the backoff window after the pass, zero when none.
	NextAttempt time.Time
}

// Config controls the engine.
type Config struct {
	BatchSize          int
	Interval           time.Duration
	BackoffStart       time.Duration
	BackoffMax         time.Duration
	DeleteRawAfterSync bool
}

// Engine uploads pending outbox rows.
type Engine struct {
	repo     repository.OutboxRepository
	uploader Uploader
	backoff  *Backoff
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a sync engine.
func NewEngine(repo repository.OutboxRepository, uploader Uploader, cfg Config, log *logger.Logger, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		repo:     repo,
		uploader: uploader,
		backoff:  NewBackoff(cfg.BackoffStart, cfg.BackoffMax),
		cfg:      cfg,
		logger:   log.Named("sync"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backoff exposes the engine's retry state.
func (e *Engine) Backoff() *Backoff {
	return e.backoff
}

// Run calls AttemptSync every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("sync loop started", logger.Duration("interval", e.cfg.Interval))
	for {
		if _, err := e.AttemptSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("sync pass failed", logger.Err(err))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// AttemptSync runs one pass over the oldest pending rows. Only an outbox read or
// write failure is returned as an error; upload failures are part of the result.
func (e *Engine) AttemptSync(ctx context.Context) (PassResult, error) {
	var res PassResult

	if !e.backoff.Ready(e.now()) {
		_, res.NextAttempt = e.backoff.State()
		res.Skipped = true
		return res, nil
	}

	rows, err := e.repo.GetUnsynced(ctx, e.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		if !isFile(row.RawPath) {
			e.logger.Warn("raw frame missing, retiring row",
				logger.Int64("row_id", row.ID),
				logger.String("raw_path", row.RawPath))
			if err := e.repo.MarkMissingFiles(ctx, row.ID); err != nil {
				return res, err
			}
			if err := e.repo.MarkSynced(ctx, row.ID); err != nil {
				return res, err
			}
			res.Missing++
			e.metrics.RecordSyncRow(metrics.ResultMissing)
			continue
		}

		up := e.prepare(row)
		if err := e.uploader.Upload(ctx, up); err != nil {
			delay := e.backoff.Failure(e.now())
			_, res.NextAttempt = e.backoff.State()
			res.Failed = true
			e.metrics.RecordSyncRow(metrics.ResultFailed)
			e.metrics.SetBackoff(delay)
			e.logger.Error("upload failed, backing off",
				logger.Int64("row_id", row.ID),
				logger.String("camera", row.CameraID),
				logger.Duration("delay", delay),
				logger.Err(err))
			break
		}

		if err := e.repo.MarkSynced(ctx, row.ID); err != nil {
			return res, err
		}
		res.Synced++
		e.metrics.RecordSyncRow(metrics.ResultSynced)
		if e.backoff.Success() {
			e.logger.Info("upload recovered, backoff reset")
		}
		e.metrics.SetBackoff(0)
		e.logger.Info("row synced",
			logger.Int64("row_id", row.ID),
			logger.String("camera", row.CameraID),
			logger.Bool("annotated", up.AnnotatedPath != ""))

		if e.cfg.DeleteRawAfterSync {
			if err := os.Remove(row.RawPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("could not delete raw frame after sync",
					logger.String("raw_path", row.RawPath), logger.Err(err))
			}
		}
	}

	if n, err := e.repo.CountPending(ctx); err == nil {
		e.metrics.SetPending(n)
	}
	return res, nil
}

// prepare resolves optional files and the meta fallback for one row.
func (e *Engine) prepare(row models.OutboxRow) Upload {
	up := Upload{
		CaptureID:    row.CaptureID,
		CameraID:     row.CameraID,
		TimestampUTC: row.TimestampUTC,
		RawPath:      row.RawPath,
	}

	if row.HasAnnotated() {
		if isFile(*row.AnnotatedPath) {
			up.AnnotatedPath = *row.AnnotatedPath
		} else {
			e.logger.Warn("annotated frame missing, uploading raw only",
				logger.Int64("row_id", row.ID),
				logger.String("annotated_path", *row.AnnotatedPath))
		}
	}

	if row.MetaJSON != "" {
		up.Meta = []byte(row.MetaJSON)
	} else {
		up.Meta = metadata.Fallback(row.TimestampUTC, row.CameraID, row.Count)
	}
	return up
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
