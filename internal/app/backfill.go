package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"edgecam/internal/logger"
	"edgecam/internal/models"
	"edgecam/internal/repository"
	"edgecam/internal/service/storage"
)

// BackfillResult counts what a backfill did.
type BackfillResult struct {
	Scanned  int
	Inserted int
	Skipped  int
}

// Backfill enqueues raw frames found under dir that no outbox row references yet.
// Rows are inserted without meta; the sync engine sends the minimal fallback for them.
func Backfill(ctx context.Context, repo repository.OutboxRepository, dir string, log *logger.Logger) (BackfillResult, error) {
	var res BackfillResult
	if log == nil {
		log = logger.NewNop()
	}

	paths, err := storage.RawFrames(dir)
	if err != nil {
		return res, err
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		known, err := repo.HasRawPath(ctx, abs)
		if err != nil {
			return res, err
		}
		if !known && abs != path {
			if known, err = repo.HasRawPath(ctx, path); err != nil {
				return res, err
			}
		}
		if known {
			res.Skipped++
			continue
		}

		cameraID, capturedAt, _, err := storage.ParseFrameName(path)
		if err != nil {
			log.Warn("skipping unparseable frame", logger.String("path", path), logger.Err(err))
			res.Skipped++
			continue
		}

		row := &models.OutboxRow{
			TimestampUTC: models.FormatMetaTime(capturedAt),
			CameraID:     cameraID,
			RawPath:      abs,
		}
		if annotated := annotatedSibling(abs); annotated != "" {
			row.AnnotatedPath = &annotated
		}
		if _, err := repo.Insert(ctx, row); err != nil {
			return res, fmt.Errorf("failed to enqueue %s: %w", path, err)
		}
		res.Inserted++
		log.Debug("frame enqueued", logger.String("path", abs), logger.String("camera", cameraID))
	}

	log.Info("backfill finished",
		logger.String("dir", dir),
		logger.Int("scanned", res.Scanned),
		logger.Int("inserted", res.Inserted),
		logger.Int("skipped", res.Skipped))
	return res, nil
}

// annotatedSibling returns the annotated frame written next to rawPath, if any.
func annotatedSibling(rawPath string) string {
	suffix := "_" + string(storage.KindRaw) + ".jpg"
	if !strings.HasSuffix(rawPath, suffix) {
		return ""
	}
	candidate := strings.TrimSuffix(rawPath, suffix) + "_" + string(storage.KindAnnotated) + ".jpg"
	if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
		return candidate
	}
	return ""
}
