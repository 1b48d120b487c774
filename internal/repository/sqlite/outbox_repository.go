package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"edgecam/internal/models"
)

// OutboxRepository implements repository.OutboxRepository for SQLite.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new SQLite outbox repository.
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

const captureColumns = `id, capture_id, ts_utc, camera_id, count, meta_json, raw_path,
	annotated_path, sync_state, missing_files, created_at, synced_at`

// Insert adds a pending capture row. A capture id is generated when the row has none.
func (r *OutboxRepository) Insert(ctx context.Context, row *models.OutboxRow) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	if row.CaptureID == "" {
		row.CaptureID = uuid.NewString()
	}
	if row.SyncState == "" {
		row.SyncState = models.SyncStatePending
	}

	result, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO captures (capture_id, ts_utc, camera_id, count, meta_json, raw_path, annotated_path, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, row.CaptureID, row.TimestampUTC, row.CameraID, row.Count, nullString(row.MetaJSON),
		nullString(row.RawPath), nullStringPtr(row.AnnotatedPath), string(row.SyncState))
	if err != nil {
		return 0, fmt.Errorf("failed to insert capture: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read capture id: %w", err)
	}
	row.ID = id
	return id, nil
}

// GetUnsynced returns up to limit rows that still need processing, oldest first.
func (r *OutboxRepository) GetUnsynced(ctx context.Context, limit int) ([]models.OutboxRow, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT `+captureColumns+`
		FROM captures
		WHERE sync_state = ?
		ORDER BY id ASC
		LIMIT ?
	`, string(models.SyncStatePending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced captures: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate captures: %w", err)
	}
	return out, nil
}

// GetByID retrieves a capture row by its ID, or nil when absent.
func (r *OutboxRepository) GetByID(ctx context.Context, id int64) (*models.OutboxRow, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	row, err := scanRow(r.db.Conn().QueryRowContext(ctx, `
		SELECT `+captureColumns+` FROM captures WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

// CountPending returns the number of rows awaiting upload.
func (r *OutboxRepository) CountPending(ctx context.Context) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var n int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM captures WHERE sync_state = ?`, string(models.SyncStatePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending captures: %w", err)
	}
	return n, nil
}

// HasRawPath reports whether any row references the given raw frame.
func (r *OutboxRepository) HasRawPath(ctx context.Context, rawPath string) (bool, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var n int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM captures WHERE raw_path = ?`, rawPath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up raw path: %w", err)
	}
	return n > 0, nil
}

// MarkSynced removes a row from the pending queue.
func (r *OutboxRepository) MarkSynced(ctx context.Context, id int64) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, `
		UPDATE captures SET sync_state = ?, synced_at = ? WHERE id = ?
	`, string(models.SyncStateSynced), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark capture %d synced: %w", id, err)
	}
	return nil
}

// MarkMissingFiles flags a row whose raw frame no longer exists on disk.
func (r *OutboxRepository) MarkMissingFiles(ctx context.Context, id int64) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, `
		UPDATE captures SET sync_state = ?, missing_files = 1 WHERE id = ?
	`, string(models.SyncStateMissing), id); err != nil {
		return fmt.Errorf("failed to mark capture %d missing: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*models.OutboxRow, error) {
	var (
		row       models.OutboxRow
		meta      sql.NullString
		raw       sql.NullString
		annotated sql.NullString
		state     string
		missing   int
		createdAt sql.NullTime
		syncedAt  sql.NullTime
	)
	err := s.Scan(&row.ID, &row.CaptureID, &row.TimestampUTC, &row.CameraID, &row.Count,
		&meta, &raw, &annotated, &state, &missing, &createdAt, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan capture: %w", err)
	}

	row.MetaJSON = meta.String
	row.RawPath = raw.String
	if annotated.Valid && annotated.String != "" {
		p := annotated.String
		row.AnnotatedPath = &p
	}
	row.SyncState = models.SyncState(state)
	row.MissingFiles = missing != 0
	if createdAt.Valid {
		row.CreatedAt = createdAt.Time
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		row.SyncedAt = &t
	}
	return &row, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}
