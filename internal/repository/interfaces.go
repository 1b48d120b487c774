package repository

import (
	"context"

	"edgecam/internal/models"
)

// OutboxRepository is the durable queue of captures awaiting upload.
type OutboxRepository interface {
	// Create operations
	Insert(ctx context.Context, row *models.OutboxRow) (int64, error)

	// Read operations
	GetUnsynced(ctx context.Context, limit int) ([]models.OutboxRow, error)
	GetByID(ctx context.Context, id int64) (*models.OutboxRow, error)
	CountPending(ctx context.Context) (int, error)
	HasRawPath(ctx context.Context, rawPath string) (bool, error)

	// State transitions
	MarkSynced(ctx context.Context, id int64) error
	MarkMissingFiles(ctx context.Context, id int64) error
}
