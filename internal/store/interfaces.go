package store

import (
	"context"
	"errors"
	"time"

	"painchain.app/ingest/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by ChangeEventStore.Insert when (connection_id, external_id) already exists.
	ErrDuplicate = errors.New("duplicate")
)

type ConnectionFilter struct {
	TenantID    *string
	Provider    *model.Provider
	EnabledOnly bool
}

type ConnectionStore interface {
	GetByID(ctx context.Context, id int64) (*model.Connection, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*model.Connection, error)
	List(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error)
	Create(ctx context.Context, conn *model.Connection) error
	Update(ctx context.Context, conn *model.Connection) error
	Delete(ctx context.Context, id int64) error
	TouchLastSync(ctx context.Context, id int64, at time.Time) error
	TouchLastWebhook(ctx context.Context, id int64, at time.Time) error
}

type ChangeEventStore interface {
	Insert(ctx context.Context, event *model.ChangeEvent) error
	GetByExternalID(ctx context.Context, connectionID int64, externalID string) (*model.ChangeEvent, error)
	ExistsByExternalID(ctx context.Context, connectionID int64, externalID string) (bool, error)
	ListByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ChangeEvent, error)
}
