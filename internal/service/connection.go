package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/id"
	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/store"
)

type CreateConnectionParams struct {
	TenantID      *string
	Name          string
	Provider      model.Provider
	Config        map[string]any
	Enabled       *bool
	WebhookSecret *string
}

// UpdateConnectionParams leaves nil fields unchanged. A non-nil Config replaces the whole blob.
type UpdateConnectionParams struct {
	Name          *string
	Config        map[string]any
	Enabled       *bool
	WebhookSecret *string
}

type ConnectionService interface {
	Create(ctx context.Context, params CreateConnectionParams) (*model.Connection, error)
	Get(ctx context.Context, id int64) (*model.Connection, error)
	List(ctx context.Context, filter store.ConnectionFilter) ([]model.Connection, error)
	Update(ctx context.Context, id int64, params UpdateConnectionParams) (*model.Connection, error)
	Delete(ctx context.Context, id int64) error
	// Test reports whether the connection's credentials work upstream.
	Test(ctx context.Context, id int64) (bool, error)
	// Sync enqueues a high priority poll job.
	Sync(ctx context.Context, id int64) (queue.PollJob, error)
}

// AuditRecorder is satisfied by *connector.AuditRecorder.
type AuditRecorder interface {
	Record(ctx context.Context, action string, subject *model.Connection)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.PollJob) (queue.PollJob, error)
}

type connectionService struct {
	connections store.ConnectionStore
	txRunner    TxRunner
	registry    *connector.Registry
	producer    Enqueuer
	audit       AuditRecorder
	logger      *slog.Logger
}

func NewConnectionService(
	connections store.ConnectionStore,
	txRunner TxRunner,
	registry *connector.Registry,
	producer Enqueuer,
	audit AuditRecorder,
	logger *slog.Logger,
) ConnectionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &connectionService{
		connections: connections,
		txRunner:    txRunner,
		registry:    registry,
		producer:    producer,
		audit:       audit,
		logger:      logger,
	}
}

func (s *connectionService) Create(ctx context.Context, params CreateConnectionParams) (*model.Connection, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, errs.Newf(errs.ValidationFailure, "name is required")
	}
	if !params.Provider.Valid() || !s.registry.Supports(params.Provider) {
		return nil, errs.Newf(errs.ValidationFailure, "unsupported provider %q", params.Provider)
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}
	config := params.Config
	if config == nil {
		config = map[string]any{}
	}

	conn := &model.Connection{
		ID:            id.New(),
		TenantID:      params.TenantID,
		Name:          name,
		Provider:      params.Provider,
		Config:        config,
		Enabled:       enabled,
		WebhookSecret: params.WebhookSecret,
	}
	if err := s.connections.Create(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "creating connection")
	}

	s.logger.InfoContext(ctx, "connection created", "connection_id", conn.ID, "provider", conn.Provider)
	s.audit.Record(ctx, connector.ActionCreated, conn)
	return conn, nil
}

func (s *connectionService) Get(ctx context.Context, id int64) (*model.Connection, error) {
	conn, err := s.connections.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrConnectionNotFound, "connection %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading connection")
	}
	return conn, nil
}

func (s *connectionService) List(ctx context.Context, filter store.ConnectionFilter) ([]model.Connection, error) {
	conns, err := s.connections.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "listing connections")
	}
	return conns, nil
}

// Update holds the row lock while applying params so concurrent edits do not interleave.
func (s *connectionService) Update(ctx context.Context, id int64, params UpdateConnectionParams) (*model.Connection, error) {
	if params.Name != nil && strings.TrimSpace(*params.Name) == "" {
		return nil, errs.Newf(errs.ValidationFailure, "name cannot be empty")
	}

	var updated *model.Connection
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		conn, err := sp.Connections().GetForUpdate(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrConnectionNotFound, "connection %d", id)
		}
		if err != nil {
			return errors.Wrap(err, "locking connection")
		}

		if params.Name != nil {
			conn.Name = strings.TrimSpace(*params.Name)
		}
		if params.Config != nil {
			conn.Config = params.Config
		}
		if params.Enabled != nil {
			conn.Enabled = *params.Enabled
		}
		if params.WebhookSecret != nil {
			conn.WebhookSecret = params.WebhookSecret
		}

		if err := sp.Connections().Update(ctx, conn); err != nil {
			return errors.Wrap(err, "updating connection")
		}
		updated = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "connection updated", "connection_id", updated.ID, "enabled", updated.Enabled)
	s.audit.Record(ctx, connector.ActionUpdated, updated)
	return updated, nil
}

func (s *connectionService) Delete(ctx context.Context, id int64) error {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.connections.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(ErrConnectionNotFound, "connection %d", id)
		}
		return errors.Wrap(err, "deleting connection")
	}

	s.logger.InfoContext(ctx, "connection deleted", "connection_id", id)
	s.audit.Record(ctx, connector.ActionDeleted, conn)
	return nil
}

func (s *connectionService) Test(ctx context.Context, id int64) (bool, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	c, err := s.registry.Build(conn)
	if err != nil {
		return false, err
	}
	return c.TestConnection(ctx), nil
}

func (s *connectionService) Sync(ctx context.Context, id int64) (queue.PollJob, error) {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return queue.PollJob{}, err
	}
	if !conn.Enabled {
		return queue.PollJob{}, errs.Newf(errs.ValidationFailure, "connection %d is disabled", id)
	}
	job, err := s.producer.Enqueue(ctx, queue.PollJob{ConnectionID: conn.ID, Priority: queue.PriorityHigh})
	if err != nil {
		return queue.PollJob{}, errors.Wrap(err, "enqueuing sync")
	}
	return job, nil
}
