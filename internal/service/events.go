package service

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type EventService interface {
	// Ingest stores an event posted directly to the API.
	Ingest(ctx context.Context, ev model.NormalizedEvent) (*ingest.Result, error)
	List(ctx context.Context, connectionID int64, limit int) ([]model.ChangeEvent, error)
}

type eventService struct {
	connections store.ConnectionStore
	events      store.ChangeEventStore
	engine      ingest.Engine
	logger      *slog.Logger
}

func NewEventService(connections store.ConnectionStore, events store.ChangeEventStore, engine ingest.Engine, logger *slog.Logger) EventService {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventService{
		connections: connections,
		events:      events,
		engine:      engine,
		logger:      logger,
	}
}

func (s *eventService) Ingest(ctx context.Context, ev model.NormalizedEvent) (*ingest.Result, error) {
	if err := ingest.Validate(ev); err != nil {
		return nil, err
	}
	if _, err := s.connections.GetByID(ctx, ev.ConnectionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Newf(errs.ValidationFailure, "connection %d does not exist", ev.ConnectionID)
		}
		return nil, errors.Wrap(err, "loading connection")
	}
	return s.engine.Ingest(ctx, ev)
}

func (s *eventService) List(ctx context.Context, connectionID int64, limit int) ([]model.ChangeEvent, error) {
	if connectionID == 0 {
		return nil, errs.Newf(errs.ValidationFailure, "connection_id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	events, err := s.events.ListByConnection(ctx, connectionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing change events")
	}
	return events, nil
}
