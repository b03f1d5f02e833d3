// Package ingest persists normalized events exactly once per (connection, external ID).
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/id"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/metrics"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/store"
)

const defaultStoreTimeout = 5 * time.Second

type Result struct {
	Event     *model.ChangeEvent
	Duplicate bool
}

// Engine is shared by the webhook receiver, the event endpoint and every connector.
type Engine interface {
	Ingest(ctx context.Context, event model.NormalizedEvent) (*Result, error)
}

type engine struct {
	events       store.ChangeEventStore
	storeTimeout time.Duration
	logger       *slog.Logger
}

func NewEngine(events store.ChangeEventStore, storeTimeout time.Duration, logger *slog.Logger) Engine {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &engine{
		events:       events,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// Ingest validates event, then inserts it. The insert races freely: when another
// writer got there first the unique index rejects ours and the stored row is
// returned with Duplicate set.
func (e *engine) Ingest(ctx context.Context, event model.NormalizedEvent) (*Result, error) {
	if err := Validate(event); err != nil {
		metrics.IngestEvents.WithLabelValues(event.Source, "invalid").Inc()
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConnectionID: &event.ConnectionID,
		EventKind:    logger.Ptr(string(event.EventType)),
	})

	row := event.ToChangeEvent(id.New())
	err := e.insert(ctx, row)
	if err == nil {
		metrics.IngestEvents.WithLabelValues(event.Source, "created").Inc()
		return &Result{Event: row}, nil
	}

	if !errors.Is(err, store.ErrDuplicate) {
		metrics.IngestEvents.WithLabelValues(event.Source, "error").Inc()
		return nil, errors.Wrap(err, "storing change event")
	}

	// A nil external ID never collides, so only keyed events get here.
	existing, err := e.lookup(ctx, event.ConnectionID, *event.ExternalID)
	if err != nil {
		metrics.IngestEvents.WithLabelValues(event.Source, "error").Inc()
		return nil, errors.Wrapf(err, "loading existing change event %s", *event.ExternalID)
	}

	metrics.IngestEvents.WithLabelValues(event.Source, "duplicate").Inc()
	e.logger.InfoContext(logger.WithLogFields(ctx, logger.LogFields{ChangeEventID: &existing.ID}),
		"duplicate change event deduped",
		"external_id", *event.ExternalID,
	)
	return &Result{Event: existing, Duplicate: true}, nil
}

func (e *engine) insert(ctx context.Context, row *model.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	err := e.events.Insert(ctx, row)
	if errors.Is(err, store.ErrDuplicate) {
		return errs.Mark(err, errs.DuplicateRace)
	}
	return err
}

func (e *engine) lookup(ctx context.Context, connectionID int64, externalID string) (*model.ChangeEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return e.events.GetByExternalID(ctx, connectionID, externalID)
}

// Validate checks the fields every stored event needs. Failures carry errs.ValidationFailure.
func Validate(event model.NormalizedEvent) error {
	var missing []string
	if event.ConnectionID == 0 {
		missing = append(missing, "connectionId")
	}
	if event.Source == "" {
		missing = append(missing, "source")
	}
	if event.EventType == "" {
		missing = append(missing, "eventType")
	}
	if event.Title == "" {
		missing = append(missing, "title")
	}
	if event.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if event.ExternalID != nil && *event.ExternalID == "" {
		missing = append(missing, "externalId")
	}
	if len(missing) > 0 {
		return errs.Newf(errs.ValidationFailure, "invalid change event: missing %v", missing)
	}
	return nil
}
