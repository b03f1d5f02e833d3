package connector

import (
	"context"
	"log/slog"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/metrics"
	"painchain.app/ingest/internal/model"
)

// syncRun accumulates the outcome of one Sync call.
type syncRun struct {
	provider     model.Provider
	connectionID int64
	tags         []string
	deps         Deps
	logger       *slog.Logger

	stored   int
	failures int
}

func newSyncRun(deps Deps, conn *model.Connection, connectionID int64) *syncRun {
	return &syncRun{
		provider:     conn.Provider,
		connectionID: connectionID,
		tags:         conn.Settings().Tags(),
		deps:         deps,
		logger:       deps.logger(),
	}
}

// seen reports whether externalID is already stored. Lookup errors count as unseen,
// which costs a detail request but never loses an event.
func (r *syncRun) seen(ctx context.Context, externalID string) bool {
	if r.deps.Events == nil {
		return false
	}
	ok, err := r.deps.Events.ExistsByExternalID(ctx, r.connectionID, externalID)
	if err != nil {
		r.logger.WarnContext(ctx, "existence check failed", "external_id", externalID, "error", err)
		return false
	}
	return ok
}

// store ingests ev. A nil ev is a skipped item.
func (r *syncRun) store(ctx context.Context, ev *model.NormalizedEvent) {
	if ev == nil {
		return
	}
	ev.ApplyTags(r.tags)

	res, err := r.deps.Engine.Ingest(ctx, *ev)
	if err != nil {
		r.failures++
		r.logger.WarnContext(ctx, "failed to store polled event",
			"external_id", deref(ev.ExternalID),
			"error", err,
			"error_class", errs.Class(err),
		)
		return
	}
	if !res.Duplicate {
		r.stored++
		metrics.ConnectorEventsStored.WithLabelValues(string(r.provider)).Inc()
	}
}

// failed records one repository or resource class that could not be fetched.
func (r *syncRun) failed(ctx context.Context, repo, resource string, err error) {
	if errs.Is(err, errs.NotApplicable) {
		r.logger.DebugContext(ctx, "resource not available", "repository", repo, "resource", resource, "error", err)
		return
	}
	r.failures++
	metrics.ConnectorFetchFailures.WithLabelValues(string(r.provider), resource).Inc()
	r.logger.WarnContext(ctx, "connector fetch failed",
		"repository", repo,
		"resource", resource,
		"error", err,
		"error_class", errs.Class(err),
	)
}

func (r *syncRun) result() SyncResult {
	return SyncResult{Success: true, EventsStored: r.stored, Failures: r.failures}
}

func (r *syncRun) context(ctx context.Context) context.Context {
	return logger.WithLogFields(ctx, logger.LogFields{
		ConnectionID: &r.connectionID,
		Provider:     logger.Ptr(string(r.provider)),
		Component:    "ingest.connector." + string(r.provider),
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
