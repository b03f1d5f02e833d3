package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/store"
)

// AuditSource is the source of events written by the internal connector.
const AuditSource = "painchain"

// Audit actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// internalConnector has no upstream. Its events are pushed by AuditRecorder.
type internalConnector struct{}

func NewInternalFactory() Factory {
	return func(*model.Connection) (Connector, error) {
		return internalConnector{}, nil
	}
}

func (internalConnector) TestConnection(context.Context) bool { return true }

func (internalConnector) Sync(context.Context, int64) SyncResult {
	return SyncResult{Success: true}
}

type ConnectionLister interface {
	List(ctx context.Context, filter store.ConnectionFilter) ([]model.Connection, error)
}

// AuditRecorder writes a connector event into every enabled internal connection
// whenever a connection is created, changed or removed.
type AuditRecorder struct {
	connections ConnectionLister
	engine      ingest.Engine
	logger      *slog.Logger
	now         func() time.Time
}

func NewAuditRecorder(connections ConnectionLister, engine ingest.Engine, logger *slog.Logger) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{
		connections: connections,
		engine:      engine,
		logger:      logger,
		now:         time.Now,
	}
}

// Record never fails the caller's operation. Errors are logged.
func (a *AuditRecorder) Record(ctx context.Context, action string, subject *model.Connection) {
	provider := model.ProviderInternal
	sinks, err := a.connections.List(ctx, store.ConnectionFilter{Provider: &provider, EnabledOnly: true})
	if err != nil {
		a.logger.WarnContext(ctx, "listing audit connections failed", "error", err)
		return
	}

	at := a.now().UTC()
	for _, sink := range sinks {
		ev := model.NormalizedEvent{
			ConnectionID: sink.ID,
			Source:       AuditSource,
			EventType:    model.EventTypeConnector,
			Title:        fmt.Sprintf("[Connector] %s %s connection %q", action, subject.Provider, subject.Name),
			Timestamp:    at,
			Metadata: map[string]any{
				"connectionId": subject.ID,
				"provider":     string(subject.Provider),
				"name":         subject.Name,
			},
			EventMetadata: map[string]any{
				"action":  action,
				"enabled": subject.Enabled,
			},
		}
		ev.ApplyTags(sink.Settings().Tags())

		if _, err := a.engine.Ingest(ctx, ev); err != nil {
			a.logger.WarnContext(ctx, "recording connector audit event failed",
				"audit_connection_id", sink.ID,
				"subject_connection_id", subject.ID,
				"action", action,
				"error", err,
			)
		}
	}
}
