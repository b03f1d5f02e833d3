package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/metrics"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/normalizer"
	"painchain.app/ingest/internal/signature"
	"painchain.app/ingest/internal/store"
)

// Webhook result statuses.
const (
	WebhookStatusOK      = "ok"
	WebhookStatusIgnored = "ignored"
)

const unsupportedEventMessage = "event type not supported"

type WebhookDelivery struct {
	Provider     model.Provider
	ConnectionID int64
	Body         []byte
	// Signature is X-Hub-Signature-256 for GitHub and X-Gitlab-Token for GitLab.
	Signature string
	// EventHeader is X-GitHub-Event or X-Gitlab-Event.
	EventHeader string
}

type WebhookResult struct {
	Status    string
	Message   string
	EventID   *int64
	Duplicate bool
}

type WebhookService interface {
	Receive(ctx context.Context, delivery WebhookDelivery) (*WebhookResult, error)
}

type webhookService struct {
	connections store.ConnectionStore
	normalizers *normalizer.Registry
	engine      ingest.Engine
	logger      *slog.Logger
	now         func() time.Time
}

func NewWebhookService(connections store.ConnectionStore, normalizers *normalizer.Registry, engine ingest.Engine, logger *slog.Logger) WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookService{
		connections: connections,
		normalizers: normalizers,
		engine:      engine,
		logger:      logger,
		now:         time.Now,
	}
}

// Receive authenticates a delivery before looking at whether its connection is enabled,
// so callers without the secret cannot learn connection state.
func (s *webhookService) Receive(ctx context.Context, d WebhookDelivery) (*WebhookResult, error) {
	provider := string(d.Provider)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConnectionID: &d.ConnectionID,
		Provider:     &provider,
		Component:    "ingest.service.webhook",
	})

	result, err := s.receive(ctx, d)
	outcome := "error"
	switch {
	case err == nil && result.Status == WebhookStatusIgnored:
		outcome = "ignored"
	case err == nil && result.EventID == nil:
		outcome = "skipped"
	case err == nil && result.Duplicate:
		outcome = "duplicate"
	case err == nil:
		outcome = "stored"
	case errs.Is(err, errs.AuthFailure):
		outcome = "rejected"
	case errs.Is(err, errs.ValidationFailure), errors.Is(err, ErrConnectionNotFound):
		outcome = "invalid"
	}
	metrics.WebhooksReceived.WithLabelValues(provider, outcome).Inc()
	return result, err
}

func (s *webhookService) receive(ctx context.Context, d WebhookDelivery) (*WebhookResult, error) {
	conn, err := s.connections.GetByID(ctx, d.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrConnectionNotFound, "connection %d", d.ConnectionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading connection")
	}

	norm, ok := s.normalizers.For(conn.Provider)
	if conn.Provider != d.Provider || !ok {
		return nil, errors.Wrapf(ErrProviderMismatch, "connection %d is %s", conn.ID, conn.Provider)
	}
	if !conn.HasWebhookSecret() {
		return nil, errors.Wrapf(ErrSecretNotConfigured, "connection %d", conn.ID)
	}
	if err := signature.Verify(conn.Provider, d.Body, d.Signature, *conn.WebhookSecret); err != nil {
		s.logger.WarnContext(ctx, "webhook signature rejected")
		return nil, err
	}

	// Any authenticated delivery counts as receipt, whatever happens to its payload.
	now := s.now().UTC()
	if err := s.connections.TouchLastWebhook(ctx, conn.ID, now); err != nil {
		s.logger.WarnContext(ctx, "failed to record last webhook", "error", err)
	}

	if !conn.Enabled {
		s.logger.InfoContext(ctx, "webhook for disabled connection ignored")
		return &WebhookResult{Status: WebhookStatusIgnored}, nil
	}

	kind := norm.Kind(d.EventHeader)
	kindStr := string(kind)
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventKind: &kindStr})

	ev, err := norm.Transform(kind, d.Body, conn.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		return nil, err
	}
	if ev == nil {
		s.logger.DebugContext(ctx, "webhook event skipped", "header", d.EventHeader)
		return &WebhookResult{Status: WebhookStatusOK, Message: unsupportedEventMessage}, nil
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.ApplyTags(conn.Settings().Tags())

	res, err := s.engine.Ingest(ctx, *ev)
	if err != nil {
		return nil, err
	}

	eventID := res.Event.ID
	s.logger.InfoContext(logger.WithLogFields(ctx, logger.LogFields{ChangeEventID: &eventID}),
		"webhook event ingested", "duplicate", res.Duplicate)
	return &WebhookResult{Status: WebhookStatusOK, EventID: &eventID, Duplicate: res.Duplicate}, nil
}
