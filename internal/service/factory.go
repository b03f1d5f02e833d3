package service

import (
	"log/slog"

	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/normalizer"
)

type Services struct {
	stores      StoreProvider
	txRunner    TxRunner
	engine      ingest.Engine
	normalizers *normalizer.Registry
	registry    *connector.Registry
	producer    Enqueuer
	logger      *slog.Logger
}

// NewServices takes the non-transactional stores, usually a *store.Stores over the pool.
func NewServices(stores StoreProvider, txRunner TxRunner, engine ingest.Engine, normalizers *normalizer.Registry, registry *connector.Registry, producer Enqueuer, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	return &Services{
		stores:      stores,
		txRunner:    txRunner,
		engine:      engine,
		normalizers: normalizers,
		registry:    registry,
		producer:    producer,
		logger:      logger,
	}
}

func (s *Services) Webhooks() WebhookService {
	return NewWebhookService(s.stores.Connections(), s.normalizers, s.engine, s.logger)
}

func (s *Services) Events() EventService {
	return NewEventService(s.stores.Connections(), s.stores.ChangeEvents(), s.engine, s.logger)
}

func (s *Services) Connections() ConnectionService {
	audit := connector.NewAuditRecorder(s.stores.Connections(), s.engine, s.logger)
	return NewConnectionService(s.stores.Connections(), s.txRunner, s.registry, s.producer, audit, s.logger)
}
