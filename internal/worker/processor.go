package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/metrics"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/store"
)

const (
	defaultJobTimeout = 30 * time.Minute
	defaultLockTTL    = 300 * time.Second
)

// Skip reasons.
const (
	SkipMissing  = "connection_missing"
	SkipDisabled = "connection_disabled"
	SkipLocked   = "connection_locked"
)

// Outcome is what a processed job reports into the completed history.
type Outcome struct {
	Skipped string
	Result  connector.SyncResult
}

func (o Outcome) values() map[string]any {
	if o.Skipped != "" {
		return map[string]any{"skipped": o.Skipped}
	}
	values := map[string]any{
		"success":       o.Result.Success,
		"events_stored": o.Result.EventsStored,
		"failures":      o.Result.Failures,
	}
	if o.Result.Error != "" {
		values["sync_error"] = o.Result.Error
	}
	return values
}

type ProcessorConfig struct {
	JobTimeout        time.Duration
	LockTTL           time.Duration
	// LockRenewInterval is how often a running sync pushes its lock expiry out
	// by LockTTL. Defaults to a third of LockTTL.
	LockRenewInterval time.Duration
}

type PollProcessor struct {
	connections ConnectionStore
	registry    ConnectorBuilder
	locker      Locker
	cfg         ProcessorConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewPollProcessor(connections ConnectionStore, registry ConnectorBuilder, locker Locker, cfg ProcessorConfig, logger *slog.Logger) *PollProcessor {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockRenewInterval <= 0 || cfg.LockRenewInterval >= cfg.LockTTL {
		cfg.LockRenewInterval = cfg.LockTTL / 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollProcessor{
		connections: connections,
		registry:    registry,
		locker:      locker,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Process syncs job's connection while holding its poll lock. A sync that fetched
// nothing at all is returned as an error so the job is retried.
func (p *PollProcessor) Process(ctx context.Context, job queue.PollJob) (Outcome, error) {
	conn, err := p.connections.GetByID(ctx, job.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.InfoContext(ctx, "connection gone, skipping poll job")
		return Outcome{Skipped: SkipMissing}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if !conn.Enabled {
		p.logger.InfoContext(ctx, "connection disabled, skipping poll job")
		return Outcome{Skipped: SkipDisabled}, nil
	}

	provider := string(conn.Provider)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Provider: &provider})

	lock, ok, err := p.locker.Acquire(ctx, queue.LockKey(conn.ID), p.cfg.LockTTL)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		p.logger.InfoContext(ctx, "connection already being polled, skipping")
		return Outcome{Skipped: SkipLocked}, nil
	}

	start := p.now()
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.keepLock(renewCtx, lock)
	}()

	defer func() {
		// Also runs when Sync panics.
		stopRenew()
		<-renewDone
		bg := context.WithoutCancel(ctx)
		if err := p.connections.TouchLastSync(bg, conn.ID, p.now().UTC()); err != nil {
			p.logger.WarnContext(bg, "failed to record last sync", "error", err)
		}
		if released, err := lock.Release(bg); err != nil {
			p.logger.WarnContext(bg, "failed to release poll lock", "error", err)
		} else if !released {
			p.logger.WarnContext(bg, "poll lock expired before the job finished", "lock_ttl", p.cfg.LockTTL)
		}
		metrics.PollJobDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	c, err := p.registry.Build(conn)
	if err != nil {
		return Outcome{}, err
	}

	syncCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	result := c.Sync(syncCtx, conn.ID)
	outcome := Outcome{Result: result}
	if !result.Success {
		return outcome, errs.Newf(errs.UpstreamFetchFailure, "sync of connection %d failed: %s", conn.ID, result.Error)
	}

	p.logger.InfoContext(ctx, "poll job synced connection",
		"events_stored", result.EventsStored,
		"failures", result.Failures,
		"duration_ms", time.Since(start).Milliseconds())
	return outcome, nil
}

// keepLock extends lock every LockRenewInterval until ctx is done, so a sync that
// outlives LockTTL still holds its connection.
func (p *PollProcessor) keepLock(ctx context.Context, lock *queue.Lock) {
	ticker := time.NewTicker(p.cfg.LockRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := lock.Extend(ctx, p.cfg.LockTTL)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.WarnContext(ctx, "failed to extend poll lock", "error", err)
				}
				continue
			}
			if !held {
				p.logger.WarnContext(ctx, "poll lock lost while syncing", "lock_ttl", p.cfg.LockTTL)
				return
			}
		}
	}
}
