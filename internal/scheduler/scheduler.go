// Package scheduler enqueues poll jobs for connections whose poll interval has elapsed.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/metrics"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/store"
)

type ConnectionLister interface {
	List(ctx context.Context, filter store.ConnectionFilter) ([]model.Connection, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.PollJob) (queue.PollJob, error)
}

type Scheduler struct {
	connections ConnectionLister
	producer    Enqueuer
	logger      *slog.Logger
}

func New(connections ConnectionLister, producer Enqueuer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{connections: connections, producer: producer, logger: logger}
}

// IsDue reports whether conn's poll interval has elapsed at now. A connection that
// never synced is always due.
func IsDue(conn model.Connection, now time.Time) bool {
	if conn.LastSync == nil {
		return true
	}
	return now.Sub(*conn.LastSync) >= conn.Settings().PollInterval()
}

// RunOnce enqueues a normal priority job for every enabled connection that is due
// and returns how many it enqueued. Internal connections have nothing to poll.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "ingest.scheduler"})
	start := time.Now()
	defer func() { metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds()) }()

	conns, err := s.connections.List(ctx, store.ConnectionFilter{EnabledOnly: true})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, conn := range conns {
		if conn.Provider == model.ProviderInternal || !IsDue(conn, now) {
			continue
		}
		if _, err := s.producer.Enqueue(ctx, queue.PollJob{
			ConnectionID: conn.ID,
			Priority:     queue.PriorityNormal,
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue poll job", "connection_id", conn.ID, "error", err)
			continue
		}
		enqueued++
		metrics.SchedulerEnqueued.Inc()
	}

	s.logger.InfoContext(ctx, "scheduler pass finished",
		"connections", len(conns),
		"enqueued", enqueued)
	return enqueued, nil
}
