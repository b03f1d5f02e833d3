package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"painchain.app/ingest/common/id"
)

type Producer interface {
	// Enqueue fills in ID, Priority, Attempt, EnqueuedAt and TraceID when unset and returns the stored job.
	Enqueue(ctx context.Context, job PollJob) (PollJob, error)
	Close() error
}

type redisProducer struct {
	client  *redis.Client
	streams Streams
	logger  *slog.Logger
	now     func() time.Time
}

func NewRedisProducer(client *redis.Client, prefix string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client:  client,
		streams: Streams{Prefix: prefix},
		logger:  logger,
		now:     time.Now,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, job PollJob) (PollJob, error) {
	if job.ID == "" {
		job.ID = id.NewJobID()
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.now().UTC()
	}
	if job.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			job.TraceID = sc.TraceID().String()
		}
	}

	stream := p.streams.For(job.Priority)
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: jobValues(job),
	}).Err(); err != nil {
		return PollJob{}, fmt.Errorf("enqueue poll job: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued poll job",
		"job_id", job.ID,
		"connection_id", job.ConnectionID,
		"priority", job.Priority,
		"attempt", job.Attempt,
	)
	return job, nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
