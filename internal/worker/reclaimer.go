package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/queue"
)

const (
	defaultReclaimBatch  = 20
	defaultMaxDeliveries = 3
)

type RedisReclaimerConfig struct {
	Streams   []string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
	// MaxDeliveries is how many times a message may be delivered without being
	// settled before the reclaimer fails it instead of running it again.
	MaxDeliveries int64
}

// Redeliverer settles reclaimed messages. *Worker implements it.
type Redeliverer interface {
	Handle(ctx context.Context, msg queue.Message)
	Abandon(ctx context.Context, msg queue.Message, cause error)
}

// RedisReclaimer periodically claims poll jobs left pending by a worker that died
// between XREADGROUP and XACK.
type RedisReclaimer struct {
	client  *redis.Client
	cfg     RedisReclaimerConfig
	handler Redeliverer
	logger  *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewRedisReclaimer(client *redis.Client, cfg RedisReclaimerConfig, handler Redeliverer, logger *slog.Logger) *RedisReclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReclaimBatch
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		handler:   handler,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (r *RedisReclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "ingest.worker.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"streams", r.cfg.Streams,
		"group", r.cfg.Group)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.logger.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if _, err := r.ReclaimOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// ReclaimOnce claims and handles stale entries on every stream and returns how many it handled.
func (r *RedisReclaimer) ReclaimOnce(ctx context.Context) (int, error) {
	handled := 0
	for _, stream := range r.cfg.Streams {
		n, err := r.reclaimStream(ctx, stream)
		handled += n
		if err != nil {
			return handled, err
		}
	}
	return handled, nil
}

func (r *RedisReclaimer) reclaimStream(ctx context.Context, stream string) (int, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	r.logger.InfoContext(ctx, "found stale pending poll jobs", "count", len(pending), "stream", stream)

	handled := 0
	for _, p := range pending {
		ok, err := r.reclaimMessage(ctx, stream, p)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to reclaim poll job",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
			continue
		}
		if ok {
			handled++
		}
	}
	return handled, nil
}

func (r *RedisReclaimer) reclaimMessage(ctx context.Context, stream string, pending redis.XPendingExt) (bool, error) {
	msgID := pending.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: &msgID})

	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("xclaim: %w", err)
	}
	if len(messages) == 0 {
		r.logger.DebugContext(ctx, "poll job already reclaimed by another worker")
		return false, nil
	}

	raw := messages[0]
	msg, err := queue.ParseMessage(stream, raw)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to parse reclaimed poll job, acknowledging to prevent loop", "error", err)
		_ = r.client.XAck(ctx, stream, r.cfg.Group, raw.ID).Err()
		return false, nil
	}

	// RetryCount is the delivery count before our claim.
	if pending.RetryCount >= r.cfg.MaxDeliveries {
		r.logger.ErrorContext(ctx, "poll job keeps dying unsettled, failing it",
			"original_consumer", pending.Consumer,
			"deliveries", pending.RetryCount)
		r.handler.Abandon(ctx, msg, errs.Newf(errs.QueueExhaustion,
			"poll job %s was delivered %d times without being settled", msg.Job.ID, pending.RetryCount))
		return true, nil
	}

	r.logger.InfoContext(ctx, "reclaimed stale poll job",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"retry_count", pending.RetryCount)

	r.handler.Handle(ctx, msg)
	return true, nil
}
