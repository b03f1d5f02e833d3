package worker

import (
	"context"
	"log/slog"
	"time"

	"painchain.app/ingest/common/logger"
)

type RetryPromoter interface {
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// RetryPump moves due retries back onto their streams every Interval.
type RetryPump struct {
	promoter RetryPromoter
	interval time.Duration
	logger   *slog.Logger
}

func NewRetryPump(promoter RetryPromoter, interval time.Duration, logger *slog.Logger) *RetryPump {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPump{promoter: promoter, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (p *RetryPump) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "ingest.worker.retry_pump"})

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.promoter.PromoteDue(ctx, now)
			if err != nil {
				p.logger.ErrorContext(ctx, "promoting due retries failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.DebugContext(ctx, "promoted due retries", "count", n)
			}
		}
	}
}
