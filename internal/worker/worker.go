package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/metrics"
	"painchain.app/ingest/internal/queue"
)

const (
	defaultConcurrency = 8
	defaultMaxAttempts = 3
	readErrorBackoff   = time.Second
)

type Config struct {
	Concurrency int
	MaxAttempts int
}

// Worker runs Concurrency read-process loops against one consumer.
type Worker struct {
	consumer  Consumer
	processor JobProcessor
	cfg       Config
	logger    *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

func New(consumer Consumer, processor JobProcessor, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer:  consumer,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called, and every loop has returned.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "ingest.worker"})
	w.logger.InfoContext(ctx, "worker started", "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.logger.InfoContext(ctx, "worker stopped")
	return ctx.Err()
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.stoppedCh
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		messages, err := w.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.ErrorContext(ctx, "reading poll jobs failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		for _, msg := range messages {
			w.Handle(ctx, msg)
		}
	}
}

// Handle processes msg and settles it on the queue: complete, retry or fail.
// Exported so the reclaimer can reuse it.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	job := msg.Job
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:        &job.ID,
		MessageID:    &msg.ID,
		ConnectionID: &job.ConnectionID,
	})

	sc := logger.StartSpanFromTraceID(ctx, job.TraceID, "worker.poll_job")
	defer sc.End()
	ctx = sc.Context()

	w.logger.InfoContext(ctx, "processing poll job", "attempt", job.Attempt, "priority", job.Priority)

	outcome, err := w.processSafe(ctx, job)
	if err != nil {
		sc.RecordError(err)
		w.settleFailure(ctx, msg, err)
		return
	}

	result := "success"
	if outcome.Skipped != "" {
		result = "skipped"
	}
	metrics.PollJobs.WithLabelValues(result).Inc()

	if err := w.consumer.Complete(ctx, msg, outcome.values()); err != nil {
		// Left pending; the reclaimer will redeliver it.
		w.logger.WarnContext(ctx, "failed to complete poll job", "error", err)
	}
}

// Abandon fails msg without running it. The reclaimer uses it for jobs whose
// deliveries keep dying before they are settled.
func (w *Worker) Abandon(ctx context.Context, msg queue.Message, cause error) {
	job := msg.Job
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:        &job.ID,
		MessageID:    &msg.ID,
		ConnectionID: &job.ConnectionID,
	})

	cause = errs.Mark(cause, errs.QueueExhaustion)
	w.logger.ErrorContext(ctx, "poll job abandoned", "error", cause, "attempt", job.Attempt)
	metrics.PollJobs.WithLabelValues("failed").Inc()
	if err := w.consumer.Fail(ctx, msg, cause); err != nil {
		w.logger.ErrorContext(ctx, "failed to record abandoned poll job", "error", err)
	}
}

func (w *Worker) processSafe(ctx context.Context, job queue.PollJob) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "panic recovered in poll job",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.processor.Process(ctx, job)
}

func (w *Worker) settleFailure(ctx context.Context, msg queue.Message, err error) {
	attempt := msg.Job.Attempt
	permanent := errs.Is(err, errs.ValidationFailure)

	if permanent || attempt >= w.cfg.MaxAttempts {
		if !permanent {
			err = errs.Mark(err, errs.QueueExhaustion)
		}
		w.logger.ErrorContext(ctx, "poll job failed",
			"error", err,
			"error_class", errs.Class(err),
			"attempts", attempt)
		metrics.PollJobs.WithLabelValues("failed").Inc()
		if failErr := w.consumer.Fail(ctx, msg, err); failErr != nil {
			w.logger.ErrorContext(ctx, "failed to record failed poll job", "error", failErr)
		}
		return
	}

	w.logger.WarnContext(ctx, "poll job failed, retrying",
		"error", err,
		"error_class", errs.Class(err),
		"attempt", attempt)
	metrics.PollJobs.WithLabelValues("retried").Inc()
	if _, retryErr := w.consumer.Retry(ctx, msg, err); retryErr != nil {
		w.logger.ErrorContext(ctx, "failed to schedule poll job retry", "error", retryErr)
	}
}
