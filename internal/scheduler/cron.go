package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron runs Scheduler.RunOnce on a robfig/cron schedule. Passes never overlap.
type Cron struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func NewCron(ctx context.Context, spec string, sched *Scheduler, logger *slog.Logger) (*Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(spec, func() {
		if _, err := sched.RunOnce(ctx, time.Now()); err != nil {
			logger.ErrorContext(ctx, "scheduler pass failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("parsing scheduler spec %q: %w", spec, err)
	}

	return &Cron{cron: c, logger: logger}, nil
}

func (c *Cron) Start() {
	c.logger.Info("scheduler started")
	c.cron.Start()
}

// Stop waits for a running pass to finish.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info("scheduler stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
