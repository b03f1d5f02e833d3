package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"painchain.app/ingest/common/id"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/common/otel"
	"painchain.app/ingest/core/config"
	"painchain.app/ingest/core/db"
	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/scheduler"
	"painchain.app/ingest/internal/store"
	"painchain.app/ingest/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "ingest worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer,
		"concurrency", cfg.Worker.Concurrency)

	// Use different node ID than server
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream_prefix", cfg.Queue.StreamPrefix)

	stores := store.NewStores(database.Conn())
	engine := ingest.NewEngine(stores.ChangeEvents(), cfg.Ingest.StoreTimeout, slog.Default())

	registry := connector.NewRegistry(connector.DefaultFactories(connector.Deps{
		Engine:  engine,
		Events:  stores.ChangeEvents(),
		Clients: connector.NewClientFactory(cfg.Connector),
		Logger:  slog.Default(),
	}))

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Prefix:           cfg.Queue.StreamPrefix,
		Group:            cfg.Queue.Group,
		Consumer:         cfg.Queue.Consumer,
		BatchSize:        1, // one connection sync per read
		Block:            5 * time.Second,
		BackoffBase:      cfg.Queue.BackoffBase,
		BackoffMax:       cfg.Queue.BackoffMax,
		CompletedHistory: cfg.Queue.CompletedHistory,
		FailedHistory:    cfg.Queue.FailedHistory,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	processor := worker.NewPollProcessor(stores.Connections(), registry, queue.NewLocker(redisClient), worker.ProcessorConfig{
		JobTimeout:        cfg.Worker.JobTimeout,
		LockTTL:           cfg.Worker.LockTTL,
		LockRenewInterval: cfg.Worker.LockRenewInterval,
	}, slog.Default())

	w := worker.New(consumer, processor, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, slog.Default())

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Streams:       []string{consumer.Streams().High(), consumer.Streams().Normal()},
		Group:         consumer.Group(),
		Consumer:      cfg.Queue.Consumer + "-reclaimer",
		MinIdle:       cfg.Worker.ReclaimMinIdle,
		Interval:      cfg.Worker.ReclaimInterval,
		BatchSize:     10,
		MaxDeliveries: int64(cfg.Worker.MaxAttempts),
	}, w, slog.Default())

	pump := worker.NewRetryPump(consumer, time.Second, slog.Default())

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var cronJob *scheduler.Cron
	if cfg.Scheduler.Enabled {
		producer := queue.NewRedisProducer(redisClient, cfg.Queue.StreamPrefix, slog.Default())
		sched := scheduler.New(stores.Connections(), producer, slog.Default())
		cronJob, err = scheduler.NewCron(runCtx, cfg.Scheduler.Spec, sched, slog.Default())
		if err != nil {
			slog.ErrorContext(ctx, "failed to create scheduler", "error", err)
			os.Exit(1)
		}
		cronJob.Start()
	} else {
		slog.InfoContext(ctx, "scheduler disabled, only running poll jobs")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.ErrorContext(ctx, "worker stopped with error", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		reclaimer.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		pump.Run(runCtx)
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop scheduling first so no new jobs land while draining.
	if cronJob != nil {
		cronJob.Stop()
	}
	stopRun()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case <-done:
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}
