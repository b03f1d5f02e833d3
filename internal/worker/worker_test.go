package worker_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/store/storetest"
	"painchain.app/ingest/internal/worker"
)

type stubConnector struct {
	calls *atomic.Int32
	sync  func(ctx context.Context) connector.SyncResult
}

func (s stubConnector) TestConnection(context.Context) bool { return true }

func (s stubConnector) Sync(ctx context.Context, _ int64) connector.SyncResult {
	s.calls.Add(1)
	return s.sync(ctx)
}

var _ = Describe("Worker", func() {
	var (
		ctx         context.Context
		mr          *miniredis.Miniredis
		client      *redis.Client
		producer    queue.Producer
		consumer    *queue.RedisConsumer
		locker      *queue.Locker
		connections *storetest.Connections
		calls       *atomic.Int32
		syncFn      func(ctx context.Context) connector.SyncResult
		registry    *connector.Registry
		w           *worker.Worker
	)

	deliver := func(job queue.PollJob) queue.Message {
		_, err := producer.Enqueue(ctx, job)
		Expect(err).ToNot(HaveOccurred())
		msgs, err := consumer.Read(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		return msgs[0]
	}

	streamEntries := func(stream string) []redis.XMessage {
		entries, err := client.XRange(ctx, stream, "-", "+").Result()
		Expect(err).ToNot(HaveOccurred())
		return entries
	}

	retryCount := func() int64 {
		n, err := client.ZCard(ctx, "poll_jobs:retry").Result()
		Expect(err).ToNot(HaveOccurred())
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)

		var err error
		consumer, err = queue.NewRedisConsumer(client, queue.ConsumerConfig{
			Prefix:    "poll_jobs",
			Group:     "poll_workers",
			Consumer:  "w1",
			BatchSize: 1,
			Block:     10 * time.Millisecond,
		})
		Expect(err).ToNot(HaveOccurred())
		producer = queue.NewRedisProducer(client, "poll_jobs", nil)
		locker = queue.NewLocker(client)

		connections = storetest.NewConnections(
			model.Connection{ID: 1, Provider: model.ProviderGitHub, Enabled: true},
			model.Connection{ID: 2, Provider: model.ProviderGitHub, Enabled: false},
			model.Connection{ID: 3, Provider: model.ProviderInternal, Enabled: true},
		)

		calls = &atomic.Int32{}
		syncFn = func(context.Context) connector.SyncResult {
			return connector.SyncResult{Success: true, EventsStored: 3}
		}
		registry = connector.NewRegistry(map[model.Provider]connector.Factory{
			model.ProviderGitHub: func(*model.Connection) (connector.Connector, error) {
				return stubConnector{calls: calls, sync: func(ctx context.Context) connector.SyncResult { return syncFn(ctx) }}, nil
			},
		})

		processor := worker.NewPollProcessor(connections, registry, locker, worker.ProcessorConfig{
			JobTimeout: time.Second,
			LockTTL:    time.Minute,
		}, nil)
		w = worker.New(consumer, processor, worker.Config{Concurrency: 2, MaxAttempts: 3}, nil)
	})

	It("syncs the connection and records completion", func() {
		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 1}))

		Expect(calls.Load()).To(Equal(int32(1)))
		Expect(connections.LastSyncTouches).To(Equal(1))

		done := streamEntries("poll_jobs:completed")
		Expect(done).To(HaveLen(1))
		Expect(done[0].Values).To(HaveKeyWithValue("events_stored", "3"))
		Expect(done[0].Values).To(HaveKeyWithValue("success", "1"))
		Expect(mr.Exists(queue.LockKey(1))).To(BeFalse())
	})

	It("skips disabled and deleted connections without touching them", func() {
		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 2}))
		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 99}))

		Expect(calls.Load()).To(BeZero())
		Expect(connections.LastSyncTouches).To(BeZero())

		done := streamEntries("poll_jobs:completed")
		Expect(done).To(HaveLen(2))
		Expect(done[0].Values).To(HaveKeyWithValue("skipped", worker.SkipDisabled))
		Expect(done[1].Values).To(HaveKeyWithValue("skipped", worker.SkipMissing))
	})

	It("skips a connection another worker is polling", func() {
		held, ok, err := locker.Acquire(ctx, queue.LockKey(1), time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())

		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 1}))

		Expect(calls.Load()).To(BeZero())
		Expect(streamEntries("poll_jobs:completed")[0].Values).To(HaveKeyWithValue("skipped", worker.SkipLocked))

		released, err := held.Release(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(released).To(BeTrue())
	})

	It("keeps the lock of a sync that outlives the lock ttl", func() {
		started := make(chan struct{})
		finish := make(chan struct{})
		syncFn = func(context.Context) connector.SyncResult {
			if calls.Load() == 1 {
				close(started)
			}
			<-finish
			return connector.SyncResult{Success: true}
		}
		processor := worker.NewPollProcessor(connections, registry, locker, worker.ProcessorConfig{
			JobTimeout:        time.Hour,
			LockTTL:           time.Minute,
			LockRenewInterval: 10 * time.Millisecond,
		}, nil)

		first := make(chan worker.Outcome, 1)
		go func() {
			defer GinkgoRecover()
			outcome, err := processor.Process(ctx, queue.PollJob{ConnectionID: 1})
			Expect(err).ToNot(HaveOccurred())
			first <- outcome
		}()
		Eventually(started).Should(BeClosed())

		mr.FastForward(50 * time.Second)
		Eventually(func() time.Duration { return mr.TTL(queue.LockKey(1)) }).Should(BeNumerically(">", 55*time.Second))
		mr.FastForward(50 * time.Second)
		Expect(mr.Exists(queue.LockKey(1))).To(BeTrue())

		second, err := processor.Process(ctx, queue.PollJob{ConnectionID: 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(second.Skipped).To(Equal(worker.SkipLocked))

		close(finish)
		var outcome worker.Outcome
		Eventually(first).Should(Receive(&outcome))
		Expect(outcome.Result.Success).To(BeTrue())
		Expect(calls.Load()).To(Equal(int32(1)))
		Expect(mr.Exists(queue.LockKey(1))).To(BeFalse())
	})

	It("retries an unsuccessful sync and fails it after the last attempt", func() {
		syncFn = func(context.Context) connector.SyncResult {
			return connector.SyncResult{Success: false, Error: "bad credentials"}
		}

		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 1, Attempt: 1}))
		Expect(retryCount()).To(Equal(int64(1)))
		Expect(streamEntries("poll_jobs:failed")).To(BeEmpty())
		Expect(connections.LastSyncTouches).To(Equal(1))

		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 1, Attempt: 3}))
		Expect(retryCount()).To(Equal(int64(1)))
		failed := streamEntries("poll_jobs:failed")
		Expect(failed).To(HaveLen(1))
		Expect(failed[0].Values["error"]).To(ContainSubstring("bad credentials"))
		Expect(connections.LastSyncTouches).To(Equal(2))
	})

	It("fails a job whose connector cannot be built without retrying", func() {
		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 3}))

		Expect(retryCount()).To(BeZero())
		Expect(streamEntries("poll_jobs:failed")).To(HaveLen(1))
		Expect(mr.Exists(queue.LockKey(3))).To(BeFalse())
	})

	It("recovers a panicking connector and still releases the lock", func() {
		syncFn = func(context.Context) connector.SyncResult { panic("boom") }

		Expect(func() { w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 1})) }).ToNot(Panic())

		Expect(retryCount()).To(Equal(int64(1)))
		Expect(connections.LastSyncTouches).To(Equal(1))
		Expect(mr.Exists(queue.LockKey(1))).To(BeFalse())
	})

	It("bounds a sync by the job timeout", func() {
		syncFn = func(ctx context.Context) connector.SyncResult {
			<-ctx.Done()
			return connector.SyncResult{Success: false, Error: ctx.Err().Error()}
		}

		start := time.Now()
		w.Handle(ctx, deliver(queue.PollJob{ConnectionID: 1}))
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		Expect(retryCount()).To(Equal(int64(1)))
	})

	It("drains the queue from its loops until stopped", func() {
		for i := 0; i < 3; i++ {
			_, err := producer.Enqueue(ctx, queue.PollJob{ConnectionID: 1})
			Expect(err).ToNot(HaveOccurred())
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = w.Run(runCtx) }()

		Eventually(func() int { return len(streamEntries("poll_jobs:completed")) }).
			WithTimeout(5 * time.Second).Should(Equal(3))
		w.Stop()
	})

	It("redelivers jobs abandoned by a dead consumer", func() {
		_, err := producer.Enqueue(ctx, queue.PollJob{ConnectionID: 1})
		Expect(err).ToNot(HaveOccurred())
		_, err = consumer.Read(ctx)
		Expect(err).ToNot(HaveOccurred())

		reclaimer := worker.NewRedisReclaimer(client, worker.RedisReclaimerConfig{
			Streams:  []string{consumer.Streams().High(), consumer.Streams().Normal()},
			Group:    consumer.Group(),
			Consumer: "w2",
		}, w, nil)

		handled, err := reclaimer.ReclaimOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(1))
		Expect(calls.Load()).To(Equal(int32(1)))
		Expect(streamEntries("poll_jobs:completed")).To(HaveLen(1))

		pending, err := client.XPending(ctx, "poll_jobs:normal", "poll_workers").Result()
		Expect(err).ToNot(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})

	It("fails a redelivered job that keeps dying instead of running it again", func() {
		job, err := producer.Enqueue(ctx, queue.PollJob{ConnectionID: 1})
		Expect(err).ToNot(HaveOccurred())
		msgs, err := consumer.Read(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(msgs).To(HaveLen(1))

		// A second consumer claimed it and died too.
		_, err = client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   "poll_jobs:normal",
			Group:    "poll_workers",
			Consumer: "w3",
			Messages: []string{msgs[0].ID},
		}).Result()
		Expect(err).ToNot(HaveOccurred())

		reclaimer := worker.NewRedisReclaimer(client, worker.RedisReclaimerConfig{
			Streams:       []string{consumer.Streams().Normal()},
			Group:         consumer.Group(),
			Consumer:      "w2",
			MaxDeliveries: 2,
		}, w, nil)

		handled, err := reclaimer.ReclaimOnce(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(handled).To(Equal(1))
		Expect(calls.Load()).To(BeZero())

		failed := streamEntries("poll_jobs:failed")
		Expect(failed).To(HaveLen(1))
		Expect(failed[0].Values).To(HaveKeyWithValue("job_id", job.ID))
		Expect(failed[0].Values["error"]).To(ContainSubstring("delivered 2 times"))

		pending, err := client.XPending(ctx, "poll_jobs:normal", "poll_workers").Result()
		Expect(err).ToNot(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})
})

var _ = Describe("RetryPump", func() {
	It("promotes due retries on every tick", func() {
		promoter := &countingPromoter{}
		pump := worker.NewRetryPump(promoter, 10*time.Millisecond, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			pump.Run(ctx)
			close(done)
		}()

		Eventually(promoter.calls.Load).Should(BeNumerically(">=", 2))
		cancel()
		Eventually(done).Should(BeClosed())
	})
})

type countingPromoter struct {
	calls atomic.Int32
}

func (p *countingPromoter) PromoteDue(context.Context, time.Time) (int, error) {
	p.calls.Add(1)
	return 0, nil
}
