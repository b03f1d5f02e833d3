package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/scheduler"
	"painchain.app/ingest/internal/store/storetest"
)

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.PollJob
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job queue.PollJob) (queue.PollJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return queue.PollJob{}, r.err
	}
	r.jobs = append(r.jobs, job)
	return job, nil
}

func (r *recordingEnqueuer) connectionIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, j := range r.jobs {
		out = append(out, j.ConnectionID)
	}
	return out
}

func ago(now time.Time, d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

var _ = Describe("IsDue", func() {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	DescribeTable("compares elapsed time with the poll interval",
		func(conn model.Connection, due bool) {
			Expect(scheduler.IsDue(conn, now)).To(Equal(due))
		},
		Entry("never synced", model.Connection{}, true),
		Entry("default interval elapsed", model.Connection{LastSync: ago(now, 301*time.Second)}, true),
		Entry("exactly on the interval", model.Connection{LastSync: ago(now, 300*time.Second)}, true),
		Entry("synced recently", model.Connection{LastSync: ago(now, 100*time.Second)}, false),
		Entry("custom interval not elapsed",
			model.Connection{LastSync: ago(now, 301*time.Second), Config: map[string]any{"pollInterval": 600}}, false),
		Entry("custom interval elapsed",
			model.Connection{LastSync: ago(now, 61*time.Second), Config: map[string]any{"pollInterval": "60"}}, true),
	)
})

var _ = Describe("Scheduler", func() {
	var (
		ctx      context.Context
		now      time.Time
		enqueuer *recordingEnqueuer
		conns    *storetest.Connections
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		enqueuer = &recordingEnqueuer{}
		conns = storetest.NewConnections(
			model.Connection{ID: 1, Provider: model.ProviderGitHub, Enabled: true},
			model.Connection{ID: 2, Provider: model.ProviderGitLab, Enabled: true, LastSync: ago(now, 100*time.Second)},
			model.Connection{ID: 3, Provider: model.ProviderGitLab, Enabled: true, LastSync: ago(now, 301*time.Second)},
			model.Connection{ID: 4, Provider: model.ProviderGitHub, Enabled: false},
			model.Connection{ID: 5, Provider: model.ProviderInternal, Enabled: true},
		)
	})

	It("enqueues due enabled connections only", func() {
		n, err := scheduler.New(conns, enqueuer, nil).RunOnce(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(enqueuer.connectionIDs()).To(Equal([]int64{1, 3}))
		for _, job := range enqueuer.jobs {
			Expect(job.Priority).To(Equal(queue.PriorityNormal))
		}
	})

	It("keeps going when enqueueing fails", func() {
		enqueuer.err = errors.New("redis down")
		n, err := scheduler.New(conns, enqueuer, nil).RunOnce(ctx, now)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("rejects an invalid cron spec", func() {
		_, err := scheduler.NewCron(ctx, "every now and then", scheduler.New(conns, enqueuer, nil), nil)
		Expect(err).To(HaveOccurred())
	})

	It("runs passes on the cron schedule", func() {
		c, err := scheduler.NewCron(ctx, "@every 1s", scheduler.New(conns, enqueuer, nil), nil)
		Expect(err).ToNot(HaveOccurred())
		c.Start()
		defer c.Stop()

		Eventually(enqueuer.connectionIDs).WithTimeout(3 * time.Second).ShouldNot(BeEmpty())
	})
})
