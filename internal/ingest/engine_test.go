package ingest_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/store/storetest"
)

func keyed(externalID string) model.NormalizedEvent {
	return model.NormalizedEvent{
		ConnectionID: 7,
		ExternalID:   &externalID,
		Source:       "github",
		EventType:    model.EventTypeCommit,
		Title:        "[Commit] fix",
		Timestamp:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		events *storetest.ChangeEvents
		engine ingest.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		events = storetest.NewChangeEvents()
		engine = ingest.NewEngine(events, time.Second, nil)
	})

	It("stores a new event", func() {
		res, err := engine.Ingest(ctx, keyed("github-commit-abc"))
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Duplicate).To(BeFalse())
		Expect(res.Event.ID).ToNot(BeZero())
		Expect(res.Event.Metadata).ToNot(BeNil())
		Expect(events.Rows()).To(HaveLen(1))
	})

	It("returns the stored row for a repeated external ID", func() {
		first, err := engine.Ingest(ctx, keyed("github-commit-abc"))
		Expect(err).ToNot(HaveOccurred())

		again := keyed("github-commit-abc")
		again.Title = "[Commit] changed title"
		second, err := engine.Ingest(ctx, again)
		Expect(err).ToNot(HaveOccurred())

		Expect(second.Duplicate).To(BeTrue())
		Expect(second.Event.ID).To(Equal(first.Event.ID))
		Expect(second.Event.Title).To(Equal("[Commit] fix"))
		Expect(events.Rows()).To(HaveLen(1))
	})

	It("keys deduplication per connection", func() {
		_, err := engine.Ingest(ctx, keyed("github-commit-abc"))
		Expect(err).ToNot(HaveOccurred())

		other := keyed("github-commit-abc")
		other.ConnectionID = 8
		res, err := engine.Ingest(ctx, other)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Duplicate).To(BeFalse())
		Expect(events.Rows()).To(HaveLen(2))
	})

	It("always inserts events without an external ID", func() {
		ev := keyed("")
		ev.ExternalID = nil
		for i := 0; i < 3; i++ {
			res, err := engine.Ingest(ctx, ev)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Duplicate).To(BeFalse())
		}
		Expect(events.Rows()).To(HaveLen(3))
	})

	It("stores exactly one row under concurrent delivery", func() {
		const writers = 20
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			created    int
			ids        = map[int64]bool{}
			firstError error
		)
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				res, err := engine.Ingest(ctx, keyed("gitlab-pipeline-9"))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					firstError = err
					return
				}
				if !res.Duplicate {
					created++
				}
				ids[res.Event.ID] = true
			}()
		}
		wg.Wait()

		Expect(firstError).ToNot(HaveOccurred())
		Expect(created).To(Equal(1))
		Expect(ids).To(HaveLen(1))
		Expect(events.Rows()).To(HaveLen(1))
	})

	DescribeTable("rejects incomplete events without writing",
		func(mutate func(*model.NormalizedEvent)) {
			ev := keyed("github-commit-abc")
			mutate(&ev)

			_, err := engine.Ingest(ctx, ev)
			Expect(err).To(HaveOccurred())
			Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())
			Expect(events.Inserts).To(BeZero())
		},
		Entry("no connection", func(e *model.NormalizedEvent) { e.ConnectionID = 0 }),
		Entry("no source", func(e *model.NormalizedEvent) { e.Source = "" }),
		Entry("no event type", func(e *model.NormalizedEvent) { e.EventType = "" }),
		Entry("no title", func(e *model.NormalizedEvent) { e.Title = "" }),
		Entry("no timestamp", func(e *model.NormalizedEvent) { e.Timestamp = time.Time{} }),
		Entry("empty external id", func(e *model.NormalizedEvent) { empty := ""; e.ExternalID = &empty }),
	)

	It("wraps other storage errors", func() {
		events.InsertErr = errors.New("connection reset")
		_, err := engine.Ingest(ctx, keyed("github-commit-abc"))
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
		Expect(errs.Is(err, errs.DuplicateRace)).To(BeFalse())
	})
})
