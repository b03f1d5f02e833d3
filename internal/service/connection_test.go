package service_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/queue"
	"painchain.app/ingest/internal/service"
	"painchain.app/ingest/internal/store"
	"painchain.app/ingest/internal/store/storetest"
)

type stubConnector struct{ ok bool }

func (p stubConnector) TestConnection(context.Context) bool { return p.ok }
func (p stubConnector) Sync(context.Context, int64) connector.SyncResult {
	return connector.SyncResult{Success: true}
}

var _ = Describe("ConnectionService", func() {
	var (
		ctx      context.Context
		conns    *storetest.Connections
		events   *storetest.ChangeEvents
		tx       *memTx
		enqueuer *mockEnqueuer
		svc      service.ConnectionService
	)

	auditTitles := func() []string {
		var out []string
		for _, row := range events.Rows() {
			if row.EventType == model.EventTypeConnector {
				out = append(out, row.Title)
			}
		}
		return out
	}

	BeforeEach(func() {
		ctx = context.Background()
		events = storetest.NewChangeEvents()
		conns = storetest.NewConnections(
			model.Connection{ID: 100, Name: "audit", Provider: model.ProviderInternal, Enabled: true},
		)
		tx = &memTx{conns: conns, events: events}
		enqueuer = &mockEnqueuer{}

		engine := ingest.NewEngine(events, time.Second, nil)
		registry := connector.NewRegistry(map[model.Provider]connector.Factory{
			model.ProviderGitHub: func(c *model.Connection) (connector.Connector, error) {
				return stubConnector{ok: c.Settings().Token() == "good"}, nil
			},
			model.ProviderInternal: connector.NewInternalFactory(),
		})
		svc = service.NewConnectionService(conns, tx, registry, enqueuer, connector.NewAuditRecorder(conns, engine, nil), nil)
	})

	It("creates a connection and records it in the audit timeline", func() {
		conn, err := svc.Create(ctx, service.CreateConnectionParams{
			Name:     " acme ",
			Provider: model.ProviderGitHub,
			Config:   map[string]any{"token": "good"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(conn.ID).ToNot(BeZero())
		Expect(conn.Name).To(Equal("acme"))
		Expect(conn.Enabled).To(BeTrue())

		stored, err := svc.Get(ctx, conn.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Provider).To(Equal(model.ProviderGitHub))

		Expect(auditTitles()).To(ConsistOf(`[Connector] created github connection "acme"`))
		Expect(events.Rows()[0].ConnectionID).To(Equal(int64(100)))
	})

	DescribeTable("rejects invalid connections",
		func(params service.CreateConnectionParams) {
			_, err := svc.Create(ctx, params)
			Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())
			Expect(auditTitles()).To(BeEmpty())
		},
		Entry("blank name", service.CreateConnectionParams{Name: "  ", Provider: model.ProviderGitHub}),
		Entry("unknown provider", service.CreateConnectionParams{Name: "x", Provider: "bitbucket"}),
		Entry("provider without a connector", service.CreateConnectionParams{Name: "x", Provider: model.ProviderGitLab}),
	)

	It("updates inside a transaction and keeps unspecified fields", func() {
		conn, err := svc.Create(ctx, service.CreateConnectionParams{
			Name:     "acme",
			Provider: model.ProviderGitHub,
			Config:   map[string]any{"token": "good"},
		})
		Expect(err).ToNot(HaveOccurred())

		disabled := false
		updated, err := svc.Update(ctx, conn.ID, service.UpdateConnectionParams{Enabled: &disabled})
		Expect(err).ToNot(HaveOccurred())
		Expect(tx.calls).To(Equal(1))
		Expect(updated.Enabled).To(BeFalse())
		Expect(updated.Name).To(Equal("acme"))
		Expect(updated.Settings().Token()).To(Equal("good"))
		Expect(auditTitles()).To(ContainElement(`[Connector] updated github connection "acme"`))

		_, err = svc.Update(ctx, 999, service.UpdateConnectionParams{Enabled: &disabled})
		Expect(err).To(MatchError(service.ErrConnectionNotFound))
	})

	It("deletes a connection and records it", func() {
		conn, err := svc.Create(ctx, service.CreateConnectionParams{Name: "acme", Provider: model.ProviderGitHub})
		Expect(err).ToNot(HaveOccurred())

		Expect(svc.Delete(ctx, conn.ID)).To(Succeed())
		_, err = svc.Get(ctx, conn.ID)
		Expect(err).To(MatchError(service.ErrConnectionNotFound))
		Expect(auditTitles()).To(ContainElement(`[Connector] deleted github connection "acme"`))

		Expect(svc.Delete(ctx, conn.ID)).To(MatchError(service.ErrConnectionNotFound))
	})

	It("tests credentials through the connector", func() {
		good, err := svc.Create(ctx, service.CreateConnectionParams{Name: "a", Provider: model.ProviderGitHub, Config: map[string]any{"token": "good"}})
		Expect(err).ToNot(HaveOccurred())
		bad, err := svc.Create(ctx, service.CreateConnectionParams{Name: "b", Provider: model.ProviderGitHub, Config: map[string]any{"token": "bad"}})
		Expect(err).ToNot(HaveOccurred())

		Expect(svc.Test(ctx, good.ID)).To(BeTrue())
		Expect(svc.Test(ctx, bad.ID)).To(BeFalse())
	})

	It("enqueues a high priority sync", func() {
		conn, err := svc.Create(ctx, service.CreateConnectionParams{Name: "acme", Provider: model.ProviderGitHub})
		Expect(err).ToNot(HaveOccurred())

		job, err := svc.Sync(ctx, conn.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(job.ID).To(Equal("job-1"))
		Expect(enqueuer.jobs).To(HaveLen(1))
		Expect(enqueuer.jobs[0].ConnectionID).To(Equal(conn.ID))
		Expect(enqueuer.jobs[0].Priority).To(Equal(queue.PriorityHigh))
	})

	It("refuses to sync disabled connections and surfaces queue errors", func() {
		disabled := false
		off, err := svc.Create(ctx, service.CreateConnectionParams{Name: "off", Provider: model.ProviderGitHub, Enabled: &disabled})
		Expect(err).ToNot(HaveOccurred())
		_, err = svc.Sync(ctx, off.ID)
		Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())

		on, err := svc.Create(ctx, service.CreateConnectionParams{Name: "on", Provider: model.ProviderGitHub})
		Expect(err).ToNot(HaveOccurred())
		enqueuer.enqueueFn = func(context.Context, queue.PollJob) (queue.PollJob, error) {
			return queue.PollJob{}, errors.New("redis down")
		}
		_, err = svc.Sync(ctx, on.ID)
		Expect(err).To(MatchError(ContainSubstring("redis down")))
	})

	It("lists with filters", func() {
		_, err := svc.Create(ctx, service.CreateConnectionParams{Name: "acme", Provider: model.ProviderGitHub})
		Expect(err).ToNot(HaveOccurred())

		provider := model.ProviderGitHub
		list, err := svc.List(ctx, store.ConnectionFilter{Provider: &provider})
		Expect(err).ToNot(HaveOccurred())
		Expect(list).To(HaveLen(1))
	})
})
