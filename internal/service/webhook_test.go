package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/ingest"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/normalizer"
	"painchain.app/ingest/internal/service"
	"painchain.app/ingest/internal/signature"
	"painchain.app/ingest/internal/store/storetest"
)

const pushPayload = `{
	"ref": "refs/heads/main",
	"repository": {"full_name": "acme/api"},
	"commits": [
		{"id": "aaa111", "message": "feat: first change", "timestamp": "2024-05-01T10:00:00Z", "author": {"name": "Dev"}},
		{"id": "bbb222", "message": "fix: second change", "timestamp": "2024-05-01T10:05:00Z", "author": {"name": "Dev"}}
	],
	"head_commit": {"id": "bbb222", "message": "fix: second change", "timestamp": "2024-05-01T10:05:00Z", "author": {"name": "Dev"}}
}`

func strPtr(s string) *string { return &s }

var _ = Describe("WebhookService", func() {
	var (
		ctx    context.Context
		conns  *storetest.Connections
		events *storetest.ChangeEvents
		svc    service.WebhookService
	)

	github := func(connID int64, body, sig, kind string) service.WebhookDelivery {
		return service.WebhookDelivery{
			Provider:     model.ProviderGitHub,
			ConnectionID: connID,
			Body:         []byte(body),
			Signature:    sig,
			EventHeader:  kind,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		events = storetest.NewChangeEvents()
		conns = storetest.NewConnections(
			model.Connection{ID: 1, Provider: model.ProviderGitHub, Enabled: true, WebhookSecret: strPtr("s3cret"),
				Config: map[string]any{"tags": "team-a"}},
			model.Connection{ID: 2, Provider: model.ProviderGitHub, Enabled: false, WebhookSecret: strPtr("s3cret")},
			model.Connection{ID: 3, Provider: model.ProviderGitHub, Enabled: true},
			model.Connection{ID: 4, Provider: model.ProviderGitLab, Enabled: true, WebhookSecret: strPtr("gl-token")},
		)
		svc = service.NewWebhookService(conns, normalizer.Default(), ingest.NewEngine(events, time.Second, nil), nil)
	})

	It("stores the latest commit of a signed push", func() {
		res, err := svc.Receive(ctx, github(1, pushPayload, signature.Sign("s3cret", []byte(pushPayload)), "push"))
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(service.WebhookStatusOK))
		Expect(res.EventID).ToNot(BeNil())
		Expect(res.Duplicate).To(BeFalse())

		rows := events.Rows()
		Expect(rows).To(HaveLen(1))
		Expect(*rows[0].ExternalID).To(Equal("github-commit-bbb222"))
		Expect(rows[0].Title).To(Equal("[Commit] fix: second change"))
		Expect(rows[0].Metadata).To(HaveKeyWithValue("tags", []string{"team-a"}))
		Expect(conns.LastWebhookTouches).To(Equal(1))
	})

	It("reports a redelivery as a duplicate of the first row", func() {
		d := github(1, pushPayload, signature.Sign("s3cret", []byte(pushPayload)), "push")
		first, err := svc.Receive(ctx, d)
		Expect(err).ToNot(HaveOccurred())
		second, err := svc.Receive(ctx, d)
		Expect(err).ToNot(HaveOccurred())

		Expect(second.Duplicate).To(BeTrue())
		Expect(*second.EventID).To(Equal(*first.EventID))
		Expect(events.Rows()).To(HaveLen(1))
	})

	It("writes nothing for a wrong signature", func() {
		_, err := svc.Receive(ctx, github(1, pushPayload, signature.Sign("other", []byte(pushPayload)), "push"))
		Expect(errs.Is(err, errs.AuthFailure)).To(BeTrue())
		Expect(events.Inserts).To(BeZero())
		Expect(conns.LastWebhookTouches).To(BeZero())
	})

	It("verifies the signature before honouring the disabled flag", func() {
		_, err := svc.Receive(ctx, github(2, pushPayload, "sha256=00", "push"))
		Expect(errs.Is(err, errs.AuthFailure)).To(BeTrue())

		res, err := svc.Receive(ctx, github(2, pushPayload, signature.Sign("s3cret", []byte(pushPayload)), "push"))
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(service.WebhookStatusIgnored))
		Expect(events.Inserts).To(BeZero())
	})

	It("checks existence, provider and secret in that order", func() {
		_, err := svc.Receive(ctx, github(99, pushPayload, "", "push"))
		Expect(err).To(MatchError(service.ErrConnectionNotFound))

		_, err = svc.Receive(ctx, github(4, pushPayload, "", "push"))
		Expect(err).To(MatchError(service.ErrProviderMismatch))

		_, err = svc.Receive(ctx, github(3, pushPayload, "", "push"))
		Expect(err).To(MatchError(service.ErrSecretNotConfigured))
		Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())
	})

	It("acknowledges unsupported events without storing them", func() {
		body := `{"zen":"Keep it logically awesome."}`
		res, err := svc.Receive(ctx, github(1, body, signature.Sign("s3cret", []byte(body)), "ping"))
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Status).To(Equal(service.WebhookStatusOK))
		Expect(res.Message).To(Equal("event type not supported"))
		Expect(res.EventID).To(BeNil())
		Expect(events.Inserts).To(BeZero())
	})

	It("records receipt of every authenticated delivery", func() {
		ping := `{"zen":"Keep it logically awesome."}`
		_, err := svc.Receive(ctx, github(1, ping, signature.Sign("s3cret", []byte(ping)), "ping"))
		Expect(err).ToNot(HaveOccurred())
		Expect(conns.LastWebhookTouches).To(Equal(1))

		malformed := `{"ref":`
		_, err = svc.Receive(ctx, github(1, malformed, signature.Sign("s3cret", []byte(malformed)), "push"))
		Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())
		Expect(conns.LastWebhookTouches).To(Equal(2))

		conn, err := conns.GetByID(ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(conn.LastWebhook).ToNot(BeNil())

		_, err = svc.Receive(ctx, github(1, ping, signature.Sign("other", []byte(ping)), "ping"))
		Expect(errs.Is(err, errs.AuthFailure)).To(BeTrue())
		Expect(conns.LastWebhookTouches).To(Equal(2))
	})

	It("rejects a signed but malformed payload", func() {
		body := `{"ref":`
		_, err := svc.Receive(ctx, github(1, body, signature.Sign("s3cret", []byte(body)), "push"))
		Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())
	})

	It("stamps payloads without a timestamp with the delivery time", func() {
		body := `{"ref":"v1.2.0","ref_type":"tag","repository":{"full_name":"acme/api"},"sender":{"login":"dev"}}`
		before := time.Now().UTC()
		_, err := svc.Receive(ctx, github(1, body, signature.Sign("s3cret", []byte(body)), "create"))
		Expect(err).ToNot(HaveOccurred())

		rows := events.Rows()
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Timestamp).To(BeTemporally(">=", before))
	})

	It("accepts a GitLab delivery with the shared token", func() {
		body := `{"ref":"refs/heads/main","checkout_sha":"c1","project":{"id":15,"path_with_namespace":"group/app"},
			"commits":[{"id":"c1","message":"x","timestamp":"2024-05-01T10:00:00Z","author":{"name":"Dev"}}]}`
		d := service.WebhookDelivery{
			Provider:     model.ProviderGitLab,
			ConnectionID: 4,
			Body:         []byte(body),
			Signature:    "gl-token",
			EventHeader:  "Push Hook",
		}
		res, err := svc.Receive(ctx, d)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.EventID).ToNot(BeNil())

		d.Signature = "wrong"
		_, err = svc.Receive(ctx, d)
		Expect(errs.Is(err, errs.AuthFailure)).To(BeTrue())
	})
})
