package normalizer_test

import (
	"time"

	"github.com/google/go-github/v66/github"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/normalizer"
)

const pushTwoCommits = `{
  "ref": "refs/heads/main",
  "after": "bbb222",
  "repository": {"full_name": "acme/api", "html_url": "https://github.com/acme/api"},
  "sender": {"login": "octocat"},
  "commits": [
    {"id": "aaa111", "message": "first change", "timestamp": "2024-05-01T10:00:00Z", "url": "https://github.com/acme/api/commit/aaa111", "author": {"name": "Octo Cat", "username": "octocat"}},
    {"id": "bbb222", "message": "fix: second change\n\nlonger body", "timestamp": "2024-05-01T10:05:00Z", "url": "https://github.com/acme/api/commit/bbb222", "author": {"name": "Octo Cat", "username": "octocat"}}
  ],
  "head_commit": {"id": "bbb222", "message": "fix: second change\n\nlonger body", "timestamp": "2024-05-01T10:05:00Z", "url": "https://github.com/acme/api/commit/bbb222", "author": {"name": "Octo Cat", "username": "octocat"}}
}`

var _ = Describe("GitHub", func() {
	var n normalizer.GitHub

	Describe("Kind", func() {
		It("maps known headers", func() {
			Expect(n.Kind("push")).To(Equal(normalizer.KindPush))
			Expect(n.Kind("deployment_status")).To(Equal(normalizer.KindDeployment))
			Expect(n.Kind("workflow_run")).To(Equal(normalizer.KindWorkflowRun))
		})

		It("falls back to unsupported", func() {
			Expect(n.Kind("issues")).To(Equal(normalizer.KindUnsupported))
			Expect(n.Kind("")).To(Equal(normalizer.KindUnsupported))
		})
	})

	Describe("push", func() {
		It("builds one commit event for the head commit", func() {
			ev, err := n.Transform(normalizer.KindPush, []byte(pushTwoCommits), 42)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).ToNot(BeNil())

			Expect(ev.ConnectionID).To(Equal(int64(42)))
			Expect(*ev.ExternalID).To(Equal("github-commit-bbb222"))
			Expect(ev.EventType).To(Equal(model.EventTypeCommit))
			Expect(ev.Source).To(Equal("github"))
			Expect(ev.Title).To(Equal("[Commit] fix: second change"))
			Expect(ev.Timestamp).To(BeTemporally("==", time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)))
			Expect(ev.Metadata).To(HaveKeyWithValue("branch", "main"))
			Expect(ev.Metadata).To(HaveKeyWithValue("repository", "acme/api"))
			Expect(ev.EventMetadata).To(HaveKeyWithValue("commitCount", 2))
			Expect(ev.EventMetadata["commits"]).To(HaveLen(2))
		})

		It("uses the last commit when head_commit is absent", func() {
			raw := `{"ref":"refs/heads/dev","repository":{"full_name":"acme/api"},
				"commits":[{"id":"c1","message":"one"},{"id":"c2","message":"two"}]}`
			ev, err := n.Transform(normalizer.KindPush, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.ExternalID).To(Equal("github-commit-c2"))
			Expect(ev.Title).To(Equal("[Commit] two"))
		})

		It("skips a push without commits", func() {
			raw := `{"ref":"refs/heads/main","repository":{"full_name":"acme/api"},"commits":[]}`
			ev, err := n.Transform(normalizer.KindPush, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		})

		It("skips a deleted ref", func() {
			raw := `{"ref":"refs/heads/old","deleted":true,"repository":{"full_name":"acme/api"},"commits":[{"id":"x"}]}`
			ev, err := n.Transform(normalizer.KindPush, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		})

		It("turns a tag ref into a tag event", func() {
			raw := `{"ref":"refs/tags/v1.2.0","after":"abc","repository":{"full_name":"acme/api","html_url":"https://github.com/acme/api"},"commits":[]}`
			ev, err := n.Transform(normalizer.KindPush, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev.EventType).To(Equal(model.EventTypeTag))
			Expect(*ev.ExternalID).To(Equal("github-tag-acme/api-v1.2.0"))
			Expect(ev.Title).To(Equal("[Tag v1.2.0] acme/api"))
		})

		It("rejects malformed JSON as a validation failure", func() {
			_, err := n.Transform(normalizer.KindPush, []byte(`{"ref":`), 1)
			Expect(err).To(HaveOccurred())
			Expect(errs.Is(err, errs.ValidationFailure)).To(BeTrue())
		})
	})

	Describe("create", func() {
		It("records tag creation with the same key as a tag push", func() {
			raw := `{"ref":"v1.2.0","ref_type":"tag","repository":{"full_name":"acme/api"}}`
			ev, err := n.Transform(normalizer.KindCreate, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.ExternalID).To(Equal("github-tag-acme/api-v1.2.0"))
			Expect(ev.Timestamp.IsZero()).To(BeTrue())
		})

		It("skips branch creation", func() {
			raw := `{"ref":"feature","ref_type":"branch","repository":{"full_name":"acme/api"}}`
			ev, err := n.Transform(normalizer.KindCreate, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		})
	})

	Describe("pull_request", func() {
		It("maps a merged PR and prefers merged_at", func() {
			raw := `{"action":"closed","number":7,"repository":{"full_name":"acme/api"},
				"pull_request":{"number":7,"title":"Add cache","state":"closed","merged":true,
				"created_at":"2024-05-01T09:00:00Z","merged_at":"2024-05-02T09:00:00Z",
				"user":{"login":"dev"},"head":{"ref":"feat"},"base":{"ref":"main"},
				"html_url":"https://github.com/acme/api/pull/7","changed_files":3,"additions":10,"deletions":2}}`
			ev, err := n.Transform(normalizer.KindPullRequest, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.ExternalID).To(Equal("github-pr-acme/api-7"))
			Expect(ev.Title).To(Equal("[PR #7] Add cache"))
			Expect(*ev.Status).To(Equal(model.StatusMerged))
			Expect(ev.Timestamp).To(BeTemporally("==", time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)))
			Expect(ev.Metadata).To(HaveKeyWithValue("filesChanged", 3))
			Expect(ev.Metadata).To(HaveKeyWithValue("targetBranch", "main"))
			Expect(ev.EventMetadata).To(HaveKeyWithValue("action", "closed"))
		})

		It("maps an open draft", func() {
			raw := `{"action":"opened","repository":{"full_name":"acme/api"},
				"pull_request":{"number":8,"title":"WIP","state":"open","draft":true,"created_at":"2024-05-01T09:00:00Z"}}`
			ev, err := n.Transform(normalizer.KindPullRequest, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.Status).To(Equal(model.StatusDraft))
		})
	})

	Describe("release", func() {
		It("records published releases", func() {
			raw := `{"action":"published","repository":{"full_name":"acme/api"},
				"release":{"id":991,"tag_name":"v2.0.0","name":"Two","published_at":"2024-06-01T00:00:00Z"}}`
			ev, err := n.Transform(normalizer.KindRelease, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.ExternalID).To(Equal("github-release-991"))
			Expect(ev.Title).To(Equal("[Release v2.0.0] Two"))
		})

		It("skips edits", func() {
			raw := `{"action":"edited","repository":{"full_name":"acme/api"},"release":{"id":991,"tag_name":"v2.0.0"}}`
			ev, err := n.Transform(normalizer.KindRelease, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		})
	})

	Describe("workflow_run", func() {
		It("records completed runs with the mapped conclusion", func() {
			raw := `{"action":"completed","repository":{"full_name":"acme/api"},
				"workflow_run":{"id":555,"run_number":12,"name":"CI","head_branch":"main","status":"completed",
				"conclusion":"timed_out","run_started_at":"2024-05-01T10:00:00Z","updated_at":"2024-05-01T10:03:00Z"}}`
			ev, err := n.Transform(normalizer.KindWorkflowRun, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.ExternalID).To(Equal("github-workflow-555"))
			Expect(ev.Title).To(Equal("[Workflow #12] CI: Failed"))
			Expect(ev.EventMetadata).To(HaveKeyWithValue("durationSeconds", int64(180)))
		})

		It("skips runs still in progress", func() {
			raw := `{"action":"requested","repository":{"full_name":"acme/api"},"workflow_run":{"id":556,"status":"queued"}}`
			ev, err := n.Transform(normalizer.KindWorkflowRun, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		})
	})

	Describe("deployment_status", func() {
		It("keys on the deployment, not the status", func() {
			raw := `{"repository":{"full_name":"acme/api"},
				"deployment":{"id":77,"environment":"production","ref":"main","sha":"abc"},
				"deployment_status":{"id":9001,"state":"success","updated_at":"2024-05-01T12:00:00Z"}}`
			ev, err := n.Transform(normalizer.KindDeployment, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(*ev.ExternalID).To(Equal("github-deployment-77"))
			Expect(ev.Title).To(Equal("[Deploy production] Success"))
		})

		It("skips non-terminal states", func() {
			raw := `{"repository":{"full_name":"acme/api"},
				"deployment":{"id":77,"environment":"production"},"deployment_status":{"state":"in_progress"}}`
			ev, err := n.Transform(normalizer.KindDeployment, []byte(raw), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		})
	})

	It("skips ping and unsupported kinds", func() {
		for _, kind := range []normalizer.EventKind{normalizer.KindPing, normalizer.KindUnsupported, normalizer.KindPipeline} {
			ev, err := n.Transform(kind, []byte(`{}`), 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(ev).To(BeNil())
		}
	})

	Describe("convergence with polling", func() {
		It("gives a polled commit the same external ID as the pushed one", func() {
			pushed, err := n.Transform(normalizer.KindPush, []byte(pushTwoCommits), 42)
			Expect(err).ToNot(HaveOccurred())

			polled := normalizer.CommitEvent(42, normalizer.GitHubCommitFacts("acme/api", "main", &github.RepositoryCommit{
				SHA:     github.String("bbb222"),
				HTMLURL: github.String("https://github.com/acme/api/commit/bbb222"),
				Commit: &github.Commit{
					Message: github.String("fix: second change\n\nlonger body"),
					Author:  &github.CommitAuthor{Name: github.String("Octo Cat"), Date: &github.Timestamp{Time: time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)}},
				},
			}))
			Expect(*polled.ExternalID).To(Equal(*pushed.ExternalID))
			Expect(polled.Title).To(Equal(pushed.Title))
		})

		It("gives a polled PR the same external ID as the webhook", func() {
			polled := normalizer.ChangeRequestEvent(1, normalizer.GitHubPullRequestFacts("acme/api", &github.PullRequest{
				Number: github.Int(7),
				Title:  github.String("Add cache"),
				State:  github.String("open"),
			}))
			Expect(*polled.ExternalID).To(Equal("github-pr-acme/api-7"))
		})
	})
})
