package connector

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/normalizer"
)

const (
	githubPRPageSize         = 50
	githubPRFilesLimit       = 20
	githubRunsPageSize       = 20
	githubCommitsPageSize    = 20
	githubDeploymentPageSize = 20
	githubReleasePageSize    = 20
	githubFallbackRepos      = 10
)

type githubConnector struct {
	conn     *model.Connection
	client   *github.Client
	deps     Deps
	repos    []string
	branches []string
}

func NewGitHubFactory(deps Deps) Factory {
	return func(conn *model.Connection) (Connector, error) {
		settings := conn.Settings()
		token := settings.Token()
		if token == "" {
			return nil, errs.Newf(errs.ValidationFailure, "github connection %d has no token", conn.ID)
		}

		client := github.NewClient(deps.Clients.HTTPClient(deps.Clients.Limiter())).WithAuthToken(token)
		if base := settings.BaseURL(); base != "" {
			u, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
			if err != nil {
				return nil, errs.Mark(err, errs.ValidationFailure)
			}
			client.BaseURL = u
		}

		return &githubConnector{
			conn:     conn,
			client:   client,
			deps:     deps,
			repos:    settings.Repositories(),
			branches: settings.Branches(),
		}, nil
	}
}

func (c *githubConnector) TestConnection(ctx context.Context) bool {
	_, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		c.deps.logger().WarnContext(ctx, "github connection test failed", "connection_id", c.conn.ID, "error", err)
		return false
	}
	return true
}

func (c *githubConnector) Sync(ctx context.Context, connectionID int64) SyncResult {
	run := newSyncRun(c.deps, c.conn, connectionID)
	ctx = run.context(ctx)

	sc := logger.StartSpan(ctx, "connector.github.sync")
	defer sc.End()
	ctx = sc.Context()

	if _, resp, err := c.client.Users.Get(ctx, ""); err != nil {
		err = classify(err, githubStatus(resp), false, "authenticating to github")
		sc.RecordError(err)
		return topLevelFailure(err)
	}

	repos := c.repos
	if len(repos) == 0 {
		var err error
		if repos, err = c.accessibleRepos(ctx); err != nil {
			sc.RecordError(err)
			return topLevelFailure(err)
		}
	}

	for _, repo := range repos {
		owner, name, ok := strings.Cut(repo, "/")
		if !ok || owner == "" || name == "" {
			run.failed(ctx, repo, "repository", errs.Newf(errs.UpstreamFetchFailure, "repository %q is not owner/name", repo))
			continue
		}
		c.syncRepo(ctx, run, repo, owner, name)
	}

	run.logger.InfoContext(ctx, "github sync finished",
		"repositories", len(repos),
		"events_stored", run.stored,
		"failures", run.failures,
	)
	return run.result()
}

func (c *githubConnector) accessibleRepos(ctx context.Context) ([]string, error) {
	repos, resp, err := c.client.Repositories.ListByAuthenticatedUser(ctx, &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: githubFallbackRepos},
	})
	if err != nil {
		return nil, classify(err, githubStatus(resp), false, "listing github repositories")
	}
	out := make([]string, 0, len(repos))
	for _, r := range repos {
		if r.GetFullName() != "" {
			out = append(out, r.GetFullName())
		}
	}
	return out, nil
}

func (c *githubConnector) syncRepo(ctx context.Context, run *syncRun, repo, owner, name string) {
	steps := []struct {
		resource string
		fetch    func(context.Context, *syncRun, string, string, string) error
	}{
		{"pull_requests", c.syncPullRequests},
		{"releases", c.syncReleases},
		{"workflow_runs", c.syncWorkflowRuns},
		{"deployments", c.syncDeployments},
		{"commits", c.syncCommits},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			run.failed(ctx, repo, step.resource, errs.Mark(ctx.Err(), errs.UpstreamFetchFailure))
			return
		}
		if err := step.fetch(ctx, run, repo, owner, name); err != nil {
			run.failed(ctx, repo, step.resource, err)
		}
	}
}

func (c *githubConnector) syncPullRequests(ctx context.Context, run *syncRun, repo, owner, name string) error {
	prs, resp, err := c.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: githubPRPageSize},
	})
	if err != nil {
		return classify(err, githubStatus(resp), false, "listing pull requests for %s", repo)
	}

	for _, pr := range prs {
		key := normalizer.ChangeRequestExternalID(model.ProviderGitHub, repo, int64(pr.GetNumber()))
		if run.seen(ctx, key) {
			continue
		}

		f := normalizer.GitHubPullRequestFacts(repo, pr)
		if stats, err := c.pullRequestStats(ctx, owner, name, pr); err != nil {
			run.failed(ctx, repo, "pull_request_files", err)
		} else {
			f.Stats = stats
		}
		if reviews, err := c.pullRequestReviews(ctx, owner, name, pr.GetNumber()); err != nil {
			run.failed(ctx, repo, "pull_request_reviews", err)
		} else {
			f.Reviews = reviews
		}
		run.store(ctx, normalizer.ChangeRequestEvent(run.connectionID, f))
	}
	return nil
}

func (c *githubConnector) pullRequestStats(ctx context.Context, owner, name string, pr *github.PullRequest) (*normalizer.DiffStats, error) {
	files, resp, err := c.client.PullRequests.ListFiles(ctx, owner, name, pr.GetNumber(), &github.ListOptions{PerPage: githubPRFilesLimit})
	if err != nil {
		return nil, classify(err, githubStatus(resp), false, "listing files of pull request %d", pr.GetNumber())
	}

	stats := &normalizer.DiffStats{FilesChanged: len(files)}
	for _, f := range files {
		stats.Additions += f.GetAdditions()
		stats.Deletions += f.GetDeletions()
		stats.Files = append(stats.Files, f.GetFilename())
	}
	// Only the first page of files was fetched.
	if pr.ChangedFiles != nil {
		stats.FilesChanged = pr.GetChangedFiles()
	}
	return stats, nil
}

func (c *githubConnector) pullRequestReviews(ctx context.Context, owner, name string, number int) (*normalizer.ReviewCounts, error) {
	reviews, resp, err := c.client.PullRequests.ListReviews(ctx, owner, name, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, classify(err, githubStatus(resp), false, "listing reviews of pull request %d", number)
	}

	counts := &normalizer.ReviewCounts{}
	for _, r := range reviews {
		switch r.GetState() {
		case "APPROVED":
			counts.Approvals++
		case "CHANGES_REQUESTED":
			counts.ChangesRequested++
		}
	}
	return counts, nil
}

func (c *githubConnector) syncReleases(ctx context.Context, run *syncRun, repo, owner, name string) error {
	releases, resp, err := c.client.Repositories.ListReleases(ctx, owner, name, &github.ListOptions{PerPage: githubReleasePageSize})
	if err != nil {
		return classify(err, githubStatus(resp), false, "listing releases for %s", repo)
	}
	for _, r := range releases {
		if r.GetDraft() {
			continue
		}
		run.store(ctx, normalizer.ReleaseEvent(run.connectionID, normalizer.GitHubReleaseFacts(repo, r)))
	}
	return nil
}

func (c *githubConnector) syncWorkflowRuns(ctx context.Context, run *syncRun, repo, owner, name string) error {
	runs, resp, err := c.client.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, &github.ListWorkflowRunsOptions{
		Status:      "completed",
		ListOptions: github.ListOptions{PerPage: githubRunsPageSize},
	})
	if err != nil {
		return classify(err, githubStatus(resp), true, "listing workflow runs for %s", repo)
	}
	if runs == nil {
		return nil
	}
	for _, wr := range runs.WorkflowRuns {
		if wr.GetStatus() != "completed" {
			continue
		}
		run.store(ctx, normalizer.PipelineEvent(run.connectionID, normalizer.GitHubWorkflowRunFacts(repo, wr)))
	}
	return nil
}

func (c *githubConnector) syncDeployments(ctx context.Context, run *syncRun, repo, owner, name string) error {
	deployments, resp, err := c.client.Repositories.ListDeployments(ctx, owner, name, &github.DeploymentsListOptions{
		ListOptions: github.ListOptions{PerPage: githubDeploymentPageSize},
	})
	if err != nil {
		return classify(err, githubStatus(resp), true, "listing deployments for %s", repo)
	}

	for _, d := range deployments {
		if run.seen(ctx, normalizer.DeploymentExternalID(model.ProviderGitHub, d.GetID())) {
			continue
		}
		statuses, resp, err := c.client.Repositories.ListDeploymentStatuses(ctx, owner, name, d.GetID(), &github.ListOptions{PerPage: 1})
		if err != nil {
			run.failed(ctx, repo, "deployment_statuses", classify(err, githubStatus(resp), true, "listing statuses of deployment %d", d.GetID()))
			continue
		}
		if len(statuses) == 0 {
			continue
		}
		f := normalizer.GitHubDeploymentFacts(repo, d, statuses[0])
		if !normalizer.IsTerminal(f.Status) {
			continue
		}
		run.store(ctx, normalizer.DeploymentEvent(run.connectionID, f))
	}
	return nil
}

func (c *githubConnector) syncCommits(ctx context.Context, run *syncRun, repo, owner, name string) error {
	branches := c.branches
	if len(branches) == 0 {
		// Empty SHA lists the default branch.
		branches = []string{""}
	}

	for _, branch := range branches {
		commits, resp, err := c.client.Repositories.ListCommits(ctx, owner, name, &github.CommitsListOptions{
			SHA:         branch,
			ListOptions: github.ListOptions{PerPage: githubCommitsPageSize},
		})
		if err != nil {
			run.failed(ctx, repo, "commits", classify(err, githubStatus(resp), false, "listing commits for %s@%s", repo, branch))
			continue
		}
		for _, commit := range commits {
			run.store(ctx, normalizer.CommitEvent(run.connectionID, normalizer.GitHubCommitFacts(repo, branch, commit)))
		}
	}
	return nil
}

func githubStatus(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
