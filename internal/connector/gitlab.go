package connector

import (
	"context"
	"strconv"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/common/logger"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/normalizer"
)

const (
	gitlabPageSize         = 20
	gitlabFallbackProjects = 10
	gitlabDefaultURL       = "https://gitlab.com"
)

type gitlabConnector struct {
	conn     *model.Connection
	client   *gitlab.Client
	deps     Deps
	projects []string
	branches []string
}

// project is the part of a GitLab project the sync needs. The numeric ID keys
// every external ID, so renamed projects keep deduplicating.
type project struct {
	id            int64
	path          string
	webURL        string
	defaultBranch string
}

func NewGitLabFactory(deps Deps) Factory {
	return func(conn *model.Connection) (Connector, error) {
		settings := conn.Settings()
		token := settings.Token()
		if token == "" {
			return nil, errs.Newf(errs.ValidationFailure, "gitlab connection %d has no token", conn.ID)
		}

		instanceURL := settings.BaseURL()
		if instanceURL == "" {
			instanceURL = gitlabDefaultURL
		}
		baseURL := strings.TrimSuffix(instanceURL, "/") + "/api/v4"

		client, err := gitlab.NewClient(
			token,
			gitlab.WithBaseURL(baseURL),
			gitlab.WithHTTPClient(deps.Clients.HTTPClient(nil)),
			gitlab.WithCustomLimiter(deps.Clients.Limiter()),
			gitlab.WithoutRetries(),
		)
		if err != nil {
			return nil, errs.Mark(err, errs.ValidationFailure)
		}

		return &gitlabConnector{
			conn:     conn,
			client:   client,
			deps:     deps,
			projects: settings.Repositories(),
			branches: settings.Branches(),
		}, nil
	}
}

func (c *gitlabConnector) TestConnection(ctx context.Context) bool {
	_, _, err := c.client.Users.CurrentUser(gitlab.WithContext(ctx))
	if err != nil {
		c.deps.logger().WarnContext(ctx, "gitlab connection test failed", "connection_id", c.conn.ID, "error", err)
		return false
	}
	return true
}

func (c *gitlabConnector) Sync(ctx context.Context, connectionID int64) SyncResult {
	run := newSyncRun(c.deps, c.conn, connectionID)
	ctx = run.context(ctx)

	sc := logger.StartSpan(ctx, "connector.gitlab.sync")
	defer sc.End()
	ctx = sc.Context()

	if _, resp, err := c.client.Users.CurrentUser(gitlab.WithContext(ctx)); err != nil {
		err = classify(err, gitlabStatus(resp), false, "authenticating to gitlab")
		sc.RecordError(err)
		return topLevelFailure(err)
	}

	var projects []project
	if len(c.projects) == 0 {
		var err error
		if projects, err = c.memberProjects(ctx); err != nil {
			sc.RecordError(err)
			return topLevelFailure(err)
		}
	} else {
		for _, path := range c.projects {
			p, resp, err := c.client.Projects.GetProject(path, nil, gitlab.WithContext(ctx))
			if err != nil {
				run.failed(ctx, path, "project", classify(err, gitlabStatus(resp), false, "loading project %s", path))
				continue
			}
			projects = append(projects, toProject(p))
		}
	}

	for _, p := range projects {
		c.syncProject(ctx, run, p)
	}

	run.logger.InfoContext(ctx, "gitlab sync finished",
		"projects", len(projects),
		"events_stored", run.stored,
		"failures", run.failures,
	)
	return run.result()
}

func (c *gitlabConnector) memberProjects(ctx context.Context) ([]project, error) {
	list, resp, err := c.client.Projects.ListProjects(&gitlab.ListProjectsOptions{
		Membership:  gitlab.Ptr(true),
		OrderBy:     gitlab.Ptr("last_activity_at"),
		ListOptions: gitlab.ListOptions{PerPage: gitlabFallbackProjects},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify(err, gitlabStatus(resp), false, "listing gitlab projects")
	}
	out := make([]project, 0, len(list))
	for _, p := range list {
		out = append(out, toProject(p))
	}
	return out, nil
}

func toProject(p *gitlab.Project) project {
	return project{
		id:            int64(p.ID),
		path:          p.PathWithNamespace,
		webURL:        p.WebURL,
		defaultBranch: p.DefaultBranch,
	}
}

func (p project) key() string {
	return strconv.FormatInt(p.id, 10)
}

func (c *gitlabConnector) syncProject(ctx context.Context, run *syncRun, p project) {
	steps := []struct {
		resource string
		fetch    func(context.Context, *syncRun, project) error
	}{
		{"merge_requests", c.syncMergeRequests},
		{"releases", c.syncReleases},
		{"pipelines", c.syncPipelines},
		{"deployments", c.syncDeployments},
		{"commits", c.syncCommits},
		{"registry", c.syncRegistry},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			run.failed(ctx, p.path, step.resource, errs.Mark(ctx.Err(), errs.UpstreamFetchFailure))
			return
		}
		if err := step.fetch(ctx, run, p); err != nil {
			run.failed(ctx, p.path, step.resource, err)
		}
	}
}

func (c *gitlabConnector) syncMergeRequests(ctx context.Context, run *syncRun, p project) error {
	mrs, resp, err := c.client.MergeRequests.ListProjectMergeRequests(p.id, &gitlab.ListProjectMergeRequestsOptions{
		State:       gitlab.Ptr("all"),
		OrderBy:     gitlab.Ptr("updated_at"),
		Sort:        gitlab.Ptr("desc"),
		ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify(err, gitlabStatus(resp), false, "listing merge requests for %s", p.path)
	}

	for _, mr := range mrs {
		iid := int64(mr.IID)
		if run.seen(ctx, normalizer.ChangeRequestExternalID(model.ProviderGitLab, p.key(), iid)) {
			continue
		}

		f := normalizer.ChangeRequestFacts{
			Provider:     model.ProviderGitLab,
			Repository:   p.path,
			RepoKey:      p.key(),
			Number:       iid,
			Title:        mr.Title,
			Description:  mr.Description,
			State:        mr.State,
			Merged:       mr.State == "merged",
			Draft:        mr.Draft,
			SourceBranch: mr.SourceBranch,
			TargetBranch: mr.TargetBranch,
			URL:          mr.WebURL,
			CreatedAt:    derefTime(mr.CreatedAt),
		}
		if mr.Author != nil {
			f.Author = mr.Author.Username
		}
		if mr.MergedAt != nil {
			merged := *mr.MergedAt
			f.MergedAt = &merged
		}

		diffs, resp, err := c.client.MergeRequests.ListMergeRequestDiffs(p.id, mr.IID, nil, gitlab.WithContext(ctx))
		if err != nil {
			run.failed(ctx, p.path, "merge_request_changes", classify(err, gitlabStatus(resp), false, "listing changes of !%d", iid))
		} else {
			stats := &normalizer.DiffStats{FilesChanged: len(diffs)}
			for _, d := range diffs {
				stats.Files = append(stats.Files, d.NewPath)
				add, del := countDiffLines(d.Diff)
				stats.Additions += add
				stats.Deletions += del
			}
			f.Stats = stats
		}

		approvals, resp, err := c.client.MergeRequestApprovals.GetConfiguration(p.id, mr.IID, gitlab.WithContext(ctx))
		if err != nil {
			run.failed(ctx, p.path, "merge_request_approvals", classify(err, gitlabStatus(resp), true, "loading approvals of !%d", iid))
		} else {
			f.Reviews = &normalizer.ReviewCounts{Approvals: len(approvals.ApprovedBy)}
		}

		run.store(ctx, normalizer.ChangeRequestEvent(run.connectionID, f))
	}
	return nil
}

func (c *gitlabConnector) syncReleases(ctx context.Context, run *syncRun, p project) error {
	releases, resp, err := c.client.Releases.ListReleases(p.id, &gitlab.ListReleasesOptions{
		ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify(err, gitlabStatus(resp), false, "listing releases for %s", p.path)
	}

	for _, r := range releases {
		ts := derefTime(r.ReleasedAt)
		if ts.IsZero() {
			ts = derefTime(r.CreatedAt)
		}
		url := ""
		if p.webURL != "" {
			url = p.webURL + "/-/releases/" + r.TagName
		}
		run.store(ctx, normalizer.ReleaseEvent(run.connectionID, normalizer.ReleaseFacts{
			Provider:    model.ProviderGitLab,
			Repository:  p.path,
			RepoKey:     p.key(),
			Tag:         r.TagName,
			Name:        r.Name,
			Description: r.Description,
			Author:      r.Author.Username,
			URL:         url,
			Prerelease:  r.UpcomingRelease,
			Timestamp:   ts,
		}))
	}
	return nil
}

func (c *gitlabConnector) syncPipelines(ctx context.Context, run *syncRun, p project) error {
	pipelines, resp, err := c.client.Pipelines.ListProjectPipelines(p.id, &gitlab.ListProjectPipelinesOptions{
		ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify(err, gitlabStatus(resp), false, "listing pipelines for %s", p.path)
	}

	for _, info := range pipelines {
		id := int64(info.ID)
		status := normalizer.GitLabPipelineStates.Map(info.Status)
		if !normalizer.IsTerminal(status) || run.seen(ctx, normalizer.PipelineExternalID(model.ProviderGitLab, id)) {
			continue
		}

		pl, resp, err := c.client.Pipelines.GetPipeline(p.id, info.ID, gitlab.WithContext(ctx))
		if err != nil {
			run.failed(ctx, p.path, "pipeline_detail", classify(err, gitlabStatus(resp), false, "loading pipeline %d", id))
			continue
		}

		ts := derefTime(pl.FinishedAt)
		if ts.IsZero() {
			ts = derefTime(pl.UpdatedAt)
		}
		duration := time.Duration(pl.Duration) * time.Second
		f := normalizer.PipelineFacts{
			Provider:   model.ProviderGitLab,
			Repository: p.path,
			ID:         id,
			Number:     int64(pl.IID),
			Ref:        pl.Ref,
			SHA:        pl.SHA,
			Status:     normalizer.GitLabPipelineStates.Map(pl.Status),
			URL:        pl.WebURL,
			Trigger:    string(pl.Source),
			Timestamp:  ts,
			Duration:   &duration,
		}
		if pl.User != nil {
			f.Author = pl.User.Username
		}

		jobs, resp, err := c.client.Jobs.ListPipelineJobs(p.id, pl.ID, nil, gitlab.WithContext(ctx))
		if err != nil {
			run.failed(ctx, p.path, "pipeline_jobs", classify(err, gitlabStatus(resp), false, "listing jobs of pipeline %d", id))
		} else {
			for _, j := range jobs {
				if s := normalizer.GitLabPipelineStates.Map(j.Status); s == model.StatusFailed || s == model.StatusCancelled {
					f.FailedJobs = append(f.FailedJobs, j.Name)
				}
			}
		}

		run.store(ctx, normalizer.PipelineEvent(run.connectionID, f))
	}
	return nil
}

func (c *gitlabConnector) syncDeployments(ctx context.Context, run *syncRun, p project) error {
	deployments, resp, err := c.client.Deployments.ListProjectDeployments(p.id, &gitlab.ListProjectDeploymentsOptions{
		OrderBy:     gitlab.Ptr("updated_at"),
		Sort:        gitlab.Ptr("desc"),
		ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify(err, gitlabStatus(resp), true, "listing deployments for %s", p.path)
	}

	for _, d := range deployments {
		status := normalizer.GitLabDeploymentStates.Map(d.Status)
		if !normalizer.IsTerminal(status) {
			continue
		}
		f := normalizer.DeploymentFacts{
			Provider:   model.ProviderGitLab,
			Repository: p.path,
			ID:         int64(d.ID),
			Ref:        d.Ref,
			SHA:        d.SHA,
			Status:     status,
			Timestamp:  derefTime(d.UpdatedAt),
		}
		if d.Environment != nil {
			f.Environment = d.Environment.Name
		}
		if d.User != nil {
			f.Author = d.User.Username
		}
		run.store(ctx, normalizer.DeploymentEvent(run.connectionID, f))
	}
	return nil
}

func (c *gitlabConnector) syncCommits(ctx context.Context, run *syncRun, p project) error {
	branches := c.branches
	if len(branches) == 0 {
		branches = []string{p.defaultBranch}
	}

	for _, branch := range branches {
		opts := &gitlab.ListCommitsOptions{ListOptions: gitlab.ListOptions{PerPage: gitlabPageSize}}
		if branch != "" {
			opts.RefName = gitlab.Ptr(branch)
		}
		commits, resp, err := c.client.Commits.ListCommits(p.id, opts, gitlab.WithContext(ctx))
		if err != nil {
			run.failed(ctx, p.path, "commits", classify(err, gitlabStatus(resp), false, "listing commits for %s@%s", p.path, branch))
			continue
		}
		for _, commit := range commits {
			ts := derefTime(commit.AuthoredDate)
			if ts.IsZero() {
				ts = derefTime(commit.CreatedAt)
			}
			run.store(ctx, normalizer.CommitEvent(run.connectionID, normalizer.CommitFacts{
				Provider:   model.ProviderGitLab,
				Repository: p.path,
				Branch:     branch,
				SHA:        commit.ID,
				Message:    commit.Message,
				Author:     commit.AuthorName,
				URL:        commit.WebURL,
				Timestamp:  ts,
			}))
		}
	}
	return nil
}

// syncRegistry stores one event per image tag. Projects without a registry answer 403 or 404.
func (c *gitlabConnector) syncRegistry(ctx context.Context, run *syncRun, p project) error {
	repos, resp, err := c.client.ContainerRegistry.ListProjectRegistryRepositories(p.id, nil, gitlab.WithContext(ctx))
	if err != nil {
		return classify(err, gitlabStatus(resp), true, "listing registry repositories for %s", p.path)
	}

	for _, repo := range repos {
		tags, resp, err := c.client.ContainerRegistry.ListRegistryRepositoryTags(p.id, repo.ID, nil, gitlab.WithContext(ctx))
		if err != nil {
			run.failed(ctx, p.path, "registry_tags", classify(err, gitlabStatus(resp), true, "listing tags of %s", repo.Path))
			continue
		}
		for _, tag := range tags {
			registryID := int64(repo.ID)
			if run.seen(ctx, normalizer.ImageExternalID(model.ProviderGitLab, registryID, tag.Name)) {
				continue
			}

			f := normalizer.ImageFacts{
				Provider:   model.ProviderGitLab,
				Repository: p.path,
				RegistryID: registryID,
				Path:       repo.Path,
				Tag:        tag.Name,
				Location:   tag.Location,
			}
			detail, resp, err := c.client.ContainerRegistry.GetRegistryRepositoryTagDetail(p.id, repo.ID, tag.Name, gitlab.WithContext(ctx))
			if err != nil {
				run.failed(ctx, p.path, "registry_tag_detail", classify(err, gitlabStatus(resp), true, "loading tag %s:%s", repo.Path, tag.Name))
				continue
			}
			f.Digest = detail.Digest
			f.SizeBytes = int64(detail.TotalSize)
			f.Timestamp = derefTime(detail.CreatedAt)
			run.store(ctx, normalizer.ImageEvent(run.connectionID, f))
		}
	}
	return nil
}

// countDiffLines counts added and removed lines in a unified diff body.
func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func gitlabStatus(resp *gitlab.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
