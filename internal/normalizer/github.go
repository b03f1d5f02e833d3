package normalizer

import (
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"painchain.app/ingest/internal/model"
)

// GitHub normalizes payloads named by the X-GitHub-Event header.
type GitHub struct{}

var githubKinds = map[string]EventKind{
	"ping":              KindPing,
	"push":              KindPush,
	"create":            KindCreate,
	"pull_request":      KindPullRequest,
	"release":           KindRelease,
	"workflow_run":      KindWorkflowRun,
	"deployment_status": KindDeployment,
}

var githubHeaders = func() map[EventKind]string {
	m := make(map[EventKind]string, len(githubKinds))
	for header, kind := range githubKinds {
		m[kind] = header
	}
	return m
}()

// Release actions that describe a release becoming visible. Edits and deletions are skipped.
var githubReleaseActions = map[string]bool{
	"published": true,
	"released":  true,
	"created":   true,
}

func (GitHub) Provider() model.Provider { return model.ProviderGitHub }

func (GitHub) Kind(header string) EventKind {
	if kind, ok := githubKinds[strings.ToLower(strings.TrimSpace(header))]; ok {
		return kind
	}
	return KindUnsupported
}

func (g GitHub) Transform(kind EventKind, raw []byte, connectionID int64) (*model.NormalizedEvent, error) {
	switch kind {
	case KindPush, KindCreate, KindPullRequest, KindRelease, KindWorkflowRun, KindDeployment:
	default:
		return nil, nil
	}

	payload, err := github.ParseWebHook(githubHeaders[kind], raw)
	if err != nil {
		return nil, decodeFailure(kind, err)
	}

	switch e := payload.(type) {
	case *github.PushEvent:
		return githubPush(connectionID, e), nil
	case *github.CreateEvent:
		return githubCreate(connectionID, e), nil
	case *github.PullRequestEvent:
		if e.GetPullRequest() == nil {
			return nil, nil
		}
		f := GitHubPullRequestFacts(e.GetRepo().GetFullName(), e.GetPullRequest())
		f.Action = e.GetAction()
		return ChangeRequestEvent(connectionID, f), nil
	case *github.ReleaseEvent:
		if !githubReleaseActions[e.GetAction()] || e.GetRelease() == nil {
			return nil, nil
		}
		return ReleaseEvent(connectionID, GitHubReleaseFacts(e.GetRepo().GetFullName(), e.GetRelease())), nil
	case *github.WorkflowRunEvent:
		run := e.GetWorkflowRun()
		if e.GetAction() != "completed" || run == nil || run.GetStatus() != "completed" {
			return nil, nil
		}
		return PipelineEvent(connectionID, GitHubWorkflowRunFacts(e.GetRepo().GetFullName(), run)), nil
	case *github.DeploymentStatusEvent:
		if e.GetDeployment() == nil || e.GetDeploymentStatus() == nil {
			return nil, nil
		}
		f := GitHubDeploymentFacts(e.GetRepo().GetFullName(), e.GetDeployment(), e.GetDeploymentStatus())
		if !IsTerminal(f.Status) {
			return nil, nil
		}
		return DeploymentEvent(connectionID, f), nil
	default:
		return nil, nil
	}
}

func githubPush(connectionID int64, e *github.PushEvent) *model.NormalizedEvent {
	if e.GetDeleted() {
		return nil
	}

	repo := e.GetRepo().GetFullName()
	ref := e.GetRef()

	if tag, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
		head := e.GetHeadCommit()
		ts := head.GetTimestamp().Time
		if ts.IsZero() {
			ts = e.GetRepo().GetPushedAt().Time
		}
		return TagEvent(connectionID, TagFacts{
			Provider:   model.ProviderGitHub,
			Repository: repo,
			Tag:        tag,
			SHA:        orDefault(e.GetAfter(), head.GetID()),
			Author:     e.GetSender().GetLogin(),
			URL:        githubTagURL(e.GetRepo().GetHTMLURL(), tag),
			Timestamp:  ts,
		})
	}

	if len(e.Commits) == 0 {
		return nil
	}

	head := e.GetHeadCommit()
	if head == nil {
		head = e.Commits[len(e.Commits)-1]
	}

	pushed := make([]PushedCommit, 0, len(e.Commits))
	for _, c := range e.Commits {
		pushed = append(pushed, PushedCommit{
			SHA:     c.GetID(),
			Message: c.GetMessage(),
			Author:  commitAuthor(c.GetAuthor()),
		})
	}

	return CommitEvent(connectionID, CommitFacts{
		Provider:   model.ProviderGitHub,
		Repository: repo,
		Branch:     strings.TrimPrefix(ref, "refs/heads/"),
		SHA:        head.GetID(),
		Message:    head.GetMessage(),
		Author:     commitAuthor(head.GetAuthor()),
		URL:        head.GetURL(),
		Timestamp:  head.GetTimestamp().Time,
		Pushed:     pushed,
	})
}

// githubCreate handles tag creation. Branch creation has no change to record.
func githubCreate(connectionID int64, e *github.CreateEvent) *model.NormalizedEvent {
	if e.GetRefType() != "tag" || e.GetRef() == "" {
		return nil
	}
	return TagEvent(connectionID, TagFacts{
		Provider:   model.ProviderGitHub,
		Repository: e.GetRepo().GetFullName(),
		Tag:        e.GetRef(),
		Author:     e.GetSender().GetLogin(),
		URL:        githubTagURL(e.GetRepo().GetHTMLURL(), e.GetRef()),
		Timestamp:  e.GetRepo().GetPushedAt().Time,
	})
}

// GitHubPullRequestFacts is shared by the webhook and poll paths.
func GitHubPullRequestFacts(repo string, pr *github.PullRequest) ChangeRequestFacts {
	f := ChangeRequestFacts{
		Provider:     model.ProviderGitHub,
		Repository:   repo,
		Number:       int64(pr.GetNumber()),
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		State:        pr.GetState(),
		Merged:       pr.GetMerged() || pr.MergedAt != nil,
		Draft:        pr.GetDraft(),
		Author:       pr.GetUser().GetLogin(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		URL:          pr.GetHTMLURL(),
		CreatedAt:    pr.GetCreatedAt().Time,
	}
	if pr.MergedAt != nil {
		t := pr.GetMergedAt().Time
		f.MergedAt = &t
	}
	// List responses omit the counters; only webhook and detail payloads carry them.
	if pr.ChangedFiles != nil {
		f.Stats = &DiffStats{
			FilesChanged: pr.GetChangedFiles(),
			Additions:    pr.GetAdditions(),
			Deletions:    pr.GetDeletions(),
		}
	}
	return f
}

func GitHubReleaseFacts(repo string, r *github.RepositoryRelease) ReleaseFacts {
	ts := r.GetPublishedAt().Time
	if ts.IsZero() {
		ts = r.GetCreatedAt().Time
	}
	return ReleaseFacts{
		Provider:    model.ProviderGitHub,
		Repository:  repo,
		ID:          r.GetID(),
		Tag:         r.GetTagName(),
		Name:        r.GetName(),
		Description: r.GetBody(),
		Author:      r.GetAuthor().GetLogin(),
		URL:         r.GetHTMLURL(),
		Prerelease:  r.GetPrerelease(),
		Draft:       r.GetDraft(),
		Timestamp:   ts,
	}
}

func GitHubWorkflowRunFacts(repo string, run *github.WorkflowRun) PipelineFacts {
	f := PipelineFacts{
		Provider:   model.ProviderGitHub,
		Repository: repo,
		ID:         run.GetID(),
		Number:     int64(run.GetRunNumber()),
		Name:       run.GetName(),
		Ref:        run.GetHeadBranch(),
		SHA:        run.GetHeadSHA(),
		Status:     GitHubConclusions.Map(run.GetConclusion()),
		URL:        run.GetHTMLURL(),
		Author:     run.GetActor().GetLogin(),
		Trigger:    run.GetEvent(),
		Timestamp:  run.GetUpdatedAt().Time,
	}
	started := run.GetRunStartedAt().Time
	if !started.IsZero() && f.Timestamp.After(started) {
		d := f.Timestamp.Sub(started).Truncate(time.Second)
		f.Duration = &d
	}
	return f
}

// GitHubDeploymentFacts combines a deployment with its latest status.
func GitHubDeploymentFacts(repo string, d *github.Deployment, s *github.DeploymentStatus) DeploymentFacts {
	url := s.GetEnvironmentURL()
	if url == "" {
		url = orDefault(s.GetLogURL(), s.GetTargetURL())
	}
	ts := s.GetUpdatedAt().Time
	if ts.IsZero() {
		ts = s.GetCreatedAt().Time
	}
	return DeploymentFacts{
		Provider:    model.ProviderGitHub,
		Repository:  repo,
		ID:          d.GetID(),
		Environment: orDefault(s.GetEnvironment(), d.GetEnvironment()),
		Ref:         d.GetRef(),
		SHA:         d.GetSHA(),
		Status:      GitHubDeploymentStates.Map(s.GetState()),
		Description: orDefault(s.GetDescription(), d.GetDescription()),
		URL:         url,
		Author:      d.GetCreator().GetLogin(),
		Timestamp:   ts,
	}
}

// GitHubCommitFacts converts a commit from the list-commits API.
func GitHubCommitFacts(repo, branch string, c *github.RepositoryCommit) CommitFacts {
	author := c.GetAuthor().GetLogin()
	if author == "" {
		author = c.GetCommit().GetAuthor().GetName()
	}
	return CommitFacts{
		Provider:   model.ProviderGitHub,
		Repository: repo,
		Branch:     branch,
		SHA:        c.GetSHA(),
		Message:    c.GetCommit().GetMessage(),
		Author:     author,
		URL:        c.GetHTMLURL(),
		Timestamp:  c.GetCommit().GetAuthor().GetDate().Time,
	}
}

func commitAuthor(a *github.CommitAuthor) string {
	if login := a.GetLogin(); login != "" {
		return login
	}
	return a.GetName()
}

func githubTagURL(repoURL, tag string) string {
	if repoURL == "" {
		return ""
	}
	return repoURL + "/releases/tag/" + tag
}
