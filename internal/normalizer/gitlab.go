package normalizer

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"painchain.app/ingest/internal/model"
)

// GitLab normalizes payloads named by the X-Gitlab-Event header.
//
// Payloads are decoded into local structs: hook timestamps arrive in several
// layouts depending on the GitLab version and hook type.
type GitLab struct{}

var gitlabKinds = map[gitlab.EventType]EventKind{
	gitlab.EventTypePush:         KindPush,
	gitlab.EventTypeTagPush:      KindTagPush,
	gitlab.EventTypeMergeRequest: KindMergeRequest,
	gitlab.EventTypePipeline:     KindPipeline,
	gitlab.EventTypeRelease:      KindRelease,
	gitlab.EventTypeDeployment:   KindDeployment,
}

func (GitLab) Provider() model.Provider { return model.ProviderGitLab }

func (GitLab) Kind(header string) EventKind {
	if kind, ok := gitlabKinds[gitlab.EventType(strings.TrimSpace(header))]; ok {
		return kind
	}
	return KindUnsupported
}

func (GitLab) Transform(kind EventKind, raw []byte, connectionID int64) (*model.NormalizedEvent, error) {
	switch kind {
	case KindPush:
		var p gitlabPush
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, decodeFailure(kind, err)
		}
		return gitlabCommit(connectionID, p), nil
	case KindTagPush:
		var p gitlabPush
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, decodeFailure(kind, err)
		}
		return gitlabTag(connectionID, p), nil
	case KindMergeRequest:
		var p gitlabMergeRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, decodeFailure(kind, err)
		}
		return gitlabMR(connectionID, p), nil
	case KindPipeline:
		var p gitlabPipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, decodeFailure(kind, err)
		}
		return gitlabPipelineEvent(connectionID, p), nil
	case KindRelease:
		var p gitlabRelease
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, decodeFailure(kind, err)
		}
		return gitlabReleaseEvent(connectionID, p), nil
	case KindDeployment:
		var p gitlabDeployment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, decodeFailure(kind, err)
		}
		return gitlabDeploymentEvent(connectionID, p), nil
	default:
		return nil, nil
	}
}

type gitlabProject struct {
	ID                int64  `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

type gitlabUser struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

type gitlabPush struct {
	Ref          string        `json:"ref"`
	CheckoutSHA  *string       `json:"checkout_sha"`
	Message      string        `json:"message"`
	UserName     string        `json:"user_name"`
	UserUsername string        `json:"user_username"`
	ProjectID    int64         `json:"project_id"`
	Project      gitlabProject `json:"project"`
	Commits      []struct {
		ID        string     `json:"id"`
		Message   string     `json:"message"`
		Timestamp hookTime   `json:"timestamp"`
		URL       string     `json:"url"`
		Author    gitlabUser `json:"author"`
	} `json:"commits"`
}

func (p gitlabPush) projectID() int64 {
	if p.Project.ID != 0 {
		return p.Project.ID
	}
	return p.ProjectID
}

func (p gitlabPush) pusher() string {
	return orDefault(p.UserUsername, p.UserName)
}

func gitlabCommit(connectionID int64, p gitlabPush) *model.NormalizedEvent {
	if len(p.Commits) == 0 || p.CheckoutSHA == nil {
		return nil
	}

	head := len(p.Commits) - 1
	for i, c := range p.Commits {
		if c.ID == *p.CheckoutSHA {
			head = i
			break
		}
	}

	pushed := make([]PushedCommit, 0, len(p.Commits))
	for _, c := range p.Commits {
		pushed = append(pushed, PushedCommit{SHA: c.ID, Message: c.Message, Author: c.Author.Name})
	}

	c := p.Commits[head]
	return CommitEvent(connectionID, CommitFacts{
		Provider:   model.ProviderGitLab,
		Repository: p.Project.PathWithNamespace,
		Branch:     strings.TrimPrefix(p.Ref, "refs/heads/"),
		SHA:        c.ID,
		Message:    c.Message,
		Author:     orDefault(c.Author.Name, p.pusher()),
		URL:        c.URL,
		Timestamp:  c.Timestamp.Time,
		Pushed:     pushed,
	})
}

func gitlabTag(connectionID int64, p gitlabPush) *model.NormalizedEvent {
	if p.CheckoutSHA == nil || *p.CheckoutSHA == "" {
		return nil
	}
	tag := strings.TrimPrefix(p.Ref, "refs/tags/")
	url := ""
	if p.Project.WebURL != "" {
		url = p.Project.WebURL + "/-/tags/" + tag
	}
	return TagEvent(connectionID, TagFacts{
		Provider:   model.ProviderGitLab,
		Repository: p.Project.PathWithNamespace,
		RepoKey:    strconv.FormatInt(p.projectID(), 10),
		Tag:        tag,
		SHA:        *p.CheckoutSHA,
		Message:    p.Message,
		Author:     p.pusher(),
		URL:        url,
	})
}

type gitlabMergeRequest struct {
	User             gitlabUser    `json:"user"`
	Project          gitlabProject `json:"project"`
	ObjectAttributes struct {
		IID            int64    `json:"iid"`
		Title          string   `json:"title"`
		Description    string   `json:"description"`
		State          string   `json:"state"`
		Action         string   `json:"action"`
		SourceBranch   string   `json:"source_branch"`
		TargetBranch   string   `json:"target_branch"`
		URL            string   `json:"url"`
		Draft          bool     `json:"draft"`
		WorkInProgress bool     `json:"work_in_progress"`
		CreatedAt      hookTime `json:"created_at"`
		MergedAt       hookTime `json:"merged_at"`
		UpdatedAt      hookTime `json:"updated_at"`
	} `json:"object_attributes"`
}

func gitlabMR(connectionID int64, p gitlabMergeRequest) *model.NormalizedEvent {
	a := p.ObjectAttributes
	if a.IID == 0 {
		return nil
	}
	f := ChangeRequestFacts{
		Provider:     model.ProviderGitLab,
		Repository:   p.Project.PathWithNamespace,
		RepoKey:      strconv.FormatInt(p.Project.ID, 10),
		Number:       a.IID,
		Title:        a.Title,
		Description:  a.Description,
		State:        a.State,
		Merged:       a.State == "merged",
		Draft:        a.Draft || a.WorkInProgress,
		Author:       p.User.Username,
		SourceBranch: a.SourceBranch,
		TargetBranch: a.TargetBranch,
		URL:          a.URL,
		Action:       a.Action,
		CreatedAt:    a.CreatedAt.Time,
	}
	if f.Merged {
		merged := a.MergedAt.Time
		if merged.IsZero() {
			merged = a.UpdatedAt.Time
		}
		if !merged.IsZero() {
			f.MergedAt = &merged
		}
	}
	return ChangeRequestEvent(connectionID, f)
}

type gitlabPipeline struct {
	User             gitlabUser    `json:"user"`
	Project          gitlabProject `json:"project"`
	ObjectAttributes struct {
		ID         int64    `json:"id"`
		IID        int64    `json:"iid"`
		Name       string   `json:"name"`
		Ref        string   `json:"ref"`
		SHA        string   `json:"sha"`
		Status     string   `json:"status"`
		Source     string   `json:"source"`
		URL        string   `json:"url"`
		Duration   *float64 `json:"duration"`
		CreatedAt  hookTime `json:"created_at"`
		FinishedAt hookTime `json:"finished_at"`
	} `json:"object_attributes"`
	Builds []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"builds"`
}

func gitlabPipelineEvent(connectionID int64, p gitlabPipeline) *model.NormalizedEvent {
	a := p.ObjectAttributes
	status := GitLabPipelineStates.Map(a.Status)
	if a.ID == 0 || !IsTerminal(status) {
		return nil
	}

	var failed []string
	for _, b := range p.Builds {
		if GitLabPipelineStates.Map(b.Status) == model.StatusFailed {
			failed = append(failed, b.Name)
		}
	}

	url := a.URL
	if url == "" && p.Project.WebURL != "" {
		url = p.Project.WebURL + "/-/pipelines/" + strconv.FormatInt(a.ID, 10)
	}

	ts := a.FinishedAt.Time
	if ts.IsZero() {
		ts = a.CreatedAt.Time
	}

	f := PipelineFacts{
		Provider:   model.ProviderGitLab,
		Repository: p.Project.PathWithNamespace,
		ID:         a.ID,
		Number:     a.IID,
		Name:       a.Name,
		Ref:        a.Ref,
		SHA:        a.SHA,
		Status:     status,
		URL:        url,
		Author:     p.User.Username,
		Trigger:    a.Source,
		Timestamp:  ts,
		FailedJobs: failed,
	}
	if a.Duration != nil {
		d := time.Duration(*a.Duration * float64(time.Second))
		f.Duration = &d
	}
	return PipelineEvent(connectionID, f)
}

type gitlabRelease struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Tag         string        `json:"tag"`
	Description string        `json:"description"`
	URL         string        `json:"url"`
	Action      string        `json:"action"`
	CreatedAt   hookTime      `json:"created_at"`
	ReleasedAt  hookTime      `json:"released_at"`
	Project     gitlabProject `json:"project"`
}

func gitlabReleaseEvent(connectionID int64, p gitlabRelease) *model.NormalizedEvent {
	if p.Action != "create" || p.Tag == "" {
		return nil
	}
	ts := p.ReleasedAt.Time
	if ts.IsZero() {
		ts = p.CreatedAt.Time
	}
	return ReleaseEvent(connectionID, ReleaseFacts{
		Provider:    model.ProviderGitLab,
		Repository:  p.Project.PathWithNamespace,
		RepoKey:     strconv.FormatInt(p.Project.ID, 10),
		ID:          p.ID,
		Tag:         p.Tag,
		Name:        p.Name,
		Description: p.Description,
		URL:         p.URL,
		Timestamp:   ts,
	})
}

type gitlabDeployment struct {
	Status          string        `json:"status"`
	DeploymentID    int64         `json:"deployment_id"`
	DeployableURL   string        `json:"deployable_url"`
	Environment     string        `json:"environment"`
	Ref             string        `json:"ref"`
	CommitURL       string        `json:"commit_url"`
	CommitTitle     string        `json:"commit_title"`
	StatusChangedAt hookTime      `json:"status_changed_at"`
	User            gitlabUser    `json:"user"`
	Project         gitlabProject `json:"project"`
}

func gitlabDeploymentEvent(connectionID int64, p gitlabDeployment) *model.NormalizedEvent {
	status := GitLabDeploymentStates.Map(p.Status)
	if p.DeploymentID == 0 || !IsTerminal(status) {
		return nil
	}
	return DeploymentEvent(connectionID, DeploymentFacts{
		Provider:    model.ProviderGitLab,
		Repository:  p.Project.PathWithNamespace,
		ID:          p.DeploymentID,
		Environment: p.Environment,
		Ref:         p.Ref,
		SHA:         commitFromURL(p.CommitURL),
		Status:      status,
		Description: p.CommitTitle,
		URL:         p.DeployableURL,
		Author:      p.User.Username,
		Timestamp:   p.StatusChangedAt.Time,
	})
}

// commitFromURL takes the SHA from a ".../-/commit/<sha>" link.
func commitFromURL(u string) string {
	if i := strings.LastIndex(u, "/commit/"); i >= 0 {
		return u[i+len("/commit/"):]
	}
	return ""
}

var hookTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 UTC",
}

// hookTime accepts the timestamp layouts GitLab hooks use. Null or empty decodes to zero.
type hookTime struct {
	time.Time
}

func (t *hookTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	var lastErr error
	for _, layout := range hookTimeLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		lastErr = err
	}
	return lastErr
}
