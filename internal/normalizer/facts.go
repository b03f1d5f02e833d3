package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"painchain.app/ingest/internal/model"
)

const maxTitleRunes = 100

// The *Facts types are the provider-neutral shape of an upstream item.
// Webhook decoding and connector polling both fill them in, then call the
// matching *Event builder. External IDs are derived only inside the builders.
//
// RepoKey identifies the repository in external IDs. It defaults to Repository;
// GitLab sets it to the numeric project ID because paths can be renamed.

type CommitFacts struct {
	Provider   model.Provider
	Repository string
	Branch     string
	SHA        string
	Message    string
	Author     string
	URL        string
	Timestamp  time.Time
	// Pushed lists the other commits of a push, oldest first. Empty for polled commits.
	Pushed []PushedCommit
}

type PushedCommit struct {
	SHA     string
	Message string
	Author  string
}

type DiffStats struct {
	FilesChanged int
	Additions    int
	Deletions    int
	Files        []string
}

type ReviewCounts struct {
	Approvals        int
	ChangesRequested int
}

type ChangeRequestFacts struct {
	Provider     model.Provider
	Repository   string
	RepoKey      string
	Number       int64
	Title        string
	Description  string
	State        string
	Merged       bool
	Draft        bool
	Author       string
	SourceBranch string
	TargetBranch string
	URL          string
	Action       string
	CreatedAt    time.Time
	MergedAt     *time.Time
	// Stats and Reviews are nil unless the detail was fetched.
	Stats   *DiffStats
	Reviews *ReviewCounts
}

type ReleaseFacts struct {
	Provider    model.Provider
	Repository  string
	RepoKey     string
	ID          int64
	Tag         string
	Name        string
	Description string
	Author      string
	URL         string
	Prerelease  bool
	Draft       bool
	Timestamp   time.Time
}

type PipelineFacts struct {
	Provider   model.Provider
	Repository string
	ID         int64
	Number     int64
	Name       string
	Ref        string
	SHA        string
	// Status is already canonical.
	Status     string
	URL        string
	Author     string
	Trigger    string
	Timestamp  time.Time
	Duration   *time.Duration
	FailedJobs []string
}

type DeploymentFacts struct {
	Provider    model.Provider
	Repository  string
	ID          int64
	Environment string
	Ref         string
	SHA         string
	Status      string
	Description string
	URL         string
	Author      string
	Timestamp   time.Time
}

type TagFacts struct {
	Provider   model.Provider
	Repository string
	RepoKey    string
	Tag        string
	SHA        string
	Message    string
	Author     string
	URL        string
	Timestamp  time.Time
}

type ImageFacts struct {
	Provider   model.Provider
	Repository string
	RegistryID int64
	Path       string
	Tag        string
	Digest     string
	Location   string
	SizeBytes  int64
	Timestamp  time.Time
}

// CommitExternalID is exported for connectors that need the key before fetching detail.
func CommitExternalID(provider model.Provider, sha string) string {
	return externalID(provider, "commit", sha)
}

func ChangeRequestExternalID(provider model.Provider, repoKey string, number int64) string {
	if provider == model.ProviderGitLab {
		return externalID(provider, "mr", repoKey, strconv.FormatInt(number, 10))
	}
	return externalID(provider, "pr", repoKey, strconv.FormatInt(number, 10))
}

func ReleaseExternalID(provider model.Provider, repoKey string, id int64, tag string) string {
	if provider == model.ProviderGitHub {
		return externalID(provider, "release", strconv.FormatInt(id, 10))
	}
	return externalID(provider, "release", repoKey, tag)
}

func PipelineExternalID(provider model.Provider, id int64) string {
	if provider == model.ProviderGitHub {
		return externalID(provider, "workflow", strconv.FormatInt(id, 10))
	}
	return externalID(provider, "pipeline", strconv.FormatInt(id, 10))
}

func DeploymentExternalID(provider model.Provider, id int64) string {
	return externalID(provider, "deployment", strconv.FormatInt(id, 10))
}

func TagExternalID(provider model.Provider, repoKey, tag string) string {
	return externalID(provider, "tag", repoKey, tag)
}

func ImageExternalID(provider model.Provider, registryID int64, tag string) string {
	return externalID(provider, "image", strconv.FormatInt(registryID, 10), tag)
}

func CommitEvent(connectionID int64, f CommitFacts) *model.NormalizedEvent {
	metadata := map[string]any{
		"repository": f.Repository,
		"sha":        f.SHA,
	}
	setIf(metadata, "branch", f.Branch)
	setIf(metadata, "author", f.Author)

	eventMetadata := map[string]any{"message": f.Message}
	if len(f.Pushed) > 0 {
		commits := make([]map[string]any, 0, len(f.Pushed))
		for _, c := range f.Pushed {
			commits = append(commits, map[string]any{
				"sha":     c.SHA,
				"message": FirstLine(c.Message, maxTitleRunes),
				"author":  c.Author,
			})
		}
		eventMetadata["commits"] = commits
		eventMetadata["commitCount"] = len(f.Pushed)
	}

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(CommitExternalID(f.Provider, f.SHA)),
		Source:        string(f.Provider),
		EventType:     model.EventTypeCommit,
		Title:         "[Commit] " + FirstLine(f.Message, maxTitleRunes),
		Description:   ptr(f.Message),
		Timestamp:     f.Timestamp,
		URL:           ptr(f.URL),
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}

func ChangeRequestEvent(connectionID int64, f ChangeRequestFacts) *model.NormalizedEvent {
	key := orDefault(f.RepoKey, f.Repository)

	eventType := model.EventTypePullRequest
	title := fmt.Sprintf("[PR #%d] %s", f.Number, f.Title)
	if f.Provider == model.ProviderGitLab {
		eventType = model.EventTypeMergeRequest
		title = fmt.Sprintf("[MR !%d] %s", f.Number, f.Title)
	}

	metadata := map[string]any{
		"repository": f.Repository,
		"number":     f.Number,
	}
	setIf(metadata, "author", f.Author)
	setIf(metadata, "branch", f.SourceBranch)
	setIf(metadata, "targetBranch", f.TargetBranch)
	if f.Stats != nil {
		metadata["filesChanged"] = f.Stats.FilesChanged
		metadata["additions"] = f.Stats.Additions
		metadata["deletions"] = f.Stats.Deletions
	}
	if f.Reviews != nil {
		metadata["approvals"] = f.Reviews.Approvals
		metadata["changesRequested"] = f.Reviews.ChangesRequested
	}

	eventMetadata := map[string]any{"state": f.State}
	setIf(eventMetadata, "action", f.Action)
	if f.Stats != nil && len(f.Stats.Files) > 0 {
		eventMetadata["files"] = f.Stats.Files
	}

	ts := f.CreatedAt
	if f.MergedAt != nil && !f.MergedAt.IsZero() {
		ts = *f.MergedAt
	}

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(ChangeRequestExternalID(f.Provider, key, f.Number)),
		Source:        string(f.Provider),
		EventType:     eventType,
		Title:         truncateRunes(title, maxTitleRunes+16),
		Description:   ptr(f.Description),
		Timestamp:     ts,
		URL:           ptr(f.URL),
		Status:        ptr(ChangeRequestStatus(f.State, f.Merged, f.Draft)),
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}

func ReleaseEvent(connectionID int64, f ReleaseFacts) *model.NormalizedEvent {
	key := orDefault(f.RepoKey, f.Repository)
	name := orDefault(f.Name, f.Tag)

	status := "Published"
	switch {
	case f.Draft:
		status = model.StatusDraft
	case f.Prerelease:
		status = "Prerelease"
	}

	metadata := map[string]any{
		"repository": f.Repository,
		"tag":        f.Tag,
	}
	setIf(metadata, "author", f.Author)

	eventMetadata := map[string]any{"prerelease": f.Prerelease, "draft": f.Draft}
	if f.ID != 0 {
		eventMetadata["releaseId"] = f.ID
	}

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(ReleaseExternalID(f.Provider, key, f.ID, f.Tag)),
		Source:        string(f.Provider),
		EventType:     model.EventTypeRelease,
		Title:         fmt.Sprintf("[Release %s] %s", f.Tag, FirstLine(name, maxTitleRunes)),
		Description:   ptr(f.Description),
		Timestamp:     f.Timestamp,
		URL:           ptr(f.URL),
		Status:        ptr(status),
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}

func PipelineEvent(connectionID int64, f PipelineFacts) *model.NormalizedEvent {
	var title string
	if f.Provider == model.ProviderGitHub {
		title = fmt.Sprintf("[Workflow #%d] %s: %s", f.Number, orDefault(f.Name, f.Ref), f.Status)
	} else {
		title = fmt.Sprintf("[Pipeline #%d] %s: %s", f.ID, f.Ref, f.Status)
	}

	metadata := map[string]any{
		"repository": f.Repository,
		"branch":     f.Ref,
	}
	setIf(metadata, "sha", f.SHA)
	setIf(metadata, "author", f.Author)
	if len(f.FailedJobs) > 0 {
		metadata["failedJobs"] = f.FailedJobs
	}

	eventMetadata := map[string]any{"pipelineId": f.ID}
	if f.Number != 0 {
		eventMetadata["number"] = f.Number
	}
	setIf(eventMetadata, "name", f.Name)
	setIf(eventMetadata, "trigger", f.Trigger)
	if f.Duration != nil {
		eventMetadata["durationSeconds"] = int64(f.Duration.Seconds())
	}

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(PipelineExternalID(f.Provider, f.ID)),
		Source:        string(f.Provider),
		EventType:     model.EventTypePipeline,
		Title:         title,
		Timestamp:     f.Timestamp,
		URL:           ptr(f.URL),
		Status:        ptr(f.Status),
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}

func DeploymentEvent(connectionID int64, f DeploymentFacts) *model.NormalizedEvent {
	metadata := map[string]any{
		"repository":  f.Repository,
		"environment": f.Environment,
	}
	setIf(metadata, "branch", f.Ref)
	setIf(metadata, "sha", f.SHA)
	setIf(metadata, "author", f.Author)

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(DeploymentExternalID(f.Provider, f.ID)),
		Source:        string(f.Provider),
		EventType:     model.EventTypeDeployment,
		Title:         fmt.Sprintf("[Deploy %s] %s", f.Environment, f.Status),
		Description:   ptr(f.Description),
		Timestamp:     f.Timestamp,
		URL:           ptr(f.URL),
		Status:        ptr(f.Status),
		Metadata:      metadata,
		EventMetadata: map[string]any{"deploymentId": f.ID},
	}
}

func TagEvent(connectionID int64, f TagFacts) *model.NormalizedEvent {
	key := orDefault(f.RepoKey, f.Repository)

	metadata := map[string]any{
		"repository": f.Repository,
		"tag":        f.Tag,
	}
	setIf(metadata, "sha", f.SHA)
	setIf(metadata, "author", f.Author)

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(TagExternalID(f.Provider, key, f.Tag)),
		Source:        string(f.Provider),
		EventType:     model.EventTypeTag,
		Title:         fmt.Sprintf("[Tag %s] %s", f.Tag, f.Repository),
		Description:   ptr(f.Message),
		Timestamp:     f.Timestamp,
		URL:           ptr(f.URL),
		Metadata:      metadata,
		EventMetadata: map[string]any{},
	}
}

func ImageEvent(connectionID int64, f ImageFacts) *model.NormalizedEvent {
	metadata := map[string]any{
		"repository": f.Repository,
		"image":      f.Path,
		"tag":        f.Tag,
	}
	setIf(metadata, "digest", f.Digest)

	eventMetadata := map[string]any{"registryId": f.RegistryID}
	setIf(eventMetadata, "location", f.Location)
	if f.SizeBytes > 0 {
		eventMetadata["sizeBytes"] = f.SizeBytes
	}

	return &model.NormalizedEvent{
		ConnectionID:  connectionID,
		ExternalID:    ptr(ImageExternalID(f.Provider, f.RegistryID, f.Tag)),
		Source:        string(f.Provider),
		EventType:     model.EventTypeImage,
		Title:         fmt.Sprintf("[Image %s:%s]", f.Path, f.Tag),
		Timestamp:     f.Timestamp,
		URL:           ptr(f.Location),
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}

// FirstLine returns the first line of s, trimmed and cut to max runes.
func FirstLine(s string, max int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return truncateRunes(strings.TrimSpace(line), max)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func externalID(provider model.Provider, kind string, parts ...string) string {
	return string(provider) + "-" + kind + "-" + strings.Join(parts, "-")
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
