package normalizer

import (
	"strings"

	"painchain.app/ingest/internal/model"
)

// StatusTable maps a provider status vocabulary onto the canonical one.
// Lookups are case-insensitive and unknown values pass through unchanged.
type StatusTable map[string]string

func (t StatusTable) Map(raw string) string {
	if v, ok := t[strings.ToLower(raw)]; ok {
		return v
	}
	return raw
}

var (
	// GitHubConclusions covers workflow run and check conclusions.
	GitHubConclusions = StatusTable{
		"success":         model.StatusSuccess,
		"neutral":         model.StatusSuccess,
		"failure":         model.StatusFailed,
		"timed_out":       model.StatusFailed,
		"startup_failure": model.StatusFailed,
		"cancelled":       model.StatusCancelled,
		"skipped":         model.StatusSkipped,
		"stale":           model.StatusSkipped,
		"action_required": model.StatusPending,
	}

	GitHubDeploymentStates = StatusTable{
		"success":     model.StatusSuccess,
		"failure":     model.StatusFailed,
		"error":       model.StatusFailed,
		"inactive":    model.StatusCancelled,
		"in_progress": model.StatusRunning,
		"queued":      model.StatusPending,
		"pending":     model.StatusPending,
	}

	// GitLabPipelineStates also applies to job statuses.
	GitLabPipelineStates = StatusTable{
		"success":              model.StatusSuccess,
		"failed":               model.StatusFailed,
		"canceled":             model.StatusCancelled,
		"canceling":            model.StatusRunning,
		"skipped":              model.StatusSkipped,
		"running":              model.StatusRunning,
		"pending":              model.StatusPending,
		"created":              model.StatusPending,
		"preparing":            model.StatusPending,
		"waiting_for_resource": model.StatusPending,
		"manual":               model.StatusPending,
		"scheduled":            model.StatusPending,
	}

	GitLabDeploymentStates = StatusTable{
		"success":  model.StatusSuccess,
		"failed":   model.StatusFailed,
		"canceled": model.StatusCancelled,
		"running":  model.StatusRunning,
		"created":  model.StatusPending,
		"blocked":  model.StatusPending,
	}
)

// IsTerminal reports whether a canonical status will not change again.
// Only terminal pipelines and deployments are stored, since the first write for an external ID wins.
func IsTerminal(status string) bool {
	switch status {
	case model.StatusSuccess, model.StatusFailed, model.StatusCancelled, model.StatusSkipped:
		return true
	}
	return false
}

// ChangeRequestStatus folds a PR/MR state into Open, Merged, Closed or Draft.
// GitHub uses "open", GitLab "opened"; "locked" MRs count as closed.
func ChangeRequestStatus(state string, merged, draft bool) string {
	switch {
	case merged:
		return model.StatusMerged
	case strings.EqualFold(state, "merged"):
		return model.StatusMerged
	case strings.EqualFold(state, "closed"), strings.EqualFold(state, "locked"):
		return model.StatusClosed
	case draft:
		return model.StatusDraft
	case strings.EqualFold(state, "open"), strings.EqualFold(state, "opened"):
		return model.StatusOpen
	default:
		return state
	}
}
