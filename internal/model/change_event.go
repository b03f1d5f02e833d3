package model

import "time"

// EventType is the canonical kind of a stored change event.
type EventType string

const (
	EventTypeCommit       EventType = "commit"
	EventTypePullRequest  EventType = "pull_request"
	EventTypeMergeRequest EventType = "merge_request"
	EventTypeRelease      EventType = "release"
	EventTypePipeline     EventType = "pipeline"
	EventTypeDeployment   EventType = "deployment"
	EventTypeTag          EventType = "tag"
	EventTypeImage        EventType = "image"
	EventTypeConnector    EventType = "connector"
	EventTypeResource     EventType = "resource"
)

// Canonical statuses. Provider values with no entry in a status table are kept verbatim.
const (
	StatusSuccess   = "Success"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
	StatusSkipped   = "Skipped"
	StatusRunning   = "Running"
	StatusPending   = "Pending"

	StatusOpen   = "Open"
	StatusMerged = "Merged"
	StatusClosed = "Closed"
	StatusDraft  = "Draft"
)

// ChangeEvent is a persisted, deduplicated timeline entry.
// (ConnectionID, ExternalID) is unique whenever ExternalID is set.
type ChangeEvent struct {
	ID            int64          `json:"id"`
	ConnectionID  int64          `json:"connection_id"`
	ExternalID    *string        `json:"external_id,omitempty"`
	Source        string         `json:"source"`
	EventType     EventType      `json:"event_type"`
	Title         string         `json:"title"`
	Description   *string        `json:"description,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	URL           *string        `json:"url,omitempty"`
	Status        *string        `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	EventMetadata map[string]any `json:"event_metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NormalizedEvent is what normalizers and connectors hand to the ingestion engine.
type NormalizedEvent struct {
	ConnectionID  int64
	ExternalID    *string
	Source        string
	EventType     EventType
	Title         string
	Description   *string
	Timestamp     time.Time
	URL           *string
	Status        *string
	Metadata      map[string]any
	EventMetadata map[string]any
}

// ApplyTags merges connection-level labels into metadata["tags"], keeping order and dropping repeats.
func (e *NormalizedEvent) ApplyTags(tags []string) {
	if len(tags) == 0 {
		return
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	seen := map[string]bool{}
	var merged []string
	if existing, ok := e.Metadata["tags"].([]string); ok {
		for _, t := range existing {
			if !seen[t] {
				seen[t] = true
				merged = append(merged, t)
			}
		}
	}
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	e.Metadata["tags"] = merged
}

// ToChangeEvent builds the row to insert. Nil maps become empty so the JSONB columns are never null.
func (e NormalizedEvent) ToChangeEvent(id int64) *ChangeEvent {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	eventMetadata := e.EventMetadata
	if eventMetadata == nil {
		eventMetadata = map[string]any{}
	}
	return &ChangeEvent{
		ID:            id,
		ConnectionID:  e.ConnectionID,
		ExternalID:    e.ExternalID,
		Source:        e.Source,
		EventType:     e.EventType,
		Title:         e.Title,
		Description:   e.Description,
		Timestamp:     e.Timestamp.UTC(),
		URL:           e.URL,
		Status:        e.Status,
		Metadata:      metadata,
		EventMetadata: eventMetadata,
	}
}
