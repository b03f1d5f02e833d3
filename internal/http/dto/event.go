package dto

import (
	"time"

	"painchain.app/ingest/internal/model"
)

// ProcessorEventRequest is an event posted directly by an external processor.
// Required fields are checked by the ingestion engine so the error shape matches every other path.
type ProcessorEventRequest struct {
	ConnectionID  int64          `json:"connectionId"`
	Source        string         `json:"source"`
	EventType     string         `json:"eventType"`
	Title         string         `json:"title"`
	Timestamp     time.Time      `json:"timestamp"`
	ExternalID    *string        `json:"externalId,omitempty"`
	Description   *string        `json:"description,omitempty"`
	URL           *string        `json:"url,omitempty"`
	Status        *string        `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	EventMetadata map[string]any `json:"eventMetadata,omitempty"`
}

func (r ProcessorEventRequest) ToNormalized() model.NormalizedEvent {
	return model.NormalizedEvent{
		ConnectionID:  r.ConnectionID,
		ExternalID:    r.ExternalID,
		Source:        r.Source,
		EventType:     model.EventType(r.EventType),
		Title:         r.Title,
		Description:   r.Description,
		Timestamp:     r.Timestamp,
		URL:           r.URL,
		Status:        r.Status,
		Metadata:      r.Metadata,
		EventMetadata: r.EventMetadata,
	}
}

type ProcessorEventResponse struct {
	Success   bool   `json:"success"`
	EventID   *int64 `json:"eventId,omitempty"`
	Duplicate *bool  `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ListEventsResponse struct {
	Events []model.ChangeEvent `json:"events"`
}
