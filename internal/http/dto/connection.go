package dto

import (
	"time"

	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/service"
)

const redacted = "********"

// secretConfigKeys are config entries never echoed back to API callers.
var secretConfigKeys = []string{"token"}

type CreateConnectionRequest struct {
	TenantID      *string        `json:"tenant_id,omitempty"`
	Name          string         `json:"name" binding:"required"`
	Provider      string         `json:"provider" binding:"required"`
	Config        map[string]any `json:"config"`
	Enabled       *bool          `json:"enabled,omitempty"`
	WebhookSecret *string        `json:"webhook_secret,omitempty"`
}

func (r CreateConnectionRequest) ToParams() service.CreateConnectionParams {
	return service.CreateConnectionParams{
		TenantID:      r.TenantID,
		Name:          r.Name,
		Provider:      model.Provider(r.Provider),
		Config:        r.Config,
		Enabled:       r.Enabled,
		WebhookSecret: r.WebhookSecret,
	}
}

// UpdateConnectionRequest replaces only the fields that are present.
type UpdateConnectionRequest struct {
	Name          *string        `json:"name,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
	WebhookSecret *string        `json:"webhook_secret,omitempty"`
}

func (r UpdateConnectionRequest) ToParams() service.UpdateConnectionParams {
	return service.UpdateConnectionParams{
		Name:          r.Name,
		Config:        r.Config,
		Enabled:       r.Enabled,
		WebhookSecret: r.WebhookSecret,
	}
}

type ConnectionResponse struct {
	ID               int64          `json:"id"`
	TenantID         *string        `json:"tenant_id,omitempty"`
	Name             string         `json:"name"`
	Provider         string         `json:"provider"`
	Config           map[string]any `json:"config"`
	Enabled          bool           `json:"enabled"`
	HasWebhookSecret bool           `json:"has_webhook_secret"`
	LastSync         *time.Time     `json:"last_sync,omitempty"`
	LastWebhook      *time.Time     `json:"last_webhook,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func ToConnectionResponse(c *model.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:               c.ID,
		TenantID:         c.TenantID,
		Name:             c.Name,
		Provider:         string(c.Provider),
		Config:           redactConfig(c.Config),
		Enabled:          c.Enabled,
		HasWebhookSecret: c.HasWebhookSecret(),
		LastSync:         c.LastSync,
		LastWebhook:      c.LastWebhook,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func ToConnectionResponses(conns []model.Connection) []ConnectionResponse {
	out := make([]ConnectionResponse, 0, len(conns))
	for i := range conns {
		out = append(out, ToConnectionResponse(&conns[i]))
	}
	return out
}

func redactConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}
	for _, k := range secretConfigKeys {
		if v, ok := out[k]; ok && v != "" && v != nil {
			out[k] = redacted
		}
	}
	return out
}

type TestConnectionResponse struct {
	Success bool `json:"success"`
}

type SyncConnectionResponse struct {
	JobID    string `json:"jobId"`
	Priority string `json:"priority"`
}
