package model

import "time"

// Provider is the external system a connection talks to.
type Provider string

const (
	ProviderGitHub     Provider = "github"
	ProviderGitLab     Provider = "gitlab"
	ProviderInternal   Provider = "internal"
	ProviderKubernetes Provider = "kubernetes"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderGitHub, ProviderGitLab, ProviderInternal, ProviderKubernetes:
		return true
	}
	return false
}

// Connection is one configured integration instance.
// Config is opaque; read it through ConnectionConfig.
type Connection struct {
	ID            int64          `json:"id"`
	TenantID      *string        `json:"tenant_id,omitempty"`
	Name          string         `json:"name"`
	Provider      Provider       `json:"provider"`
	Config        map[string]any `json:"config"`
	Enabled       bool           `json:"enabled"`
	WebhookSecret *string        `json:"-"`
	LastSync      *time.Time     `json:"last_sync,omitempty"`
	LastWebhook   *time.Time     `json:"last_webhook,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasWebhookSecret reports whether a non-empty shared secret is configured.
func (c *Connection) HasWebhookSecret() bool {
	return c.WebhookSecret != nil && *c.WebhookSecret != ""
}

// Settings returns typed accessors over Config.
func (c *Connection) Settings() ConnectionConfig {
	return ConnectionConfig(c.Config)
}
