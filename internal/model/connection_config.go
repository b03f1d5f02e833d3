package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultPollInterval applies when a connection does not set one.
const DefaultPollInterval = 300 * time.Second

const (
	DefaultClusterName = "default"
	DefaultWatchWindow = 10 * time.Second
)

// ConnectionConfig reads the handful of keys the pipeline cares about out of the
// opaque config blob. Everything else is left for the UI to own.
//
// List values may be stored as a JSON array or as a comma-separated string.
type ConnectionConfig map[string]any

func (c ConnectionConfig) Token() string {
	return c.str("token")
}

// BaseURL is the GitLab instance URL or a GitHub Enterprise API URL.
func (c ConnectionConfig) BaseURL() string {
	if v := c.str("url"); v != "" {
		return v
	}
	return c.str("baseUrl")
}

func (c ConnectionConfig) Repositories() []string {
	if v, ok := c["repositories"]; ok {
		return splitList(v)
	}
	return splitList(c["repos"])
}

func (c ConnectionConfig) Branches() []string {
	return splitList(c["branches"])
}

// Tags are labels copied onto every event from this connection.
func (c ConnectionConfig) Tags() []string {
	if v, ok := c["tags"]; ok {
		return splitList(v)
	}
	return splitList(c["labels"])
}

// PollInterval falls back to DefaultPollInterval for missing, zero, negative or unparsable values.
func (c ConnectionConfig) PollInterval() time.Duration {
	raw, ok := c["pollInterval"]
	if !ok {
		raw = c["poll_interval"]
	}
	if d, ok := seconds(raw); ok {
		return d
	}
	return DefaultPollInterval
}

// APIServer is the Kubernetes API URL. Empty means in-cluster credentials.
func (c ConnectionConfig) APIServer() string {
	if v := c.str("apiServer"); v != "" {
		return v
	}
	if v := c.str("api_server"); v != "" {
		return v
	}
	return c.BaseURL()
}

func (c ConnectionConfig) ClusterName() string {
	if v := c.str("clusterName"); v != "" {
		return v
	}
	if v := c.str("cluster_name"); v != "" {
		return v
	}
	return DefaultClusterName
}

// Namespaces is empty when every namespace is watched.
func (c ConnectionConfig) Namespaces() []string {
	return splitList(c["namespaces"])
}

// VerifySSL defaults to false, since clusters commonly serve self-signed certificates.
func (c ConnectionConfig) VerifySSL() bool {
	raw, ok := c["verifySsl"]
	if !ok {
		raw = c["verify_ssl"]
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
	return false
}

// WatchWindow is how long one sync follows each Kubernetes watch.
func (c ConnectionConfig) WatchWindow() time.Duration {
	if d, ok := seconds(c["watchSeconds"]); ok {
		return d
	}
	return DefaultWatchWindow
}

func (c ConnectionConfig) str(key string) string {
	switch v := c[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// seconds parses a positive number of seconds from a JSON number or a numeric string.
func seconds(raw any) (time.Duration, bool) {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}

func splitList(raw any) []string {
	var parts []string
	switch v := raw.(type) {
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
