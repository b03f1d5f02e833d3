// Package normalizer maps provider payloads onto model.NormalizedEvent.
//
// Everything here is a pure function of its inputs. Webhook payloads and polled
// API objects both go through the builders in facts.go, so an upstream item gets
// the same external ID whichever path delivers it.
package normalizer

import (
	"fmt"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/model"
)

// EventKind is a provider event after header decoding.
type EventKind string

const (
	KindUnsupported  EventKind = "unsupported"
	KindPing         EventKind = "ping"
	KindPush         EventKind = "push"
	KindTagPush      EventKind = "tag_push"
	KindCreate       EventKind = "create"
	KindPullRequest  EventKind = "pull_request"
	KindMergeRequest EventKind = "merge_request"
	KindRelease      EventKind = "release"
	KindWorkflowRun  EventKind = "workflow_run"
	KindPipeline     EventKind = "pipeline"
	KindDeployment   EventKind = "deployment"
)

// Normalizer is implemented once per provider.
type Normalizer interface {
	Provider() model.Provider
	// Kind decodes the provider's event header. Unknown values map to KindUnsupported.
	Kind(header string) EventKind
	// Transform returns nil, nil for events that should be skipped.
	// A payload that cannot be decoded returns an error marked errs.ValidationFailure.
	//
	// Timestamp is left zero when the payload carries none (tag creation on GitHub,
	// tag pushes on GitLab); the receiver stamps it with the delivery time.
	Transform(kind EventKind, raw []byte, connectionID int64) (*model.NormalizedEvent, error)
}

// Registry resolves the normalizer of each webhook-sending provider. It is
// read-only once built and safe for concurrent use.
type Registry struct {
	normalizers map[model.Provider]Normalizer
}

// NewRegistry indexes normalizers by their Provider. A later entry for the same
// provider replaces an earlier one.
func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[model.Provider]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Provider()] = n
	}
	return r
}

// Default covers every provider that delivers webhooks.
func Default() *Registry {
	return NewRegistry(GitHub{}, GitLab{})
}

// For returns the normalizer for provider, if the provider sends webhooks.
func (r *Registry) For(provider model.Provider) (Normalizer, bool) {
	n, ok := r.normalizers[provider]
	return n, ok
}

func decodeFailure(kind EventKind, err error) error {
	return errs.Mark(fmt.Errorf("decoding %s payload: %w", kind, err), errs.ValidationFailure)
}
