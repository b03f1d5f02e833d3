package connector

import (
	"sort"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/model"
)

// Factory builds a connector for one connection.
type Factory func(conn *model.Connection) (Connector, error)

// Registry maps providers to factories. It is fixed once built.
type Registry struct {
	factories map[model.Provider]Factory
}

// NewRegistry copies factories, so later changes to the map do not leak in.
func NewRegistry(factories map[model.Provider]Factory) *Registry {
	copied := make(map[model.Provider]Factory, len(factories))
	for provider, f := range factories {
		if f != nil {
			copied[provider] = f
		}
	}
	return &Registry{factories: copied}
}

// DefaultFactories wires every built-in connector to deps.
func DefaultFactories(deps Deps) map[model.Provider]Factory {
	return map[model.Provider]Factory{
		model.ProviderGitHub:     NewGitHubFactory(deps),
		model.ProviderGitLab:     NewGitLabFactory(deps),
		model.ProviderInternal:   NewInternalFactory(),
		model.ProviderKubernetes: NewKubernetesFactory(deps, nil),
	}
}

func (r *Registry) Supports(provider model.Provider) bool {
	_, ok := r.factories[provider]
	return ok
}

// Build returns a ValidationFailure for providers without a factory.
func (r *Registry) Build(conn *model.Connection) (Connector, error) {
	f, ok := r.factories[conn.Provider]
	if !ok {
		return nil, errs.Newf(errs.ValidationFailure, "no connector for provider %q", conn.Provider)
	}
	return f(conn)
}

func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
