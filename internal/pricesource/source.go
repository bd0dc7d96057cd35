// Package pricesource defines the polymorphic adapters that turn marketplace
// APIs into comparable-sale feeds, each guarded by a per-source circuit
// breaker and backoff policy.
package pricesource

import (
	"context"
	"sync"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
)

// Source is one price source adapter.
type Source interface {
	// Name returns the source identifier used in breaker stats, comps, and
	// fused results.
	Name() string
	// Available reports whether the source's circuit currently admits calls.
	// Unavailable sources are skipped without being called.
	Available() bool
	// FetchComps returns recent comparable sales for the card. Retries and
	// breaker accounting happen inside.
	FetchComps(ctx context.Context, meta model.CardMeta) ([]model.RawComp, error)
}

// Registry manages the configured sources in registration order.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds a source. Re-registering a name replaces it in place.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}
	r.sources[s.Name()] = s
}

// Get returns a source by name, or nil if not registered.
func (r *Registry) Get(name string) Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[name]
}

// All returns the registered sources in registration order.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name])
	}
	return out
}

// guard couples a source's circuit breaker with its backoff policy. The
// retry budget is spent inside a single breaker admission, so the breaker
// counts calls that failed even after retries.
type guard struct {
	name    string
	breaker *resilience.Breaker
	policy  resilience.Policy
}

func newGuard(name string, breakers *resilience.SourceBreakers, policy resilience.Policy) guard {
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger(name, "fetch_comps")
	}
	return guard{
		name:    name,
		breaker: breakers.Get(name),
		policy:  policy,
	}
}

func (g guard) available() bool {
	return g.breaker.Available()
}

func (g guard) fetch(ctx context.Context, fn func(ctx context.Context) ([]model.RawComp, error)) ([]model.RawComp, error) {
	return resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) ([]model.RawComp, error) {
		return resilience.DoVal(ctx, g.policy, fn)
	})
}
