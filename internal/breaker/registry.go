package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one Breaker per provider domain. Breakers are created lazily
// with the registry's config and live for the registry's lifetime.
type Registry struct {
	cfg      Config
	now      func() time.Time
	onChange TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook is called on every state change of every breaker.
func WithTransitionHook(fn TransitionFunc) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.normalized(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for domain, creating it on first use.
func (r *Registry) Get(domain string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[domain]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[domain]; ok {
		return b
	}
	b = New(domain, r.cfg, r.now, r.onChange)
	r.breakers[domain] = b
	return b
}

// Snapshots returns the state of every known breaker, sorted by domain.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
