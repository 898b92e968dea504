// Package providers defines the inference backend contract and the registry
// that maps provider domains to backends.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/pkg/retry"
)

// Provider performs inference for one or more task types.
//
// Process may be long-running and must return promptly once ctx is done.
// Validate checks an envelope's payload before the provider is called and
// returns a *domain.ValidationError when it is malformed.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	SupportedTaskTypes() []domain.TaskType
	Validate(env *domain.TaskEnvelope) error
	Process(ctx context.Context, env *domain.TaskEnvelope) (map[string]any, error)
}

// Registry maps domain keys to providers and task types to domain keys.
// Registration happens at startup; lookups are safe to call concurrently.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	byType    map[domain.TaskType]string
	order     []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		byType:    make(map[domain.TaskType]string),
	}
}

// Register binds p to domainKey. A domain key or task type can only be
// claimed once.
func (r *Registry) Register(domainKey string, p Provider) error {
	if domainKey == "" {
		return errors.New("register provider: empty domain key")
	}
	types := p.SupportedTaskTypes()
	if len(types) == 0 {
		return fmt.Errorf("register provider %q: no supported task types", p.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[domainKey]; ok {
		return fmt.Errorf("register provider %q: domain %q already registered", p.Name(), domainKey)
	}
	for _, tt := range types {
		if owner, ok := r.byType[tt]; ok {
			return fmt.Errorf("register provider %q: task type %q already served by domain %q", p.Name(), tt, owner)
		}
	}

	r.providers[domainKey] = p
	for _, tt := range types {
		r.byType[tt] = domainKey
	}
	r.order = append(r.order, domainKey)
	return nil
}

// Resolve returns the provider and domain key serving taskType.
// Returns InvalidTaskTypeError if no provider claims it.
func (r *Registry) Resolve(taskType domain.TaskType) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byType[taskType]
	if !ok {
		return nil, "", &domain.InvalidTaskTypeError{TaskType: taskType}
	}
	return r.providers[key], key, nil
}

// Domains returns the registered domain keys in sorted order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	out := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// TaskTypes returns every task type with a registered provider.
func (r *Registry) TaskTypes() []domain.TaskType {
	r.mu.RLock()
	out := make([]domain.TaskType, 0, len(r.byType))
	for tt := range r.byType {
		out = append(out, tt)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InitializeAll initializes providers in registration order, retrying each
// with backoff. The first provider that still fails aborts startup.
func (r *Registry) InitializeAll(ctx context.Context, attempts int, baseDelay time.Duration, onRetry func(name string, attempt int, err error)) error {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, key := range order {
		p := r.providers[key]
		err := retry.Do(ctx, retry.Config{
			MaxAttempts: attempts,
			BaseDelay:   baseDelay,
			MaxDelay:    30 * time.Second,
			OnRetry: func(attempt int, err error) {
				if onRetry != nil {
					onRetry(p.Name(), attempt, err)
				}
			},
		}, p.Initialize)
		if err != nil {
			return fmt.Errorf("initialize provider %q: %w", p.Name(), err)
		}
	}
	return nil
}

// ShutdownAll shuts providers down in reverse registration order and joins
// their errors.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		p := r.providers[order[i]]
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown provider %q: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// requireFields is the payload check shared by the built-in providers.
func requireFields(env *domain.TaskEnvelope, fields []string) error {
	for _, f := range fields {
		v, ok := env.Payload[f]
		if !ok || v == nil {
			return &domain.ValidationError{TaskType: env.TaskType, Field: f, Reason: "is required"}
		}
		if s, isStr := v.(string); isStr && s == "" {
			return &domain.ValidationError{TaskType: env.TaskType, Field: f, Reason: "must not be empty"}
		}
	}
	return nil
}
