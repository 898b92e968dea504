package providers

import (
	"context"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
)

// ProcessFunc is the body of a FuncProvider.
type ProcessFunc func(ctx context.Context, env *domain.TaskEnvelope) (map[string]any, error)

// FuncProvider adapts a function into a Provider, for custom extensions that
// run in-process.
type FuncProvider struct {
	name     string
	required map[domain.TaskType][]string
	fn       ProcessFunc
}

// NewFuncProvider creates a FuncProvider. required maps each served task type
// to its required payload fields.
func NewFuncProvider(name string, required map[domain.TaskType][]string, fn ProcessFunc) *FuncProvider {
	return &FuncProvider{name: name, required: required, fn: fn}
}

func (p *FuncProvider) Name() string                       { return p.name }
func (p *FuncProvider) Initialize(_ context.Context) error { return nil }
func (p *FuncProvider) Shutdown(_ context.Context) error   { return nil }

func (p *FuncProvider) SupportedTaskTypes() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(p.required))
	for tt := range p.required {
		out = append(out, tt)
	}
	return out
}

func (p *FuncProvider) Validate(env *domain.TaskEnvelope) error {
	fields, ok := p.required[env.TaskType]
	if !ok {
		return &domain.InvalidTaskTypeError{TaskType: env.TaskType}
	}
	return requireFields(env, fields)
}

func (p *FuncProvider) Process(ctx context.Context, env *domain.TaskEnvelope) (map[string]any, error) {
	return p.fn(ctx, env)
}
