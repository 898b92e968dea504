package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/internal/version"
	"github.com/ramiqadoumi/go-task-offload/pkg/retry"
)

// maxResponseBytes caps how much of an inference response is read.
const maxResponseBytes = 8 << 20

// HTTPConfig describes a remote inference engine reachable over HTTP.
type HTTPConfig struct {
	// Name identifies the provider in logs, spans, and errors.
	Name string
	// Endpoint is the base URL, e.g. "http://gpu-box:8000".
	Endpoint string
	// TaskTypes maps each served task type to its required payload fields.
	TaskTypes map[domain.TaskType][]string
	// HealthPath is probed by Initialize when non-empty.
	HealthPath string
	Client     *http.Client
}

// inferRequest is the body posted to the inference engine.
type inferRequest struct {
	TaskID   string          `json:"task_id"`
	TaskType domain.TaskType `json:"task_type"`
	Payload  map[string]any  `json:"payload"`
	Meta     map[string]any  `json:"meta,omitempty"`
}

// HTTPProvider forwards envelopes to POST {endpoint}/v1/infer/{task_type} and
// returns the decoded JSON object as the task result.
type HTTPProvider struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
}

// NewHTTPProvider creates an HTTPProvider. The endpoint is parsed by Initialize.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPProvider{cfg: cfg, client: client}
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

func (p *HTTPProvider) SupportedTaskTypes() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(p.cfg.TaskTypes))
	for tt := range p.cfg.TaskTypes {
		out = append(out, tt)
	}
	return out
}

func (p *HTTPProvider) Initialize(ctx context.Context) error {
	if p.cfg.Endpoint == "" {
		return retry.Permanent(fmt.Errorf("%s: endpoint is not configured", p.cfg.Name))
	}
	base, err := url.Parse(strings.TrimRight(p.cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return retry.Permanent(fmt.Errorf("%s: invalid endpoint %q", p.cfg.Name, p.cfg.Endpoint))
	}
	p.base = base

	if p.cfg.HealthPath == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base.String()+p.cfg.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("%s: build health request: %w", p.cfg.Name, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: health check returned status %d", p.cfg.Name, resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) Shutdown(_ context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) Validate(env *domain.TaskEnvelope) error {
	fields, ok := p.cfg.TaskTypes[env.TaskType]
	if !ok {
		return &domain.InvalidTaskTypeError{TaskType: env.TaskType}
	}
	return requireFields(env, fields)
}

func (p *HTTPProvider) Process(ctx context.Context, env *domain.TaskEnvelope) (map[string]any, error) {
	ctx, span := otel.Tracer("offloader").Start(ctx, "provider."+p.cfg.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.type", string(env.TaskType)),
	)

	if p.base == nil {
		err := errors.New("provider not initialized")
		span.RecordError(err)
		span.SetStatus(codes.Error, "not initialized")
		return nil, err
	}

	body, err := json.Marshal(inferRequest{
		TaskID:   env.TaskID,
		TaskType: env.TaskType,
		Payload:  env.Payload,
		Meta:     env.Meta,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode request failed")
		return nil, fmt.Errorf("encode %s request: %w", env.TaskType, err)
	}

	target := p.base.String() + "/v1/infer/" + url.PathEscape(string(env.TaskType))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("inference call to %s: %w", target, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("inference %s returned status %d", target, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return nil, err
	}

	var out map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if out == nil {
		err := errors.New("inference response is not a JSON object")
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed response")
		return nil, err
	}
	return out, nil
}
