// Package offloader runs the dispatch engine: a pool of executors that pull
// envelopes from the priority queue, guard each provider domain with its
// circuit breaker, and emit one TaskResult per envelope.
package offloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ramiqadoumi/go-task-offload/internal/breaker"
	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/internal/events"
	"github.com/ramiqadoumi/go-task-offload/internal/providers"
	"github.com/ramiqadoumi/go-task-offload/internal/queue"
	redisstore "github.com/ramiqadoumi/go-task-offload/internal/redis"
	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

// ResultPublisher emits terminal results toward the requester.
type ResultPublisher interface {
	Publish(ctx context.Context, r *domain.TaskResult)
}

// Broadcaster receives live status events.
type Broadcaster interface {
	Publish(topic, eventType string, data any) events.Event
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *domain.TaskResult) {}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(topic, eventType string, _ any) events.Event {
	return events.Event{Topic: topic, Type: eventType}
}

// Dispatcher owns the executor pool.
type Dispatcher struct {
	queue     *queue.Queue
	providers *providers.Registry
	breakers  *breaker.Registry
	publisher ResultPublisher
	events    Broadcaster
	limiter   redisstore.RateLimiter // nil = admission unlimited
	logger    *slog.Logger

	workers        int
	domainLimit    int64
	defaultTimeout time.Duration
	timeouts       map[domain.TaskType]time.Duration

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	running  atomic.Bool
	inFlight atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithWorkers(n int) Option                  { return func(d *Dispatcher) { d.workers = n } }
func WithDomainConcurrency(n int) Option        { return func(d *Dispatcher) { d.domainLimit = int64(n) } }
func WithDefaultTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.defaultTimeout = t } }
func WithLogger(l *slog.Logger) Option          { return func(d *Dispatcher) { d.logger = l } }
func WithPublisher(p ResultPublisher) Option    { return func(d *Dispatcher) { d.publisher = p } }
func WithBroadcaster(b Broadcaster) Option      { return func(d *Dispatcher) { d.events = b } }

// WithRateLimiter enables per-task-type admission limiting in Submit.
func WithRateLimiter(l redisstore.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithTaskTimeout sets the provider deadline for one task type.
func WithTaskTimeout(tt domain.TaskType, t time.Duration) Option {
	return func(d *Dispatcher) { d.timeouts[tt] = t }
}

// NewDispatcher constructs a Dispatcher over q, resolving providers from reg
// and breakers from br.
func NewDispatcher(q *queue.Queue, reg *providers.Registry, br *breaker.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:          q,
		providers:      reg,
		breakers:       br,
		publisher:      nopPublisher{},
		events:         nopBroadcaster{},
		logger:         slog.Default(),
		workers:        4,
		domainLimit:    2,
		defaultTimeout: 30 * time.Second,
		timeouts:       make(map[domain.TaskType]time.Duration),
		sems:           make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.domainLimit <= 0 {
		d.domainLimit = 1
	}
	return d
}

// Submit admits env into the queue. The returned error is a typed domain
// error; the caller turns it into a failed TaskResult for the requester.
func (d *Dispatcher) Submit(ctx context.Context, env *domain.TaskEnvelope, source string) error {
	log := d.logger.With(
		slog.String("task_id", env.TaskID),
		slog.String("task_type", string(env.TaskType)),
	)

	// Envelopes no provider can serve are rejected before they occupy
	// queue capacity.
	if err := d.admissible(env); err != nil {
		telemetry.QueueRejected.WithLabelValues(string(domain.ErrorKindValidation)).Inc()
		log.Warn("task rejected", slog.String("error", err.Error()))
		return err
	}

	if err := d.admit(ctx, env, log); err != nil {
		telemetry.QueueRejected.WithLabelValues(string(domain.ErrorKindRateLimited)).Inc()
		log.Warn("task rejected", slog.String("error", err.Error()))
		return err
	}

	if err := d.queue.Enqueue(env); err != nil {
		kind := string(domain.Classify(err).Kind)
		if errors.Is(err, queue.ErrClosed) {
			kind = "closed"
		}
		telemetry.QueueRejected.WithLabelValues(kind).Inc()
		log.Warn("task rejected", slog.String("error", err.Error()))
		return err
	}

	telemetry.TasksEnqueued.WithLabelValues(source).Inc()
	d.setQueueGauge()
	d.events.Publish(events.TopicTask, events.TypeTaskEnqueued, map[string]any{
		"task_id":   env.TaskID,
		"task_type": env.TaskType,
		"priority":  env.Priority,
		"source":    source,
	})
	log.Debug("task enqueued", slog.Int("priority", env.Priority), slog.String("source", source))
	return nil
}

func (d *Dispatcher) admissible(env *domain.TaskEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	p, _, err := d.providers.Resolve(env.TaskType)
	if err != nil {
		return err
	}
	return p.Validate(env)
}

// admit consults the rate limiter. A limiter failure admits the task so a
// Redis outage never blocks ingestion.
func (d *Dispatcher) admit(ctx context.Context, env *domain.TaskEnvelope, log *slog.Logger) error {
	if d.limiter == nil {
		return nil
	}
	allowed, err := d.limiter.Allow(ctx, string(env.TaskType))
	if err != nil {
		log.Error("rate limiter error, admitting", slog.String("error", err.Error()))
		return nil
	}
	if !allowed {
		return &domain.RateLimitExceededError{TaskType: env.TaskType, Limit: d.limiter.Limit()}
	}
	return nil
}

// Run starts the executors and blocks until the queue is closed and drained
// or ctx is cancelled. A single task's failure never stops an executor.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	d.logger.Info("dispatcher started",
		slog.Int("workers", d.workers),
		slog.Int64("domain_concurrency", d.domainLimit),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		id := i
		g.Go(func() error { return d.executor(gctx, id) })
	}
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

// Ready reports whether the executors are running.
func (d *Dispatcher) Ready() bool { return d.running.Load() }

func (d *Dispatcher) executor(ctx context.Context, id int) error {
	for {
		env, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("executor %d dequeue: %w", id, err)
		}
		d.Dispatch(ctx, env)
	}
}

// Dispatch processes one dequeued envelope end to end and returns its
// result. The envelope is released from the queue before returning.
func (d *Dispatcher) Dispatch(ctx context.Context, env *domain.TaskEnvelope) *domain.TaskResult {
	ctx, span := otel.Tracer("offloader").Start(ctx, "offloader.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.type", string(env.TaskType)),
		attribute.Int("task.priority", env.Priority),
	)

	log := d.logger.With(
		slog.String("task_id", env.TaskID),
		slog.String("task_type", string(env.TaskType)),
		slog.String("domain", env.TaskType.Domain()),
	)

	d.events.Publish(events.TopicTask, events.TypeTaskStarted, map[string]any{
		"task_id":   env.TaskID,
		"task_type": env.TaskType,
	})

	start := time.Now()
	out, err := d.execute(ctx, env, log)
	elapsed := time.Since(start)

	var result *domain.TaskResult
	if err != nil {
		result = domain.NewFailedResult(env, err, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.Error.Kind))
		log.Warn("task failed",
			slog.String("kind", string(result.Error.Kind)),
			slog.Bool("fallback_required", result.FallbackRequired()),
			slog.Int64("duration_ms", result.ProcessingTimeMs),
			slog.String("error", err.Error()),
		)
	} else {
		result = domain.NewCompletedResult(env, out, elapsed)
		log.Info("task completed", slog.Int64("duration_ms", result.ProcessingTimeMs))
	}

	d.queue.Complete(env.TaskID, result.Status)
	d.setQueueGauge()
	telemetry.TasksProcessed.WithLabelValues(string(result.Status)).Inc()
	telemetry.TaskDurationSeconds.WithLabelValues(string(env.TaskType)).Observe(elapsed.Seconds())

	d.publisher.Publish(ctx, result)

	eventType := events.TypeTaskCompleted
	if result.Status != domain.StatusCompleted {
		eventType = events.TypeTaskFailed
	}
	d.events.Publish(events.TopicTask, eventType, result)
	return result
}

// execute resolves the provider and runs it behind the domain's breaker.
// Resolution, validation and open-circuit rejections never reach the
// breaker's counters.
func (d *Dispatcher) execute(ctx context.Context, env *domain.TaskEnvelope, log *slog.Logger) (map[string]any, error) {
	p, domainKey, err := d.providers.Resolve(env.TaskType)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(env); err != nil {
		return nil, err
	}

	sem := d.semaphore(domainKey)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, &domain.ProviderExecutionError{Provider: p.Name(), Err: err}
	}
	defer sem.Release(1)

	br := d.breakers.Get(domainKey)
	ticket, ok := br.Allow()
	if !ok {
		log.Debug("circuit open, skipping provider")
		return nil, &domain.CircuitOpenError{Domain: domainKey}
	}

	out, err := d.call(ctx, p, domainKey, env)
	switch {
	case err == nil:
		br.RecordSuccess(ticket)
	case ctx.Err() != nil:
		// Cancelled by shutdown, not by the provider.
		br.Abandon(ticket)
	default:
		br.RecordFailure(ticket)
	}
	return out, err
}

type outcome struct {
	result map[string]any
	err    error
}

// call invokes the provider under the task type's deadline. On expiry the
// executor stops waiting; the provider sees a cancelled context and its late
// result is discarded.
func (d *Dispatcher) call(ctx context.Context, p providers.Provider, domainKey string, env *domain.TaskEnvelope) (map[string]any, error) {
	timeout := d.timeoutFor(env.TaskType)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.inFlight.Add(1)
	telemetry.TasksInFlight.WithLabelValues(domainKey).Inc()
	defer func() {
		telemetry.TasksInFlight.WithLabelValues(domainKey).Dec()
		d.inFlight.Add(-1)
	}()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &domain.ProviderExecutionError{
					Provider: p.Name(),
					Err:      fmt.Errorf("panic: %v", r),
				}}
			}
		}()
		out, err := p.Process(callCtx, env)
		done <- outcome{result: out, err: err}
	}()

	select {
	case o := <-done:
		switch {
		case o.err == nil && o.result == nil:
			return nil, &domain.ProviderExecutionError{Provider: p.Name(), Err: errors.New("provider returned no result")}
		case o.err == nil:
			return o.result, nil
		case errors.Is(o.err, context.DeadlineExceeded) && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, &domain.ProviderTimeoutError{Provider: p.Name(), Timeout: timeout}
		default:
			return nil, asExecutionError(p.Name(), o.err)
		}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &domain.ProviderTimeoutError{Provider: p.Name(), Timeout: timeout}
		}
		return nil, &domain.ProviderExecutionError{Provider: p.Name(), Err: callCtx.Err()}
	}
}

// asExecutionError keeps typed provider errors and wraps everything else.
func asExecutionError(provider string, err error) error {
	var (
		exec    *domain.ProviderExecutionError
		timeout *domain.ProviderTimeoutError
	)
	if errors.As(err, &exec) || errors.As(err, &timeout) {
		return err
	}
	return &domain.ProviderExecutionError{Provider: provider, Err: err}
}

// setQueueGauge reports queued plus in-flight envelopes, the same figure as
// Stats().Queue.CurrentSize.
func (d *Dispatcher) setQueueGauge() {
	telemetry.QueueSize.Set(float64(d.queue.Stats().CurrentSize))
}

func (d *Dispatcher) timeoutFor(tt domain.TaskType) time.Duration {
	if t, ok := d.timeouts[tt]; ok && t > 0 {
		return t
	}
	return d.defaultTimeout
}

func (d *Dispatcher) semaphore(domainKey string) *semaphore.Weighted {
	d.semMu.Lock()
	defer d.semMu.Unlock()
	s, ok := d.sems[domainKey]
	if !ok {
		s = semaphore.NewWeighted(d.domainLimit)
		d.sems[domainKey] = s
	}
	return s
}
