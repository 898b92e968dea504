package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-offload/internal/breaker"
	"github.com/ramiqadoumi/go-task-offload/internal/events"
	"github.com/ramiqadoumi/go-task-offload/internal/kafka"
	"github.com/ramiqadoumi/go-task-offload/internal/providers"
	"github.com/ramiqadoumi/go-task-offload/internal/publisher"
	"github.com/ramiqadoumi/go-task-offload/internal/queue"
	redisstore "github.com/ramiqadoumi/go-task-offload/internal/redis"
	"github.com/ramiqadoumi/go-task-offload/internal/version"
	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-offload/services/offloader"
	"github.com/ramiqadoumi/go-task-offload/services/offloader/config"
	"github.com/ramiqadoumi/go-task-offload/services/offloader/handler"
	"github.com/ramiqadoumi/go-task-offload/services/offloader/ingest"
)

const ingestGroupID = "offload-ingest"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher, HTTP API and event stream",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-addr", ":8080", "HTTP API address")
	f.String("metrics-addr", ":9091", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("trace-sample-ratio", 1, "fraction of root traces sampled (0..1)")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("request-topic", "", "Kafka topic to ingest task requests from; empty disables ingest")
	f.String("redis-addr", "", "Redis address (host:port) for rate limiting and redis telemetry")
	f.String("telemetry-transport", config.TransportKafka, "result telemetry transport: kafka | redis | none")
	f.Duration("telemetry-timeout", 2*time.Second, "per-message telemetry publish timeout")
	f.Int("queue-max-size", 100, "maximum queued plus in-flight tasks")
	f.Int("workers", 4, "number of dispatch executors")
	f.Int("domain-concurrency", 2, "concurrent provider calls per domain")
	f.Duration("default-timeout", 30*time.Second, "provider call timeout for task types without an override")
	f.Int("breaker-failure-threshold", 5, "consecutive failures that open a domain breaker")
	f.Int("breaker-success-threshold", 2, "half-open successes that close a domain breaker")
	f.Duration("breaker-timeout", 60*time.Second, "time an open breaker waits before probing")
	f.Int("rate-limit", 0, "admitted tasks per second per task type; 0 disables")
	f.Int("event-buffer-size", 50, "recent events kept per topic")
	f.Duration("stats-interval", 5*time.Second, "stats snapshot broadcast interval; 0 disables")
	f.String("voice-endpoint", "", "voice provider base URL")
	f.String("vision-endpoint", "", "vision provider base URL")
	f.String("text-endpoint", "", "text provider base URL")
	f.Int("provider-init-attempts", 3, "initialization attempts per provider")
	f.Duration("shutdown-timeout", 30*time.Second, "time allowed to drain queued tasks on shutdown")

	bindFlag("http_addr", f, "http-addr")
	bindFlag("metrics_addr", f, "metrics-addr")
	bindFlag("otel_endpoint", f, "otel-endpoint")
	bindFlag("trace_sample_ratio", f, "trace-sample-ratio")
	bindFlag("kafka_brokers", f, "kafka-brokers")
	bindFlag("request_topic", f, "request-topic")
	bindFlag("redis_addr", f, "redis-addr")
	bindFlag("telemetry_transport", f, "telemetry-transport")
	bindFlag("telemetry_timeout", f, "telemetry-timeout")
	bindFlag("queue_max_size", f, "queue-max-size")
	bindFlag("workers", f, "workers")
	bindFlag("domain_concurrency", f, "domain-concurrency")
	bindFlag("default_timeout", f, "default-timeout")
	bindFlag("breaker_failure_threshold", f, "breaker-failure-threshold")
	bindFlag("breaker_success_threshold", f, "breaker-success-threshold")
	bindFlag("breaker_timeout", f, "breaker-timeout")
	bindFlag("rate_limit", f, "rate-limit")
	bindFlag("event_buffer_size", f, "event-buffer-size")
	bindFlag("stats_interval", f, "stats-interval")
	bindFlag("voice_endpoint", f, "voice-endpoint")
	bindFlag("vision_endpoint", f, "vision-endpoint")
	bindFlag("text_endpoint", f, "text-endpoint")
	bindFlag("provider_init_attempts", f, "provider-init-attempts")
	bindFlag("shutdown_timeout", f, "shutdown-timeout")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := buildLogger(cfg.LogLevel, "offloader")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "offloader", cfg.OTelEndpoint,
		telemetry.WithServiceVersion(version.Version),
		telemetry.WithSampleRatio(cfg.SampleRatio),
	)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── providers ─────────────────────────────────────────────────────────────
	registry, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = registry.InitializeAll(initCtx, cfg.ProviderInitAttempts, time.Second, func(name string, attempt int, err error) {
		logger.Warn("provider initialization failed, retrying",
			slog.String("provider", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	})
	cancel()
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := registry.ShutdownAll(shutCtx); err != nil {
			logger.Error("provider shutdown error", slog.String("error", err.Error()))
		}
	}()

	// ── transports ────────────────────────────────────────────────────────────
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisstore.Ping(pingCtx, redisClient)
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	var transport publisher.Transport = publisher.NopTransport{}
	switch cfg.TelemetryTransport {
	case config.TransportKafka:
		producer := kafka.NewProducer(cfg.KafkaBrokers,
			kafka.WithMaxAttempts(1),
			kafka.WithWriteTimeout(cfg.TelemetryTimeout),
		)
		defer func() { _ = producer.Close() }()
		transport = producer
	case config.TransportRedis:
		transport = redisstore.NewPubSubTransport(redisClient)
	}

	// ── engine ────────────────────────────────────────────────────────────────
	hub := events.NewManager(events.Config{HistorySize: cfg.EventBufferSize})

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	}, breaker.WithTransitionHook(offloader.BreakerHook(hub, logger)))

	pub := publisher.New(transport, logger, publisher.WithTimeout(cfg.TelemetryTimeout))

	opts := []offloader.Option{
		offloader.WithLogger(logger),
		offloader.WithWorkers(cfg.Workers),
		offloader.WithDomainConcurrency(cfg.DomainConcurrency),
		offloader.WithDefaultTimeout(cfg.DefaultTimeout),
		offloader.WithPublisher(pub),
		offloader.WithBroadcaster(hub),
	}
	for tt, d := range cfg.Timeouts {
		opts = append(opts, offloader.WithTaskTimeout(tt, d))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, offloader.WithRateLimiter(redisstore.NewRateLimiter(redisClient, cfg.RateLimit, time.Second)))
	}

	q := queue.New(cfg.QueueMaxSize)
	d := offloader.NewDispatcher(q, registry, breakers, opts...)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(runCtx) }()

	// ── stats broadcast ───────────────────────────────────────────────────────
	sched := cron.New()
	if cfg.StatsInterval > 0 {
		if _, err := sched.AddFunc("@every "+cfg.StatsInterval.String(), func() { d.BroadcastStats() }); err != nil {
			return fmt.Errorf("stats schedule: %w", err)
		}
	}
	sched.Start()

	// ── Kafka ingest ──────────────────────────────────────────────────────────
	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	defer ingestCancel()
	ingestDone := make(chan struct{})
	if cfg.RequestTopic != "" && len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.RequestTopic, ingestGroupID, logger)
		defer func() { _ = consumer.Close() }()
		in := ingest.New(consumer, d, pub, logger)
		go func() {
			defer close(ingestDone)
			logger.Info("kafka ingest starting", slog.String("topic", cfg.RequestTopic))
			if err := in.Run(ingestCtx); err != nil {
				logger.Error("kafka ingest stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(ingestDone)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	rest := handler.NewREST(d, hub, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.NewRouter(rest, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, d.Ready, logger)

	go func() {
		logger.Info("offloader HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("version", version.String()),
			slog.Any("domains", registry.Domains()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-quit:
		logger.Info("shutting down, draining queued tasks...")
	case err := <-runDone:
		if err == nil {
			err = errors.New("executors stopped unexpectedly")
		}
		return fmt.Errorf("dispatcher: %w", err)
	}

	ingestCancel()
	<-ingestDone
	q.Close()

	select {
	case err := <-runDone:
		if err != nil {
			logger.Error("dispatcher error", slog.String("error", err.Error()))
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("drain timed out, cancelling in-flight tasks",
			slog.Int("queued", q.Len()),
		)
		runCancel()
		<-runDone
	}

	<-sched.Stop().Done()
	d.BroadcastStats()
	hub.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	runCancel()
	logger.Info("stopped")
	return nil
}

// buildProviders registers one HTTP provider per configured domain endpoint.
func buildProviders(cfg config.Config) (*providers.Registry, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	reg := providers.NewRegistry()

	endpoints := []struct {
		domain   string
		endpoint string
		build    func(string, *http.Client) *providers.HTTPProvider
	}{
		{providers.DomainVoice, cfg.VoiceEndpoint, providers.NewVoiceProvider},
		{providers.DomainVision, cfg.VisionEndpoint, providers.NewVisionProvider},
		{providers.DomainText, cfg.TextEndpoint, providers.NewTextProvider},
	}
	for _, e := range endpoints {
		if e.endpoint == "" {
			continue
		}
		if err := reg.Register(e.domain, e.build(e.endpoint, client)); err != nil {
			return nil, fmt.Errorf("register %s provider: %w", e.domain, err)
		}
	}
	if len(reg.Domains()) == 0 {
		return nil, fmt.Errorf("no providers configured: set at least one of voice_endpoint, vision_endpoint, text_endpoint")
	}
	return reg, nil
}
