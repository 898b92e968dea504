package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
)

// Telemetry transports.
const (
	TransportKafka = "kafka"
	TransportRedis = "redis"
	TransportNone  = "none"
)

// Config holds typed configuration for the offloader.
type Config struct {
	LogLevel     string
	HTTPAddr     string
	MetricsAddr  string
	OTelEndpoint string
	SampleRatio  float64

	KafkaBrokers       []string
	RequestTopic       string
	RedisAddr          string
	TelemetryTransport string
	TelemetryTimeout   time.Duration

	QueueMaxSize      int
	Workers           int
	DomainConcurrency int
	DefaultTimeout    time.Duration
	Timeouts          map[domain.TaskType]time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	RateLimit       int
	EventBufferSize int
	StatsInterval   time.Duration

	VoiceEndpoint        string
	VisionEndpoint       string
	TextEndpoint         string
	ProviderInitAttempts int
	ShutdownTimeout      time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:                v.GetString("log_level"),
		HTTPAddr:                v.GetString("http_addr"),
		MetricsAddr:             v.GetString("metrics_addr"),
		OTelEndpoint:            v.GetString("otel_endpoint"),
		SampleRatio:             v.GetFloat64("trace_sample_ratio"),
		KafkaBrokers:            splitList(v.GetString("kafka_brokers")),
		RequestTopic:            v.GetString("request_topic"),
		RedisAddr:               v.GetString("redis_addr"),
		TelemetryTransport:      strings.ToLower(v.GetString("telemetry_transport")),
		TelemetryTimeout:        v.GetDuration("telemetry_timeout"),
		QueueMaxSize:            v.GetInt("queue_max_size"),
		Workers:                 v.GetInt("workers"),
		DomainConcurrency:       v.GetInt("domain_concurrency"),
		DefaultTimeout:          v.GetDuration("default_timeout"),
		Timeouts:                make(map[domain.TaskType]time.Duration),
		BreakerFailureThreshold: v.GetInt("breaker_failure_threshold"),
		BreakerSuccessThreshold: v.GetInt("breaker_success_threshold"),
		BreakerTimeout:          v.GetDuration("breaker_timeout"),
		RateLimit:               v.GetInt("rate_limit"),
		EventBufferSize:         v.GetInt("event_buffer_size"),
		StatsInterval:           v.GetDuration("stats_interval"),
		VoiceEndpoint:           v.GetString("voice_endpoint"),
		VisionEndpoint:          v.GetString("vision_endpoint"),
		TextEndpoint:            v.GetString("text_endpoint"),
		ProviderInitAttempts:    v.GetInt("provider_init_attempts"),
		ShutdownTimeout:         v.GetDuration("shutdown_timeout"),
	}

	// viper lower-cases map keys, which matches the task type spelling.
	for k, raw := range v.GetStringMapString("timeouts") {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("timeouts.%s: %w", k, err)
		}
		cfg.Timeouts[domain.TaskType(k)] = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the dispatcher cannot run with.
func (c Config) Validate() error {
	switch c.TelemetryTransport {
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("telemetry_transport %q requires kafka_brokers", c.TelemetryTransport)
		}
	case TransportRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("telemetry_transport %q requires redis_addr", c.TelemetryTransport)
		}
	case TransportNone:
	default:
		return fmt.Errorf("unknown telemetry_transport %q (want kafka, redis or none)", c.TelemetryTransport)
	}
	if c.QueueMaxSize <= 0 {
		return fmt.Errorf("queue_max_size must be positive, got %d", c.QueueMaxSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.RateLimit > 0 && c.RedisAddr == "" {
		return fmt.Errorf("rate_limit requires redis_addr")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
