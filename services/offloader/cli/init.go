package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultOffloadYAML = `# go-task-offload config
# Priority: CLI flag > OFFLOAD_* env > this file > default.

log_level:    "info"
http_addr:    ":8080"
metrics_addr: ":9091"
# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing
trace_sample_ratio: 1.0

# --- Transports ---
kafka_brokers:       "localhost:9092"
request_topic:       "offload.requests"   # empty disables Kafka ingest
redis_addr:          "localhost:6379"
telemetry_transport: "kafka"              # kafka | redis | none
telemetry_timeout:   "2s"

# --- Queue & executors ---
queue_max_size:     100
workers:            4
domain_concurrency: 2      # concurrent provider calls per domain
default_timeout:    "30s"  # accepts Go duration strings: 30s, 1m, 2m30s
timeouts:
  voice.asr:             "15s"
  voice.tts:             "10s"
  vision.detection:      "20s"
  vision.classification: "10s"
  text.generate:         "60s"

# --- Circuit breaker (per provider domain) ---
breaker_failure_threshold: 5
breaker_success_threshold: 2
breaker_timeout:           "60s"

# --- Admission & events ---
rate_limit:        0      # tasks per second per task type; 0 disables (needs redis_addr)
event_buffer_size: 50     # recent events kept per topic for late subscribers
stats_interval:    "5s"

# --- Providers (empty endpoint = domain not served) ---
voice_endpoint:  "http://localhost:8001"
vision_endpoint: "http://localhost:8002"
text_endpoint:   "http://localhost:8003"
provider_init_attempts: 3
shutdown_timeout: "30s"
`

func newInitCmd(serviceName, defaultYAML string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, serviceName, appDir, serviceName),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, appDir, serviceName+".yaml")
			}
			if err := writeDefaultConfig(dest, defaultYAML, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

func writeDefaultConfig(dest, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
