package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	outputFile string
	force      bool
)

// generateCmd represents the generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a sample configuration file",
	Long:  `Generate a sample configuration file listing every section with its default value.`,
	Example: `  # Generate config to stdout
  trapkeeper generate

  # Generate config to a specific file
  trapkeeper generate --output config.yaml

  # Overwrite an existing file
  trapkeeper generate --output config.yaml --force`,
	RunE: generateConfig,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (default: stdout)")
	generateCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing file")
}

const sampleConfig = `# trapkeeper configuration
# Values shown are the defaults unless marked as an example.

app:
  name: "trapkeeper"
  # Manager identity recorded on every stored trap. Defaults to the host name.
  # manager: "mgr-a"
  log_level: "info"
  log_format: "logfmt"
  log_output: "stdout"
  shutdown_timeout: "30s"

server:
  host: "0.0.0.0"
  port: 162
  community: "public"
  max_handlers: 100
  buffer_size: 8192
  read_timeout: "1s"
  max_varbinds: 256
  max_oid_length: 128

pipeline:
  processing_timeout: "30s"

policy:
  default:
    severity: "warning"
    expiration: "7d"
  handlers:
    # Example: page the NOC on link down, keep for two days.
    "1.3.6.1.6.3.1.1.5.3":
      severity: "critical"
      expiration: "48h"
      mail:
        recipients:
          - "noc@example.net"
        subject: "{{ .trap_name }} from {{ .hostname }}"
        on_duplicate: false
    # Example: drop cold start traps entirely.
    "1.3.6.1.6.3.1.1.5.1":
      blackhole: true

storage:
  database_type: "sqlite3"
  connection_string: "./trapkeeper.db"
  max_connections: 10
  write_timeout: "5s"
  purge_interval: "0s"

retry:
  mode: "none"
  max_attempts: 3
  initial_delay: "100ms"
  max_delay: "2s"
  backoff_multiplier: 2.0
  jitter: true
  circuit_breaker:
    failure_threshold: 5
    timeout: "30s"
    half_open_max_calls: 1

mail:
  enabled: true
  from: "trapkeeper"
  smtp_host: "localhost"
  smtp_port: 25
  timeout: "10s"
  rate_limit: 10.0
  burst: 20

index:
  enabled: false
  addresses:
    - "http://localhost:9200"
  index: "trapkeeper"
  timeout: "5s"
  max_retries: 3

resolver:
  mib_dir: ""
  cache_enabled: true
  cache_size: 10000

dns:
  enabled: true
  timeout: "2s"
  cache_size: 4096
  cache_ttl: "10m"
  rate_limit: 100.0

metrics:
  enabled: true
  listen_address: ":9163"
  metrics_path: "/metrics"
  health_path: "/health"
  ready_path: "/ready"
  stats_path: "/stats"
  update_interval: "15s"
  namespace: "trapkeeper"

reload:
  enabled: true
  reload_delay: "2s"
  validate_before_reload: true
`

func generateConfig(cmd *cobra.Command, _ []string) error {
	if outputFile == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), sampleConfig)
		return err
	}

	if _, err := os.Stat(outputFile); err == nil && !force {
		return fmt.Errorf("file %s already exists, use --force to overwrite", outputFile)
	}

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(outputFile, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration file generated: %s\n", outputFile)
	return nil
}
