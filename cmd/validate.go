package cmd

import (
	"fmt"
	"os"

	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/policy"
	"github.com/geekxflood/trapkeeper/internal/retry"
	"github.com/spf13/cobra"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file against the schema and check that the
handler policy table and retry policy can be built from it.`,
	Example: `  # Validate a configuration file
  trapkeeper validate --config config.yaml

  # Validate using the default config locations
  trapkeeper validate`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, _ []string) error {
	configPath := resolveConfigPath()
	if configPath == "" {
		return fmt.Errorf("no configuration file found, specify with --config or create config.yaml")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configPath)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating configuration file: %s\n", configPath)

	manager, err := newConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	defer manager.Close()

	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration syntax is valid")

	table, err := policy.LoadTable(manager)
	if err != nil {
		return fmt.Errorf("policy validation failed: %w", err)
	}
	fmt.Fprintf(out, "✓ Policy table is valid (%d handlers)\n", table.Len())

	logger, closer, err := logging.NewLogger(logging.Config{Level: "error", Format: "logfmt", Output: "stderr"})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	if _, err := retry.NewRetryer(manager, nil, logger); err != nil {
		return fmt.Errorf("retry policy validation failed: %w", err)
	}
	fmt.Fprintln(out, "✓ Retry policy is valid")

	fmt.Fprintln(out, "✓ Configuration validation completed successfully")
	return nil
}
