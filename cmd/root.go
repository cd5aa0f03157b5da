// Package cmd provides the command-line interface for trapkeeper.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/geekxflood/trapkeeper/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var (
	cfgFile string
	version = "dev" // Will be set by build flags
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "trapkeeper",
	Version: version,
	Short:   "SNMP trap ingestion and alerting pipeline",
	Long: `trapkeeper receives SNMPv1 and SNMPv2c traps, applies per-OID handling
policies, stores each trap exactly once across cooperating managers, and
fans out e-mail alerts and search index documents.`,
	Example: `  # Start with the default configuration locations
  trapkeeper

  # Start with a specific configuration file
  trapkeeper --config /etc/trapkeeper/config.yaml

  # Generate a sample configuration
  trapkeeper generate --output config.yaml

  # Validate a configuration
  trapkeeper validate --config config.yaml`,
	SilenceUsage: true,
	RunE:         runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath := resolveConfigPath()
	if configPath == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "No configuration file found, using schema defaults")
	}

	manager, err := newConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer manager.Close()

	application, err := app.NewApplication(manager, configPath)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if err := application.Initialize(); err != nil {
		err = fmt.Errorf("failed to initialize application: %w", err)
		return multierr.Append(err, application.Shutdown())
	}

	return application.Run(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
}
