package cmd

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/geekxflood/common/config"
)

// SchemaContent is the CUE schema every configuration is validated against.
//
//go:embed schemas/config.cue
var SchemaContent string

// defaultConfigPaths are tried in order when --config is not given.
var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/trapkeeper/config.yaml",
	"/etc/trapkeeper/config.yml",
}

// resolveConfigPath returns the --config flag, or the first default location
// that exists, or "" when there is none.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func newConfigManager(configPath string) (config.Manager, error) {
	manager, err := config.NewManager(config.Options{
		SchemaContent: SchemaContent,
		ConfigPath:    configPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	return manager, nil
}
