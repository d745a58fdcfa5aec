package app

import "github.com/agustingarciaflores/pr-environments/internal/config"

// Config holds the startup options resolved from command-line flags.
type Config struct {
	// Debug enables debug-level logging.
	Debug bool

	// Silent suppresses all log output.
	Silent bool

	// ConfigPath overrides the default configuration directory.
	ConfigPath string

	// loaded is the effective daemon configuration after bootstrap.
	loaded config.Config
}

// NewConfig creates the startup configuration.
func NewConfig(debug, silent bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		Silent:     silent,
		ConfigPath: configPath,
	}
}
