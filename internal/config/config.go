package config

import (
	"strings"

	"github.com/spf13/viper"
)

// DefaultMaxContainerBytes bounds the size of a container accepted for
// extraction. Oversized inputs are rejected before any decode attempt.
const DefaultMaxContainerBytes = 512 << 20

// Config holds all configuration for the application.
type Config struct {
	// MaxContainerBytes is the largest container file the extractor will open.
	MaxContainerBytes int64
	// OutputPath is the default destination for export subcommands.
	OutputPath string
	// Verbose enables debug logging of fallback strategies and skipped units.
	Verbose bool
}

var globalConfig *Config

// GetConfig returns the configuration resolved from the environment
// (PQX_ prefix). Flag values are layered on top by the command layer.
func GetConfig() *Config {
	v := viper.New()
	v.SetEnvPrefix("PQX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("max-container-bytes", int64(DefaultMaxContainerBytes))
	v.SetDefault("output", "")
	v.SetDefault("verbose", false)

	return &Config{
		MaxContainerBytes: v.GetInt64("max-container-bytes"),
		OutputPath:        v.GetString("output"),
		Verbose:           v.GetBool("verbose"),
	}
}

// SetConfig sets the global configuration.
func SetConfig(cfg *Config) {
	globalConfig = cfg
}

// Current returns the global configuration, falling back to environment
// defaults when the command layer has not installed one.
func Current() *Config {
	if globalConfig == nil {
		globalConfig = GetConfig()
	}
	return globalConfig
}
