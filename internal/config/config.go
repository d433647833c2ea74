package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var validStages = map[string]bool{
	"pre_call":    true,
	"during_call": true,
	"post_call":   true,
}

// Load loads configuration from file and environment variables. A missing
// config file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/llm-warden/")
	viper.AddConfigPath("$HOME/.llm-warden/")

	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the configuration tree for values the pipeline cannot
// operate with.
func Validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", config.Breaker.Threshold)
	}
	if config.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %s", config.Breaker.Cooldown)
	}
	if config.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must not be negative, got %d", config.Retry.MaxRetries)
	}

	seen := make(map[string]bool, len(config.Detectors))
	for _, dc := range config.Detectors {
		if dc.Name == "" {
			return fmt.Errorf("detector with empty name")
		}
		if seen[dc.Name] {
			return fmt.Errorf("duplicate detector: %s", dc.Name)
		}
		seen[dc.Name] = true

		for _, stage := range dc.Stages {
			if !validStages[stage] {
				return fmt.Errorf("detector %s: unknown stage %q", dc.Name, stage)
			}
		}
		if dc.FailMode != "" && dc.FailMode != "open" && dc.FailMode != "closed" {
			return fmt.Errorf("detector %s: fail_mode must be open or closed, got %q", dc.Name, dc.FailMode)
		}
		for _, pol := range dc.PII.Policies {
			if pol != "block" && pol != "mask" && pol != "ignore" {
				return fmt.Errorf("detector %s: pii policy must be block, mask, or ignore, got %q", dc.Name, pol)
			}
		}
	}

	switch config.Audit.Sink {
	case "log", "redis", "postgres":
	default:
		return fmt.Errorf("invalid audit sink: %s (must be log, redis, or postgres)", config.Audit.Sink)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes. The callback
// receives each new valid configuration; invalid edits are ignored so a bad
// reload never takes down a running pipeline.
func Watch(callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := viper.Unmarshal(newConfig); err != nil {
			return
		}
		if err := Validate(newConfig); err != nil {
			return
		}
		callback(newConfig)
	})

	return nil
}
