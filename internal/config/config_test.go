package config

import (
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := GetDefaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.Cooldown != 60*time.Second {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.Retry.AttemptTimeout != 5*time.Second || cfg.Retry.MaxRetries != 2 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.Threshold = 0 }},
		{"zero breaker cooldown", func(c *Config) { c.Breaker.Cooldown = 0 }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"empty detector name", func(c *Config) { c.Detectors[0].Name = "" }},
		{"duplicate detector", func(c *Config) { c.Detectors[1].Name = c.Detectors[0].Name }},
		{"unknown stage", func(c *Config) { c.Detectors[0].Stages = []string{"mid_call"} }},
		{"bad fail mode", func(c *Config) { c.Detectors[0].FailMode = "sometimes" }},
		{"bad pii policy", func(c *Config) {
			c.Detectors[1].PII.Policies = map[string]string{"EMAIL": "shred"}
		}},
		{"bad audit sink", func(c *Config) { c.Audit.Sink = "kafka" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsExplicitFailModes(t *testing.T) {
	cfg := GetDefaults()
	cfg.Detectors[0].FailMode = "open"
	cfg.Detectors[1].FailMode = "closed"
	if err := Validate(cfg); err != nil {
		t.Fatalf("explicit fail modes must validate: %v", err)
	}
}
