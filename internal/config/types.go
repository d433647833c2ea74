package config

import "time"

// Config is the full warden configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Detectors  []DetectorConfig `yaml:"detectors" mapstructure:"detectors"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Completion CompletionConfig `yaml:"completion" mapstructure:"completion"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
	WebSocket  WebSocketConfig  `yaml:"websocket" mapstructure:"websocket"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// PipelineConfig bounds stage execution.
type PipelineConfig struct {
	StageTimeout   time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	DuringCallWait time.Duration `yaml:"during_call_wait" mapstructure:"during_call_wait"`
}

// DetectorConfig configures one detector instance. Name selects the
// implementation from the registry; option blocks a detector does not use
// stay zero. Loaded at startup, replaced wholesale on reload.
type DetectorConfig struct {
	Name       string        `yaml:"name" mapstructure:"name"`
	Stages     []string      `yaml:"stages" mapstructure:"stages"`
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Priority   int           `yaml:"priority" mapstructure:"priority"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	// FailMode overrides the category default: "open" or "closed".
	FailMode string `yaml:"fail_mode" mapstructure:"fail_mode"`

	Content ContentOptions `yaml:"content" mapstructure:"content"`
	PII     PIIOptions     `yaml:"pii" mapstructure:"pii"`
	Rules   []BusinessRule `yaml:"rules" mapstructure:"rules"`
}

// ContentOptions configures the content-safety detector.
type ContentOptions struct {
	Threshold float64             `yaml:"threshold" mapstructure:"threshold"`
	Blocklist map[string][]string `yaml:"blocklist" mapstructure:"blocklist"`
	Scorer    string              `yaml:"scorer" mapstructure:"scorer"` // pattern or onnx
	ModelPath string              `yaml:"model_path" mapstructure:"model_path"`
}

// PIIOptions configures the PII detector. Policies maps entity class
// (EMAIL, PHONE, US_SSN, CREDIT_CARD, SECRET) to block, mask, or ignore.
type PIIOptions struct {
	Policies   map[string]string `yaml:"policies" mapstructure:"policies"`
	MaskFormat string            `yaml:"mask_format" mapstructure:"mask_format"`
}

// BusinessRule is one configured pattern rule. Severity weights the rule's
// contribution when several sub-rules fire on the same content.
type BusinessRule struct {
	Name        string  `yaml:"name" mapstructure:"name"`
	Pattern     string  `yaml:"pattern" mapstructure:"pattern"`
	Action      string  `yaml:"action" mapstructure:"action"`
	Severity    float64 `yaml:"severity" mapstructure:"severity"`
	Replacement string  `yaml:"replacement" mapstructure:"replacement"`
}

// BreakerConfig contains circuit breaker parameters shared by all detector
// circuits.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold" mapstructure:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// RetryConfig contains Retry Coordinator defaults; per-detector timeout and
// max_retries override them.
type RetryConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// CompletionConfig points at the upstream completion backend.
type CompletionConfig struct {
	Provider  string        `yaml:"provider" mapstructure:"provider"` // openai or fake
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	Model     string        `yaml:"model" mapstructure:"model"`
	APIKeyEnv string        `yaml:"api_key_env" mapstructure:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// AuditConfig selects and configures the audit sink.
type AuditConfig struct {
	Sink       string `yaml:"sink" mapstructure:"sink"` // log, redis, or postgres
	BufferSize int    `yaml:"buffer_size" mapstructure:"buffer_size"`
	HashSalt   string `yaml:"hash_salt" mapstructure:"hash_salt"`
	Redis      struct {
		URL        string        `yaml:"url" mapstructure:"url"`
		Key        string        `yaml:"key" mapstructure:"key"`
		MaxEntries int64         `yaml:"max_entries" mapstructure:"max_entries"`
		TTL        time.Duration `yaml:"ttl" mapstructure:"ttl"`
	} `yaml:"redis" mapstructure:"redis"`
	Postgres struct {
		DSN string `yaml:"dsn" mapstructure:"dsn"`
	} `yaml:"postgres" mapstructure:"postgres"`
}

// RateLimitConfig contains per-client request limiting.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// WebSocketConfig contains the decision event stream configuration.
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// GetDefaults returns a configuration with sensible defaults: the built-in
// detector set wired to its standard stages, fail-closed security checks,
// advisory bias/hallucination checks on the response.
func GetDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Pipeline: PipelineConfig{
			StageTimeout:   15 * time.Second,
			DuringCallWait: 500 * time.Millisecond,
		},
		Detectors: []DetectorConfig{
			{
				Name:     "contentSafety",
				Stages:   []string{"pre_call", "post_call"},
				Enabled:  true,
				Priority: 1,
				Content:  ContentOptions{Threshold: 2, Scorer: "pattern"},
			},
			{
				Name:     "pii",
				Stages:   []string{"pre_call", "post_call"},
				Enabled:  true,
				Priority: 2,
			},
			{
				Name:     "businessRules",
				Stages:   []string{"pre_call"},
				Enabled:  false,
				Priority: 3,
			},
			{
				Name:     "bias",
				Stages:   []string{"post_call"},
				Enabled:  true,
				Priority: 10,
			},
			{
				Name:     "hallucination",
				Stages:   []string{"during_call", "post_call"},
				Enabled:  true,
				Priority: 11,
			},
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  60 * time.Second,
		},
		Retry: RetryConfig{
			AttemptTimeout: 5 * time.Second,
			MaxRetries:     2,
			BaseDelay:      200 * time.Millisecond,
			MaxDelay:       10 * time.Second,
		},
		Completion: CompletionConfig{
			Provider:  "openai",
			BaseURL:   "https://api.openai.com",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   30 * time.Second,
		},
		Audit: AuditConfig{
			Sink:       "log",
			BufferSize: 256,
			HashSalt:   "warden",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 120,
			Burst:          20,
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteTimeout:    10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
