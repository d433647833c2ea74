package audit

import (
	"fmt"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
)

// NewSink builds the configured audit sink.
func NewSink(cfg config.AuditConfig, log *logger.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(log), nil
	case "redis":
		return NewRedisSink(cfg, log)
	case "postgres":
		return NewPostgresSink(cfg, log)
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}
