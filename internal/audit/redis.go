package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// RedisSink keeps a capped list of recent decisions, newest first, for
// dashboards that want a rolling window without a database.
type RedisSink struct {
	client     *redis.Client
	key        string
	maxEntries int64
	ttl        time.Duration
	log        *logger.Logger
}

func NewRedisSink(cfg config.AuditConfig, log *logger.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Redis.Key
	if key == "" {
		key = "warden:audit"
	}
	maxEntries := cfg.Redis.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	log.Info("Redis audit sink initialized",
		zap.String("redis_url", maskRedisURL(cfg.Redis.URL)),
		zap.String("key", key),
		zap.Int64("max_entries", maxEntries))

	return &RedisSink{
		client:     client,
		key:        key,
		maxEntries: maxEntries,
		ttl:        cfg.Redis.TTL,
		log:        log.WithComponent("audit.redis"),
	}, nil
}

func (s *RedisSink) Write(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.maxEntries-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, limit int64) ([]Entry, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.log.Warn("Skipping malformed audit entry", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// maskRedisURL hides credentials in log output.
func maskRedisURL(url string) string {
	if at := strings.LastIndex(url, "@"); at != -1 {
		if scheme := strings.Index(url, "://"); scheme != -1 {
			return url[:scheme+3] + "***@" + url[at+1:]
		}
	}
	return url
}
