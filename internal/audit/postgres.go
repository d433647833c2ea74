package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS guardrail_audit (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	user_hash TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	detector TEXT NOT NULL,
	action TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	final BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_guardrail_audit_request ON guardrail_audit (request_id);
CREATE INDEX IF NOT EXISTS idx_guardrail_audit_created ON guardrail_audit (created_at);
CREATE INDEX IF NOT EXISTS idx_guardrail_audit_action ON guardrail_audit (action);
`

// PostgresSink persists decisions durably for compliance review and for
// offline export.
type PostgresSink struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewPostgresSink(cfg config.AuditConfig, log *logger.Logger) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	sink := &PostgresSink{db: db, log: log.WithComponent("audit.postgres")}
	if err := sink.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Postgres audit sink initialized",
		zap.String("database_url", maskDatabaseURL(cfg.Postgres.DSN)))
	return sink, nil
}

func (s *PostgresSink) initialize() error {
	if _, err := s.db.Exec(auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	const query = `
		INSERT INTO guardrail_audit
			(request_id, created_at, user_hash, stage, detector, action, confidence, reason, final, duration_ms)
		VALUES
			(:request_id, :created_at, :user_hash, :stage, :detector, :action, :confidence, :reason, :final, :duration_ms)`
	if _, err := s.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// List returns entries recorded in [from, to), oldest first. Used by the
// export tool.
func (s *PostgresSink) List(ctx context.Context, from, to time.Time, limit int) ([]Entry, error) {
	const query = `
		SELECT request_id, created_at, user_hash, stage, detector, action, confidence, reason, final, duration_ms
		FROM guardrail_audit
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`
	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, from, to, limit); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

// maskDatabaseURL hides credentials in log output.
func maskDatabaseURL(url string) string {
	if at := strings.LastIndex(url, "@"); at != -1 {
		if scheme := strings.Index(url, "://"); scheme != -1 {
			return url[:scheme+3] + "***@" + url[at+1:]
		}
	}
	return url
}
