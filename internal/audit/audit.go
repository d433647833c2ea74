// Package audit records guardrail decisions. Emission is best effort and
// never blocks request handling: entries are queued to a bounded channel
// and dropped with a counter when the sink cannot keep up.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// Entry is one recorded guardrail decision.
type Entry struct {
	RequestID  string            `json:"request_id" db:"request_id" parquet:"request_id"`
	Timestamp  time.Time         `json:"timestamp" db:"created_at" parquet:"timestamp"`
	UserHash   string            `json:"user_hash,omitempty" db:"user_hash" parquet:"user_hash"`
	Stage      string            `json:"stage" db:"stage" parquet:"stage"`
	Detector   string            `json:"detector" db:"detector" parquet:"detector"`
	Action     string            `json:"action" db:"action" parquet:"action"`
	Confidence float64           `json:"confidence" db:"confidence" parquet:"confidence"`
	Reason     string            `json:"reason,omitempty" db:"reason" parquet:"reason"`
	Final      bool              `json:"final" db:"final" parquet:"final"`
	DurationMS int64             `json:"duration_ms" db:"duration_ms" parquet:"duration_ms"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"-" parquet:"-"`
}

// FromResult builds an entry from a detector result. Result metadata is
// stringified so the entry serializes the same way on every sink.
func FromResult(requestID string, stage guardrail.Stage, r guardrail.Result, final bool) Entry {
	var metadata map[string]string
	if len(r.Metadata) > 0 {
		metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = fmt.Sprint(v)
		}
	}
	return Entry{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		Stage:      string(stage),
		Detector:   r.Detector,
		Action:     string(r.Action),
		Confidence: r.Confidence,
		Reason:     r.Reason,
		Final:      final,
		Metadata:   metadata,
	}
}

// Sink persists audit entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// HashUser derives a stable pseudonymous identifier so audit records never
// carry raw user identity.
func HashUser(salt, userID string) string {
	if userID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ":" + userID))
	return hex.EncodeToString(sum[:16])
}

// Emitter decouples request handling from sink latency.
type Emitter struct {
	sink    Sink
	queue   chan Entry
	dropped atomic.Int64
	written atomic.Int64
	log     *logger.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewEmitter starts a single drain goroutine over a buffer of the given
// size.
func NewEmitter(sink Sink, bufferSize int, log *logger.Logger) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	e := &Emitter{
		sink:  sink,
		queue: make(chan Entry, bufferSize),
		log:   log.WithComponent("audit"),
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

// Emit queues an entry. A full buffer drops the entry rather than block
// the caller.
func (e *Emitter) Emit(entry Entry) {
	select {
	case e.queue <- entry:
	default:
		e.dropped.Add(1)
	}
}

// Stats reports written and dropped entry counts.
func (e *Emitter) Stats() (written, dropped int64) {
	return e.written.Load(), e.dropped.Load()
}

// Close drains queued entries and closes the sink.
func (e *Emitter) Close() error {
	e.once.Do(func() { close(e.queue) })
	e.wg.Wait()
	return e.sink.Close()
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for entry := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.sink.Write(ctx, entry); err != nil {
			e.dropped.Add(1)
			e.log.Warn("Audit write failed", zap.Error(err), zap.String("request_id", entry.RequestID))
		} else {
			e.written.Add(1)
		}
		cancel()
	}
}

// LogSink writes audit entries to the structured log.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("audit")}
}

func (s *LogSink) Write(_ context.Context, entry Entry) error {
	s.log.Info("Guardrail decision",
		zap.String("request_id", entry.RequestID),
		zap.String("stage", entry.Stage),
		zap.String("detector", entry.Detector),
		zap.String("action", entry.Action),
		zap.Float64("confidence", entry.Confidence),
		zap.String("reason", entry.Reason),
		zap.Bool("final", entry.Final))
	return nil
}

func (s *LogSink) Close() error { return nil }
