// Package retry coordinates detector invocations: per-attempt timeouts,
// transient-only retries with jittered exponential backoff, and circuit
// breaker accounting.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/wardenhq/llm-warden/internal/breaker"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// EvalFunc is a single detector invocation under the coordinator's
// per-attempt context.
type EvalFunc func(ctx context.Context) (guardrail.Result, error)

// Coordinator wraps detector calls with timeout, retry and breaker logic.
type Coordinator struct {
	breaker *breaker.Breaker
	cfg     config.RetryConfig
	log     *logger.Logger

	// Injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New creates a coordinator backed by the given breaker.
func New(b *breaker.Breaker, cfg config.RetryConfig, log *logger.Logger) *Coordinator {
	return &Coordinator{
		breaker: b,
		cfg:     cfg,
		log:     log.WithComponent("retry"),
		sleep:   sleepCtx,
		jitter:  rand.Float64,
	}
}

// Overrides carries per-detector tuning; zero values fall back to the
// coordinator defaults.
type Overrides struct {
	AttemptTimeout time.Duration
	MaxRetries     int
}

// Execute invokes fn under a per-attempt timeout, retrying transient
// failures up to the retry limit. The breaker is consulted before every
// attempt; an open circuit rejects the call without invoking fn. Permanent
// errors are returned immediately and do not count against the circuit.
func (c *Coordinator) Execute(ctx context.Context, detector string, ov Overrides, fn EvalFunc) (guardrail.Result, error) {
	attemptTimeout := c.cfg.AttemptTimeout
	if ov.AttemptTimeout > 0 {
		attemptTimeout = ov.AttemptTimeout
	}
	maxRetries := c.cfg.MaxRetries
	if ov.MaxRetries > 0 {
		maxRetries = ov.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.log.Debug("Retrying detector",
				zap.String("detector", detector),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return guardrail.Result{}, err
			}
		}

		if err := c.breaker.Allow(detector); err != nil {
			var openErr *breaker.OpenError
			if errors.As(err, &openErr) {
				return guardrail.Result{}, guardrail.Transient(detector, err)
			}
			return guardrail.Result{}, err
		}

		result, err := c.attempt(ctx, attemptTimeout, fn)
		if err == nil {
			c.breaker.RecordSuccess(detector)
			return result, nil
		}

		if guardrail.IsPermanent(err) {
			return guardrail.Result{}, err
		}

		// Caller cancellation abandons the evaluation without counting
		// against the circuit; the breaker tracks detector health only.
		if ctx.Err() != nil {
			return guardrail.Result{}, ctx.Err()
		}

		// Timeouts and unclassified failures count as transient.
		c.breaker.RecordFailure(detector)
		lastErr = err
		if !guardrail.IsTransient(err) {
			lastErr = guardrail.Transient(detector, err)
		}
	}
	return guardrail.Result{}, lastErr
}

func (c *Coordinator) attempt(ctx context.Context, timeout time.Duration, fn EvalFunc) (guardrail.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result guardrail.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(attemptCtx)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-attemptCtx.Done():
		return guardrail.Result{}, attemptCtx.Err()
	}
}

// backoff returns the delay before the retry following attempt index
// attempt: base*2^attempt plus up to one second of uniform jitter, capped
// at the configured maximum.
func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay << uint(attempt)
	if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay + time.Duration(c.jitter()*float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
