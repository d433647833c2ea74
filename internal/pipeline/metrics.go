package pipeline

import "sync/atomic"

// Metrics counts pipeline outcomes. All counters are monotonic since
// process start.
type Metrics struct {
	requests           atomic.Int64
	allowed            atomic.Int64
	blocked            atomic.Int64
	modified           atomic.Int64
	flagged            atomic.Int64
	escalated          atomic.Int64
	detectorFailures   atomic.Int64
	completionFailures atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time copy for status endpoints.
type MetricsSnapshot struct {
	Requests           int64 `json:"requests"`
	Allowed            int64 `json:"allowed"`
	Blocked            int64 `json:"blocked"`
	Modified           int64 `json:"modified"`
	Flagged            int64 `json:"flagged"`
	Escalated          int64 `json:"escalated"`
	DetectorFailures   int64 `json:"detector_failures"`
	CompletionFailures int64 `json:"completion_failures"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:           m.requests.Load(),
		Allowed:            m.allowed.Load(),
		Blocked:            m.blocked.Load(),
		Modified:           m.modified.Load(),
		Flagged:            m.flagged.Load(),
		Escalated:          m.escalated.Load(),
		DetectorFailures:   m.detectorFailures.Load(),
		CompletionFailures: m.completionFailures.Load(),
	}
}
