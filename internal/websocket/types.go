package websocket

import (
	"time"

	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/pipeline"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	EventTypeDetectorResult EventType = "detector_result"
	EventTypeDecision       EventType = "decision"
	EventTypeBreaker        EventType = "breaker_transition"
	EventTypeSystem         EventType = "system_status"
)

// Event is the envelope broadcast to connected clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// DetectorResultEvent carries one detector's verdict on a request.
type DetectorResultEvent struct {
	RequestID  string  `json:"request_id"`
	Stage      string  `json:"stage"`
	Detector   string  `json:"detector"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// DecisionEvent carries the final pipeline decision for a request.
type DecisionEvent struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Detector  string `json:"detector,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// BreakerEvent carries a circuit state change.
type BreakerEvent struct {
	Detector string `json:"detector"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// SystemStatusEvent carries periodic hub health information.
type SystemStatusEvent struct {
	Status            string `json:"status"`
	ActiveConnections int64  `json:"active_connections"`
}

func detectorResultEvent(requestID string, stage guardrail.Stage, r guardrail.Result) Event {
	return Event{
		Type:      EventTypeDetectorResult,
		Timestamp: time.Now().UTC(),
		Data: DetectorResultEvent{
			RequestID:  requestID,
			Stage:      string(stage),
			Detector:   r.Detector,
			Action:     string(r.Action),
			Confidence: r.Confidence,
			Reason:     r.Reason,
		},
	}
}

func decisionEvent(requestID string, d pipeline.Decision) Event {
	return Event{
		Type:      EventTypeDecision,
		Timestamp: time.Now().UTC(),
		Data: DecisionEvent{
			RequestID: requestID,
			Action:    string(d.Action),
			Detector:  d.Detector,
			Reason:    d.Reason,
			Stage:     string(d.Stage),
		},
	}
}
