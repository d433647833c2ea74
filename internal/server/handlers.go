package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/pipeline"
	"go.uber.org/zap"
)

type chatRequest struct {
	Model    string `json:"model"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      guardrail.Message `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type guardrailSummary struct {
	Action   string `json:"action"`
	Detector string `json:"detector,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Stage    string `json:"stage,omitempty"`
}

type chatResponse struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	Created   int64            `json:"created"`
	Model     string           `json:"model"`
	Choices   []chatChoice     `json:"choices"`
	Guardrail guardrailSummary `json:"guardrail"`
}

type errorBody struct {
	Error struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Detector  string `json:"detector,omitempty"`
		Stage     string `json:"stage,omitempty"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	writeJSON(w, status, body)
}

// handleChatCompletions screens the conversation, forwards it upstream,
// screens the reply, and answers in the chat completions shape. A blocked
// request gets a 400 carrying the refusal, never the model output.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}

	messages := make([]guardrail.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, guardrail.Message{Role: m.Role, Content: m.Content})
	}

	outcome, err := s.orchestrator.Run(r.Context(), pipeline.Request{
		RequestID: requestID,
		UserID:    req.User,
		Messages:  messages,
	})
	if err != nil {
		log.Error("Pipeline run failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "upstream_error", "completion backend unavailable")
		return
	}

	if outcome.Blocked() {
		var body errorBody
		body.Error.Type = "guardrail_blocked"
		body.Error.Message = outcome.Decision.Reason
		body.Error.Detector = outcome.Decision.Detector
		body.Error.Stage = string(outcome.Decision.Stage)
		body.Error.RequestID = requestID
		writeJSON(w, http.StatusBadRequest, body)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      outcome.Response,
			FinishReason: "stop",
		}},
		Guardrail: guardrailSummary{
			Action:   string(outcome.Decision.Action),
			Detector: outcome.Decision.Detector,
			Reason:   outcome.Decision.Reason,
			Stage:    string(outcome.Decision.Stage),
		},
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo reports identity and aggregate counters.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":    "llm-warden",
		"version": Version,
		"metrics": s.orchestrator.Metrics().Snapshot(),
	}
	if s.wsHub != nil {
		info["websocket"] = s.wsHub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleGuardrailStatus reports the configured detectors and every
// circuit's state.
func (s *Server) handleGuardrailStatus(w http.ResponseWriter, r *http.Request) {
	detectors := make([]map[string]interface{}, 0, len(s.config.Detectors))
	for _, d := range s.config.Detectors {
		detectors = append(detectors, map[string]interface{}{
			"name":     d.Name,
			"enabled":  d.Enabled,
			"stages":   d.Stages,
			"priority": d.Priority,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detectors": detectors,
		"circuits":  s.breaker.Snapshots(),
		"metrics":   s.orchestrator.Metrics().Snapshot(),
	})
}

// handleReload rebuilds the detector set from the configuration on disk.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeJSONError(w, http.StatusNotImplemented, "reload_unavailable", "reload is not wired")
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Error("Guardrail reload failed", zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, "reload_failed", err.Error())
		return
	}
	s.logger.Info("Guardrail configuration reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
