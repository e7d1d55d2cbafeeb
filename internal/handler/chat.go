package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/connexus-ai/atlas-backend/internal/middleware"
	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/service"
	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

// ChatRequest is the request body for both chat endpoints.
type ChatRequest struct {
	Messages         []model.Message `json:"messages"`
	SessionID        string          `json:"session_id,omitempty"`
	FeatureOverrides map[string]any  `json:"feature_overrides,omitempty"`
	SafeMode         string          `json:"safe_mode,omitempty"`
}

// ChatDeps bundles what the chat handlers need.
type ChatDeps struct {
	Orchestrator *service.Orchestrator
	Limits       middleware.SanitizeLimits
	Environment  string
}

// parseChat decodes and sanitizes the request, or writes the rejection.
func parseChat(w http.ResponseWriter, r *http.Request, deps ChatDeps) (*ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
		return nil, false
	}

	clean, err := middleware.SanitizeMessages(req.Messages, deps.Limits)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: err.Error()})
		return nil, false
	}
	req.Messages = clean

	question := model.LatestUserMessage(req.Messages)
	if question == "" {
		respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "a user message is required"})
		return nil, false
	}
	if deps.Limits.MaxQueryLength > 0 && len(question) > deps.Limits.MaxQueryLength {
		respondJSON(w, http.StatusBadRequest, envelope{Success: false,
			Error: fmt.Sprintf("query exceeds %d character limit", deps.Limits.MaxQueryLength)})
		return nil, false
	}
	return &req, true
}

// Chat handles POST /chat: the synchronous turn. Events are discarded
// except the final payload, which becomes the response body.
func Chat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := parseChat(w, r, deps)
		if !ok {
			return
		}

		result, err := deps.Orchestrator.RunSession(r.Context(), service.RunInput{
			SessionID:        req.SessionID,
			Mode:             model.ModeSync,
			Messages:         req.Messages,
			FeatureOverrides: middleware.SanitizeFeatureOverrides(req.FeatureOverrides),
			SafeMode:         req.SafeMode,
			Emit:             telemetry.NopEmitter,
		})
		if err != nil {
			slog.Error("chat turn failed", "error", err)
			status := http.StatusInternalServerError
			message := "internal error"
			if deps.Environment == "development" {
				message = err.Error()
			}
			respondJSON(w, status, envelope{Success: false, Error: message})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: result})
	}
}

// ChatStream handles POST /chat/stream: the SSE turn. Every pipeline
// event is written as it is produced; the stream ends with event: done.
func ChatStream(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := parseChat(w, r, deps)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, flushable := w.(http.Flusher)
		if !flushable {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		// The sink writes synchronously into the response: if the client
		// stalls, the orchestrator stalls with it. No queues.
		var mu sync.Mutex
		emit := func(event string, data map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			sendEvent(w, flusher, event, data)
		}

		_, err := deps.Orchestrator.RunSession(r.Context(), service.RunInput{
			SessionID:        req.SessionID,
			Mode:             model.ModeStream,
			Messages:         req.Messages,
			FeatureOverrides: middleware.SanitizeFeatureOverrides(req.FeatureOverrides),
			SafeMode:         req.SafeMode,
			Emit:             emit,
		})
		if err != nil {
			// The orchestrator already emitted error + done with a
			// sanitized message; nothing else may be written.
			slog.Error("chat stream turn failed", "error", err)
		}
	}
}
