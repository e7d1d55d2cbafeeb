package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/atlas-backend/internal/apperr"
	"github.com/connexus-ai/atlas-backend/internal/llmclient"
)

// ResponseDeps carries the LLM gateway for the stored-response
// pass-throughs.
type ResponseDeps struct {
	LLM *llmclient.Client
}

// GetResponse handles GET /responses/:id?include=…
func GetResponse(deps ResponseDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var include []string
		if raw := r.URL.Query().Get("include"); raw != "" {
			include = strings.Split(raw, ",")
		}

		resp, err := deps.LLM.GetResponse(r.Context(), id, include)
		if err != nil {
			respondUpstream(w, err)
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
	}
}

// DeleteResponse handles DELETE /responses/:id
func DeleteResponse(deps ResponseDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.LLM.DeleteResponse(r.Context(), id); err != nil {
			respondUpstream(w, err)
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true})
	}
}

// ListInputItems handles GET /responses/:id/input_items
func ListInputItems(deps ResponseDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		items, err := deps.LLM.ListInputItems(r.Context(), id)
		if err != nil {
			respondUpstream(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(items)
	}
}

// respondUpstream maps a gateway error onto an HTTP status.
func respondUpstream(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch apperr.KindOf(err) {
	case apperr.KindUpstream4xx, apperr.KindValidation:
		status = http.StatusNotFound
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	respondJSON(w, status, envelope{Success: false, Error: "upstream request failed"})
}
