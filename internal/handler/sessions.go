package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/atlas-backend/internal/model"
	"github.com/connexus-ai/atlas-backend/internal/store"
)

// sessionSnapshot is the GET /sessions/:id response shape.
type sessionSnapshot struct {
	SessionID string          `json:"sessionId"`
	Messages  []model.Message `json:"messages"`
	Memory    *sessionMemory  `json:"memory,omitempty"`
}

type sessionMemory struct {
	SummaryBullets []string `json:"summaryBullets"`
	Salience       []string `json:"salience"`
	LastMemoryTurn int      `json:"lastMemoryTurn"`
}

// GetSession returns the stored transcript and, when requested, the
// memory snapshot. 404 for unknown sessions.
func GetSession(sessions store.SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "session id is required"})
			return
		}

		state, err := sessions.Load(r.Context(), id)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "failed to load session"})
			return
		}
		if len(state.Messages) == 0 && state.Version == 0 {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "session not found"})
			return
		}

		snapshot := sessionSnapshot{
			SessionID: state.SessionID,
			Messages:  state.Messages,
		}
		if r.URL.Query().Get("includeMemory") == "true" {
			bullets := make([]string, len(state.SummaryBullets))
			for i, b := range state.SummaryBullets {
				bullets[i] = b.Text
			}
			snapshot.Memory = &sessionMemory{
				SummaryBullets: bullets,
				Salience:       state.Salience,
				LastMemoryTurn: state.LastMemoryTurn,
			}
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: snapshot})
	}
}
