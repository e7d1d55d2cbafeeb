package handler

import (
	"net/http"

	"github.com/connexus-ai/atlas-backend/internal/telemetry"
)

// AdminTelemetry returns the current turn ring plus aggregates. The
// route is only mounted in development; records are redacted at write
// time, so nothing sensitive leaves the store either way.
func AdminTelemetry(turns *telemetry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
			"records":    turns.Snapshot(),
			"aggregates": turns.Aggregate(),
		}})
	}
}
