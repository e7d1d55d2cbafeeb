package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the interface for checking a dependency's connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health returns a handler that reports server and dependency health.
// GET /api/health — no auth.
func Health(db Pinger, version string) http.HandlerFunc {
	if version == "" {
		version = "0.0.0"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "ok"
		dbStatus := "connected"
		httpStatus := http.StatusOK

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				dbStatus = "disconnected"
				httpStatus = http.StatusServiceUnavailable
			}
		}

		respondJSON(w, httpStatus, map[string]string{
			"status":   status,
			"version":  version,
			"database": dbStatus,
		})
	}
}
