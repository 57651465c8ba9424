package api

import (
	"net/http"
)

// ReadinessChecker reports whether a dependency can serve traffic.
type ReadinessChecker interface {
	Healthy() bool
}

// HealthHandler handles GET /health.
// Always returns 200 OK with {"status":"ok","service":<name>}.
func HealthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	}
}

// ReadyzHandler handles GET /readyz.
// Returns 200 if the broker connection is healthy, 503 with a Retry-After
// header otherwise.
func ReadyzHandler(broker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if broker == nil || !broker.Healthy() {
			w.Header().Set("Retry-After", "30")
			respondError(w, http.StatusServiceUnavailable, "broker unavailable")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
