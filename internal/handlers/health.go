package handlers

import (
	"net/http"
	"time"
)

// HealthHandler reports process liveness. It never touches the repository.
type HealthHandler struct {
	Started time.Time
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
}

// Handle implements GET /healthz.
func (h HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{Status: "ok"}
	if !h.Started.IsZero() {
		resp.UptimeSeconds = int64(time.Since(h.Started).Seconds())
	}
	respondJSON(r.Context(), w, http.StatusOK, resp)
}
