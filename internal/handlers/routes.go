package handlers

import (
	"net/http"
	"time"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Shares         ShareService
	Limiter        RateLimiter
	Metrics        http.Handler
	BaseURL        string
	MaxUploadBytes int64
	Started        time.Time
}

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Started: deps.Started}
	share := ShareHandler{
		Shares:         deps.Shares,
		Limiter:        deps.Limiter,
		BaseURL:        deps.BaseURL,
		MaxUploadBytes: deps.MaxUploadBytes,
	}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/api/share/create", share.Create)
	mux.HandleFunc("/api/share/{id}", share.Probe)
	mux.HandleFunc("/api/share/{id}/audio", share.Audio)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
}
