package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/andyguoau/scamvax-api/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger gives each request a logger and request id in its context and logs
// one line when it finishes. An inbound X-Request-ID is kept only if it is a uuid.
// Server errors log at error level.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()

			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			logger := base.With(
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ctx := logging.WithRequestID(logging.WithLogger(r.Context(), logger), id)
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panicked", slog.Any("panic", p))
					if !rec.wroteHeader() {
						http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
				}

				level := slog.LevelInfo
				if rec.status() >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				logger.Log(ctx, level, "request completed",
					slog.Int("status", rec.status()),
					slog.Int("bytes", rec.written),
					slog.Duration("duration", time.Since(began)),
				)
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}
