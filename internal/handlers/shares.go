package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andyguoau/scamvax-api/internal/audio"
	"github.com/andyguoau/scamvax-api/internal/logging"
	"github.com/andyguoau/scamvax-api/internal/models"
	"github.com/andyguoau/scamvax-api/internal/shares"
	"github.com/andyguoau/scamvax-api/internal/transform"
)

const (
	// multipartOverhead covers form boundaries and the small text fields.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
	// defaultMaxUpload caps the body when no upload limit is configured.
	defaultMaxUpload = 10 << 20

	maxTTLSeconds = math.MaxInt64 / int64(time.Second)
)

// ShareHandler exposes create, probe and audio stream endpoints.
type ShareHandler struct {
	Shares         ShareService
	Limiter        RateLimiter
	BaseURL        string
	MaxUploadBytes int64
}

type createResponse struct {
	ShareID   string    `json:"share_id"`
	ShareURL  string    `json:"share_url"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxViews  int       `json:"max_views"`
}

type probeResponse struct {
	Status         string     `json:"status"`
	RemainingViews *int       `json:"remaining_views,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Create handles POST /api/share/create.
func (h ShareHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if !allowRequest(h.Limiter, r, "create") {
		respondError(ctx, w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return
	}

	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(ctx, w, http.StatusRequestEntityTooLarge, audio.CodeTooLarge, "upload exceeds the size limit")
			return
		}
		respondError(ctx, w, http.StatusBadRequest, "INVALID_FORM", "expected a multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("audio_file")
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, "MISSING_AUDIO", "audio_file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, "INVALID_FORM", "could not read audio_file")
		return
	}

	ttlSeconds, err := optionalInt(r.FormValue("ttl_seconds"))
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, "INVALID_INPUT", "ttl_seconds must be an integer")
		return
	}
	// Range-check before converting so large values cannot wrap into a short duration.
	if ttlSeconds < 0 || int64(ttlSeconds) > maxTTLSeconds {
		respondError(ctx, w, http.StatusBadRequest, "INVALID_INPUT", "ttl_seconds is out of range")
		return
	}
	maxViews, err := optionalInt(r.FormValue("max_views"))
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, "INVALID_INPUT", "max_views must be an integer")
		return
	}

	share, err := h.Shares.Create(ctx, shares.CreateRequest{
		Audio:    data,
		Profile:  r.FormValue("profile"),
		DeviceID: r.FormValue("device_id"),
		TTL:      time.Duration(ttlSeconds) * time.Second,
		MaxViews: maxViews,
	})
	if err != nil {
		status, code, message := createFailure(err)
		if status >= http.StatusInternalServerError {
			logging.FromContext(ctx).Error("share create failed", slog.Any("error", err))
		}
		respondError(ctx, w, status, code, message)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, createResponse{
		ShareID:   share.ID,
		ShareURL:  h.shareURL(share.ID),
		ExpiresAt: share.ExpiresAt.UTC(),
		MaxViews:  share.MaxViews,
	})
}

// Probe handles GET /api/share/{id}. It never consumes a view.
func (h ShareHandler) Probe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	result, err := h.Shares.Probe(ctx, r.PathValue("id"))
	if err != nil {
		logging.FromContext(ctx).Error("share probe failed", slog.Any("error", err))
		respondError(ctx, w, http.StatusInternalServerError, "INTERNAL", "could not load share")
		return
	}

	if result.Denied != models.DenyNone {
		respondJSON(ctx, w, denialStatus(result.Denied), probeResponse{Status: string(result.Denied)})
		return
	}

	remaining := result.Remaining
	expiresAt := result.Share.ExpiresAt.UTC()
	respondJSON(ctx, w, http.StatusOK, probeResponse{
		Status:         "servable",
		RemainingViews: &remaining,
		ExpiresAt:      &expiresAt,
	})
}

// Audio handles GET /api/share/{id}/audio. Each successful call consumes one view.
func (h ShareHandler) Audio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if !allowRequest(h.Limiter, r, "audio") {
		respondError(ctx, w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return
	}

	id := r.PathValue("id")
	result, err := h.Shares.Access(ctx, id)
	if err != nil {
		if errors.Is(err, shares.ErrStorageUnavailable) {
			respondError(ctx, w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "audio is temporarily unavailable")
			return
		}
		logging.FromContext(ctx).Error("share access failed", slog.Any("error", err))
		respondError(ctx, w, http.StatusInternalServerError, "INTERNAL", "could not load share")
		return
	}

	if result.Denied != models.DenyNone {
		respondJSON(ctx, w, denialStatus(result.Denied), probeResponse{Status: string(result.Denied)})
		return
	}

	header := w.Header()
	header.Set("Content-Type", result.ContentType)
	header.Set("Content-Length", strconv.Itoa(len(result.Audio)))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Content-Disposition", fmt.Sprintf(`inline; filename="challenge_%s.%s"`, id, audioExtension(result.ContentType)))
	header.Set("X-Remaining-Views", strconv.Itoa(result.Remaining))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(result.Audio); err != nil {
		logging.FromContext(ctx).Warn("audio stream interrupted", slog.Any("error", err))
	}
}

func (h ShareHandler) shareURL(id string) string {
	return strings.TrimSuffix(h.BaseURL, "/") + "/s/" + id
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func audioExtension(contentType string) string {
	if ext := audio.ExtensionFor(contentType); ext != "" {
		return ext
	}
	return "bin"
}

func denialStatus(reason models.DenyReason) int {
	if reason == models.DenyNotFound {
		return http.StatusNotFound
	}
	return http.StatusGone
}

// createFailure maps a create error to a status, a machine code and a client message.
func createFailure(err error) (int, string, string) {
	var audioErr *audio.Error
	var transformErr *shares.TransformFailedError

	switch {
	case errors.As(err, &audioErr):
		switch audioErr.Code {
		case audio.CodeTooLarge:
			return http.StatusRequestEntityTooLarge, audioErr.Code, audioErr.Detail
		case audio.CodeUnsupported:
			return http.StatusUnprocessableEntity, audioErr.Code, audioErr.Detail
		default:
			return http.StatusBadRequest, audioErr.Code, audioErr.Detail
		}
	case errors.Is(err, transform.ErrUnknownProfile):
		return http.StatusBadRequest, "UNKNOWN_PROFILE", "unknown voice profile"
	case errors.Is(err, shares.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error()
	case errors.Is(err, shares.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "create limit reached, try again later"
	case errors.As(err, &transformErr):
		return http.StatusBadGateway, "TRANSFORM_FAILED", "voice conversion failed"
	case errors.Is(err, shares.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage is temporarily unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL", "could not create share"
	}
}
