package shares

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/andyguoau/scamvax-api/internal/audio"
	"github.com/andyguoau/scamvax-api/internal/logging"
	"github.com/andyguoau/scamvax-api/internal/metrics"
	"github.com/andyguoau/scamvax-api/internal/models"
	"github.com/andyguoau/scamvax-api/internal/repositories"
	"github.com/andyguoau/scamvax-api/internal/storage"
	"github.com/andyguoau/scamvax-api/internal/transform"
)

const (
	idAttempts            = 3
	defaultDestroyTimeout = 15 * time.Second
)

// Options bounds what a create request may ask for.
type Options struct {
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	DefaultMaxViews int
	MaxMaxViews     int

	// QuotaLimit creates are allowed per device and QuotaWindow. Zero disables the quota.
	QuotaLimit  int
	QuotaWindow time.Duration
	QuotaSecret string

	KeyPrefix      string
	DestroyTimeout time.Duration
}

// Dependencies are the collaborators a Manager drives.
type Dependencies struct {
	Shares      repositories.ShareRepository
	Quotas      repositories.QuotaRepository
	Broker      storage.Broker
	Transformer transform.Transformer
	Validator   audio.Validator
	Profiles    *transform.ProfileSet
	Metrics     *metrics.Metrics

	// Now and NewID default to the wall clock and random 128-bit tokens.
	Now   func() time.Time
	NewID func() string
}

// Manager owns the share lifecycle: create, the consuming access protocol and
// payload destruction. It keeps no share state between calls.
type Manager struct {
	shares      repositories.ShareRepository
	quotas      repositories.QuotaRepository
	broker      storage.Broker
	transformer transform.Transformer
	validator   audio.Validator
	profiles    *transform.ProfileSet
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string
	quotaKey    []byte
	opts        Options

	destroyer *Destroyer
}

// CreateRequest carries one upload. Audio is not retained after Create returns.
type CreateRequest struct {
	Audio    []byte
	Profile  string
	DeviceID string
	// TTL and MaxViews fall back to the configured defaults when zero.
	TTL      time.Duration
	MaxViews int
}

// AccessResult is the outcome of a consuming access.
type AccessResult struct {
	Audio       []byte
	ContentType string
	Remaining   int
	Denied      models.DenyReason
	// Triggered is true for the one access that ended the share.
	Triggered bool
}

// ProbeResult reports a share's state without consuming a view.
type ProbeResult struct {
	Share     models.Share
	Denied    models.DenyReason
	Remaining int
}

// NewManager validates deps and opts and returns a ready Manager.
func NewManager(deps Dependencies, opts Options) (*Manager, error) {
	if deps.Shares == nil || deps.Broker == nil || deps.Transformer == nil || deps.Profiles == nil {
		return nil, errors.New("share manager: repository, broker, transformer and profiles are required")
	}
	if opts.QuotaLimit > 0 && (deps.Quotas == nil || opts.QuotaWindow <= 0) {
		return nil, errors.New("share manager: quota requires a repository and a positive window")
	}
	if opts.DefaultTTL <= 0 || opts.MaxTTL < opts.DefaultTTL {
		return nil, errors.New("share manager: default ttl must be positive and within max ttl")
	}
	if opts.DefaultMaxViews <= 0 || opts.MaxMaxViews < opts.DefaultMaxViews {
		return nil, errors.New("share manager: default max views must be positive and within the maximum")
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = defaultDestroyTimeout
	}

	m := &Manager{
		shares:      deps.Shares,
		quotas:      deps.Quotas,
		broker:      deps.Broker,
		transformer: deps.Transformer,
		validator:   deps.Validator,
		profiles:    deps.Profiles,
		metrics:     deps.Metrics,
		now:         deps.Now,
		newID:       deps.NewID,
		opts:        opts,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = newShareID
	}
	secret := blake2b.Sum256([]byte(opts.QuotaSecret))
	m.quotaKey = secret[:]
	return m, nil
}

// UseDestroyer routes triggered destructions through d. Without one, or when d
// refuses a job, destruction runs inline.
func (m *Manager) UseDestroyer(d *Destroyer) {
	m.destroyer = d
}

// Create validates, converts and stores an upload and persists the new share.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (share models.Share, err error) {
	ctx, span := logging.StartSpan(ctx, "share.create", slog.String("profile", req.Profile))
	defer func() {
		m.metrics.ObserveCreate(createOutcome(err))
		span.End(err)
	}()

	ttl, maxViews, err := m.resolveBudget(req.TTL, req.MaxViews)
	if err != nil {
		return models.Share{}, err
	}

	info, err := m.validator.Validate(req.Audio)
	if err != nil {
		return models.Share{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	profile, err := m.profiles.Lookup(req.Profile)
	if err != nil {
		return models.Share{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := m.now()
	deviceHash := m.hashDevice(req.DeviceID)
	if err := m.checkQuota(ctx, deviceHash, now); err != nil {
		return models.Share{}, err
	}

	result, err := m.convert(ctx, transform.Sample{
		Audio:       req.Audio,
		ContentType: info.ContentType,
		Format:      info.Extension,
	}, profile)
	// The raw upload is not referenced past this point.
	req.Audio = nil
	if err != nil {
		return models.Share{}, err
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}

	key, err := m.broker.Put(ctx, storage.NewKey(m.opts.KeyPrefix, audio.ExtensionFor(contentType)), result.Audio, contentType)
	if err != nil {
		return models.Share{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	share = models.Share{
		Status:      models.StatusActive,
		Profile:     profile.Name,
		ContentType: contentType,
		DeviceHash:  deviceHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		MaxViews:    maxViews,
		StorageKey:  key,
	}
	if err := m.persist(ctx, &share); err != nil {
		m.discardOrphan(ctx, key)
		return models.Share{}, err
	}

	logging.FromContext(ctx).Info("share created",
		slog.String("share_id", share.ID),
		slog.Time("expires_at", share.ExpiresAt),
		slog.Int("max_views", share.MaxViews),
	)
	return share, nil
}

func (m *Manager) resolveBudget(ttl time.Duration, maxViews int) (time.Duration, int, error) {
	switch {
	case ttl == 0:
		ttl = m.opts.DefaultTTL
	case ttl < 0 || ttl > m.opts.MaxTTL:
		return 0, 0, invalidInput("ttl must be between 1s and %s", m.opts.MaxTTL)
	}
	switch {
	case maxViews == 0:
		maxViews = m.opts.DefaultMaxViews
	case maxViews < 0 || maxViews > m.opts.MaxMaxViews:
		return 0, 0, invalidInput("max views must be between 1 and %d", m.opts.MaxMaxViews)
	}
	return ttl, maxViews, nil
}

// hashDevice keys the device id with the quota secret so raw identifiers are never stored.
func (m *Manager) hashDevice(deviceID string) string {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ""
	}
	h, _ := blake2b.New256(m.quotaKey)
	h.Write([]byte(deviceID))
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) checkQuota(ctx context.Context, deviceHash string, now time.Time) error {
	if m.opts.QuotaLimit <= 0 {
		return nil
	}
	if deviceHash == "" {
		return invalidInput("device id is required")
	}

	window := now.Truncate(m.opts.QuotaWindow)
	allowed, err := m.quotas.Allow(ctx, deviceHash, window, m.opts.QuotaLimit)
	if err != nil {
		return fmt.Errorf("check create quota: %w", err)
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

func (m *Manager) convert(ctx context.Context, in transform.Sample, profile transform.Profile) (transform.Result, error) {
	started := time.Now()
	result, err := m.transformer.Transform(ctx, in, profile)
	if err != nil {
		m.metrics.ObserveTransform("failed", time.Since(started))
		failure := &TransformFailedError{Reason: "conversion failed", Err: err}
		var tErr *transform.Error
		if errors.As(err, &tErr) {
			failure.Reason = tErr.Reason
			failure.Transient = tErr.Transient
		}
		return transform.Result{}, failure
	}
	m.metrics.ObserveTransform("ok", time.Since(started))

	if len(result.Audio) == 0 {
		return transform.Result{}, &TransformFailedError{Reason: "conversion returned no audio"}
	}
	return result, nil
}

// persist inserts the share under a fresh id, regenerating the id on collision.
func (m *Manager) persist(ctx context.Context, share *models.Share) error {
	var err error
	for attempt := 0; attempt < idAttempts; attempt++ {
		share.ID = m.newID()
		err = m.shares.Create(ctx, *share)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("persist share: %w", err)
		}
	}
	return fmt.Errorf("persist share after %d id collisions: %w", idAttempts, err)
}

func (m *Manager) discardOrphan(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.DestroyTimeout)
	defer cancel()
	if err := m.broker.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		logging.FromContext(ctx).Error("failed to delete orphaned payload", slog.String("storage_key", key), slog.Any("error", err))
	}
}

// Access consumes one view and returns the audio, or the reason it cannot be served.
// The view is counted on commit; a failed fetch afterwards does not refund it.
func (m *Manager) Access(ctx context.Context, id string) (result AccessResult, err error) {
	ctx, span := logging.StartSpan(ctx, "share.access", slog.String("share_id", id))
	defer func() {
		m.metrics.ObserveAccess(accessOutcome(result, err))
		span.End(err)
	}()

	outcome, err := m.shares.ConsumeView(ctx, id, m.now())
	if errors.Is(err, repositories.ErrNotFound) {
		return AccessResult{Denied: models.DenyNotFound}, nil
	}
	if err != nil {
		return AccessResult{}, fmt.Errorf("consume view: %w", err)
	}

	share := outcome.Share
	if outcome.Changed && share.Status.Terminal() && share.StorageKey != "" {
		defer m.scheduleDestroy(ctx, share.ID)
	}

	if outcome.Denied != models.DenyNone {
		return AccessResult{Denied: outcome.Denied, Triggered: outcome.Triggered}, nil
	}

	data, err := m.broker.Get(ctx, share.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		m.reportConsistencyFault(ctx, share)
		return AccessResult{Denied: models.DenyGone, Triggered: outcome.Triggered}, nil
	}
	if err != nil {
		return AccessResult{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return AccessResult{
		Audio:       data,
		ContentType: share.ContentType,
		Remaining:   share.Remaining(),
		Triggered:   outcome.Triggered,
	}, nil
}

// reportConsistencyFault queues a share whose committed state claims a payload the
// store no longer has.
func (m *Manager) reportConsistencyFault(ctx context.Context, share models.Share) {
	logger := logging.FromContext(ctx)
	logger.Error("share payload missing from store",
		slog.String("status", string(share.Status)),
		slog.String("storage_key", share.StorageKey),
	)
	if share.Status.Terminal() {
		return
	}
	if err := m.shares.Flag(context.WithoutCancel(ctx), share.ID); err != nil {
		logger.Error("failed to flag share for reconciliation", slog.Any("error", err))
	}
}

// Probe reports whether a share is servable without counting a view.
func (m *Manager) Probe(ctx context.Context, id string) (ProbeResult, error) {
	share, err := m.shares.Get(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return ProbeResult{Denied: models.DenyNotFound}, nil
	}
	if err != nil {
		return ProbeResult{}, fmt.Errorf("load share: %w", err)
	}

	result := ProbeResult{Share: share, Denied: models.Inspect(share, m.now())}
	if result.Denied == models.DenyNone {
		result.Remaining = share.Remaining()
	}
	return result, nil
}

// Destroy deletes a terminal share's payload and then records the destruction. It is
// idempotent: missing objects and already destroyed or purged shares succeed.
func (m *Manager) Destroy(ctx context.Context, id string) (err error) {
	ctx, span := logging.StartSpan(ctx, "share.destroy", slog.String("share_id", id))
	outcome := "destroyed"
	defer func() {
		if err != nil {
			outcome = "failed"
		}
		m.metrics.ObserveDestroy(outcome)
		span.End(err)
	}()

	share, err := m.shares.Get(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		outcome = "noop"
		return nil
	}
	if err != nil {
		return fmt.Errorf("load share: %w", err)
	}

	switch share.Status {
	case models.StatusDestroyed, models.StatusPurged:
		outcome = "noop"
		return nil
	case models.StatusActive:
		return ErrShareActive
	}

	if share.StorageKey != "" {
		err := m.broker.Delete(ctx, share.StorageKey)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}

	err = m.shares.MarkDestroyed(ctx, id, m.now())
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark share destroyed: %w", err)
	}

	logging.FromContext(ctx).Info("share destroyed", slog.String("status", string(share.Status)))
	return nil
}

// scheduleDestroy hands id to the destroyer, or destroys inline on a context that
// survives the request.
func (m *Manager) scheduleDestroy(ctx context.Context, id string) {
	if m.destroyer != nil && m.destroyer.Enqueue(id) == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.DestroyTimeout)
	defer cancel()
	if err := m.Destroy(ctx, id); err != nil {
		logging.FromContext(ctx).Warn("destruction deferred to reconciliation", slog.String("share_id", id), slog.Any("error", err))
	}
}

func newShareID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func createOutcome(err error) string {
	var tErr *TransformFailedError
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &tErr):
		return "transform_failed"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}

func accessOutcome(result AccessResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case result.Denied != models.DenyNone:
		return string(result.Denied)
	default:
		return "served"
	}
}
