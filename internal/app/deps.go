package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andyguoau/scamvax-api/internal/audio"
	"github.com/andyguoau/scamvax-api/internal/config"
	"github.com/andyguoau/scamvax-api/internal/db"
	"github.com/andyguoau/scamvax-api/internal/handlers"
	"github.com/andyguoau/scamvax-api/internal/metrics"
	"github.com/andyguoau/scamvax-api/internal/middleware"
	"github.com/andyguoau/scamvax-api/internal/repositories"
	"github.com/andyguoau/scamvax-api/internal/scheduler"
	"github.com/andyguoau/scamvax-api/internal/shares"
	"github.com/andyguoau/scamvax-api/internal/storage"
	"github.com/andyguoau/scamvax-api/internal/transform"
)

// limiterIdleTTL is how long an idle client key keeps its token bucket.
const limiterIdleTTL = 10 * time.Minute

// runtime holds everything serve and sweep need, plus what must be released on exit.
type runtime struct {
	metrics    *metrics.Metrics
	manager    *shares.Manager
	destroyer  *shares.Destroyer
	reconciler *scheduler.Reconciler
	handler    http.Handler

	closers []func() error
}

// buildRuntime wires together the concrete implementations selected by cfg.
func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{metrics: metrics.New()}

	shareRepo, quotaRepo, err := rt.openRepositories(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	broker, err := newBroker(ctx, cfg.Storage)
	if err != nil {
		_ = rt.releaseAll()
		return nil, err
	}

	profiles, err := newProfiles(cfg.Transform.Profiles)
	if err != nil {
		_ = rt.releaseAll()
		return nil, err
	}

	rt.manager, err = shares.NewManager(shares.Dependencies{
		Shares:      shareRepo,
		Quotas:      quotaRepo,
		Broker:      broker,
		Transformer: newTransformer(cfg.Transform),
		Validator: audio.Validator{
			MinBytes:     cfg.Audio.MinBytes,
			MaxBytes:     cfg.Audio.MaxBytes,
			AllowedTypes: cfg.Audio.AllowedTypes,
		},
		Profiles: profiles,
		Metrics:  rt.metrics,
	}, shares.Options{
		DefaultTTL:      cfg.Share.DefaultTTL,
		MaxTTL:          cfg.Share.MaxTTL,
		DefaultMaxViews: cfg.Share.DefaultMaxViews,
		MaxMaxViews:     cfg.Share.MaxMaxViews,
		QuotaLimit:      cfg.Quota.Limit,
		QuotaWindow:     cfg.Quota.Window,
		QuotaSecret:     cfg.Quota.Secret,
		KeyPrefix:       cfg.Storage.KeyPrefix,
		DestroyTimeout:  cfg.Destroyer.Timeout,
	})
	if err != nil {
		_ = rt.releaseAll()
		return nil, err
	}

	rt.destroyer = shares.NewDestroyer(rt.manager.Destroy, shares.DestroyerConfig{
		QueueSize: cfg.Destroyer.QueueSize,
		Workers:   cfg.Destroyer.Workers,
		Timeout:   cfg.Destroyer.Timeout,
	}, logger)
	rt.manager.UseDestroyer(rt.destroyer)

	rt.reconciler = scheduler.NewReconciler(shareRepo, quotaRepo, broker, rt.manager, rt.metrics, time.Now, scheduler.Config{
		Retention:   cfg.Scheduler.Retention,
		BatchSize:   cfg.Scheduler.BatchSize,
		QuotaWindow: cfg.Quota.Window,
	})

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, handlers.Dependencies{
		Shares:         rt.manager,
		Limiter:        newLimiter(cfg.RateLimit),
		Metrics:        rt.metrics.Handler(),
		BaseURL:        cfg.BaseURL,
		MaxUploadBytes: int64(cfg.Audio.MaxBytes),
		Started:        time.Now(),
	})
	// Instrument must sit directly on the mux to see the matched route.
	rt.handler = middleware.Chain(mux, middleware.RequestLogger(logger), middleware.Instrument(rt.metrics))

	return rt, nil
}

func newLimiter(cfg config.RateLimitConfig) *middleware.KeyedLimiter {
	return middleware.NewKeyedLimiter(middleware.Policy{
		Requests: cfg.Requests,
		Window:   cfg.Window,
		Burst:    cfg.Burst,
	}, limiterIdleTTL).WithScope("create", middleware.Policy{
		Requests: cfg.CreateRequests,
		Window:   cfg.Window,
		Burst:    cfg.CreateBurst,
	})
}

func (rt *runtime) openRepositories(ctx context.Context, cfg config.DatabaseConfig) (repositories.ShareRepository, repositories.QuotaRepository, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		rt.closers = append(rt.closers, func() error {
			pool.Close()
			return nil
		})
		return repositories.NewPostgresShareRepository(pool, cfg.MaxRetries), repositories.NewPostgresQuotaRepository(pool), nil
	case "sqlite":
		handle, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		rt.closers = append(rt.closers, handle.Close)

		shareRepo, err := repositories.NewSQLiteShareRepository(handle)
		if err != nil {
			return nil, nil, errors.Join(err, rt.releaseAll())
		}
		quotaRepo, err := repositories.NewSQLiteQuotaRepository(handle)
		if err != nil {
			return nil, nil, errors.Join(err, rt.releaseAll())
		}
		return shareRepo, quotaRepo, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func newBroker(ctx context.Context, cfg config.StorageConfig) (storage.Broker, error) {
	switch cfg.Backend {
	case "s3":
		broker, err := storage.NewS3Broker(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return broker, nil
	case "memory":
		return storage.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newTransformer(cfg config.TransformConfig) transform.Transformer {
	if cfg.Backend != "http" {
		return transform.IdentityTransformer{}
	}
	return transform.NewHTTPGateway(transform.GatewayConfig{
		BaseURL:        cfg.BaseURL,
		WSURL:          cfg.WSURL,
		APIKey:         cfg.APIKey,
		EnrollModel:    cfg.EnrollModel,
		SynthesisModel: cfg.SynthesisModel,
		Timeout:        cfg.Timeout,
		MaxAttempts:    cfg.MaxAttempts,
	}, nil)
}

// newProfiles layers configured profiles over the built-in ones by name.
func newProfiles(overrides []config.ProfileConfig) (*transform.ProfileSet, error) {
	merged := transform.DefaultProfiles()
	index := make(map[string]int, len(merged))
	for i, p := range merged {
		index[p.Name] = i
	}

	for _, o := range overrides {
		p := transform.Profile{Name: strings.ToLower(strings.TrimSpace(o.Name)), Language: o.Language, Script: o.Script}
		if i, ok := index[p.Name]; ok {
			merged[i] = p
			continue
		}
		index[p.Name] = len(merged)
		merged = append(merged, p)
	}

	set, err := transform.NewProfileSet(merged, transform.DefaultProfile)
	if err != nil {
		return nil, fmt.Errorf("voice profiles: %w", err)
	}
	return set, nil
}

// close drains pending destructions, then releases database handles.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.destroyer != nil {
		if err := rt.destroyer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain destroyer: %w", err))
		}
	}
	errs = append(errs, rt.releaseAll())
	return errors.Join(errs...)
}

func (rt *runtime) releaseAll() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
