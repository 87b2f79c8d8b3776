package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andyguoau/scamvax-api/internal/logging"
	"github.com/andyguoau/scamvax-api/internal/metrics"
	"github.com/andyguoau/scamvax-api/internal/models"
	"github.com/andyguoau/scamvax-api/internal/repositories"
	"github.com/andyguoau/scamvax-api/internal/storage"
)

// Destroyer removes a terminal share's payload and records the destruction.
type Destroyer interface {
	Destroy(ctx context.Context, id string) error
}

// Config bounds one sweep.
type Config struct {
	Retention time.Duration
	BatchSize int
	// QuotaWindow is how long create quota windows are kept. Zero skips pruning.
	QuotaWindow time.Duration
}

// Report counts what one sweep changed.
type Report struct {
	Expired    int `json:"expired"`
	Destroyed  int `json:"destroyed"`
	Reconciled int `json:"reconciled"`
	Purged     int `json:"purged"`
	Pruned     int `json:"pruned"`
	Failures   int `json:"failures"`
}

func (r Report) counts() map[string]int {
	return map[string]int{
		"expired":    r.Expired,
		"destroyed":  r.Destroyed,
		"reconciled": r.Reconciled,
		"purged":     r.Purged,
		"pruned":     r.Pruned,
		"failed":     r.Failures,
	}
}

// Reconciler drives overdue and half-destroyed shares to their final state. Each
// share is handled on its own; a failure is counted and retried on the next sweep.
type Reconciler struct {
	shares    repositories.ShareRepository
	quotas    repositories.QuotaRepository
	broker    storage.Broker
	destroyer Destroyer
	metrics   *metrics.Metrics
	now       func() time.Time
	cfg       Config
}

// NewReconciler wires a reconciler. quotas and m may be nil; now defaults to time.Now.
func NewReconciler(shares repositories.ShareRepository, quotas repositories.QuotaRepository, broker storage.Broker, destroyer Destroyer, m *metrics.Metrics, now func() time.Time, cfg Config) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		shares:    shares,
		quotas:    quotas,
		broker:    broker,
		destroyer: destroyer,
		metrics:   m,
		now:       now,
		cfg:       cfg,
	}
}

// Sweep runs every reconciliation step once. It returns an error only when a listing
// query fails; per-share failures are logged and counted in the report.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	ctx, span := logging.StartSpan(ctx, "reconcile.sweep")
	started := time.Now()

	var report Report
	steps := []struct {
		name string
		run  func(context.Context, *Report) error
	}{
		{"expire", r.expireOverdue},
		{"destroy", r.retryDestruction},
		{"reconcile", r.reconcileFlagged},
		{"purge", r.purgeDestroyed},
		{"prune", r.pruneQuotas},
	}

	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := step.run(ctx, &report); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	err := errors.Join(errs...)
	r.metrics.ObserveSweep(report.counts(), time.Since(started))
	logging.FromContext(ctx).Info("reconciliation sweep finished",
		slog.Int("expired", report.Expired),
		slog.Int("destroyed", report.Destroyed),
		slog.Int("reconciled", report.Reconciled),
		slog.Int("purged", report.Purged),
		slog.Int("pruned", report.Pruned),
		slog.Int("failures", report.Failures),
	)
	span.End(err)
	return report, err
}

func (r *Reconciler) expireOverdue(ctx context.Context, report *Report) error {
	now := r.now()
	overdue, err := r.shares.ListExpirable(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, share := range overdue {
		transition, err := r.shares.Expire(ctx, share.ID, now)
		if err != nil {
			r.fail(ctx, report, "expire", share.ID, err)
			continue
		}
		if transition.Changed {
			report.Expired++
		}
		r.destroy(ctx, report, share.ID)
	}
	return nil
}

func (r *Reconciler) retryDestruction(ctx context.Context, report *Report) error {
	pending, err := r.shares.ListPendingDestruction(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, share := range pending {
		r.destroy(ctx, report, share.ID)
	}
	return nil
}

// reconcileFlagged resolves shares an access found without a payload. A payload that
// turns out to exist clears the flag; a missing one ends the share.
func (r *Reconciler) reconcileFlagged(ctx context.Context, report *Report) error {
	flagged, err := r.shares.ListFlagged(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, share := range flagged {
		if share.Status != models.StatusActive {
			if r.destroy(ctx, report, share.ID) {
				report.Reconciled++
			}
			continue
		}

		exists, err := r.broker.Exists(ctx, share.StorageKey)
		if err != nil {
			r.fail(ctx, report, "probe payload", share.ID, err)
			continue
		}
		if exists {
			if err := r.shares.ClearFlag(ctx, share.ID); err != nil {
				r.fail(ctx, report, "clear flag", share.ID, err)
				continue
			}
			report.Reconciled++
			continue
		}

		if _, err := r.shares.ForceExpire(ctx, share.ID); err != nil {
			r.fail(ctx, report, "force expire", share.ID, err)
			continue
		}
		if r.destroy(ctx, report, share.ID) {
			report.Reconciled++
		}
	}
	return nil
}

func (r *Reconciler) purgeDestroyed(ctx context.Context, report *Report) error {
	cutoff := r.now().Add(-r.cfg.Retention)
	destroyed, err := r.shares.ListPurgeable(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, share := range destroyed {
		err := r.shares.Purge(ctx, share.ID)
		switch {
		case errors.Is(err, repositories.ErrNotFound):
		case err != nil:
			r.fail(ctx, report, "purge", share.ID, err)
		default:
			report.Purged++
		}
	}
	return nil
}

func (r *Reconciler) pruneQuotas(ctx context.Context, report *Report) error {
	if r.quotas == nil || r.cfg.QuotaWindow <= 0 {
		return nil
	}
	n, err := r.quotas.Prune(ctx, r.now().Add(-r.cfg.QuotaWindow))
	if err != nil {
		return err
	}
	report.Pruned = int(n)
	return nil
}

func (r *Reconciler) destroy(ctx context.Context, report *Report, id string) bool {
	if err := r.destroyer.Destroy(ctx, id); err != nil {
		r.fail(ctx, report, "destroy", id, err)
		return false
	}
	report.Destroyed++
	return true
}

func (r *Reconciler) fail(ctx context.Context, report *Report, step, id string, err error) {
	report.Failures++
	logging.FromContext(ctx).Warn("reconciliation step failed",
		slog.String("step", step),
		slog.String("share_id", id),
		slog.Any("error", err),
	)
}
