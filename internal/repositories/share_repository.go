package repositories

import (
	"context"
	"time"

	"github.com/andyguoau/scamvax-api/internal/models"
)

// ShareRepository defines the data access contract for shares. Every mutating method
// runs in a single transaction.
type ShareRepository interface {
	Create(ctx context.Context, share models.Share) error
	Get(ctx context.Context, id string) (models.Share, error)
	// ConsumeView locks the share, applies models.ApplyView and commits the result.
	ConsumeView(ctx context.Context, id string, now time.Time) (models.ViewOutcome, error)
	Expire(ctx context.Context, id string, now time.Time) (Transition, error)
	ForceExpire(ctx context.Context, id string) (Transition, error)
	MarkDestroyed(ctx context.Context, id string, now time.Time) error
	Flag(ctx context.Context, id string) error
	ClearFlag(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error

	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Share, error)
	ListPendingDestruction(ctx context.Context, limit int) ([]models.Share, error)
	ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]models.Share, error)
	ListFlagged(ctx context.Context, limit int) ([]models.Share, error)
}

// QuotaRepository counts creates per key inside fixed windows.
type QuotaRepository interface {
	// Allow records one use of key in the window starting at windowStart and reports
	// whether it fit under limit. Rejected calls do not consume quota.
	Allow(ctx context.Context, key string, windowStart time.Time, limit int) (bool, error)
	// Prune removes windows that started before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Transition describes the result of an expiry attempt.
type Transition struct {
	Share models.Share
	// Changed is true when this call moved the share to expired.
	Changed bool
	// FromActive is true when the share was still servable before this call.
	FromActive bool
}

// forceExpire applies the reconciliation transition regardless of the deadline.
func forceExpire(share models.Share) Transition {
	if share.Status != models.StatusActive && share.Status != models.StatusExhausted {
		return Transition{Share: share}
	}
	fromActive := share.Status == models.StatusActive
	share.Status = models.StatusExpired
	return Transition{Share: share, Changed: true, FromActive: fromActive}
}

func expire(share models.Share, now time.Time) Transition {
	next, changed, fromActive := models.ExpireTransition(share, now)
	return Transition{Share: next, Changed: changed, FromActive: fromActive}
}

// destroyable reports whether MarkDestroyed may move the share, and whether the call is
// a no-op because it already happened.
func destroyable(status models.ShareStatus) (ok bool, done bool) {
	switch status {
	case models.StatusExhausted, models.StatusExpired:
		return true, false
	case models.StatusDestroyed:
		return false, true
	default:
		return false, false
	}
}
