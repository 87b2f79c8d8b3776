package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/crdb"
	crdbpgx "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andyguoau/scamvax-api/internal/db"
	"github.com/andyguoau/scamvax-api/internal/models"
)

const shareColumns = `id, status, profile, content_type, device_hash, created_at, expires_at,
        max_views, view_count, storage_key, destroyed_at, needs_reconcile`

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresShareRepository provides PostgreSQL-backed persistence for shares. It also
// runs unchanged against CockroachDB; serialization failures are retried through the
// cockroach-go transaction helper.
type PostgresShareRepository struct {
	pool       db.Pool
	maxRetries int
}

// NewPostgresShareRepository constructs a share repository backed by PostgreSQL.
// maxRetries bounds transaction restarts; zero keeps the library default.
func NewPostgresShareRepository(pool db.Pool, maxRetries int) *PostgresShareRepository {
	return &PostgresShareRepository{pool: pool, maxRetries: maxRetries}
}

func (r *PostgresShareRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if r.maxRetries > 0 {
		ctx = crdb.WithMaxRetries(ctx, r.maxRetries)
	}
	return crdbpgx.ExecuteTx(ctx, r.pool, pgx.TxOptions{}, fn)
}

// Create persists a new share record.
func (r *PostgresShareRepository) Create(ctx context.Context, share models.Share) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO shares (`+shareColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, share.ID, string(share.Status), share.Profile, share.ContentType, share.DeviceHash,
		share.CreatedAt.UTC(), share.ExpiresAt.UTC(), share.MaxViews, share.ViewCount,
		nullableKey(share.StorageKey), share.DestroyedAt, share.NeedsReconcile)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

// Get fetches a share without locking it.
func (r *PostgresShareRepository) Get(ctx context.Context, id string) (models.Share, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Share{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	share, err := scanPgShare(conn.QueryRow(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Share{}, ErrNotFound
		}
		return models.Share{}, fmt.Errorf("select share: %w", err)
	}
	return share, nil
}

// ConsumeView evaluates one access under a row lock and commits the outcome.
func (r *PostgresShareRepository) ConsumeView(ctx context.Context, id string, now time.Time) (models.ViewOutcome, error) {
	var out models.ViewOutcome
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		share, err := lockShare(ctx, tx, id)
		if err != nil {
			return err
		}

		out = models.ApplyView(share, now)
		if !out.Changed {
			return nil
		}

		if _, err := tx.Exec(ctx, `
            UPDATE shares SET status = $2, view_count = $3 WHERE id = $1
        `, id, string(out.Share.Status), out.Share.ViewCount); err != nil {
			return fmt.Errorf("update share view count: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.ViewOutcome{}, err
	}
	return out, nil
}

// Expire moves an overdue active or exhausted share to expired.
func (r *PostgresShareRepository) Expire(ctx context.Context, id string, now time.Time) (Transition, error) {
	return r.transition(ctx, id, func(share models.Share) Transition { return expire(share, now) })
}

// ForceExpire moves an active or exhausted share to expired regardless of its deadline.
func (r *PostgresShareRepository) ForceExpire(ctx context.Context, id string) (Transition, error) {
	return r.transition(ctx, id, forceExpire)
}

func (r *PostgresShareRepository) transition(ctx context.Context, id string, apply func(models.Share) Transition) (Transition, error) {
	var result Transition
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		share, err := lockShare(ctx, tx, id)
		if err != nil {
			return err
		}

		result = apply(share)
		if !result.Changed {
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE shares SET status = $2 WHERE id = $1`, id, string(result.Share.Status)); err != nil {
			return fmt.Errorf("update share status: %w", err)
		}
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	return result, nil
}

// MarkDestroyed records that the share's payload has been deleted.
func (r *PostgresShareRepository) MarkDestroyed(ctx context.Context, id string, now time.Time) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		share, err := lockShare(ctx, tx, id)
		if err != nil {
			return err
		}

		ok, done := destroyable(share.Status)
		if done {
			return nil
		}
		if !ok {
			return fmt.Errorf("destroy share in status %s: %w", share.Status, ErrInvalidTransition)
		}

		if _, err := tx.Exec(ctx, `
            UPDATE shares
            SET status = $2, destroyed_at = $3, storage_key = NULL, needs_reconcile = FALSE
            WHERE id = $1
        `, id, string(models.StatusDestroyed), now.UTC()); err != nil {
			return fmt.Errorf("mark share destroyed: %w", err)
		}
		return nil
	})
}

// Flag queues the share for reconciliation.
func (r *PostgresShareRepository) Flag(ctx context.Context, id string) error {
	return r.setFlag(ctx, id, true)
}

// ClearFlag removes the share from the reconciliation queue.
func (r *PostgresShareRepository) ClearFlag(ctx context.Context, id string) error {
	return r.setFlag(ctx, id, false)
}

func (r *PostgresShareRepository) setFlag(ctx context.Context, id string, flagged bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE shares SET needs_reconcile = $2 WHERE id = $1`, id, flagged)
	if err != nil {
		return fmt.Errorf("update share reconcile flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge removes a destroyed share's record.
func (r *PostgresShareRepository) Purge(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		share, err := lockShare(ctx, tx, id)
		if err != nil {
			return err
		}
		if share.Status != models.StatusDestroyed {
			return fmt.Errorf("purge share in status %s: %w", share.Status, ErrInvalidTransition)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM shares WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete share: %w", err)
		}
		return nil
	})
}

// ListExpirable returns servable or exhausted shares whose deadline has passed.
func (r *PostgresShareRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Share, error) {
	return r.list(ctx, `
        SELECT `+shareColumns+` FROM shares
        WHERE status IN ('active', 'exhausted') AND expires_at <= $1
        ORDER BY expires_at
        LIMIT $2
    `, now.UTC(), limit)
}

// ListPendingDestruction returns terminal shares that still own a payload.
func (r *PostgresShareRepository) ListPendingDestruction(ctx context.Context, limit int) ([]models.Share, error) {
	return r.list(ctx, `
        SELECT `+shareColumns+` FROM shares
        WHERE status IN ('exhausted', 'expired') AND storage_key IS NOT NULL
        ORDER BY expires_at
        LIMIT $1
    `, limit)
}

// ListPurgeable returns destroyed shares older than the retention cutoff.
func (r *PostgresShareRepository) ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]models.Share, error) {
	return r.list(ctx, `
        SELECT `+shareColumns+` FROM shares
        WHERE status = 'destroyed' AND destroyed_at <= $1
        ORDER BY destroyed_at
        LIMIT $2
    `, cutoff.UTC(), limit)
}

// ListFlagged returns shares awaiting reconciliation.
func (r *PostgresShareRepository) ListFlagged(ctx context.Context, limit int) ([]models.Share, error) {
	return r.list(ctx, `
        SELECT `+shareColumns+` FROM shares
        WHERE needs_reconcile AND status IN ('active', 'exhausted', 'expired')
        ORDER BY created_at
        LIMIT $1
    `, limit)
}

func (r *PostgresShareRepository) list(ctx context.Context, query string, args ...any) ([]models.Share, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	var shares []models.Share
	for rows.Next() {
		share, err := scanPgShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return shares, nil
}

func lockShare(ctx context.Context, tx pgx.Tx, id string) (models.Share, error) {
	share, err := scanPgShare(tx.QueryRow(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Share{}, ErrNotFound
		}
		return models.Share{}, fmt.Errorf("select share for update: %w", err)
	}
	return share, nil
}

func scanPgShare(row rowScanner) (models.Share, error) {
	var (
		share       models.Share
		status      string
		storageKey  *string
		destroyedAt *time.Time
	)
	if err := row.Scan(&share.ID, &status, &share.Profile, &share.ContentType, &share.DeviceHash,
		&share.CreatedAt, &share.ExpiresAt, &share.MaxViews, &share.ViewCount,
		&storageKey, &destroyedAt, &share.NeedsReconcile); err != nil {
		return models.Share{}, err
	}

	share.Status = models.ShareStatus(status)
	share.CreatedAt = share.CreatedAt.UTC()
	share.ExpiresAt = share.ExpiresAt.UTC()
	if storageKey != nil {
		share.StorageKey = *storageKey
	}
	if destroyedAt != nil {
		t := destroyedAt.UTC()
		share.DestroyedAt = &t
	}
	return share, nil
}

func nullableKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}

// PostgresQuotaRepository counts creates in the create_quotas table.
type PostgresQuotaRepository struct {
	pool db.Pool
}

// NewPostgresQuotaRepository constructs a quota repository backed by PostgreSQL.
func NewPostgresQuotaRepository(pool db.Pool) *PostgresQuotaRepository {
	return &PostgresQuotaRepository{pool: pool}
}

// Allow increments the window counter only while it is below limit. The guarded upsert
// returns no row when the window is full.
func (r *PostgresQuotaRepository) Allow(ctx context.Context, key string, windowStart time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var count int
	err = conn.QueryRow(ctx, `
        INSERT INTO create_quotas (quota_key, window_start, count)
        VALUES ($1, $2, 1)
        ON CONFLICT (quota_key, window_start)
        DO UPDATE SET count = create_quotas.count + 1
        WHERE create_quotas.count < $3
        RETURNING count
    `, key, windowStart.UTC(), limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("upsert create quota: %w", err)
	}
	return true, nil
}

// Prune deletes quota windows that started before the cutoff.
func (r *PostgresQuotaRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM create_quotas WHERE window_start < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune create quotas: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ ShareRepository = (*PostgresShareRepository)(nil)
var _ QuotaRepository = (*PostgresQuotaRepository)(nil)
