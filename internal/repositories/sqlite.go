package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/andyguoau/scamvax-api/internal/models"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS shares (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('active', 'exhausted', 'expired', 'destroyed', 'purged')),
		profile TEXT NOT NULL,
		content_type TEXT NOT NULL,
		device_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		max_views INTEGER NOT NULL CHECK (max_views > 0),
		view_count INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0 AND view_count <= max_views),
		storage_key TEXT,
		destroyed_at INTEGER,
		needs_reconcile INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_shares_status_expires_at ON shares(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_shares_status_destroyed_at ON shares(status, destroyed_at);
	CREATE INDEX IF NOT EXISTS idx_shares_needs_reconcile ON shares(needs_reconcile, created_at);

	CREATE TABLE IF NOT EXISTS create_quotas (
		quota_key TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		count INTEGER NOT NULL CHECK (count > 0),
		PRIMARY KEY (quota_key, window_start)
	);
`

// SQLiteShareRepository persists shares in a single SQLite database file. The handle
// must come from db.OpenSQLite: one connection and IMMEDIATE transactions give every
// read-modify-write the same exclusivity a row lock gives on PostgreSQL.
type SQLiteShareRepository struct {
	db *sql.DB
}

// NewSQLiteShareRepository creates the schema if needed and returns the repository.
func NewSQLiteShareRepository(handle *sql.DB) (*SQLiteShareRepository, error) {
	if err := EnsureSQLiteSchema(handle); err != nil {
		return nil, err
	}
	return &SQLiteShareRepository{db: handle}, nil
}

// EnsureSQLiteSchema creates the share and quota tables.
func EnsureSQLiteSchema(handle *sql.DB) error {
	if _, err := handle.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteShareRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Create persists a new share record.
func (s *SQLiteShareRepository) Create(ctx context.Context, share models.Share) error {
	var destroyedAt any
	if share.DestroyedAt != nil {
		destroyedAt = share.DestroyedAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, share.ID, string(share.Status), share.Profile, share.ContentType, share.DeviceHash,
		share.CreatedAt.UnixMilli(), share.ExpiresAt.UnixMilli(), share.MaxViews, share.ViewCount,
		sqlNullKey(share.StorageKey), destroyedAt, share.NeedsReconcile)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert share: %w", err)
	}
	return nil
}

// Get fetches a share by id.
func (s *SQLiteShareRepository) Get(ctx context.Context, id string) (models.Share, error) {
	share, err := scanSQLiteShare(s.db.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Share{}, ErrNotFound
		}
		return models.Share{}, fmt.Errorf("select share: %w", err)
	}
	return share, nil
}

// ConsumeView evaluates one access inside a write transaction and commits the outcome.
func (s *SQLiteShareRepository) ConsumeView(ctx context.Context, id string, now time.Time) (models.ViewOutcome, error) {
	var out models.ViewOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		share, err := selectSQLiteShare(ctx, tx, id)
		if err != nil {
			return err
		}

		out = models.ApplyView(share, now)
		if !out.Changed {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE shares SET status = ?, view_count = ? WHERE id = ?`,
			string(out.Share.Status), out.Share.ViewCount, id); err != nil {
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
func (s *SQLiteShareRepository) Expire(ctx context.Context, id string, now time.Time) (Transition, error) {
	return s.transition(ctx, id, func(share models.Share) Transition { return expire(share, now) })
}

// ForceExpire moves an active or exhausted share to expired regardless of its deadline.
func (s *SQLiteShareRepository) ForceExpire(ctx context.Context, id string) (Transition, error) {
	return s.transition(ctx, id, forceExpire)
}

func (s *SQLiteShareRepository) transition(ctx context.Context, id string, apply func(models.Share) Transition) (Transition, error) {
	var result Transition
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		share, err := selectSQLiteShare(ctx, tx, id)
		if err != nil {
			return err
		}

		result = apply(share)
		if !result.Changed {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE shares SET status = ? WHERE id = ?`, string(result.Share.Status), id); err != nil {
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
func (s *SQLiteShareRepository) MarkDestroyed(ctx context.Context, id string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		share, err := selectSQLiteShare(ctx, tx, id)
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

		if _, err := tx.ExecContext(ctx, `
			UPDATE shares
			SET status = ?, destroyed_at = ?, storage_key = NULL, needs_reconcile = 0
			WHERE id = ?
		`, string(models.StatusDestroyed), now.UnixMilli(), id); err != nil {
			return fmt.Errorf("mark share destroyed: %w", err)
		}
		return nil
	})
}

// Flag queues the share for reconciliation.
func (s *SQLiteShareRepository) Flag(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, true)
}

// ClearFlag removes the share from the reconciliation queue.
func (s *SQLiteShareRepository) ClearFlag(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, false)
}

func (s *SQLiteShareRepository) setFlag(ctx context.Context, id string, flagged bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shares SET needs_reconcile = ? WHERE id = ?`, flagged, id)
	if err != nil {
		return fmt.Errorf("update share reconcile flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update share reconcile flag: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge removes a destroyed share's record.
func (s *SQLiteShareRepository) Purge(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		share, err := selectSQLiteShare(ctx, tx, id)
		if err != nil {
			return err
		}
		if share.Status != models.StatusDestroyed {
			return fmt.Errorf("purge share in status %s: %w", share.Status, ErrInvalidTransition)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete share: %w", err)
		}
		return nil
	})
}

// ListExpirable returns servable or exhausted shares whose deadline has passed.
func (s *SQLiteShareRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Share, error) {
	return s.list(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE status IN ('active', 'exhausted') AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`, now.UnixMilli(), limit)
}

// ListPendingDestruction returns terminal shares that still own a payload.
func (s *SQLiteShareRepository) ListPendingDestruction(ctx context.Context, limit int) ([]models.Share, error) {
	return s.list(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE status IN ('exhausted', 'expired') AND storage_key IS NOT NULL
		ORDER BY expires_at
		LIMIT ?
	`, limit)
}

// ListPurgeable returns destroyed shares older than the retention cutoff.
func (s *SQLiteShareRepository) ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]models.Share, error) {
	return s.list(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE status = 'destroyed' AND destroyed_at <= ?
		ORDER BY destroyed_at
		LIMIT ?
	`, cutoff.UnixMilli(), limit)
}

// ListFlagged returns shares awaiting reconciliation.
func (s *SQLiteShareRepository) ListFlagged(ctx context.Context, limit int) ([]models.Share, error) {
	return s.list(ctx, `
		SELECT `+shareColumns+` FROM shares
		WHERE needs_reconcile = 1 AND status IN ('active', 'exhausted', 'expired')
		ORDER BY created_at
		LIMIT ?
	`, limit)
}

func (s *SQLiteShareRepository) list(ctx context.Context, query string, args ...any) ([]models.Share, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query shares: %w", err)
	}
	defer rows.Close()

	var shares []models.Share
	for rows.Next() {
		share, err := scanSQLiteShare(rows)
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

func selectSQLiteShare(ctx context.Context, tx *sql.Tx, id string) (models.Share, error) {
	share, err := scanSQLiteShare(tx.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Share{}, ErrNotFound
		}
		return models.Share{}, fmt.Errorf("select share: %w", err)
	}
	return share, nil
}

func scanSQLiteShare(row rowScanner) (models.Share, error) {
	var (
		share       models.Share
		status      string
		createdAt   int64
		expiresAt   int64
		storageKey  sql.NullString
		destroyedAt sql.NullInt64
	)
	if err := row.Scan(&share.ID, &status, &share.Profile, &share.ContentType, &share.DeviceHash,
		&createdAt, &expiresAt, &share.MaxViews, &share.ViewCount,
		&storageKey, &destroyedAt, &share.NeedsReconcile); err != nil {
		return models.Share{}, err
	}

	share.Status = models.ShareStatus(status)
	share.CreatedAt = time.UnixMilli(createdAt).UTC()
	share.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	share.StorageKey = storageKey.String
	if destroyedAt.Valid {
		t := time.UnixMilli(destroyedAt.Int64).UTC()
		share.DestroyedAt = &t
	}
	return share, nil
}

func sqlNullKey(key string) sql.NullString {
	return sql.NullString{String: key, Valid: key != ""}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

// SQLiteQuotaRepository counts creates in the create_quotas table.
type SQLiteQuotaRepository struct {
	db *sql.DB
}

// NewSQLiteQuotaRepository creates the schema if needed and returns the repository.
func NewSQLiteQuotaRepository(handle *sql.DB) (*SQLiteQuotaRepository, error) {
	if err := EnsureSQLiteSchema(handle); err != nil {
		return nil, err
	}
	return &SQLiteQuotaRepository{db: handle}, nil
}

// Allow increments the window counter only while it is below limit.
func (s *SQLiteQuotaRepository) Allow(ctx context.Context, key string, windowStart time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO create_quotas (quota_key, window_start, count)
		VALUES (?, ?, 1)
		ON CONFLICT (quota_key, window_start)
		DO UPDATE SET count = count + 1
		WHERE count < ?
		RETURNING count
	`, key, windowStart.UnixMilli(), limit).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("upsert create quota: %w", err)
	}
	return true, nil
}

// Prune deletes quota windows that started before the cutoff.
func (s *SQLiteQuotaRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM create_quotas WHERE window_start < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune create quotas: %w", err)
	}
	return res.RowsAffected()
}

var _ ShareRepository = (*SQLiteShareRepository)(nil)
var _ QuotaRepository = (*SQLiteQuotaRepository)(nil)
