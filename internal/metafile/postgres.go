package metafile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jun/metavault/internal/dbx"
	"github.com/jun/metavault/internal/model"
)

// oneOpenLockIndex is the partial unique index allowing a single open entry per user.
const oneOpenLockIndex = "metafile_locks_one_open_idx"

// PostgresStore implements Store on PostgreSQL through database/sql and pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx implements Store using a READ COMMITTED transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return dbx.WithTx(ctx, s.db, dbx.ReadCommitted, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, &postgresTx{db: tx})
	})
}

// RecentLocks implements Store.
func (s *PostgresStore) RecentLocks(ctx context.Context, userID string, limit int) ([]model.LockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lock_id, user_id, ip_address, start_time, end_time
		FROM metafile_locks
		WHERE user_id = $1
		ORDER BY start_time DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []model.LockEntry
	for rows.Next() {
		var (
			e   model.LockEntry
			end sql.NullTime
		)
		if err := rows.Scan(&e.LockID, &e.UserID, &e.IPAddress, &e.StartTime, &end); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if end.Valid {
			t := end.Time
			e.EndTime = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Versions implements Store.
func (s *PostgresStore) Versions(ctx context.Context, userID string, limit int) ([]model.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, user_id, lock_id, size, checksum, created_at
		FROM metafile_versions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []model.Version
	for rows.Next() {
		var v model.Version
		if err := rows.Scan(&v.VersionID, &v.UserID, &v.LockID, &v.Size, &v.Checksum, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

type postgresTx struct {
	db dbx.DBTX
}

func (t *postgresTx) EnsureUser(ctx context.Context, userID string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (t *postgresTx) LockUser(ctx context.Context, userID string) (string, bool, error) {
	var current sql.NullString
	err := t.db.QueryRowContext(ctx,
		`SELECT current_lock FROM users WHERE user_id = $1 FOR UPDATE`, userID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("db error: %w", err)
	}
	return current.String, true, nil
}

func (t *postgresTx) SetCurrentLock(ctx context.Context, userID, token string) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE users SET current_lock = $2 WHERE user_id = $1`,
		userID, sql.NullString{String: token, Valid: token != ""})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res, "update users")
}

func (t *postgresTx) InsertLock(ctx context.Context, e model.LockEntry) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO metafile_locks (lock_id, user_id, ip_address, start_time) VALUES ($1, $2, $3, $4)`,
		e.LockID, e.UserID, e.IPAddress, e.StartTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneOpenLockIndex {
			return ErrAlreadyLocked
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (t *postgresTx) CloseLock(ctx context.Context, userID, lockID string, end time.Time) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE metafile_locks SET end_time = $1 WHERE lock_id = $2 AND user_id = $3 AND end_time IS NULL`,
		end, lockID, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res, "close lock "+lockID)
}

func (t *postgresTx) InsertVersion(ctx context.Context, v model.Version) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO metafile_versions (version_id, user_id, lock_id, size, checksum, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		v.VersionID, v.UserID, v.LockID, v.Size, v.Checksum, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteVersions(ctx context.Context, userID string) error {
	return t.exec(ctx, `DELETE FROM metafile_versions WHERE user_id = $1`, userID)
}

func (t *postgresTx) DeleteLocks(ctx context.Context, userID string) error {
	return t.exec(ctx, `DELETE FROM metafile_locks WHERE user_id = $1`, userID)
}

func (t *postgresTx) DeleteUser(ctx context.Context, userID string) error {
	return t.exec(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
}

func (t *postgresTx) exec(ctx context.Context, query string, args ...any) error {
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %d rows affected, want 1", what, n)
	}
	return nil
}
