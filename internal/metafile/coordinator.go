// Package metafile coordinates exclusive access to a user's metafile.
//
// Each user holds at most one lock at a time. A lock is granted by inserting
// an open ledger entry and pointing users.current_lock at it in the same
// transaction, and released by clearing the pointer and closing the entry,
// again in one transaction. The lock token is the only authority for release.
package metafile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jun/metavault/internal/metrics"
	"github.com/jun/metavault/internal/model"
)

// DefaultRecentLimit is the number of ledger entries returned when no limit is given.
const DefaultRecentLimit = 5

// Coordinator grants and releases metafile locks.
type Coordinator struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	dataDir string
	now     func() time.Time
	newID   func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithDataDir sets the directory holding per-user data, removed on account teardown.
func WithDataDir(dir string) Option {
	return func(c *Coordinator) { c.dataDir = dir }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire grants the user's lock and records origin as the client address.
// It fails with ErrAlreadyLocked if the user already holds a lock.
func (c *Coordinator) Acquire(ctx context.Context, userID, origin string) (*model.LockEntry, error) {
	entry := model.LockEntry{
		LockID:    c.newID(),
		UserID:    userID,
		IPAddress: origin,
		StartTime: c.now().UTC(),
	}

	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.EnsureUser(ctx, userID); err != nil {
			return err
		}
		current, _, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if current != "" {
			return ErrAlreadyLocked
		}
		if err := tx.InsertLock(ctx, entry); err != nil {
			return err
		}
		return tx.SetCurrentLock(ctx, userID, entry.LockID)
	})
	if err != nil {
		c.observe("acquire", err)
		if errors.Is(err, ErrAlreadyLocked) {
			c.logger.InfoContext(ctx, "lock contention", slog.String("user_id", userID))
			return nil, err
		}
		return nil, storageErr(err)
	}

	c.observe("acquire", nil)
	c.logger.InfoContext(ctx, "lock acquired",
		slog.String("user_id", userID),
		slog.String("lock_id", entry.LockID),
		slog.String("origin", origin))
	return &entry, nil
}

// Release gives up the lock identified by token. It fails with
// ErrInvalidToken unless token is the user's current lock.
func (c *Coordinator) Release(ctx context.Context, userID, token string) error {
	if token == "" {
		c.observe("release", ErrInvalidToken)
		return ErrInvalidToken
	}

	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, found, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !found || current != token {
			return ErrInvalidToken
		}
		if err := tx.SetCurrentLock(ctx, userID, ""); err != nil {
			return err
		}
		return tx.CloseLock(ctx, userID, token, c.now().UTC())
	})
	c.observe("release", err)
	if err != nil {
		return storageErr(err)
	}

	c.logger.InfoContext(ctx, "lock released",
		slog.String("user_id", userID),
		slog.String("lock_id", token))
	return nil
}

// RecentLocks returns up to limit ledger entries, newest first, open ones included.
func (c *Coordinator) RecentLocks(ctx context.Context, userID string, limit int) ([]model.LockEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	entries, err := c.store.RecentLocks(ctx, userID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// RecordVersion adds a version history row. Only the current lock holder may
// record versions.
func (c *Coordinator) RecordVersion(ctx context.Context, userID, token string, size int64, checksum string) (*model.Version, error) {
	v := model.Version{
		VersionID: c.newID(),
		UserID:    userID,
		LockID:    token,
		Size:      size,
		Checksum:  checksum,
		CreatedAt: c.now().UTC(),
	}

	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, found, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !found || token == "" || current != token {
			return ErrInvalidToken
		}
		return tx.InsertVersion(ctx, v)
	})
	c.observe("record_version", err)
	if err != nil {
		return nil, storageErr(err)
	}
	return &v, nil
}

// Versions returns up to limit recorded versions, newest first.
func (c *Coordinator) Versions(ctx context.Context, userID string, limit int) ([]model.Version, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	versions, err := c.store.Versions(ctx, userID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return versions, nil
}

// ForceReleaseAll tears down a user's lock state. The open lock, if any, is
// released without its token, then versions, ledger entries and the user row
// are deleted in the same transaction. The user's data directory is removed
// once the transaction has committed.
func (c *Coordinator) ForceReleaseAll(ctx context.Context, userID string) error {
	var released string
	err := c.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, found, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if found && current != "" {
			if err := tx.SetCurrentLock(ctx, userID, ""); err != nil {
				return err
			}
			if err := tx.CloseLock(ctx, userID, current, c.now().UTC()); err != nil {
				return err
			}
			released = current
		}
		if err := tx.DeleteVersions(ctx, userID); err != nil {
			return err
		}
		if err := tx.DeleteLocks(ctx, userID); err != nil {
			return err
		}
		return tx.DeleteUser(ctx, userID)
	})
	c.observe("force_release", err)
	if err != nil {
		return storageErr(err)
	}

	c.logger.InfoContext(ctx, "account lock state removed",
		slog.String("user_id", userID),
		slog.String("released_lock_id", released))

	if err := c.removeUserData(userID); err != nil {
		c.logger.ErrorContext(ctx, "failed to remove user data",
			slog.String("user_id", userID),
			slog.Any("error", err))
	}
	return nil
}

func (c *Coordinator) removeUserData(userID string) error {
	if c.dataDir == "" {
		return nil
	}
	if userID == "" || userID == "." || userID == ".." || filepath.Base(userID) != userID {
		return fmt.Errorf("refusing to remove data for user id %q", userID)
	}
	return os.RemoveAll(filepath.Join(c.dataDir, userID))
}

func (c *Coordinator) observe(op string, err error) {
	switch {
	case err == nil:
		c.metrics.LockOp(op, "ok")
	case errors.Is(err, ErrAlreadyLocked):
		c.metrics.LockOp(op, "conflict")
	case errors.Is(err, ErrInvalidToken):
		c.metrics.LockOp(op, "invalid_token")
	default:
		c.metrics.LockOp(op, "error")
	}
}
