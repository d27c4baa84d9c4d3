package metafile

import (
	"context"
	"time"

	"github.com/jun/metavault/internal/model"
)

// Store is the transactional persistence behind the Coordinator.
type Store interface {
	// InTx runs fn in one transaction. Any error returned by fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// RecentLocks returns the newest ledger entries of a user, newest first.
	RecentLocks(ctx context.Context, userID string, limit int) ([]model.LockEntry, error)

	// Versions returns the newest recorded versions of a user, newest first.
	Versions(ctx context.Context, userID string, limit int) ([]model.Version, error)
}

// Tx is the set of writes available inside a Store transaction.
type Tx interface {
	// EnsureUser creates the user row if it does not exist yet.
	EnsureUser(ctx context.Context, userID string) error

	// LockUser locks the user row until the transaction ends and returns its
	// current lock token, "" when unlocked. found is false if there is no row.
	LockUser(ctx context.Context, userID string) (current string, found bool, err error)

	// SetCurrentLock stores token on the user row. An empty token clears it.
	SetCurrentLock(ctx context.Context, userID, token string) error

	InsertLock(ctx context.Context, entry model.LockEntry) error

	// CloseLock sets the end time of an open ledger entry. It fails if the
	// entry does not exist or is already closed.
	CloseLock(ctx context.Context, userID, lockID string, end time.Time) error

	InsertVersion(ctx context.Context, v model.Version) error

	DeleteVersions(ctx context.Context, userID string) error
	DeleteLocks(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error
}
