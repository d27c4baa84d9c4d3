package metafile

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jun/metavault/internal/model"
)

// MemoryStore is an in-process Store for development and tests. Transactions
// are serialised and a failed transaction restores the previous state.
// It gives no exclusion across processes.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]string // user -> current lock, "" when unlocked
	locks    []model.LockEntry
	versions []model.Version
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]string)}
}

// InTx implements Store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make(map[string]string, len(s.users))
	for k, v := range s.users {
		users[k] = v
	}
	locks := slices.Clone(s.locks)
	versions := slices.Clone(s.versions)

	if err := fn(ctx, &memoryTx{s: s}); err != nil {
		s.users, s.locks, s.versions = users, locks, versions
		return err
	}
	return nil
}

// RecentLocks implements Store.
func (s *MemoryStore) RecentLocks(_ context.Context, userID string, limit int) ([]model.LockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.LockEntry
	for i := len(s.locks) - 1; i >= 0; i-- {
		if s.locks[i].UserID == userID {
			out = append(out, s.locks[i])
		}
	}
	slices.SortStableFunc(out, func(a, b model.LockEntry) int {
		return b.StartTime.Compare(a.StartTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Versions implements Store.
func (s *MemoryStore) Versions(_ context.Context, userID string, limit int) ([]model.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Version
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i].UserID == userID {
			out = append(out, s.versions[i])
		}
	}
	slices.SortStableFunc(out, func(a, b model.Version) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CurrentLock returns the user's current lock token.
func (s *MemoryStore) CurrentLock(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.users[userID]
	return token, ok
}

// memoryTx runs with MemoryStore.mu held.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) EnsureUser(_ context.Context, userID string) error {
	if _, ok := t.s.users[userID]; !ok {
		t.s.users[userID] = ""
	}
	return nil
}

func (t *memoryTx) LockUser(_ context.Context, userID string) (string, bool, error) {
	current, ok := t.s.users[userID]
	return current, ok, nil
}

func (t *memoryTx) SetCurrentLock(_ context.Context, userID, token string) error {
	if _, ok := t.s.users[userID]; !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	t.s.users[userID] = token
	return nil
}

func (t *memoryTx) InsertLock(_ context.Context, entry model.LockEntry) error {
	for _, e := range t.s.locks {
		if e.LockID == entry.LockID {
			return fmt.Errorf("duplicate lock id %s", entry.LockID)
		}
		if e.UserID == entry.UserID && e.Open() {
			return ErrAlreadyLocked
		}
	}
	t.s.locks = append(t.s.locks, entry)
	return nil
}

func (t *memoryTx) CloseLock(_ context.Context, userID, lockID string, end time.Time) error {
	for i, e := range t.s.locks {
		if e.LockID == lockID && e.UserID == userID && e.Open() {
			t.s.locks[i].EndTime = &end
			return nil
		}
	}
	return fmt.Errorf("no open ledger entry %s for user %s", lockID, userID)
}

func (t *memoryTx) InsertVersion(_ context.Context, v model.Version) error {
	t.s.versions = append(t.s.versions, v)
	return nil
}

func (t *memoryTx) DeleteVersions(_ context.Context, userID string) error {
	t.s.versions = slices.DeleteFunc(t.s.versions, func(v model.Version) bool { return v.UserID == userID })
	return nil
}

func (t *memoryTx) DeleteLocks(_ context.Context, userID string) error {
	t.s.locks = slices.DeleteFunc(t.s.locks, func(e model.LockEntry) bool { return e.UserID == userID })
	return nil
}

func (t *memoryTx) DeleteUser(_ context.Context, userID string) error {
	delete(t.s.users, userID)
	return nil
}
