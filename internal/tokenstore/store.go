// Package tokenstore persists cloud credential bindings per (user, vault).
// It is deliberately independent of the metafile lock ledger.
package tokenstore

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/jun/metavault/internal/model"
)

// ErrNotBound is returned when no binding exists for a (user, vault) pair.
var ErrNotBound = errors.New("vault not bound")

// Store persists Bindings. Save is an upsert keyed by (UserID, VaultID).
type Store interface {
	Save(ctx context.Context, b model.Binding) error
	Load(ctx context.Context, userID, vaultID string) (*model.Binding, error)
	DeleteUser(ctx context.Context, userID string) error
}

type key struct{ userID, vaultID string }

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[key]model.Binding
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[key]model.Binding)}
}

// Save upserts b.
func (s *MemoryStore) Save(_ context.Context, b model.Binding) error {
	b.Blob = slices.Clone(b.Blob)
	s.mu.Lock()
	s.bindings[key{b.UserID, b.VaultID}] = b
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the binding for (userID, vaultID).
func (s *MemoryStore) Load(_ context.Context, userID, vaultID string) (*model.Binding, error) {
	s.mu.RLock()
	b, ok := s.bindings[key{userID, vaultID}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotBound
	}
	b.Blob = slices.Clone(b.Blob)
	return &b, nil
}

// DeleteUser drops every binding of userID.
func (s *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.DeleteFunc(s.bindings, func(k key, _ model.Binding) bool { return k.userID == userID })
	return nil
}
