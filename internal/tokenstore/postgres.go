package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jun/metavault/internal/dbx"
	"github.com/jun/metavault/internal/model"
)

// PostgresStore keeps bindings in the cloud_accounts table.
type PostgresStore struct {
	db dbx.DBTX
}

// NewPostgresStore creates a PostgresStore over db.
func NewPostgresStore(db dbx.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save upserts b into cloud_accounts.
func (s *PostgresStore) Save(ctx context.Context, b model.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cloud_accounts (user_id, vault_id, backend, blob, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, vault_id) DO UPDATE
		SET backend = EXCLUDED.backend, blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		b.UserID, b.VaultID, b.Backend, b.Blob, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving binding: %w", err)
	}
	return nil
}

// Load reads the binding for (userID, vaultID).
func (s *PostgresStore) Load(ctx context.Context, userID, vaultID string) (*model.Binding, error) {
	b := model.Binding{UserID: userID, VaultID: vaultID}
	err := s.db.QueryRowContext(ctx, `
		SELECT backend, blob, updated_at
		FROM cloud_accounts
		WHERE user_id = $1 AND vault_id = $2`, userID, vaultID).
		Scan(&b.Backend, &b.Blob, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotBound
	}
	if err != nil {
		return nil, fmt.Errorf("loading binding: %w", err)
	}
	return &b, nil
}

// DeleteUser removes every cloud_accounts row of userID.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cloud_accounts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("deleting bindings: %w", err)
	}
	return nil
}
