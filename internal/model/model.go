package model

import "time"

// LockEntry is one row of the metafile lock ledger.
type LockEntry struct {
	LockID    string     `json:"lock_id"`
	UserID    string     `json:"user_id"`
	IPAddress string     `json:"ip_address"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"` // nil while the lock is held
}

// Open reports whether the lock has not been released yet.
func (e LockEntry) Open() bool {
	return e.EndTime == nil
}

// Version is one recorded revision of a user's metafile.
type Version struct {
	VersionID string    `json:"version_id"`
	UserID    string    `json:"user_id"`
	LockID    string    `json:"lock_id"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Binding ties a user's vault to a cloud backend credential.
type Binding struct {
	UserID    string    `json:"user_id" dynamodbav:"user_id"`
	VaultID   string    `json:"vault_id" dynamodbav:"vault_id"`
	Backend   string    `json:"backend" dynamodbav:"backend"`
	Blob      []byte    `json:"-" dynamodbav:"-"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// PendingAuth correlates an OAuth callback with the vault that started it.
type PendingAuth struct {
	Nonce     string `json:"nonce" dynamodbav:"nonce"`
	UserID    string `json:"user_id" dynamodbav:"user_id"`
	VaultID   string `json:"vault_id" dynamodbav:"vault_id"`
	Backend   string `json:"backend" dynamodbav:"backend"`
	ExpiresAt int64  `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
}
