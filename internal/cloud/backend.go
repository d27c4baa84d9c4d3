// Package cloud defines the contract shared by remote storage backends.
//
// A Backend covers the OAuth consent flow and credential hydration of one
// provider. The Client it returns lists remote folders as a lazy sequence of
// normalised RemoteFile records; provider cursors never leak to callers.
package cloud

import (
	"context"
	"errors"
	"iter"
	"net/url"
)

var (
	// ErrCredentialExpired means the stored grant can no longer be refreshed
	// and the user has to authorize again.
	ErrCredentialExpired = errors.New("cloud credential expired")
	// ErrTransport covers network failures, timeouts and provider-side errors.
	// Operations failing with it may be retried.
	ErrTransport = errors.New("cloud transport failure")
	// ErrPathNotFound is returned when a listed path does not exist.
	ErrPathNotFound = errors.New("cloud path not found")
	// ErrUnknownBackend is returned for an unregistered backend type tag.
	ErrUnknownBackend = errors.New("unknown cloud backend")
)

// Backend is one remote storage provider.
type Backend interface {
	// Type returns the backend type tag, e.g. "googledrive".
	Type() string

	// AuthorizationURL returns the provider consent URL carrying state.
	AuthorizationURL(state string) string

	// CompleteAuthorization exchanges the callback parameters for a credential.
	// A denied or invalid grant is reported through AuthResult.Success and
	// AuthResult.ErrorMessage with a nil error; only transport and protocol
	// failures return an error.
	CompleteAuthorization(ctx context.Context, vaultID string, params url.Values) (*AuthResult, error)

	// LoadCredential hydrates a Client from a stored credential blob. When
	// the blob had expired it is refreshed once and the new blob is returned
	// as refreshed; refreshed is nil otherwise. The caller must persist it.
	LoadCredential(ctx context.Context, blob []byte) (client Client, refreshed []byte, err error)
}

// Client is an authenticated handle on one provider account.
type Client interface {
	// ListFiles yields the entries directly under path, excluding trashed
	// ones. Every range over the sequence starts again from the first page,
	// and stopping early fetches no further pages. A failure is yielded once
	// as the final element.
	ListFiles(ctx context.Context, path string) iter.Seq2[RemoteFile, error]
}

// AuthResult is the outcome of an authorization callback.
type AuthResult struct {
	Success         bool   `json:"success"`
	Vault           string `json:"vault"`
	BackendType     string `json:"backendType"`
	ErrorMessage    string `json:"errorMessage"`
	AccessTokenBlob string `json:"accessTokenBlob"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	QuotaBytes      int64  `json:"quotaBytes"`
}

// Denied builds a negative AuthResult.
func Denied(backendType, vaultID, msg string) *AuthResult {
	return &AuthResult{
		Vault:        vaultID,
		BackendType:  backendType,
		ErrorMessage: msg,
	}
}

// RemoteFile is the provider independent view of a remote entry.
type RemoteFile struct {
	Size     int64  `json:"size"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Modified int64  `json:"modified"` // Unix seconds
	IsFolder bool   `json:"is_folder"`
	Cloud    string `json:"cloud"`
}

// Tagged wraps c so every listed record carries vaultID as its Cloud.
func Tagged(c Client, vaultID string) Client {
	return taggedClient{Client: c, vaultID: vaultID}
}

type taggedClient struct {
	Client
	vaultID string
}

func (t taggedClient) ListFiles(ctx context.Context, path string) iter.Seq2[RemoteFile, error] {
	return func(yield func(RemoteFile, error) bool) {
		for f, err := range t.Client.ListFiles(ctx, path) {
			if err == nil {
				f.Cloud = t.vaultID
			}
			if !yield(f, err) {
				return
			}
		}
	}
}

// ChildPath joins a listed folder and an entry name into a "/"-prefixed path.
func ChildPath(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
