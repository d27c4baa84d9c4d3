// Package googledrive implements the Google Drive cloud backend on drive/v3.
package googledrive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/metavault/internal/cloud"
	"github.com/jun/metavault/internal/metrics"
)

// Type is the backend type tag.
const Type = "googledrive"

const (
	folderMimeType = "application/vnd.google-apps.folder"
	listFields     = "nextPageToken, files(id, name, originalFilename, mimeType, size, modifiedTime, trashed)"
	aboutFields    = "user(emailAddress, displayName), storageQuota(limit)"
)

// Scopes requested at authorization.
var Scopes = []string{
	drive.DriveScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// Config configures a Backend.
type Config struct {
	OAuth         *oauth2.Config
	ForceApproval bool
	HTTPClient    *http.Client
	Retry         cloud.RetryPolicy
	PageSize      int64
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// ClientOptions are appended when creating Drive services, e.g. an endpoint override.
	ClientOptions []option.ClientOption
	Now           func() time.Time
}

// Backend implements cloud.Backend for Google Drive.
type Backend struct {
	oauth    *cloud.OAuth
	opts     []option.ClientOption
	pageSize int64
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Google Drive backend.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Backend{
		oauth: &cloud.OAuth{
			Config:        cfg.OAuth,
			ForceApproval: cfg.ForceApproval,
			HTTPClient:    cfg.HTTPClient,
			Retry:         cfg.Retry,
			Now:           cfg.Now,
		},
		opts:     cfg.ClientOptions,
		pageSize: pageSize,
		logger:   logger.With(slog.String("backend", Type)),
		metrics:  cfg.Metrics,
	}
}

// Type implements cloud.Backend.
func (b *Backend) Type() string { return Type }

// AuthorizationURL implements cloud.Backend.
func (b *Backend) AuthorizationURL(state string) string {
	return b.oauth.AuthCodeURL(state)
}

// CompleteAuthorization implements cloud.Backend.
func (b *Backend) CompleteAuthorization(ctx context.Context, vaultID string, params url.Values) (*cloud.AuthResult, error) {
	if msg := params.Get("error"); msg != "" {
		if desc := params.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		return cloud.Denied(Type, vaultID, msg), nil
	}
	code := params.Get("code")
	if code == "" {
		return cloud.Denied(Type, vaultID, "missing authorization code"), nil
	}

	cred, err := b.oauth.Exchange(ctx, code)
	if errors.Is(err, cloud.ErrCredentialExpired) {
		b.logger.WarnContext(ctx, "authorization grant rejected", slog.Any("error", err))
		return cloud.Denied(Type, vaultID, "authorization grant rejected"), nil
	}
	if err != nil {
		return nil, err
	}
	if cred.AccessToken == "" {
		return cloud.Denied(Type, vaultID, "no access token issued"), nil
	}

	svc, err := b.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var about *drive.About
	err = b.oauth.Retry.Do(ctx, b.onRetry, func(ctx context.Context) error {
		var err error
		about, err = svc.About.Get().Fields(aboutFields).Context(ctx).Do()
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("get drive account: %w", err)
	}

	res := &cloud.AuthResult{
		Success:         true,
		Vault:           vaultID,
		BackendType:     Type,
		AccessTokenBlob: string(cred.Encode()),
	}
	if about.User != nil {
		res.Email = about.User.EmailAddress
		res.Name = about.User.DisplayName
	}
	if about.StorageQuota != nil {
		res.QuotaBytes = about.StorageQuota.Limit
	}
	return res, nil
}

// LoadCredential implements cloud.Backend.
func (b *Backend) LoadCredential(ctx context.Context, blob []byte) (cloud.Client, []byte, error) {
	cred, refreshed, err := b.oauth.Load(ctx, blob)
	if refreshed != nil || err != nil {
		b.metrics.Refresh(Type, err == nil)
	}
	if err != nil {
		return nil, nil, err
	}
	if refreshed != nil {
		b.logger.InfoContext(ctx, "credential refreshed")
	}

	svc, err := b.service(ctx, cred)
	if err != nil {
		return nil, nil, err
	}
	return &Drive{service: svc, backend: b}, refreshed, nil
}

func (b *Backend) service(ctx context.Context, cred cloud.Credential) (*drive.Service, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(b.oauth.Client(ctx, cred))}, b.opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive client: %w", err)
	}
	return svc, nil
}

func (b *Backend) onRetry() {
	b.metrics.Retry(Type)
}

// Drive is an authenticated Google Drive account.
type Drive struct {
	service *drive.Service
	backend *Backend
}

// ListFiles implements cloud.Client.
func (d *Drive) ListFiles(ctx context.Context, dir string) iter.Seq2[cloud.RemoteFile, error] {
	return func(yield func(cloud.RemoteFile, error) bool) {
		dir := cleanPath(dir)
		parent, err := d.resolveFolder(ctx, dir)
		if err != nil {
			yield(cloud.RemoteFile{}, err)
			return
		}

		q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(parent))
		pageToken := ""
		for {
			var page *drive.FileList
			err := d.backend.oauth.Retry.Do(ctx, d.backend.onRetry, func(ctx context.Context) error {
				call := d.service.Files.List().
					Q(q).
					Fields(listFields).
					PageSize(d.backend.pageSize).
					Context(ctx)
				if pageToken != "" {
					call = call.PageToken(pageToken)
				}
				var err error
				page, err = call.Do()
				return classify(err)
			})
			if err != nil {
				yield(cloud.RemoteFile{}, fmt.Errorf("list %s: %w", dir, err))
				return
			}
			d.backend.metrics.ListPage(Type)

			for _, f := range page.Files {
				if f.Trashed {
					continue
				}
				if !yield(toRemoteFile(dir, f), nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			pageToken = page.NextPageToken
		}
	}
}

// resolveFolder walks dir from the root and returns the folder id.
func (d *Drive) resolveFolder(ctx context.Context, dir string) (string, error) {
	id := "root"
	if dir == "/" {
		return id, nil
	}
	for _, name := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
			escapeQuery(name), escapeQuery(id), folderMimeType)

		var list *drive.FileList
		err := d.backend.oauth.Retry.Do(ctx, d.backend.onRetry, func(ctx context.Context) error {
			var err error
			list, err = d.service.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
			return classify(err)
		})
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", dir, err)
		}
		if len(list.Files) == 0 {
			return "", fmt.Errorf("%w: %s", cloud.ErrPathNotFound, dir)
		}
		id = list.Files[0].Id
	}
	return id, nil
}

func toRemoteFile(dir string, f *drive.File) cloud.RemoteFile {
	name := f.OriginalFilename
	if name == "" {
		name = f.Name
	}
	var modified int64
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		modified = t.Unix()
	}
	return cloud.RemoteFile{
		Size:     f.Size,
		Name:     name,
		Path:     cloud.ChildPath(dir, name),
		Modified: modified,
		IsFolder: f.MimeType == folderMimeType,
	}
}

func cleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// classify maps Drive API failures onto the cloud error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return cloud.ClassifyOAuthError(err)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", cloud.ErrCredentialExpired, err)
		case gErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", cloud.ErrPathNotFound, err)
		case gErr.Code == http.StatusTooManyRequests || gErr.Code >= http.StatusInternalServerError || isRateLimited(gErr):
			return fmt.Errorf("%w: %w", cloud.ErrTransport, err)
		default:
			return fmt.Errorf("drive api: %w", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", cloud.ErrTransport, err)
}

func isRateLimited(gErr *googleapi.Error) bool {
	if gErr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
