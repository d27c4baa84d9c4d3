// Package onedrive implements the OneDrive cloud backend on Microsoft Graph.
package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/jun/metavault/internal/cloud"
	"github.com/jun/metavault/internal/metrics"
)

// Type is the backend type tag.
const Type = "onedrive"

// DefaultBaseURL is the Graph v1.0 root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Scopes requested at authorization. offline_access is required for a refresh token.
var Scopes = []string{"offline_access", "Files.Read.All", "User.Read"}

// Config configures a Backend.
type Config struct {
	OAuth         *oauth2.Config
	ForceApproval bool
	HTTPClient    *http.Client
	Retry         cloud.RetryPolicy
	BaseURL       string
	PageSize      int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Backend implements cloud.Backend for OneDrive.
type Backend struct {
	oauth    *cloud.OAuth
	baseURL  string
	pageSize int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a OneDrive backend.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Backend{
		oauth: &cloud.OAuth{
			Config:        cfg.OAuth,
			ForceApproval: cfg.ForceApproval,
			HTTPClient:    cfg.HTTPClient,
			Retry:         cfg.Retry,
			Now:           cfg.Now,
		},
		baseURL:  baseURL,
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

	c := b.client(ctx, cred)
	var me meResponse
	if err := c.getJSON(ctx, b.baseURL+"/me", &me); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	var d driveResponse
	if err := c.getJSON(ctx, b.baseURL+"/me/drive", &d); err != nil {
		return nil, fmt.Errorf("get drive: %w", err)
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &cloud.AuthResult{
		Success:         true,
		Vault:           vaultID,
		BackendType:     Type,
		AccessTokenBlob: string(cred.Encode()),
		Email:           email,
		Name:            me.DisplayName,
		QuotaBytes:      d.Quota.Total,
	}, nil
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
	return b.client(ctx, cred), refreshed, nil
}

func (b *Backend) client(ctx context.Context, cred cloud.Credential) *Drive {
	return &Drive{http: b.oauth.Client(ctx, cred), backend: b}
}

// Drive is an authenticated OneDrive account.
type Drive struct {
	http    *http.Client
	backend *Backend
}

type meResponse struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type driveResponse struct {
	Quota struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
	} `json:"quota"`
}

type listChildrenResponse struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

type driveItem struct {
	Name                 string           `json:"name"`
	Size                 int64            `json:"size"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	Folder               *json.RawMessage `json:"folder"`
	Deleted              *json.RawMessage `json:"deleted"`
}

// ListFiles implements cloud.Client.
func (d *Drive) ListFiles(ctx context.Context, dir string) iter.Seq2[cloud.RemoteFile, error] {
	return func(yield func(cloud.RemoteFile, error) bool) {
		dir := cleanPath(dir)
		next := d.childrenURL(dir)
		for next != "" {
			var page listChildrenResponse
			if err := d.getJSON(ctx, next, &page); err != nil {
				yield(cloud.RemoteFile{}, fmt.Errorf("list %s: %w", dir, err))
				return
			}
			d.backend.metrics.ListPage(Type)

			for _, item := range page.Value {
				if item.Deleted != nil {
					continue
				}
				if !yield(toRemoteFile(dir, item), nil) {
					return
				}
			}
			next = page.NextLink
		}
	}
}

func (d *Drive) childrenURL(dir string) string {
	q := url.Values{"$top": {fmt.Sprint(d.backend.pageSize)}}.Encode()
	if dir == "/" {
		return d.backend.baseURL + "/me/drive/root/children?" + q
	}
	segments := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.backend.baseURL + "/me/drive/root:/" + strings.Join(segments, "/") + ":/children?" + q
}

// getJSON fetches u into v, retrying transport failures.
func (d *Drive) getJSON(ctx context.Context, u string, v any) error {
	return d.backend.oauth.Retry.Do(ctx, func() { d.backend.metrics.Retry(Type) }, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := d.http.Do(req)
		if err != nil {
			return classifyTransport(err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("%w: decoding graph response: %w", cloud.ErrTransport, err)
		}
		return nil
	})
}

func toRemoteFile(dir string, item driveItem) cloud.RemoteFile {
	var modified int64
	if t, err := time.Parse(time.RFC3339, item.LastModifiedDateTime); err == nil {
		modified = t.Unix()
	}
	isFolder := item.Folder != nil
	size := item.Size
	if isFolder {
		size = 0
	}
	return cloud.RemoteFile{
		Size:     size,
		Name:     item.Name,
		Path:     cloud.ChildPath(dir, item.Name),
		Modified: modified,
		IsFolder: isFolder,
	}
}

func cleanPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "/"
	}
	return "/" + p
}

// classifyStatus maps a Graph response status onto the cloud error taxonomy.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("graph: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", cloud.ErrCredentialExpired, err)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", cloud.ErrPathNotFound, err)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", cloud.ErrTransport, err)
	default:
		return err
	}
}

func classifyTransport(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return cloud.ClassifyOAuthError(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", cloud.ErrTransport, err)
}
