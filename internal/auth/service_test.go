package auth

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jun/metavault/internal/cloud"
	"github.com/jun/metavault/internal/cloud/googledrive"
	"github.com/jun/metavault/internal/model"
	"github.com/jun/metavault/internal/tokenstore"
)

type fakeBackend struct {
	result    *cloud.AuthResult
	err       error
	refreshed []byte
	loadErr   error
	loaded    [][]byte
}

func (f *fakeBackend) Type() string { return "fake" }

func (f *fakeBackend) AuthorizationURL(state string) string {
	return "https://consent.example/?state=" + state
}

func (f *fakeBackend) CompleteAuthorization(_ context.Context, vaultID string, _ url.Values) (*cloud.AuthResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.Vault = vaultID
	return &res, nil
}

func (f *fakeBackend) LoadCredential(_ context.Context, blob []byte) (cloud.Client, []byte, error) {
	f.loaded = append(f.loaded, blob)
	if f.loadErr != nil {
		return nil, nil, f.loadErr
	}
	return staticClient{}, f.refreshed, nil
}

type staticClient struct{}

func (staticClient) ListFiles(context.Context, string) iter.Seq2[cloud.RemoteFile, error] {
	return func(yield func(cloud.RemoteFile, error) bool) {
		yield(cloud.RemoteFile{Name: "a", Path: "/a"}, nil)
	}
}

// countingStore records writes on top of a MemoryStore.
type countingStore struct {
	*tokenstore.MemoryStore
	saves int
}

func (c *countingStore) Save(ctx context.Context, b model.Binding) error {
	c.saves++
	return c.MemoryStore.Save(ctx, b)
}

func newTestService(backends ...cloud.Backend) (*Service, *countingStore) {
	tokens := &countingStore{MemoryStore: tokenstore.NewMemoryStore()}
	svc := NewService(cloud.NewRegistry(backends...), NewMemoryStateStore(), tokens)
	return svc, tokens
}

func stateOf(t *testing.T, consentURL string) string {
	t.Helper()
	u, err := url.Parse(consentURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestService_BindsVaultFromState(t *testing.T) {
	fb := &fakeBackend{result: &cloud.AuthResult{Success: true, BackendType: "fake", AccessTokenBlob: `{"access_token":"t"}`}}
	svc, tokens := newTestService(fb)
	ctx := context.Background()

	consent, err := svc.AuthorizationURL(ctx, "u1", "fake", "vault-1")
	require.NoError(t, err)
	state := stateOf(t, consent)

	res, err := svc.Complete(ctx, url.Values{"state": {state}, "code": {"c"}, "vault": {"forged"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "vault-1", res.Vault)

	b, err := tokens.Load(ctx, "u1", "vault-1")
	require.NoError(t, err)
	assert.Equal(t, "fake", b.Backend)
	assert.Equal(t, `{"access_token":"t"}`, string(b.Blob))

	// The nonce is single use.
	res, err = svc.Complete(ctx, url.Values{"state": {state}, "code": {"c"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, tokens.saves)
}

func TestService_MissingState(t *testing.T) {
	fb := &fakeBackend{result: &cloud.AuthResult{Success: true}}
	table := &fakeStateTable{items: map[string]map[string]types.AttributeValue{}}
	tokens := &countingStore{MemoryStore: tokenstore.NewMemoryStore()}
	svc := NewService(cloud.NewRegistry(fb), NewDynamoStateStore(table, "states"), tokens)

	res, err := svc.Complete(context.Background(), url.Values{"code": {"c"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "missing authorization state", res.ErrorMessage)
	assert.Zero(t, tokens.saves)
}

func TestService_UnknownBackend(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.AuthorizationURL(context.Background(), "u1", "dropbox", "v")
	assert.ErrorIs(t, err, cloud.ErrUnknownBackend)
}

func TestService_DeniedResultNotSaved(t *testing.T) {
	fb := &fakeBackend{result: &cloud.AuthResult{ErrorMessage: "access_denied"}}
	svc, tokens := newTestService(fb)
	ctx := context.Background()

	consent, err := svc.AuthorizationURL(ctx, "u1", "fake", "v")
	require.NoError(t, err)

	res, err := svc.Complete(ctx, url.Values{"state": {stateOf(t, consent)}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, tokens.saves)
}

func TestService_BackendErrorPropagates(t *testing.T) {
	fb := &fakeBackend{err: cloud.ErrTransport}
	svc, tokens := newTestService(fb)
	ctx := context.Background()

	consent, err := svc.AuthorizationURL(ctx, "u1", "fake", "v")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, url.Values{"state": {stateOf(t, consent)}, "code": {"c"}})
	assert.ErrorIs(t, err, cloud.ErrTransport)
	assert.Equal(t, 0, tokens.saves)
}

func TestService_ExpiredState(t *testing.T) {
	fb := &fakeBackend{result: &cloud.AuthResult{Success: true}}
	tokens := &countingStore{MemoryStore: tokenstore.NewMemoryStore()}
	svc := NewService(cloud.NewRegistry(fb), NewMemoryStateStore(), tokens,
		WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))

	consent, err := svc.AuthorizationURL(context.Background(), "u1", "fake", "v")
	require.NoError(t, err)

	res, err := svc.Complete(context.Background(), url.Values{"state": {stateOf(t, consent)}, "code": {"c"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, tokens.saves)
}

// A provider error parameter on a real backend yields a negative result,
// no token exchange and no stored binding.
func TestService_ProviderErrorEndToEnd(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gd := googledrive.New(googledrive.Config{
		OAuth: &oauth2.Config{
			ClientID: "id",
			Endpoint: oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"},
		},
	})
	svc, tokens := newTestService(gd)
	ctx := context.Background()

	consent, err := svc.AuthorizationURL(ctx, "u1", googledrive.Type, "vault-9")
	require.NoError(t, err)

	res, err := svc.Complete(ctx, url.Values{"state": {stateOf(t, consent)}, "error": {"access_denied"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "vault-9", res.Vault)
	assert.Empty(t, res.AccessTokenBlob)
	assert.EqualValues(t, 0, tokenCalls.Load())
	assert.Equal(t, 0, tokens.saves)

	_, err = tokens.Load(ctx, "u1", "vault-9")
	assert.ErrorIs(t, err, tokenstore.ErrNotBound)
}

func TestService_OpenPersistsRefresh(t *testing.T) {
	fb := &fakeBackend{refreshed: []byte(`{"access_token":"new"}`)}
	svc, tokens := newTestService(fb)
	ctx := context.Background()
	require.NoError(t, tokens.MemoryStore.Save(ctx, model.Binding{UserID: "u1", VaultID: "v1", Backend: "fake", Blob: []byte(`{"access_token":"old"}`)}))

	client, err := svc.Open(ctx, "u1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.saves)

	b, err := tokens.Load(ctx, "u1", "v1")
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"new"}`, string(b.Blob))
	assert.Equal(t, `{"access_token":"old"}`, string(fb.loaded[0]))

	for f, err := range client.ListFiles(ctx, "/") {
		require.NoError(t, err)
		assert.Equal(t, "v1", f.Cloud)
	}
}

func TestService_OpenErrors(t *testing.T) {
	fb := &fakeBackend{loadErr: cloud.ErrCredentialExpired}
	svc, tokens := newTestService(fb)
	ctx := context.Background()

	_, err := svc.Open(ctx, "u1", "nope")
	assert.ErrorIs(t, err, tokenstore.ErrNotBound)

	require.NoError(t, tokens.MemoryStore.Save(ctx, model.Binding{UserID: "u1", VaultID: "v1", Backend: "fake"}))
	_, err = svc.Open(ctx, "u1", "v1")
	assert.ErrorIs(t, err, cloud.ErrCredentialExpired)
	assert.Equal(t, 0, tokens.saves)
}

func TestService_Forget(t *testing.T) {
	svc, tokens := newTestService(&fakeBackend{})
	ctx := context.Background()
	require.NoError(t, tokens.Save(ctx, model.Binding{UserID: "u1", VaultID: "v1", Backend: "fake"}))

	require.NoError(t, svc.Forget(ctx, "u1"))
	_, err := tokens.Load(ctx, "u1", "v1")
	assert.True(t, errors.Is(err, tokenstore.ErrNotBound))
}
