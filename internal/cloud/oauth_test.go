package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *oauth2.Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestOAuth_AuthCodeURL(t *testing.T) {
	o := &OAuth{Config: &oauth2.Config{ClientID: "c", Endpoint: oauth2.Endpoint{AuthURL: "https://provider/auth"}}}

	u, err := url.Parse(o.AuthCodeURL("nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", u.Query().Get("state"))
	assert.Equal(t, "offline", u.Query().Get("access_type"))
	assert.Empty(t, u.Query().Get("prompt"))

	o.ForceApproval = true
	u, err = url.Parse(o.AuthCodeURL("nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, "consent", u.Query().Get("prompt"))
}

func TestOAuth_Load_NotExpired(t *testing.T) {
	var calls atomic.Int32
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	o := &OAuth{Config: cfg, Now: func() time.Time { return time.Unix(1500, 0) }}
	blob := Credential{AccessToken: "a", RefreshToken: "r", Created: 1000, ExpiresIn: 3600}.Encode()

	cred, refreshed, err := o.Load(context.Background(), blob)
	require.NoError(t, err)
	assert.Nil(t, refreshed)
	assert.Equal(t, "a", cred.AccessToken)
	assert.Zero(t, calls.Load())
}

func TestOAuth_Load_RefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new","token_type":"Bearer","expires_in":3600}`)
	})

	o := &OAuth{Config: cfg, Now: func() time.Time { return time.Unix(10000, 0) }}
	blob := Credential{AccessToken: "old", RefreshToken: "r", Created: 1000, ExpiresIn: 3600}.Encode()

	cred, refreshed, err := o.Load(context.Background(), blob)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, "new", cred.AccessToken)
	assert.Equal(t, "r", cred.RefreshToken, "refresh token is kept when not rotated")
	assert.Equal(t, int64(10000), cred.Created)

	stored, err := ParseCredential(refreshed)
	require.NoError(t, err)
	assert.Equal(t, cred, stored)
}

func TestOAuth_Load_Revoked(t *testing.T) {
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been revoked."}`)
	})

	o := &OAuth{Config: cfg, Retry: RetryPolicy{MaxRetries: 3, Base: time.Millisecond}}
	blob := Credential{AccessToken: "old", RefreshToken: "r", Created: 1, ExpiresIn: 1}.Encode()

	_, _, err := o.Load(context.Background(), blob)
	require.ErrorIs(t, err, ErrCredentialExpired)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestOAuth_Load_ProviderDownIsTransport(t *testing.T) {
	var calls atomic.Int32
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	o := &OAuth{Config: cfg, Retry: RetryPolicy{MaxRetries: 2, Base: time.Millisecond}}
	blob := Credential{AccessToken: "old", RefreshToken: "r", Created: 1, ExpiresIn: 1}.Encode()

	_, _, err := o.Load(context.Background(), blob)
	require.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 3, calls.Load(), "one attempt plus two retries")
}

func TestOAuth_Load_RateLimitedIsTransport(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				fmt.Fprint(w, `{"error":"rate_limited"}`)
			})

			o := &OAuth{Config: cfg, Retry: RetryPolicy{MaxRetries: 2, Base: time.Millisecond}}
			blob := Credential{AccessToken: "old", RefreshToken: "r", Created: 1, ExpiresIn: 1}.Encode()

			_, _, err := o.Load(context.Background(), blob)
			require.ErrorIs(t, err, ErrTransport)
			assert.NotErrorIs(t, err, ErrCredentialExpired)
			assert.EqualValues(t, 3, calls.Load())
		})
	}
}

func TestOAuth_Load_NoRefreshToken(t *testing.T) {
	o := &OAuth{Config: &oauth2.Config{}}
	blob := Credential{AccessToken: "old", Created: 1, ExpiresIn: 1}.Encode()

	_, _, err := o.Load(context.Background(), blob)
	require.ErrorIs(t, err, ErrCredentialExpired)
}

func TestOAuth_Exchange(t *testing.T) {
	_, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":3600}`)
	})
	o := &OAuth{Config: cfg, Now: func() time.Time { return time.Unix(100, 0) }}

	cred, err := o.Exchange(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, Credential{AccessToken: "a", TokenType: "Bearer", RefreshToken: "r", Created: 100, ExpiresIn: 3600}, cred)

	_, err = o.Exchange(context.Background(), "bad")
	require.ErrorIs(t, err, ErrCredentialExpired)
}

func TestOAuth_ClientTimeout(t *testing.T) {
	o := &OAuth{Config: &oauth2.Config{}, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
	c := o.Client(context.Background(), Credential{AccessToken: "a"})
	assert.Equal(t, 5*time.Second, c.Timeout)
}

func TestOAuth_ClientNeverRefreshes(t *testing.T) {
	var tokenCalls atomic.Int32
	var lastAuth atomic.Value
	srv, cfg := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			tokenCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"new","refresh_token":"rotated","token_type":"Bearer","expires_in":3600}`)
			return
		}
		lastAuth.Store(r.Header.Get("Authorization"))
	})

	// Five seconds left: inside oauth2's own expiry window but not expired.
	now := time.Unix(10_000, 0)
	o := &OAuth{Config: cfg, Now: func() time.Time { return now }}
	blob := Credential{AccessToken: "old", TokenType: "Bearer", RefreshToken: "r", Created: now.Unix() - 3595, ExpiresIn: 3600}.Encode()

	cred, refreshed, err := o.Load(context.Background(), blob)
	require.NoError(t, err)
	assert.Nil(t, refreshed)

	resp, err := o.Client(context.Background(), cred).Get(srv.URL + "/api")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Zero(t, tokenCalls.Load())
	assert.Equal(t, "Bearer old", lastAuth.Load())
}
