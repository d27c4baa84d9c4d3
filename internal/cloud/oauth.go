package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultHTTPTimeout bounds every provider round trip.
const DefaultHTTPTimeout = 30 * time.Second

// OAuth is the authorization code flow shared by OAuth based backends.
type OAuth struct {
	Config *oauth2.Config
	// ForceApproval asks the provider to show the consent prompt on every
	// authorization, which guarantees a refresh token is issued.
	ForceApproval bool
	HTTPClient    *http.Client
	Retry         RetryPolicy
	Now           func() time.Time
}

func (o *OAuth) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *OAuth) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// context returns ctx carrying the bounded HTTP client for oauth2 calls.
func (o *OAuth) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient())
}

// AuthCodeURL returns the consent URL for state.
func (o *OAuth) AuthCodeURL(state string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if o.ForceApproval {
		opts = append(opts, oauth2.ApprovalForce)
	}
	return o.Config.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a credential. A rejected grant
// fails with ErrCredentialExpired, anything else with ErrTransport.
func (o *OAuth) Exchange(ctx context.Context, code string) (Credential, error) {
	tok, err := o.Config.Exchange(o.context(ctx), code)
	if err != nil {
		return Credential{}, ClassifyOAuthError(err)
	}
	return NewCredential(tok, o.now()), nil
}

// Load decodes blob and refreshes it when its lifetime has elapsed. The
// returned refreshed blob is nil when no refresh happened.
func (o *OAuth) Load(ctx context.Context, blob []byte) (Credential, []byte, error) {
	cred, err := ParseCredential(blob)
	if err != nil {
		return Credential{}, nil, err
	}
	if !cred.Expired(o.now()) {
		return cred, nil, nil
	}
	if cred.RefreshToken == "" {
		return Credential{}, nil, fmt.Errorf("%w: no refresh token stored", ErrCredentialExpired)
	}

	var tok *oauth2.Token
	err = o.Retry.Do(ctx, nil, func(ctx context.Context) error {
		// An already expired token makes the source go straight to the
		// token endpoint.
		src := o.Config.TokenSource(o.context(ctx), &oauth2.Token{
			RefreshToken: cred.RefreshToken,
			Expiry:       time.Unix(1, 0),
		})
		var err error
		tok, err = src.Token()
		if err != nil {
			return ClassifyOAuthError(err)
		}
		return nil
	})
	if err != nil {
		return Credential{}, nil, err
	}

	fresh := NewCredential(tok, o.now())
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	return fresh, fresh.Encode(), nil
}

// Client returns an HTTP client authorized with cred. The client never
// contacts the token endpoint; refreshing happens in Load so the new blob
// reaches the caller.
func (o *OAuth) Client(ctx context.Context, cred Credential) *http.Client {
	ctx = o.context(ctx)
	c := oauth2.NewClient(ctx, oauth2.StaticTokenSource(cred.Token()))
	c.Timeout = o.httpClient().Timeout
	return c
}

// ClassifyOAuthError maps token endpoint failures. Timeouts, rate limiting,
// 5xx responses and network errors are transport failures; any other 4xx
// means the grant is unusable.
func ClassifyOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && transientStatus(re.Response.StatusCode) {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return fmt.Errorf("%w: %w", ErrCredentialExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}
