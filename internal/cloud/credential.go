package cloud

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Credential is the stored credential blob. Its expiry is encoded as the
// issue time plus a lifetime in seconds.
type Credential struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Created      int64  `json:"created"`
	ExpiresIn    int64  `json:"expires_in"`
}

// NewCredential converts an oauth2 token issued at now.
func NewCredential(tok *oauth2.Token, now time.Time) Credential {
	expiresIn := tok.ExpiresIn
	if expiresIn == 0 && !tok.Expiry.IsZero() {
		expiresIn = int64(tok.Expiry.Sub(now).Seconds())
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Created:      now.Unix(),
		ExpiresIn:    expiresIn,
	}
}

// ParseCredential decodes a stored blob.
func ParseCredential(blob []byte) (Credential, error) {
	var c Credential
	if err := json.Unmarshal(blob, &c); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return Credential{}, fmt.Errorf("decode credential: no token present")
	}
	return c, nil
}

// Encode returns the blob form of c.
func (c Credential) Encode() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Expired reports whether the issue time plus lifetime has elapsed at now.
// A credential without a declared lifetime never expires.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresIn > 0 && now.Unix() > c.Created+c.ExpiresIn
}

// Token converts c back to an oauth2 token. A credential without a declared
// lifetime maps to a token that never expires on its own.
func (c Credential) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
	}
	if c.ExpiresIn > 0 {
		tok.Expiry = time.Unix(c.Created+c.ExpiresIn, 0)
	}
	return tok
}
