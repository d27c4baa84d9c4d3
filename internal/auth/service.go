// Package auth runs the OAuth consent flow for cloud vaults and hands out
// hydrated backend clients.
//
// The vault being bound is never taken from the callback: AuthorizationURL
// stores it server-side under a random nonce sent as the OAuth state, and
// Complete recovers it by taking that nonce.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/jun/metavault/internal/cloud"
	"github.com/jun/metavault/internal/metrics"
	"github.com/jun/metavault/internal/model"
	"github.com/jun/metavault/internal/tokenstore"
)

// DefaultStateTTL bounds how long a user may sit on the consent screen.
const DefaultStateTTL = 10 * time.Minute

// Service binds vaults to cloud accounts.
type Service struct {
	backends *cloud.Registry
	states   StateStore
	tokens   tokenstore.Store
	stateTTL time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newNonce func() string
}

// Option configures a Service.
type Option func(*Service)

// WithStateTTL sets how long a pending authorization stays valid.
func WithStateTTL(d time.Duration) Option { return func(s *Service) { s.stateTTL = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service.
func NewService(backends *cloud.Registry, states StateStore, tokens tokenstore.Store, opts ...Option) *Service {
	s := &Service{
		backends: backends,
		states:   states,
		tokens:   tokens,
		stateTTL: DefaultStateTTL,
		logger:   slog.Default(),
		now:      time.Now,
		newNonce: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backends returns the registered backend type tags.
func (s *Service) Backends() []string {
	return s.backends.Types()
}

// AuthorizationURL records a pending authorization for (userID, vaultID) and
// returns the backend consent URL.
func (s *Service) AuthorizationURL(ctx context.Context, userID, backendType, vaultID string) (string, error) {
	backend, err := s.backends.Get(backendType)
	if err != nil {
		return "", err
	}

	nonce := s.newNonce()
	err = s.states.Put(ctx, model.PendingAuth{
		Nonce:     nonce,
		UserID:    userID,
		VaultID:   vaultID,
		Backend:   backend.Type(),
		ExpiresAt: s.now().Add(s.stateTTL).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("storing authorization state: %w", err)
	}
	return backend.AuthorizationURL(nonce), nil
}

// Complete handles the provider callback. The binding is saved only for a
// successful result; an unknown state is a negative result.
func (s *Service) Complete(ctx context.Context, params url.Values) (*cloud.AuthResult, error) {
	state := params.Get("state")
	if state == "" {
		s.logger.WarnContext(ctx, "authorization callback without state")
		return cloud.Denied("", "", "missing authorization state"), nil
	}

	pending, err := s.states.Take(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		s.logger.WarnContext(ctx, "authorization callback with unknown state")
		return cloud.Denied("", "", "unknown or expired authorization request"), nil
	}
	if err != nil {
		return nil, err
	}

	backend, err := s.backends.Get(pending.Backend)
	if err != nil {
		return nil, err
	}

	res, err := backend.CompleteAuthorization(ctx, pending.VaultID, params)
	if err != nil {
		s.metrics.AuthCallback(pending.Backend, false)
		return nil, fmt.Errorf("completing %s authorization: %w", pending.Backend, err)
	}
	s.metrics.AuthCallback(pending.Backend, res.Success)
	if !res.Success {
		s.logger.InfoContext(ctx, "authorization denied",
			slog.String("user_id", pending.UserID),
			slog.String("backend", pending.Backend),
			slog.String("reason", res.ErrorMessage),
		)
		return res, nil
	}

	err = s.tokens.Save(ctx, model.Binding{
		UserID:    pending.UserID,
		VaultID:   pending.VaultID,
		Backend:   pending.Backend,
		Blob:      []byte(res.AccessTokenBlob),
		UpdatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("saving binding: %w", err)
	}
	s.logger.InfoContext(ctx, "vault bound",
		slog.String("user_id", pending.UserID),
		slog.String("vault_id", pending.VaultID),
		slog.String("backend", pending.Backend),
	)
	return res, nil
}

// Open hydrates a client for the user's vault. A refreshed credential is
// persisted before the client is returned.
func (s *Service) Open(ctx context.Context, userID, vaultID string) (cloud.Client, error) {
	binding, err := s.tokens.Load(ctx, userID, vaultID)
	if err != nil {
		return nil, err
	}
	backend, err := s.backends.Get(binding.Backend)
	if err != nil {
		return nil, err
	}

	client, refreshed, err := backend.LoadCredential(ctx, binding.Blob)
	if err != nil {
		return nil, err
	}
	if refreshed != nil {
		binding.Blob = refreshed
		binding.UpdatedAt = s.now()
		if err := s.tokens.Save(ctx, *binding); err != nil {
			return nil, fmt.Errorf("saving refreshed credential: %w", err)
		}
	}
	return cloud.Tagged(client, vaultID), nil
}

// Forget drops every binding of the user.
func (s *Service) Forget(ctx context.Context, userID string) error {
	return s.tokens.DeleteUser(ctx, userID)
}
