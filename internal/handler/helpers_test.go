package handler_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/metavault/internal/cloud"
)

const (
	testUserID    = "test-user-123"
	testJWTSecret = "test-secret"
)

func makeToken(userID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))
	return signed
}

func makeRequest(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(testUserID),
			"Content-Type":  "application/json",
		},
		PathParameters:        map[string]string{},
		QueryStringParameters: map[string]string{},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubBackend authorizes every code and lists a fixed folder.
type stubBackend struct {
	files   []cloud.RemoteFile
	listErr error
	loadErr error
}

func (s *stubBackend) Type() string { return "stub" }

func (s *stubBackend) AuthorizationURL(state string) string {
	return "https://consent.example/authorize?state=" + url.QueryEscape(state)
}

func (s *stubBackend) CompleteAuthorization(_ context.Context, vaultID string, params url.Values) (*cloud.AuthResult, error) {
	if e := params.Get("error"); e != "" {
		return cloud.Denied("stub", vaultID, e), nil
	}
	return &cloud.AuthResult{
		Success:         true,
		Vault:           vaultID,
		BackendType:     "stub",
		AccessTokenBlob: `{"access_token":"tok","created":1,"expires_in":3600}`,
		Email:           "user@example.com",
		QuotaBytes:      1 << 30,
	}, nil
}

func (s *stubBackend) LoadCredential(context.Context, []byte) (cloud.Client, []byte, error) {
	if s.loadErr != nil {
		return nil, nil, s.loadErr
	}
	return s, nil, nil
}

func (s *stubBackend) ListFiles(context.Context, string) iter.Seq2[cloud.RemoteFile, error] {
	return func(yield func(cloud.RemoteFile, error) bool) {
		for _, f := range s.files {
			if !yield(f, nil) {
				return
			}
		}
		if s.listErr != nil {
			yield(cloud.RemoteFile{}, s.listErr)
		}
	}
}
