package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/metavault/internal/app"
	"github.com/jun/metavault/internal/config"
	"github.com/jun/metavault/internal/handler"
)

func TestRemoteHost(t *testing.T) {
	assert.Equal(t, "10.1.2.3", remoteHost("10.1.2.3:5555"))
	assert.Equal(t, "::1", remoteHost("[::1]:80"))
	assert.Equal(t, "203.0.113.9", remoteHost("203.0.113.9"))
}

func TestRouter_ShimAndMetrics(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("METAVAULT_DEV_MODE", "true")
	t.Setenv("METAVAULT_JWT_SECRET", "srv-secret")

	cfg, err := config.Load("")
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	application, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg)
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(application, reg, cfg.Server))
	defer srv.Close()

	token, err := handler.SignSessionToken("u1", "srv-secret", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/lock", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Real-IP", "198.51.100.4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"originatingAddress":"127.0.0.1"`, "X-Real-IP is ignored without trust_proxy")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "metavault_"), "lock counters are exported")
}

func TestRouter_TrustProxy(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("METAVAULT_DEV_MODE", "true")
	t.Setenv("METAVAULT_JWT_SECRET", "srv-secret")
	t.Setenv("METAVAULT_SERVER_TRUST_PROXY", "true")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.True(t, cfg.Server.TrustProxy)
	reg := prometheus.NewRegistry()
	application, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg)
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(application, reg, cfg.Server))
	defer srv.Close()

	token, err := handler.SignSessionToken("u1", "srv-secret", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/lock", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Real-IP", "198.51.100.4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"originatingAddress":"198.51.100.4"`)
}
