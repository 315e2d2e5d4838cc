package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/skyguard-core/internal/api"
)

// alpacaServer answers every Alpaca request with a successful response
// carrying value.
func alpacaServer(t *testing.T, value bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ClientTransactionID":0,"ServerTransactionID":1,"ErrorNumber":0,"ErrorMessage":"","Value":%t}`, value)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config that keeps every optional integration off.
func writeConfig(t *testing.T, safetyURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
site:
  id: test-site
monitor:
  poll_interval: 1h
  shutdown_grace: 200ms
safety_source:
  base_url: %q
  timeout: 1s
  retry:
    max_attempts: 1
    delay: 10ms
control:
  service_start_attempts: 1
  service_poll_interval: 10ms
actions:
  enabled: false
database:
  path: %q
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  enabled: false
logging:
  level: error
  format: text
  output: stderr
`, safetyURL, filepath.Join(dir, "skyguard.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// noBus points the session bus at a socket that does not exist.
func noBus(t *testing.T) {
	t.Helper()
	t.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+filepath.Join(t.TempDir(), "missing-bus"))
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-config", "/etc/skyguard.yaml", "-verbose", "-check", "-token", "ops"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/skyguard.yaml", opts.configPath)
	assert.True(t, opts.verbose)
	assert.True(t, opts.check)
	assert.Equal(t, "ops", opts.tokenFor)

	opts, err = parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, options{}, opts)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, err := parseFlags([]string{"-nope"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, flag.ErrHelp))
}

func TestRun_InvalidConfigPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"-config", "/nonexistent/path/config.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestRun_ConfigFromEnvironment(t *testing.T) {
	t.Setenv("SKYGUARD_CONFIG", "/nonexistent/env/config.yaml")

	err := run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/env/config.yaml")
}

func TestRun_CheckWithoutControlPlane(t *testing.T) {
	noBus(t)
	srv := alpacaServer(t, true)
	path := writeConfig(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The safety source answers, so a missing bus alone does not fail -check.
	require.NoError(t, run(ctx, []string{"-config", path, "-check"}))
}

func TestRun_CheckNothingReachable(t *testing.T) {
	noBus(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	path := writeConfig(t, base)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, []string{"-config", path, "-check"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety source")
	assert.Contains(t, err.Error(), "control plane")
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	noBus(t)
	srv := alpacaServer(t, false)
	path := writeConfig(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-config", path})
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(path), "skyguard.db"))
	assert.NoError(t, err, "database should have been created")
}

func TestRun_IssuesToken(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"
	t.Setenv("SKYGUARD_API_JWT_SECRET", secret)
	path := writeConfig(t, "http://127.0.0.1:1")

	var out bytes.Buffer
	err := runWithOptions(context.Background(), options{configPath: path, tokenFor: "ops"}, &out)
	require.NoError(t, err)

	claims, err := api.ParseToken(strings.TrimSpace(out.String()), secret)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestRun_TokenWithoutSecret(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1")

	var out bytes.Buffer
	err := runWithOptions(context.Background(), options{configPath: path, tokenFor: "ops"}, &out)
	require.Error(t, err)
	assert.Empty(t, out.String())
}
