package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostcap/hostcap/internal/bridge"
	"github.com/hostcap/hostcap/internal/config"
	"github.com/hostcap/hostcap/platform"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Platform.Override = "sim"
	cfg.Platform.Metrics = false
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s, ts
}

func dialBridge(t *testing.T, ts *httptest.Server) *bridge.Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/bridge"
	c, err := bridge.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func TestRootAndHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := get(t, ts, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), `"hostcapd"`)

	resp = get(t, ts, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	text := body(t, resp)
	assert.Contains(t, text, `"healthy"`)
	assert.Contains(t, text, `"unknown"`, "simulation reports the unknown platform")
}

func TestUnknownPlatformOverrideRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Platform.Override = "plan9"

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown platform override")
}

func TestMetricsDisabledByConfig(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := get(t, ts, "/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsCountOperations(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Platform.Metrics = true
	})

	resp := get(t, ts, "/shm/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), "hostcap_operations_total")
}

func TestDumpSharedMemory(t *testing.T) {
	_, ts := newTestServer(t, nil)

	creator := dialBridge(t, ts)
	region, err := creator.CreateSharedMemory("zone", 64, platform.ReadWrite)
	require.NoError(t, err)

	// A second handle keeps the name alive after the creator closes.
	holder := dialBridge(t, ts)
	held, err := holder.OpenSharedMemory("zone", platform.ReadOnly)
	require.NoError(t, err)
	defer holder.CloseSharedMemory(held.Handle)

	for i := range region.Data {
		region.Data[i] = byte(i)
	}
	require.NoError(t, creator.CloseSharedMemory(region.Handle))

	resp := get(t, ts, "/shm/zone")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Len(t, data, 64)
	for i, b := range data {
		require.Equal(t, byte(i), b, "byte %d", i)
	}
}

func TestDumpDeniedByPolicy(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Bridge.AllowedNames = []string{"app-*"}
	})

	resp := get(t, ts, "/shm/secret")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = get(t, ts, "/shm/app-zone")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "allowed names reach the provider")
}

func TestDumpRateLimit(t *testing.T) {
	_, ts := newTestServer(t, nil)

	limited := false
	for i := 0; i < 30; i++ {
		resp := get(t, ts, "/shm/absent")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "burst exhausted within one window")
}

func TestLedgerTracksBridgeNames(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	})
	require.NotNil(t, s.ledger)

	client := dialBridge(t, ts)
	h, err := client.CreateMutex("job-lock")
	require.NoError(t, err)

	count, err := s.ledger.Count(platform.ResourceMutex)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, client.CloseMutex(h))

	count, err = s.ledger.Count(platform.ResourceMutex)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "closing the creating handle clears the record")
}
