package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/pagestore/internal/config"
	"github.com/JakeFAU/pagestore/internal/page"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Port:                  8080,
			RequestTimeoutSeconds: 5,
			MaxBodyBytes:          1 << 20,
		},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Events:  config.EventsConfig{Enabled: true, LogEnabled: true, BufferSize: 16, MaxBatchWaitMs: 10},
		Export: config.ExportConfig{
			Backend: config.ExportLocal,
			BaseDir: t.TempDir(),
			Prefix:  "exports",
		},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func TestBuildServesPages(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	req := httptest.NewRequest(http.MethodPost, "/api/pages", strings.NewReader(`{"url":"http://info.cern.ch","title":"Home"}`))
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	got, err := app.Service().ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, app.Logger())
	require.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())
}

func TestBuildWithRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendRedis
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "it:"}
	cfg.Events.Enabled = false

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close(context.Background()) //nolint:errcheck // closed again below

	res, err := app.Service().Ingest(context.Background(), page.Observation{URL: "https://a.example"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.True(t, mr.Exists("it:page:https://a.example"))

	require.ErrorContains(t, app.Migrate(context.Background()), "requires the postgres backend")
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()), "close is idempotent")
}

func TestBuildRejectsBadLogLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "chatty"

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "logger init failed")
}

func TestExportWritesLocalSnapshot(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close(context.Background()) //nolint:errcheck // best-effort

	_, err = app.Service().Ingest(context.Background(), page.Observation{URL: "https://a.example", Title: "A"})
	require.NoError(t, err)

	uri, err := app.Export(context.Background(), page.MaxLimit)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"+filepath.Join(cfg.Export.BaseDir, "exports")), uri)

	// #nosec G304 -- path comes from the temp export directory.
	data, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"url":"https://a.example"`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsWhenPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	require.ErrorContains(t, app.Run(context.Background()), "listen on")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
