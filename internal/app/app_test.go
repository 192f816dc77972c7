package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridingest/internal/config"
	"gridingest/internal/store"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sourcesYAML(url string) string {
	return `sources:
  - name: bihar
    target: grid
    interval_seconds: 3600
    retry_max: 2
    backoff_base_seconds: 0.001
    backoff_cap_seconds: 0.002
    request:
      url: ` + url + `/data/{date}
    normalizer:
      kind: json_records
      time_field: Time
      time_layout: "150405"
`
}

func newTestApp(t *testing.T) (*App, config.Config) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "2025-01-02") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[{"Time":"000500","Freq":50.02},{"Time":"001000","Freq":49.98}]`)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.Config{
		StoreDriver:    "sqlite",
		DBPath:         filepath.Join(dir, "ingest.db"),
		SourcesFile:    filepath.Join(dir, "sources.yaml"),
		HTTPPort:       "0",
		ShutdownGrace:  time.Second,
		StoreRetryMax:  2,
		StoreRetryBase: time.Millisecond,
	}
	require.NoError(t, os.WriteFile(cfg.SourcesFile, []byte(sourcesYAML(srv.URL)), 0o644))
	a, err := New(context.Background(), cfg, quiet())
	require.NoError(t, err)
	return a, cfg
}

func TestBackfillWritesAndLogsFailures(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.Close()

	ctx := context.Background()
	periods := []civil.Date{{Year: 2025, Month: 1, Day: 1}, {Year: 2025, Month: 1, Day: 2}, {Year: 2025, Month: 1, Day: 3}}
	sum, err := a.Backfill(ctx, "bihar", periods)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Periods)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	errs, err := a.Store().ListErrors(ctx, store.ErrorQuery{SourceKey: "bihar"})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "fetching", errs[0].Stage)

	fields, err := a.Store().Fields(ctx, "grid")
	require.NoError(t, err)
	var names []string
	for _, f := range fields {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "FREQ")

	_, err = a.Backfill(ctx, "nope", periods)
	assert.Error(t, err)
}

func TestReloadRejectsInvalidFile(t *testing.T) {
	a, cfg := newTestApp(t)
	defer a.Close()
	require.NoError(t, os.WriteFile(cfg.SourcesFile, []byte("sources:\n  - name: 9bad\n"), 0o644))
	assert.Error(t, a.Reload(context.Background()))
	assert.Empty(t, a.Scheduler().Status())
}

func TestRunStopsOnCancel(t *testing.T) {
	a, _ := newTestApp(t)
	a.cfg.WatchSources = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := a.Scheduler().Status()
		if len(st) == 1 && st[0].Ticks > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	st := a.Scheduler().Status()
	require.Len(t, st, 1)
	assert.Equal(t, "bihar", st[0].Source)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunClosesStoreOnBadSources(t *testing.T) {
	a, cfg := newTestApp(t)
	require.NoError(t, os.WriteFile(cfg.SourcesFile, []byte("sources:\n  - name: 9bad\n"), 0o644))
	require.Error(t, a.Run(context.Background()))
	assert.Error(t, a.Store().Health(context.Background()), "store must be closed")
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.Config{StoreDriver: "bolt"})
	assert.Error(t, err)
}
