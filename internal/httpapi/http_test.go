package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gridingest/internal/metrics"
	"gridingest/internal/record"
	"gridingest/internal/scheduler"
	"gridingest/internal/store"
	"gridingest/internal/store/sqlstore"
)

type stubStatus []scheduler.Status

func (s stubStatus) Status() []scheduler.Status { return s }

func setupTest(t *testing.T) (http.Handler, *sqlstore.Store, *metrics.Metrics) {
	st, err := sqlstore.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	statuses := stubStatus{{Source: "bihar", Target: "grid", Mode: scheduler.ModeRealtime, Ticks: 3}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(st, statuses, m, reg, logger).Handler(), st, m
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	h, st, _ := setupTest(t)
	if rr := get(h, "/ops/health"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	st.Close()
	if rr := get(h, "/ops/health"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", rr.Code)
	}
}

func TestSourcesEndpoint(t *testing.T) {
	h, _, _ := setupTest(t)
	rr := get(h, "/ops/sources")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var got []scheduler.Status
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Source != "bihar" || got[0].Mode != scheduler.ModeRealtime {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestErrorsEndpoint(t *testing.T) {
	h, st, _ := setupTest(t)
	now := time.Now().UTC().Truncate(time.Second)
	for i, src := range []string{"bihar", "bihar", "cg"} {
		err := st.AppendError(context.Background(), record.ErrorRecord{
			ID: src + string(rune('a'+i)), SourceKey: src, Stage: "fetching",
			TickID: "t", Timestamp: now.Add(time.Duration(i) * time.Second), Message: "boom",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rr := get(h, "/ops/errors?source=bihar&limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var got []record.ErrorRecord
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 errors for bihar, got %d", len(got))
	}

	for _, bad := range []string{"/ops/errors?since=yesterday", "/ops/errors?limit=-1"} {
		if rr := get(h, bad); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestSchemaEndpoint(t *testing.T) {
	h, st, _ := setupTest(t)
	if rr := get(h, "/ops/schema/grid"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown target, got %d", rr.Code)
	}
	ctx := context.Background()
	if err := st.EnsureTarget(ctx, "grid"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddField(ctx, "grid", store.Field{Name: "Freq", Kind: record.FieldNumeric}); err != nil {
		t.Fatal(err)
	}
	rr := get(h, "/ops/schema/grid")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"Freq"`) {
		t.Fatalf("field missing from %s", rr.Body.String())
	}
}

func TestMetricsAndStatus(t *testing.T) {
	h, _, m := setupTest(t)
	m.Write("bihar", "inserted")
	rr := get(h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `gridingest_writes_total{outcome="inserted",source="bihar"} 1`) {
		t.Fatalf("writes counter missing:\n%s", rr.Body.String())
	}

	rr = get(h, "/ops/status")
	var body struct {
		Store  string           `json:"store"`
		Totals metrics.Snapshot `json:"totals"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Store != "sqlite" || body.Totals.RecordsWritten != 1 {
		t.Fatalf("unexpected status body %+v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := setupTest(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/ops/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
