package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tillpoint/evictor/pkg/config"
	"tillpoint/evictor/pkg/retention"
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Enabled:   true,
		Namespace: "test",
		Path:      "/metrics",
	}
}

func TestCollector_RunFinished(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())

	c.RunFinished(retention.ModeBackground, retention.OutcomeCompleted, 2*time.Second)
	c.RunFinished(retention.ModeBackground, retention.OutcomeCompleted, time.Second)
	c.RunFinished(retention.ModeForeground, retention.OutcomeAborted, 0)

	tests := []struct {
		mode, outcome string
		want          float64
	}{
		{"background", "completed", 2},
		{"foreground", "aborted", 1},
		{"forced", "completed", 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(c.runMetrics.runsTotal.WithLabelValues(tt.mode, tt.outcome))
		if got != tt.want {
			t.Errorf("runs_total{%s,%s} = %v, want %v", tt.mode, tt.outcome, got, tt.want)
		}
	}
}

func TestCollector_CollectionEvicted(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())

	c.CollectionEvicted("orders", 5, nil)
	c.CollectionEvicted("orders", 3, nil)
	c.CollectionEvicted("payments", 0, errors.New("no such column"))

	if got := testutil.ToFloat64(c.runMetrics.evictedTotal.WithLabelValues("orders")); got != 8 {
		t.Errorf("documents_evicted_total{orders} = %v, want 8", got)
	}
	if got := testutil.ToFloat64(c.runMetrics.queryErrorTotal.WithLabelValues("payments")); got != 1 {
		t.Errorf("query_errors_total{payments} = %v, want 1", got)
	}
}

func TestCollector_CardinalityLimit(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())
	c.collections = NewCardinalityLimiter(1)

	c.CollectionEvicted("orders", 1, nil)
	c.CollectionEvicted("payments", 2, nil)

	if got := testutil.ToFloat64(c.runMetrics.evictedTotal.WithLabelValues(overflowLabel)); got != 2 {
		t.Errorf("documents_evicted_total{other} = %v, want 2", got)
	}
}

func TestCollector_Schedule(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())

	epoch := time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC)
	c.NextEpochScheduled(epoch)
	if got := testutil.ToFloat64(c.scheduleMetrics.nextEpoch); got != float64(epoch.Unix()) {
		t.Errorf("next epoch = %v, want %v", got, epoch.Unix())
	}

	c.NextEpochScheduled(time.Time{})
	if got := testutil.ToFloat64(c.scheduleMetrics.nextEpoch); got != 0 {
		t.Errorf("next epoch when disabled = %v, want 0", got)
	}

	c.ConfigActivated(&retention.RetentionConfig{Version: 4, Origin: retention.OriginPublished})
	c.ConfigActivated(&retention.RetentionConfig{Version: 7, Origin: retention.OriginPublished})
	if got := testutil.ToFloat64(c.scheduleMetrics.configVersion.WithLabelValues("published")); got != 7 {
		t.Errorf("config_version = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.scheduleMetrics.configChanges); got != 2 {
		t.Errorf("config_changes_total = %v, want 2", got)
	}
}

func TestCollector_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := NewCollector(cfg, prometheus.NewRegistry())

	c.RunFinished(retention.ModeForced, retention.OutcomeCompleted, time.Second)
	if got := testutil.ToFloat64(c.runMetrics.runsTotal.WithLabelValues("forced", "completed")); got != 0 {
		t.Errorf("disabled collector recorded a run: %v", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())
	c.CollectionEvicted("orders", 2, nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_documents_evicted_total{collection="orders"} 2`) {
		t.Errorf("metrics output missing evicted counter:\n%s", rec.Body.String())
	}
}

func TestServer(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	c := NewCollector(cfg, prometheus.NewRegistry())

	srv := NewServer(c, nil)
	srv.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	for _, path := range []string{"/metrics", "/healthz"} {
		resp, err := http.Get("http://" + srv.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
