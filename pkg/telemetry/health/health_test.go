package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"tillpoint/evictor/pkg/retention"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   string
	}{
		{
			name:   "no checks",
			checks: nil,
			want:   StatusReady,
		},
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"store": PingCheck(pingFunc(func(context.Context) error { return nil })),
				"audit": PingCheck(pingFunc(func(context.Context) error { return nil })),
			},
			want: StatusReady,
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"store": PingCheck(pingFunc(func(context.Context) error { return nil })),
				"audit": PingCheck(pingFunc(func(context.Context) error { return errors.New("database is locked") })),
			},
			want: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			for name, check := range tt.checks {
				c.RegisterCheck(name, check)
			}

			report := c.Readiness(context.Background())
			if report.Status != tt.want {
				t.Errorf("Status = %q, want %q", report.Status, tt.want)
			}
			if len(report.Checks) != len(tt.checks) {
				t.Errorf("got %d check results, want %d", len(report.Checks), len(tt.checks))
			}
		})
	}
}

func TestReadiness_Timeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.RegisterCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	report := c.Readiness(context.Background())
	res := report.Checks["slow"]
	if res.Status != StatusUnhealthy || res.Message != "health check timeout" {
		t.Errorf("slow check = %+v", res)
	}
}

func TestChecks_Sorted(t *testing.T) {
	c := New(0)
	if c.checkTimeout != DefaultCheckTimeout {
		t.Errorf("checkTimeout = %v, want %v", c.checkTimeout, DefaultCheckTimeout)
	}
	c.RegisterCheck("store", nil)
	c.RegisterCheck("audit", nil)
	c.RegisterCheck("schedule", nil)

	if got, want := c.Checks(), []string{"audit", "schedule", "store"}; !slices.Equal(got, want) {
		t.Errorf("Checks() = %v, want %v", got, want)
	}
}

func TestScheduleCheck(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	clock := retention.NewManualClock(now)

	tests := []struct {
		name    string
		epoch   time.Time
		wantErr bool
	}{
		{"disabled", time.Time{}, false},
		{"future", now.Add(time.Hour), false},
		{"within grace", now.Add(-5 * time.Minute), false},
		{"overdue", now.Add(-2 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ScheduleCheck(func() time.Time { return tt.epoch }, clock, 15*time.Minute)
			err := check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	c := New(time.Second)
	c.RegisterCheck("audit", func(context.Context) error { return errors.New("closed") })

	mux := http.NewServeMux()
	Mount(mux, c, "1.2.3")

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, LivenessPath, http.StatusOK},
		{http.MethodHead, LivenessPath, http.StatusOK},
		{http.MethodGet, ReadinessPath, http.StatusServiceUnavailable},
		{http.MethodGet, VersionPath, http.StatusOK},
		{http.MethodPost, LivenessPath, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ReadinessPath, nil))
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if report.Checks["audit"].Message != "closed" {
		t.Errorf("audit check = %+v", report.Checks["audit"])
	}
}
