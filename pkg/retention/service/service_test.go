package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/audit"
	"tillpoint/evictor/pkg/retention/retentiontest"
	"tillpoint/evictor/pkg/retention/scheduler"
	"tillpoint/evictor/pkg/settings"
)

// 03:00 UTC, outside an 08:00-20:00 window.
var night = time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *retentiontest.FakeStore
	host  *retentiontest.FakeHost
	audit *audit.MemoryLog
	clock *retention.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: retentiontest.NewFakeStore(),
		host:  retentiontest.NewFakeHost(),
		audit: audit.NewMemoryLog(),
		clock: retention.NewManualClock(night),
	}
	svc, err := New(Options{
		Store:    f.store,
		Settings: settings.NewMemoryStore(),
		Audit:    f.audit,
		Host:     f.host,
		Device:   retention.StaticDevice{ID: "dev-1", LocationID: "loc-1"},
		Clock:    f.clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.svc = svc
	return f
}

func localConfig() *retention.RetentionConfig {
	return &retention.RetentionConfig{
		EvictionInterval: 24 * time.Hour,
		TTLByCollection:  map[string]time.Duration{"orders": 48 * time.Hour},
		QueryTemplateByCollection: map[string]string{
			"orders": "DELETE FROM orders",
		},
		Policy: &retention.Policy{NoEvictStartSeconds: 8 * 3600, NoEvictEndSeconds: 20 * 3600},
	}
}

func subscribedCollections(store *retentiontest.FakeStore) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, s := range store.ActiveSubscriptions() {
		cutoff, _ := s.Args["cutoff"].(time.Time)
		out[s.Collection] = cutoff
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() with no collaborators should fail")
	}
}

func TestService_StartRegistersAndSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SaveLocalOnly(ctx, localConfig()); err != nil {
		t.Fatalf("SaveLocalOnly() error = %v", err)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.svc.Stop()

	subs := subscribedCollections(f.store)
	cutoff, ok := subs["orders"]
	if !ok {
		t.Fatalf("orders not subscribed, got %v", subs)
	}
	if want := night.Add(-48 * time.Hour); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}

	pending := f.host.PendingRequests(scheduler.DefaultJobID)
	if len(pending) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(pending))
	}
	if want := night.Add(24 * time.Hour); !pending[0].EarliestBegin.Equal(want) {
		t.Errorf("earliest begin = %v, want %v", pending[0].EarliestBegin, want)
	}

	status, err := f.svc.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != scheduler.StateScheduled {
		t.Errorf("state = %v, want scheduled", status.State)
	}
}

func TestService_ConfigChangeReachesCoordinatorAndScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SaveLocalOnly(ctx, localConfig()); err != nil {
		t.Fatalf("SaveLocalOnly() error = %v", err)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.svc.Stop()

	published := localConfig()
	published.EvictionInterval = 4 * time.Hour
	published.TTLByCollection = map[string]time.Duration{"orders": 24 * time.Hour, "payments": 72 * time.Hour}
	published.QueryTemplateByCollection["payments"] = "DELETE FROM payments"

	if _, err := f.svc.Publish(ctx, published); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	active := f.svc.ActiveConfig()
	if active.Origin != retention.OriginPublished {
		t.Fatalf("active origin = %v, want published", active.Origin)
	}

	subs := subscribedCollections(f.store)
	if want := night.Add(-24 * time.Hour); !subs["orders"].Equal(want) {
		t.Errorf("orders cutoff = %v, want %v", subs["orders"], want)
	}
	if want := night.Add(-72 * time.Hour); !subs["payments"].Equal(want) {
		t.Errorf("payments cutoff = %v, want %v", subs["payments"], want)
	}

	pending := f.host.PendingRequests(scheduler.DefaultJobID)
	if len(pending) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(pending))
	}
	if want := night.Add(4 * time.Hour); !pending[0].EarliestBegin.Equal(want) {
		t.Errorf("earliest begin = %v, want %v", pending[0].EarliestBegin, want)
	}

	if err := f.svc.UseLocalOnly(ctx); err != nil {
		t.Fatalf("UseLocalOnly() error = %v", err)
	}
	subs = subscribedCollections(f.store)
	if _, ok := subs["payments"]; ok {
		t.Error("payments still subscribed after reverting to local config")
	}
}

func TestService_RunEvictionQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.ExecuteFunc = func(query string, args map[string]any) (*retention.ExecuteResult, error) {
		return &retention.ExecuteResult{AffectedDocumentIDs: []string{"a", "b"}}, nil
	}

	if _, err := f.svc.SaveLocalOnly(ctx, localConfig()); err != nil {
		t.Fatalf("SaveLocalOnly() error = %v", err)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.svc.Stop()

	res := f.svc.RunEvictionQueries(ctx, retention.ModeForced)
	if res.Outcome != retention.OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed (%v)", res.Outcome, res.Err)
	}
	if res.Evicted() != 2 {
		t.Errorf("evicted = %d, want 2", res.Evicted())
	}

	status, err := f.svc.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.LastRun.Equal(night) {
		t.Errorf("last run = %v, want %v", status.LastRun, night)
	}

	f.clock.Advance(time.Minute)
	f.svc.RunEvictionQueries(ctx, retention.ModeTest)

	entries, err := f.svc.AuditEntries(ctx)
	if err != nil {
		t.Fatalf("AuditEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Mode != retention.ModeTest {
		t.Errorf("newest entry mode = %v, want test", entries[0].Mode)
	}

	n, err := f.svc.ClearAudit(ctx)
	if err != nil {
		t.Fatalf("ClearAudit() error = %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
}

func TestService_ConcurrentRunIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.store.ExecuteFunc = func(query string, args map[string]any) (*retention.ExecuteResult, error) {
		close(started)
		<-release
		return &retention.ExecuteResult{}, nil
	}

	if _, err := f.svc.SaveLocalOnly(ctx, localConfig()); err != nil {
		t.Fatalf("SaveLocalOnly() error = %v", err)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.svc.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.RunEvictionQueries(ctx, retention.ModeForced)
	}()
	<-started

	res := f.svc.RunEvictionQueries(ctx, retention.ModeForced)
	if res.Outcome != retention.OutcomeAborted || res.AbortReason != AbortRunInProgress {
		t.Errorf("second run = %v %q, want aborted %q", res.Outcome, res.AbortReason, AbortRunInProgress)
	}
	if !errors.Is(res.Err, retention.ErrRunInProgress) {
		t.Errorf("second run error = %v, want ErrRunInProgress", res.Err)
	}

	close(release)
	<-done
}

func TestService_BackgroundTaskRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SaveLocalOnly(ctx, localConfig()); err != nil {
		t.Fatalf("SaveLocalOnly() error = %v", err)
	}
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer f.svc.Stop()

	f.clock.Advance(24 * time.Hour)
	task := f.host.Fire(scheduler.DefaultJobID)
	if task == nil {
		t.Fatal("no pending background job")
	}
	success, completed := task.Wait(2 * time.Second)
	if !completed {
		t.Fatal("background task did not complete")
	}
	if !success {
		t.Error("background task reported failure")
	}

	pending := f.host.PendingRequests(scheduler.DefaultJobID)
	if len(pending) != 1 {
		t.Fatalf("pending after run = %d, want 1", len(pending))
	}
	if want := night.Add(48 * time.Hour); !pending[0].EarliestBegin.Equal(want) {
		t.Errorf("next epoch = %v, want %v", pending[0].EarliestBegin, want)
	}
}
