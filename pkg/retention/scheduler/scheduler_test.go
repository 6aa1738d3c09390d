package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/executor"
	"tillpoint/evictor/pkg/retention/retentiontest"
	"tillpoint/evictor/pkg/settings"
)

type mutableConfig struct {
	mu  sync.Mutex
	cfg *retention.RetentionConfig
}

func (m *mutableConfig) ActiveConfig() *retention.RetentionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Clone()
}

func (m *mutableConfig) set(cfg *retention.RetentionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// fakeRunner returns canned results. When gate is set, Run blocks until it
// is closed.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []executor.RunRequest
	started chan struct{}
	gate    chan struct{}
	result  func(req executor.RunRequest) *executor.RunResult
}

func (r *fakeRunner) Run(ctx context.Context, req executor.RunRequest) *executor.RunResult {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	started, gate := r.started, r.gate
	r.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	result := r.result
	r.mu.Unlock()
	if result != nil {
		return result(req)
	}
	return &executor.RunResult{Mode: req.Mode, Outcome: retention.OutcomeCompleted}
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var lastRun = time.Date(2025, 6, 9, 3, 0, 0, 0, time.UTC)

func dailyConfig(interval time.Duration) *retention.RetentionConfig {
	return &retention.RetentionConfig{
		ID:                        retention.ConfigID{ID: retention.LocalConfigID, LocationID: "loc-1"},
		EvictionInterval:          interval,
		QueryTemplateByCollection: map[string]string{"orders": "DELETE FROM orders"},
		Policy:                    &retention.Policy{NoEvictStartSeconds: 8 * 3600, NoEvictEndSeconds: 20 * 3600},
	}
}

type fixture struct {
	sched    *Scheduler
	host     *retentiontest.FakeHost
	runner   *fakeRunner
	config   *mutableConfig
	settings *retention.Settings
	clock    *retention.ManualClock
}

func newFixture(t *testing.T, cfg *retention.RetentionConfig, now time.Time, withLastRun bool) *fixture {
	t.Helper()

	f := &fixture{
		host:     retentiontest.NewFakeHost(),
		runner:   &fakeRunner{},
		config:   &mutableConfig{cfg: cfg},
		settings: retention.NewSettings(settings.NewMemoryStore()),
		clock:    retention.NewManualClock(now),
	}
	if withLastRun {
		if err := f.settings.SetLastRunEpoch(lastRun); err != nil {
			t.Fatal(err)
		}
	}
	f.sched = New(Options{
		Host:     f.host,
		Runner:   f.runner,
		Config:   f.config,
		Settings: f.settings,
		Clock:    f.clock,
	})
	return f
}

func TestComputeNextEligibleEpoch(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		now      time.Time
		want     time.Time
	}{
		{
			name:     "outside window",
			interval: 24 * time.Hour,
			now:      lastRun.Add(time.Hour),
			want:     lastRun.Add(24 * time.Hour),
		},
		{
			name:     "deferred to window end",
			interval: 30 * time.Hour, // 09:00 next day
			now:      lastRun.Add(time.Hour),
			want:     time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC),
		},
		{
			name:     "overdue inside window",
			interval: 2 * time.Hour, // 05:00, long past
			now:      time.Date(2025, 6, 10, 13, 0, 0, 0, time.UTC),
			want:     time.Date(2025, 6, 10, 20, 0, 1, 0, time.UTC),
		},
		{
			name:     "overdue outside window",
			interval: 2 * time.Hour,
			now:      time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC),
			want:     lastRun.Add(2 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dailyConfig(tt.interval), tt.now, true)

			first, ok := f.sched.ComputeNextEligibleEpoch()
			if !ok {
				t.Fatal("eviction unexpectedly disabled")
			}
			second, _ := f.sched.ComputeNextEligibleEpoch()

			if !first.Equal(tt.want) {
				t.Errorf("epoch = %v, want %v", first, tt.want)
			}
			if !first.Equal(second) {
				t.Errorf("not idempotent: %v then %v", first, second)
			}
		})
	}
}

func TestComputeNextEligibleEpoch_NoPriorRun(t *testing.T) {
	now := time.Date(2025, 6, 10, 1, 0, 0, 0, time.UTC)
	f := newFixture(t, dailyConfig(time.Hour), now, false)

	first, _ := f.sched.ComputeNextEligibleEpoch()
	if !first.Equal(now.Add(time.Hour)) {
		t.Errorf("epoch = %v, want now + interval", first)
	}

	f.clock.Advance(10 * time.Minute)
	second, _ := f.sched.ComputeNextEligibleEpoch()
	if !first.Equal(second) {
		t.Errorf("epoch drifted with the clock: %v then %v", first, second)
	}
}

func TestComputeNextEligibleEpoch_Disabled(t *testing.T) {
	f := newFixture(t, dailyConfig(0), lastRun, true)
	if _, ok := f.sched.ComputeNextEligibleEpoch(); ok {
		t.Error("zero interval must disable eviction")
	}
}

func TestScheduleIfNeeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dailyConfig(24*time.Hour), lastRun.Add(time.Hour), true)

	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if f.sched.State() != StateScheduled {
		t.Errorf("State() = %s, want scheduled", f.sched.State())
	}

	for range 3 {
		if err := f.sched.ScheduleIfNeeded(ctx); err != nil {
			t.Fatalf("ScheduleIfNeeded() failed: %v", err)
		}
	}
	if f.host.Submits() != 1 {
		t.Errorf("Submits() = %d, want 1", f.host.Submits())
	}

	// A different epoch replaces the pending request
	f.config.set(dailyConfig(12 * time.Hour))
	if err := f.sched.HandleConfigChanged(ctx, retention.ConfigChanged{}); err != nil {
		t.Fatal(err)
	}
	pending := f.host.PendingRequests(DefaultJobID)
	if len(pending) != 1 || !pending[0].EarliestBegin.Equal(lastRun.Add(12*time.Hour)) {
		t.Errorf("pending = %v", pending)
	}

	// Disabling cancels everything
	f.config.set(dailyConfig(0))
	if err := f.sched.ScheduleIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.host.PendingRequests(DefaultJobID)) != 0 {
		t.Error("pending request left after disabling eviction")
	}
	if f.sched.State() != StateIdle {
		t.Errorf("State() = %s, want idle", f.sched.State())
	}
}

func TestEnterForeground(t *testing.T) {
	ctx := context.Background()

	t.Run("not due", func(t *testing.T) {
		f := newFixture(t, dailyConfig(24*time.Hour), lastRun.Add(time.Hour), true)
		_ = f.sched.Start(ctx)

		if ch := f.sched.EnterForeground(ctx); ch != nil {
			t.Error("expected no run before the epoch")
		}
	})

	t.Run("overdue but inside window", func(t *testing.T) {
		f := newFixture(t, dailyConfig(24*time.Hour), time.Date(2025, 6, 10, 13, 0, 0, 0, time.UTC), true)
		_ = f.sched.Start(ctx)

		if ch := f.sched.EnterForeground(ctx); ch != nil {
			t.Error("expected no run inside the window")
		}
		if f.runner.callCount() != 0 {
			t.Error("runner called")
		}
	})

	t.Run("due", func(t *testing.T) {
		f := newFixture(t, dailyConfig(24*time.Hour), time.Date(2025, 6, 10, 21, 0, 0, 0, time.UTC), true)
		_ = f.sched.Start(ctx)

		ch := f.sched.EnterForeground(ctx)
		if ch == nil {
			t.Fatal("expected a foreground run")
		}
		select {
		case res := <-ch:
			if res.Mode != retention.ModeForeground {
				t.Errorf("Mode = %s", res.Mode)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("foreground run did not finish")
		}

		state, last := f.sched.LastOutcome()
		if state != StateCompleted || last == nil {
			t.Errorf("LastOutcome() = %s, %v", state, last)
		}
	})
}

func TestRunNow_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dailyConfig(24*time.Hour), lastRun.Add(time.Hour), true)
	f.runner.started = make(chan struct{}, 1)
	f.runner.gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.sched.RunNow(ctx, executor.RunRequest{Mode: retention.ModeForced}); err != nil {
			t.Errorf("first RunNow() failed: %v", err)
		}
	}()
	<-f.runner.started

	if f.sched.State() != StateRunning {
		t.Errorf("State() = %s, want running", f.sched.State())
	}
	_, err := f.sched.RunNow(ctx, executor.RunRequest{Mode: retention.ModeForced})
	if !errors.Is(err, retention.ErrRunInProgress) {
		t.Errorf("second RunNow() error = %v, want ErrRunInProgress", err)
	}

	close(f.runner.gate)
	<-done

	if f.runner.callCount() != 1 {
		t.Errorf("runner called %d times", f.runner.callCount())
	}
}

func TestRunNow_ReschedulesAfterRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dailyConfig(24*time.Hour), time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC), true)
	f.runner.result = func(req executor.RunRequest) *executor.RunResult {
		// Mimic the executor recording the run
		_ = f.settings.SetLastRunEpoch(f.clock.Now())
		return &executor.RunResult{Mode: req.Mode, Outcome: retention.OutcomeCompleted}
	}
	_ = f.sched.Start(ctx)

	if _, err := f.sched.RunNow(ctx, executor.RunRequest{Mode: retention.ModeForeground}); err != nil {
		t.Fatal(err)
	}

	pending := f.host.PendingRequests(DefaultJobID)
	want := time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC)
	if len(pending) != 1 || !pending[0].EarliestBegin.Equal(want) {
		t.Errorf("pending = %v, want one request at %v", pending, want)
	}
	if f.sched.State() != StateScheduled {
		t.Errorf("State() = %s, want scheduled", f.sched.State())
	}
}

func TestBackgroundTask(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		failFirst   bool
		expireEarly bool
		want        bool
	}{
		{"natural completion", false, false, true},
		{"natural completion with errors", true, false, false},
		{"expired before any error", false, true, true},
		{"expired after an error", true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dailyConfig(24*time.Hour), lastRun.Add(time.Hour), true)
			f.runner.gate = make(chan struct{})
			f.runner.started = make(chan struct{}, 1)

			if err := f.sched.Start(ctx); err != nil {
				t.Fatal(err)
			}

			task := f.host.Fire(DefaultJobID)
			if task == nil {
				t.Fatal("no pending job to fire")
			}
			<-f.runner.started

			f.runner.mu.Lock()
			req := f.runner.calls[0]
			f.runner.mu.Unlock()
			if req.Mode != retention.ModeBackground {
				t.Errorf("Mode = %s", req.Mode)
			}

			if tt.failFirst {
				req.Progress(executor.CollectionResult{Collection: "orders", Err: errors.New("boom")})

				f.runner.mu.Lock()
				f.runner.result = func(req executor.RunRequest) *executor.RunResult {
					return &executor.RunResult{
						Mode:        req.Mode,
						Outcome:     retention.OutcomeCompletedWithErrors,
						Collections: []executor.CollectionResult{{Collection: "orders", Err: errors.New("boom")}},
					}
				}
				f.runner.mu.Unlock()
			}

			if tt.expireEarly {
				task.Expire()
				success, completed := task.Wait(time.Second)
				if !completed {
					t.Fatal("expiry did not complete the task")
				}
				if success != tt.want {
					t.Errorf("success = %v, want %v", success, tt.want)
				}
				close(f.runner.gate)
				return
			}

			close(f.runner.gate)
			success, completed := task.Wait(5 * time.Second)
			if !completed {
				t.Fatal("task never completed")
			}
			if success != tt.want {
				t.Errorf("success = %v, want %v", success, tt.want)
			}
		})
	}
}

func TestBackgroundTask_AbortReschedules(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		now    time.Time
		reason string
		want   time.Time
	}{
		{
			name:   "no location",
			now:    time.Date(2025, 6, 10, 5, 0, 0, 0, time.UTC),
			reason: executor.AbortNoLocation,
			want:   time.Date(2025, 6, 11, 5, 0, 0, 0, time.UTC),
		},
		{
			name:   "location mismatch",
			now:    time.Date(2025, 6, 10, 22, 30, 0, 0, time.UTC),
			reason: executor.AbortLocationMismatch,
			want:   time.Date(2025, 6, 11, 22, 30, 0, 0, time.UTC),
		},
		{
			name:   "no queries",
			now:    time.Date(2025, 6, 10, 5, 0, 0, 0, time.UTC),
			reason: executor.AbortNoQueries,
			want:   time.Date(2025, 6, 11, 5, 0, 0, 0, time.UTC),
		},
		{
			name:   "within window",
			now:    time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC),
			reason: executor.AbortWithinWindow,
			want:   time.Date(2025, 6, 10, 20, 0, 1, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, dailyConfig(24*time.Hour), tt.now, true)
			f.runner.result = func(req executor.RunRequest) *executor.RunResult {
				return &executor.RunResult{Mode: req.Mode, Outcome: retention.OutcomeAborted, AbortReason: tt.reason}
			}
			if err := f.sched.Start(ctx); err != nil {
				t.Fatal(err)
			}

			task := f.host.Fire(DefaultJobID)
			if task == nil {
				t.Fatal("no pending job to fire")
			}
			if _, completed := task.Wait(5 * time.Second); !completed {
				t.Fatal("task never completed")
			}

			pending := f.host.PendingRequests(DefaultJobID)
			if len(pending) != 1 {
				t.Fatalf("pending = %v, want one request", pending)
			}
			if !pending[0].EarliestBegin.After(f.clock.Now()) {
				t.Errorf("EarliestBegin = %v, not after now %v", pending[0].EarliestBegin, f.clock.Now())
			}
			if !pending[0].EarliestBegin.Equal(tt.want) {
				t.Errorf("EarliestBegin = %v, want %v", pending[0].EarliestBegin, tt.want)
			}
			if f.sched.IsDue() {
				t.Error("IsDue() = true right after an abort")
			}
			if state, _ := f.sched.LastOutcome(); state != StateAborted {
				t.Errorf("LastOutcome() state = %s, want aborted", state)
			}
		})
	}
}

func TestRunNow_AbortRetry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 5, 0, 0, 0, time.UTC)
	overdue := lastRun.Add(24 * time.Hour)

	f := newFixture(t, dailyConfig(24*time.Hour), now, true)
	f.runner.result = func(req executor.RunRequest) *executor.RunResult {
		return &executor.RunResult{Mode: req.Mode, Outcome: retention.OutcomeAborted, AbortReason: executor.AbortNoLocation}
	}
	_ = f.sched.Start(ctx)

	if _, err := f.sched.RunNow(ctx, executor.RunRequest{Mode: retention.ModeTest}); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.NextEligibleEpoch(); !got.Equal(overdue) {
		t.Errorf("after test-mode abort, epoch = %v, want %v", got, overdue)
	}

	if _, err := f.sched.RunNow(ctx, executor.RunRequest{Mode: retention.ModeForeground}); err != nil {
		t.Fatal(err)
	}
	if got, want := f.sched.NextEligibleEpoch(), now.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("after abort, epoch = %v, want %v", got, want)
	}

	// A config change may remove the cause, so the overdue epoch comes back.
	cfg := dailyConfig(24 * time.Hour)
	cfg.ID.LocationID = "loc-2"
	f.config.set(cfg)
	if err := f.sched.HandleConfigChanged(ctx, retention.ConfigChanged{}); err != nil {
		t.Fatal(err)
	}
	if got := f.sched.NextEligibleEpoch(); !got.Equal(overdue) {
		t.Errorf("after config change, epoch = %v, want %v", got, overdue)
	}

	f.runner.mu.Lock()
	f.runner.result = func(req executor.RunRequest) *executor.RunResult {
		_ = f.settings.SetLastRunEpoch(f.clock.Now())
		return &executor.RunResult{Mode: req.Mode, Outcome: retention.OutcomeCompleted}
	}
	f.runner.mu.Unlock()
	f.clock.Advance(time.Hour)
	if _, err := f.sched.RunNow(ctx, executor.RunRequest{Mode: retention.ModeForeground}); err != nil {
		t.Fatal(err)
	}
	if got, want := f.sched.NextEligibleEpoch(), now.Add(25*time.Hour); !got.Equal(want) {
		t.Errorf("after success, epoch = %v, want %v", got, want)
	}
}
