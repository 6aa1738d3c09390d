// Package scheduler decides when eviction may run and drives the runs.
//
// The scheduler keeps one pending request in the host background
// scheduler for the next eligible epoch: the last run plus the eviction
// interval, pushed to the end of the no-evict window when it falls inside
// it. When the application comes to the foreground and a run is overdue,
// the run happens right away instead of waiting for the host.
//
// States:
//
//	Idle -> Scheduled -> Running -> {Completed, Aborted, Failed} -> Idle
//
// Only one run executes at a time. After every run the next cycle is
// scheduled.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/executor"
	"tillpoint/evictor/pkg/retention/window"
	"tillpoint/evictor/pkg/telemetry/logging"
)

// DefaultJobID identifies the eviction job in the host scheduler.
const DefaultJobID = "evictor.eviction"

// State is the scheduler state.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Runner performs eviction runs.
type Runner interface {
	Run(ctx context.Context, req executor.RunRequest) *executor.RunResult
}

// Options configures a Scheduler.
type Options struct {
	Host     retention.BackgroundScheduler
	JobID    string
	Runner   Runner
	Config   executor.ConfigSource
	Settings *retention.Settings
	Clock    retention.Clock
	Observer retention.Observer
	Logger   *slog.Logger
}

// Scheduler is the eviction scheduling state machine.
type Scheduler struct {
	host     retention.BackgroundScheduler
	jobID    string
	runner   Runner
	config   executor.ConfigSource
	settings *retention.Settings
	clock    retention.Clock
	observer retention.Observer
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	running      bool
	nextEligible time.Time
	// anchor stands in for the last run until one exists, so repeated
	// computations agree.
	anchor time.Time
	// abortedAt is when the last scheduled run aborted outside the window.
	// The next cycle counts from it instead of the last successful run.
	abortedAt  time.Time
	lastResult *executor.RunResult
	lastState  State
	baseCtx    context.Context
}

// New creates a Scheduler. Call Start to register the background job.
func New(opts Options) *Scheduler {
	if opts.JobID == "" {
		opts.JobID = DefaultJobID
	}
	if opts.Clock == nil {
		opts.Clock = retention.SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = retention.NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		host:     opts.Host,
		jobID:    opts.JobID,
		runner:   opts.Runner,
		config:   opts.Config,
		settings: opts.Settings,
		clock:    opts.Clock,
		observer: opts.Observer,
		logger:   opts.Logger.With("component", "retention.scheduler"),
		state:    StateIdle,
		baseCtx:  context.Background(),
	}
}

// Start registers the background job handler and schedules the first
// cycle. Background runs use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.host.Register(s.jobID, s.handleTask); err != nil {
		return err
	}
	return s.ScheduleIfNeeded(ctx)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastOutcome returns the terminal state and result of the last run.
func (s *Scheduler) LastOutcome() (State, *executor.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState, s.lastResult
}

// NextEligibleEpoch returns the epoch last computed by ScheduleIfNeeded.
func (s *Scheduler) NextEligibleEpoch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEligible
}

// ComputeNextEligibleEpoch returns the next time eviction may run and
// false when eviction is disabled. Calling it repeatedly without a state
// change yields the same value.
func (s *Scheduler) ComputeNextEligibleEpoch() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeLocked()
}

// computeLocked derives the next epoch from the last run, or from the
// last abort when that is later. A candidate inside the window moves to the
// window end, which is itself inside the inclusive window, so a run
// started exactly there aborts once and is rescheduled one second later.
func (s *Scheduler) computeLocked() (time.Time, bool) {
	cfg := s.config.ActiveConfig()
	if !cfg.EvictionEnabled() {
		s.anchor = time.Time{}
		s.abortedAt = time.Time{}
		return time.Time{}, false
	}

	now := s.clock.Now()

	base, ok, err := s.settings.LastRunEpoch()
	if err != nil {
		s.logger.Error("failed to read last run, treating as none", "error", err)
		ok = false
	}
	if !ok {
		if s.anchor.IsZero() {
			s.anchor = now
		}
		base = s.anchor
	}
	if s.abortedAt.After(base) {
		base = s.abortedAt
	}

	candidate := base.Add(cfg.EvictionInterval)

	if p, ok := cfg.ActivePolicy(); ok {
		start, end := p.NoEvictStartSeconds, p.NoEvictEndSeconds
		if window.IsWithinNoEvictWindow(candidate, start, end) {
			candidate = window.NextWindowEnd(candidate, start, end)
		}
		// An overdue epoch while the window is in force would make the host
		// fire a job that can only abort.
		if !candidate.After(now) && window.IsWithinNoEvictWindow(now, start, end) {
			candidate = window.NextWindowEnd(now, start, end).Add(time.Second)
		}
	}
	return candidate, true
}

// ScheduleIfNeeded makes the host's pending request match the next
// eligible epoch. It does nothing when the matching request is already
// pending and cancels every request when eviction is disabled.
func (s *Scheduler) ScheduleIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, enabled := s.computeLocked()
	if !enabled {
		s.host.CancelAll(s.jobID)
		s.nextEligible = time.Time{}
		if !s.running {
			s.state = StateIdle
		}
		s.observer.NextEpochScheduled(time.Time{})
		s.logger.Debug("eviction disabled, nothing scheduled")
		return nil
	}

	s.nextEligible = epoch
	s.observer.NextEpochScheduled(epoch)

	pending := s.host.PendingRequests(s.jobID)
	if len(pending) == 1 && pending[0].EarliestBegin.Equal(epoch) {
		if !s.running {
			s.state = StateScheduled
		}
		return nil
	}
	if len(pending) > 0 {
		s.host.CancelAll(s.jobID)
	}

	if err := s.host.Submit(s.jobID, epoch); err != nil {
		if !s.running {
			s.state = StateIdle
		}
		s.logger.Error("failed to submit eviction job", "epoch", epoch, "error", err)
		return err
	}

	if !s.running {
		s.state = StateScheduled
	}
	s.logger.Info("eviction scheduled", "epoch", epoch)
	return nil
}

// HandleConfigChanged re-evaluates scheduling after a config change. A
// pending retry after an abort is dropped, since the new config may no
// longer abort.
func (s *Scheduler) HandleConfigChanged(ctx context.Context, ev retention.ConfigChanged) error {
	s.mu.Lock()
	s.abortedAt = time.Time{}
	s.mu.Unlock()
	return s.ScheduleIfNeeded(ctx)
}

// IsDue reports whether a run is overdue and permitted right now.
func (s *Scheduler) IsDue() bool {
	s.mu.Lock()
	epoch, enabled := s.computeLocked()
	s.mu.Unlock()
	if !enabled {
		return false
	}

	now := s.clock.Now()
	if now.Before(epoch) {
		return false
	}
	if p, ok := s.config.ActiveConfig().ActivePolicy(); ok {
		return !window.IsWithinNoEvictWindow(now, p.NoEvictStartSeconds, p.NoEvictEndSeconds)
	}
	return true
}

// EnterForeground checks whether a run is due. If so it starts a
// foreground run and returns a channel that yields its result; otherwise
// it makes sure the next cycle is scheduled and returns nil.
func (s *Scheduler) EnterForeground(ctx context.Context) <-chan *executor.RunResult {
	if !s.IsDue() {
		if err := s.ScheduleIfNeeded(ctx); err != nil {
			s.logger.Error("failed to schedule on foreground", "error", err)
		}
		return nil
	}

	ch := make(chan *executor.RunResult, 1)
	go func() {
		defer close(ch)
		res, err := s.RunNow(ctx, executor.RunRequest{
			Mode:  retention.ModeForeground,
			Epoch: s.NextEligibleEpoch(),
		})
		if err != nil {
			s.logger.Info("foreground run skipped", "reason", err)
			return
		}
		ch <- res
	}()
	return ch
}

// RunNow performs a run immediately. It returns ErrRunInProgress when a
// run is already executing.
func (s *Scheduler) RunNow(ctx context.Context, req executor.RunRequest) (*executor.RunResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, retention.ErrRunInProgress
	}
	s.running = true
	s.state = StateRunning
	if req.Epoch.IsZero() {
		req.Epoch = s.nextEligible
	}
	s.mu.Unlock()

	res := s.runner.Run(ctx, req)

	s.mu.Lock()
	s.running = false
	s.lastResult = res
	switch res.Outcome {
	case retention.OutcomeAborted:
		s.lastState = StateAborted
		// Window aborts are rescheduled past the window end instead.
		if req.Mode != retention.ModeTest && res.AbortReason != executor.AbortWithinWindow {
			s.abortedAt = s.clock.Now()
		}
	case retention.OutcomeCompletedWithErrors:
		s.lastState = StateFailed
	default:
		s.lastState = StateCompleted
	}
	if res.Outcome != retention.OutcomeAborted && req.Mode != retention.ModeTest {
		s.abortedAt = time.Time{}
	}
	s.state = StateIdle
	s.mu.Unlock()

	s.logger.Info("eviction run finished",
		"mode", req.Mode,
		"state", s.lastState.String(),
		"evicted", res.Evicted(),
	)

	if err := s.ScheduleIfNeeded(ctx); err != nil {
		s.logger.Error("failed to schedule next cycle", "error", err)
	}
	return res, nil
}

// handleTask runs a background task handed over by the host. Expiry
// reports completion right away without interrupting the run; success is
// false only if a collection already failed.
func (s *Scheduler) handleTask(task retention.BackgroundTask) {
	var (
		errored atomic.Bool
		once    sync.Once
	)
	complete := func(success bool) {
		once.Do(func() { task.MarkComplete(success) })
	}

	task.OnExpire(func() {
		s.logger.Warn("background task expired, reporting completion", "job_id", task.JobID())
		complete(!errored.Load())
	})

	s.mu.Lock()
	ctx := logging.WithJobID(s.baseCtx, task.JobID())
	s.mu.Unlock()

	res, err := s.RunNow(ctx, executor.RunRequest{
		Mode: retention.ModeBackground,
		Progress: func(cr executor.CollectionResult) {
			if cr.Err != nil {
				errored.Store(true)
			}
		},
	})
	if err != nil {
		s.logger.Info("background run skipped", "reason", err)
		complete(true)
		return
	}
	complete(!res.HasErrors())
}
