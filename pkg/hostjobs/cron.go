// Package hostjobs provides the background job host used when eviction runs
// as a daemon. It implements retention.BackgroundScheduler on top of a cron
// scheduler: each submitted request becomes a one-shot cron entry that fires
// no earlier than its requested time, and each run gets a time budget after
// which its expiry handlers are called.
package hostjobs

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tillpoint/evictor/pkg/retention"
)

// DefaultBudget is the time a task may run before it expires.
const DefaultBudget = 30 * time.Second

// Options configures a CronHost.
type Options struct {
	// Budget is the time a task may run before its expiry handlers are
	// called. Zero means DefaultBudget.
	Budget time.Duration

	Logger *slog.Logger
}

// CronHost runs registered jobs at requested times.
type CronHost struct {
	cron   *cron.Cron
	budget time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	handlers    map[string]func(retention.BackgroundTask)
	pending     map[string][]*request
	completions map[string]bool
	running     bool
}

// NewCronHost creates a CronHost. Call Start to begin firing requests.
func NewCronHost(opts Options) *CronHost {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CronHost{
		cron:        cron.New(),
		budget:      opts.Budget,
		logger:      opts.Logger.With("component", "hostjobs"),
		handlers:    make(map[string]func(retention.BackgroundTask)),
		pending:     make(map[string][]*request),
		completions: make(map[string]bool),
	}
}

// Start begins firing submitted requests.
func (h *CronHost) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.cron.Start()
	h.running = true
	h.logger.Info("job host started", "budget", h.budget)
}

// Stop stops firing requests and waits for running tasks to finish.
func (h *CronHost) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	ctx := h.cron.Stop()
	<-ctx.Done()
	h.logger.Info("job host stopped")
}

// Register implements retention.BackgroundScheduler.
func (h *CronHost) Register(jobID string, handler func(task retention.BackgroundTask)) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for job %q is nil", jobID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[jobID] = handler
	return nil
}

// Submit implements retention.BackgroundScheduler.
func (h *CronHost) Submit(jobID string, earliestBegin time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.handlers[jobID]; !ok {
		return fmt.Errorf("job %q is not registered", jobID)
	}

	req := &request{jobID: jobID, at: earliestBegin}
	req.entryID = h.cron.Schedule(&oneShot{req: req}, cron.FuncJob(func() { h.fire(req) }))
	h.pending[jobID] = append(h.pending[jobID], req)

	h.logger.Debug("job submitted", "job_id", jobID, "earliest_begin", earliestBegin)
	return nil
}

// CancelAll implements retention.BackgroundScheduler.
func (h *CronHost) CancelAll(jobID string) {
	h.mu.Lock()
	reqs := h.pending[jobID]
	delete(h.pending, jobID)
	h.mu.Unlock()

	for _, req := range reqs {
		if req.claimed.CompareAndSwap(false, true) {
			h.cron.Remove(req.entryID)
		}
	}
	if len(reqs) > 0 {
		h.logger.Debug("pending jobs cancelled", "job_id", jobID, "count", len(reqs))
	}
}

// PendingRequests implements retention.BackgroundScheduler.
func (h *CronHost) PendingRequests(jobID string) []retention.PendingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]retention.PendingRequest, 0, len(h.pending[jobID]))
	for _, req := range h.pending[jobID] {
		if req.claimed.Load() {
			continue
		}
		out = append(out, retention.PendingRequest{JobID: jobID, EarliestBegin: req.at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EarliestBegin.Before(out[j].EarliestBegin) })
	return out
}

// LastCompletion returns how the last task of jobID completed.
func (h *CronHost) LastCompletion(jobID string) (success, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	success, ok = h.completions[jobID]
	return success, ok
}

func (h *CronHost) fire(req *request) {
	if !req.claimed.CompareAndSwap(false, true) {
		return
	}
	h.cron.Remove(req.entryID)

	h.mu.Lock()
	h.pending[req.jobID] = removeRequest(h.pending[req.jobID], req)
	handler := h.handlers[req.jobID]
	h.mu.Unlock()

	if handler == nil {
		h.logger.Warn("fired job has no handler", "job_id", req.jobID)
		return
	}

	t := newTask(req.jobID, h.logger)
	timer := time.AfterFunc(h.budget, func() {
		t.expire()
		if !t.isComplete() {
			h.logger.Warn("task did not complete after expiry, marking failed", "job_id", req.jobID)
			t.MarkComplete(false)
		}
	})
	defer timer.Stop()

	h.logger.Info("job started", "job_id", req.jobID, "earliest_begin", req.at)
	handler(t)
	<-t.done

	h.mu.Lock()
	h.completions[req.jobID] = t.success
	h.mu.Unlock()
}

func removeRequest(reqs []*request, target *request) []*request {
	out := reqs[:0]
	for _, r := range reqs {
		if r != target {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type request struct {
	jobID   string
	at      time.Time
	entryID cron.EntryID
	claimed atomic.Bool
}

// oneShot is a cron.Schedule that activates once at the request time, or
// immediately when that time has passed.
type oneShot struct {
	req *request

	mu     sync.Mutex
	issued time.Time
}

// Next implements cron.Schedule. Once the issued activation has been
// reached it returns the zero time, which cron treats as never.
func (s *oneShot) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.req.claimed.Load() {
		return time.Time{}
	}
	if !s.issued.IsZero() && !t.Before(s.issued) {
		return time.Time{}
	}
	next := s.req.at
	if next.Before(t) {
		next = t
	}
	s.issued = next
	return next
}

type task struct {
	jobID  string
	logger *slog.Logger
	done   chan struct{}

	once    sync.Once
	success bool

	mu       sync.Mutex
	onExpire []func()
}

func newTask(jobID string, logger *slog.Logger) *task {
	return &task{jobID: jobID, logger: logger, done: make(chan struct{})}
}

func (t *task) JobID() string { return t.jobID }

func (t *task) MarkComplete(success bool) {
	t.once.Do(func() {
		t.success = success
		close(t.done)
		t.logger.Info("job completed", "job_id", t.jobID, "success", success)
	})
}

func (t *task) OnExpire(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = append(t.onExpire, fn)
}

func (t *task) expire() {
	t.mu.Lock()
	fns := append([]func(){}, t.onExpire...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (t *task) isComplete() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
