// Package service assembles the eviction subsystem.
//
// A Service owns one config resolver, subscription coordinator, executor
// and scheduler, wired together explicitly: config changes reach the
// coordinator and then the scheduler, in that order. Applications use the
// Service methods rather than the components directly.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/retention/audit"
	"tillpoint/evictor/pkg/retention/executor"
	"tillpoint/evictor/pkg/retention/resolver"
	"tillpoint/evictor/pkg/retention/scheduler"
	"tillpoint/evictor/pkg/retention/subscription"
)

// AbortRunInProgress is the abort reason of a run refused because another
// run was executing.
const AbortRunInProgress = "eviction already running"

// Options configures a Service.
type Options struct {
	Store    retention.Store
	Settings retention.KeyValueStore
	Audit    audit.Log
	Host     retention.BackgroundScheduler
	Device   retention.Device
	Clock    retention.Clock
	Observer retention.Observer

	// JobID identifies the eviction job in Host. Empty means
	// scheduler.DefaultJobID.
	JobID string

	// DefaultTTL applies to collections without a configured TTL.
	DefaultTTL time.Duration

	// QueryTimeout bounds each eviction query. Zero disables the bound.
	QueryTimeout time.Duration

	Logger *slog.Logger
}

// Status is a snapshot of the subsystem state.
type Status struct {
	State         scheduler.State
	NextEligible  time.Time
	LastRun       time.Time
	ActiveConfig  *retention.RetentionConfig
	Subscriptions []subscription.Registration
}

// Service is the eviction subsystem.
type Service struct {
	resolver    *resolver.Resolver
	coordinator *subscription.Coordinator
	executor    *executor.Executor
	scheduler   *scheduler.Scheduler
	audit       audit.Log
	settings    *retention.Settings
	clock       retention.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

// New builds a Service. Nothing runs until Start.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Settings == nil {
		return nil, errors.New("settings store is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("audit log is required")
	}
	if opts.Host == nil {
		return nil, errors.New("background scheduler is required")
	}
	if opts.Device == nil {
		return nil, errors.New("device is required")
	}
	if opts.Clock == nil {
		opts.Clock = retention.SystemClock{}
	}
	if opts.Observer == nil {
		opts.Observer = retention.NopObserver{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = executor.DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	settings := retention.NewSettings(opts.Settings)

	res := resolver.New(resolver.Options{
		Store:    opts.Store,
		Settings: settings,
		Device:   opts.Device,
		Clock:    opts.Clock,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})

	coord := subscription.New(subscription.Options{
		Store:      opts.Store,
		Device:     opts.Device,
		Clock:      opts.Clock,
		DefaultTTL: opts.DefaultTTL,
		Logger:     opts.Logger,
	})

	exec := executor.New(executor.Options{
		Store:         opts.Store,
		Config:        res,
		Subscriptions: coord,
		Audit:         opts.Audit,
		Settings:      settings,
		Device:        opts.Device,
		Clock:         opts.Clock,
		Observer:      opts.Observer,
		DefaultTTL:    opts.DefaultTTL,
		QueryTimeout:  opts.QueryTimeout,
		Logger:        opts.Logger,
	})

	sched := scheduler.New(scheduler.Options{
		Host:     opts.Host,
		JobID:    opts.JobID,
		Runner:   exec,
		Config:   res,
		Settings: settings,
		Clock:    opts.Clock,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})

	return &Service{
		resolver:    res,
		coordinator: coord,
		executor:    exec,
		scheduler:   sched,
		audit:       opts.Audit,
		settings:    settings,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "retention.service"),
		ctx:         context.Background(),
	}, nil
}

// Start resolves the active config, registers the subscriptions it
// names and schedules the first eviction cycle. ctx bounds background
// work started on behalf of the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.resolver.Start(ctx); err != nil {
		return fmt.Errorf("start config resolver: %w", err)
	}
	s.resolver.OnConfigChanged(s.handleConfigChanged)

	if err := s.coordinator.RegisterAll(ctx, s.resolver.ActiveConfig()); err != nil {
		if !errors.Is(err, retention.ErrNoLocation) {
			return fmt.Errorf("register subscriptions: %w", err)
		}
		s.logger.Warn("device has no location, subscriptions not registered")
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.logger.Info("eviction service started",
		"config", s.resolver.ActiveConfig().ID.Key(),
		"next_eligible", s.scheduler.NextEligibleEpoch(),
	)
	return nil
}

// Stop stops observing config changes and drops every subscription.
func (s *Service) Stop() {
	s.resolver.Stop()
	s.coordinator.CancelAll()
	s.logger.Info("eviction service stopped")
}

func (s *Service) handleConfigChanged(ev retention.ConfigChanged) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.coordinator.HandleConfigChanged(ctx, ev); err != nil {
		s.logger.Error("failed to apply config change to subscriptions", "error", err)
	}
	if err := s.scheduler.HandleConfigChanged(ctx, ev); err != nil {
		s.logger.Error("failed to apply config change to scheduling", "error", err)
	}
}

// RunEvictionQueries runs eviction now in the given mode.
func (s *Service) RunEvictionQueries(ctx context.Context, mode retention.Mode) *executor.RunResult {
	return s.Run(ctx, executor.RunRequest{Mode: mode})
}

// Run runs eviction with full control over the request. It always
// returns a result; a run refused because another one is executing is
// reported as aborted.
func (s *Service) Run(ctx context.Context, req executor.RunRequest) *executor.RunResult {
	res, err := s.scheduler.RunNow(ctx, req)
	if err == nil {
		return res
	}

	now := s.clock.Now()
	s.logger.Info("eviction run refused", "mode", req.Mode, "reason", err)
	return &executor.RunResult{
		Mode:        req.Mode,
		Outcome:     retention.OutcomeAborted,
		AbortReason: AbortRunInProgress,
		Epoch:       now,
		StartedAt:   now,
		FinishedAt:  now,
		Err:         err,
	}
}

// ScheduleIfNeeded makes sure the next eviction cycle is scheduled.
func (s *Service) ScheduleIfNeeded(ctx context.Context) error {
	return s.scheduler.ScheduleIfNeeded(ctx)
}

// EnterForeground runs eviction if it is overdue. See
// scheduler.Scheduler.EnterForeground.
func (s *Service) EnterForeground(ctx context.Context) <-chan *executor.RunResult {
	return s.scheduler.EnterForeground(ctx)
}

// ActiveConfig returns the config in force.
func (s *Service) ActiveConfig() *retention.RetentionConfig {
	return s.resolver.ActiveConfig()
}

// SwitchToPublished makes published configs take precedence.
func (s *Service) SwitchToPublished(ctx context.Context) error {
	return s.resolver.SwitchToPublished(ctx)
}

// UseLocalOnly reverts to the device-local config.
func (s *Service) UseLocalOnly(ctx context.Context) error {
	return s.resolver.UseLocalOnly(ctx)
}

// SaveLocalOnly stores cfg as the device-local config.
func (s *Service) SaveLocalOnly(ctx context.Context, cfg *retention.RetentionConfig) (*retention.RetentionConfig, error) {
	return s.resolver.SaveLocalOnly(ctx, cfg)
}

// Publish shares cfg with every device of its location.
func (s *Service) Publish(ctx context.Context, cfg *retention.RetentionConfig) (*retention.RetentionConfig, error) {
	return s.resolver.Publish(ctx, cfg)
}

// LocalConfig returns the saved local-only config, or nil.
func (s *Service) LocalConfig() (*retention.RetentionConfig, error) {
	return s.settings.LocalConfig()
}

// AuditEntries returns the audit log, newest first.
func (s *Service) AuditEntries(ctx context.Context) ([]*retention.AuditEntry, error) {
	entries, err := s.audit.All(ctx)
	if err != nil {
		return nil, err
	}
	audit.SortByQueryTimeDesc(entries)
	return entries, nil
}

// ClearAudit removes every audit entry.
func (s *Service) ClearAudit(ctx context.Context) (int64, error) {
	return s.audit.Clear(ctx)
}

// Status returns a snapshot of the subsystem.
func (s *Service) Status() (*Status, error) {
	last, _, err := s.settings.LastRunEpoch()
	if err != nil {
		return nil, err
	}
	return &Status{
		State:         s.scheduler.State(),
		NextEligible:  s.scheduler.NextEligibleEpoch(),
		LastRun:       last,
		ActiveConfig:  s.resolver.ActiveConfig(),
		Subscriptions: s.coordinator.Active(),
	}, nil
}
