// Package download fetches the occurrence export from the portal, converts
// it and records the outcome on the schedule row.
package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/domain/event"
	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Config contains download runner configuration
type Config struct {
	// SkipRows is the number of banner rows above the header
	SkipRows int

	// MaxAttempts bounds portal attempts per run
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; it doubles per
	// attempt up to MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// HasCredentials is false when the portal login is not configured
	HasCredentials bool
}

// DefaultConfig returns default runner configuration
func DefaultConfig() *Config {
	return &Config{
		SkipRows:       5,
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       60 * time.Second,
		HasCredentials: true,
	}
}

// Request describes one download. Without Start/End the range is the last
// DaysBack days up to today.
type Request struct {
	DaysBack   int
	Start      time.Time
	End        time.Time
	Historical bool
	Trigger    domain.Trigger
}

// Range resolves the inclusive day range of r at now in loc
func (r Request) Range(now time.Time, loc *time.Location) port.DateRange {
	if !r.Start.IsZero() && !r.End.IsZero() {
		start, end := r.Start.In(loc), r.End.In(loc)
		if end.Before(start) {
			start, end = end, start
		}
		return port.DateRange{Start: start, End: end}
	}
	days := r.DaysBack
	if days < 0 {
		days = 0
	}
	end := now.In(loc)
	return port.DateRange{Start: end.AddDate(0, 0, -days), End: end}
}

// Runner performs downloads one at a time
type Runner struct {
	config      *Config
	portal      port.Portal
	files       port.ExportDir
	schedule    port.ScheduleRepository
	invalidator port.CacheInvalidator
	loc         *time.Location
	logger      *zap.Logger
	events      event.EventDispatcher

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.Mutex

	stateMu sync.Mutex
	running *domain.DownloadRun
	last    *domain.DownloadRun

	wg sync.WaitGroup
}

// Option configures a Runner
type Option func(*Runner)

// WithDispatcher replaces the default dispatcher, which only logs
func WithDispatcher(d event.EventDispatcher) Option {
	return func(r *Runner) {
		r.events = d
	}
}

// New creates a new download Runner
func New(cfg *Config, portal port.Portal, files port.ExportDir, schedule port.ScheduleRepository, invalidator port.CacheInvalidator, loc *time.Location, logger *zap.Logger, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.SkipRows < 0 {
		cfg.SkipRows = def.SkipRows
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if loc == nil {
		loc = time.UTC
	}
	r := &Runner{
		config:      cfg,
		portal:      portal,
		files:       files,
		schedule:    schedule,
		invalidator: invalidator,
		loc:         loc,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.events == nil {
		r.events = event.NewInMemoryDispatcher(event.NewLoggingHandler(logger))
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Running returns the run in progress, if any
func (r *Runner) Running() *domain.DownloadRun {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.running
}

// Last returns the last finished run, if any
func (r *Runner) Last() *domain.DownloadRun {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.last
}

// Run downloads, converts and publishes one export. It returns
// domain.ErrDownloadInProgress when another run holds the lock.
func (r *Runner) Run(ctx context.Context, req Request) (*domain.DownloadRun, error) {
	if !r.mu.TryLock() {
		return nil, domain.ErrDownloadInProgress
	}
	defer r.mu.Unlock()
	return r.run(ctx, req)
}

// run performs one download; the caller holds mu
func (r *Runner) run(ctx context.Context, req Request) (*domain.DownloadRun, error) {
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	rng := req.Range(r.now(), r.loc)
	run := domain.NewDownloadRun(req.Trigger, rng.Start, rng.End, req.Historical, r.config.MaxAttempts)
	ev := event.Run{RunID: run.ID, Trigger: string(run.Trigger), Historical: run.Historical}
	logger := r.logger.With(zap.String("run_id", run.ID))

	r.setRunning(run)
	defer r.setRunning(nil)

	if !r.config.HasCredentials {
		r.events.Dispatch(event.NewDownloadFailed(ev, 0, 0, domain.ErrMissingCredentials.Error()))
		r.record(ctx, domain.StatusError, domain.ErrMissingCredentials.Error(), nil)
		return run, domain.ErrMissingCredentials
	}

	started := r.now()
	r.record(ctx, domain.StatusRunning, "", &started)
	r.events.Dispatch(event.NewDownloadStarted(ev, rng.Start, rng.End))

	err := r.execute(ctx, run, ev, rng, logger)
	if err != nil {
		r.events.Dispatch(event.NewDownloadFailed(ev, run.Attempt, run.Duration(), err.Error()))
		r.record(ctx, domain.StatusError, err.Error(), nil)
		r.setLast(run)
		return run, err
	}

	r.events.Dispatch(event.NewDownloadCompleted(ev, run.Attempt, run.Rows, run.OutputPath, run.Duration()))
	r.record(ctx, domain.StatusSuccess, "", nil)
	r.setLast(run)
	return run, nil
}

func (r *Runner) execute(ctx context.Context, run *domain.DownloadRun, ev event.Run, rng port.DateRange, logger *zap.Logger) error {
	raw, err := r.fetch(ctx, run, ev, rng)
	if err != nil {
		return err
	}

	dst := r.files.CurrentPath()
	if run.Historical {
		dst = r.files.HistoryPath()
	}
	rows, err := sheet.Convert(raw, dst, r.config.SkipRows)
	r.removeExports(logger)
	if err != nil {
		return fmt.Errorf("failed to convert export: %w", err)
	}

	if r.invalidator != nil && !run.Historical {
		r.invalidator.Invalidate()
	}
	run.Finish(rows, dst)
	return nil
}

// removeExports deletes the raw portal files, converted or not
func (r *Runner) removeExports(logger *zap.Logger) {
	removed, err := r.files.RemoveExports()
	if err != nil {
		logger.Warn("failed to remove raw exports", zap.Error(err))
	} else if len(removed) > 0 {
		logger.Debug("raw exports removed", zap.Strings("files", removed))
	}
}

// fetch drives the portal, retrying retryable failures with backoff
func (r *Runner) fetch(ctx context.Context, run *domain.DownloadRun, ev event.Run, rng port.DateRange) (string, error) {
	for {
		run.Attempt++
		path, err := r.portal.Download(ctx, rng)
		if err == nil {
			return path, nil
		}

		if !domain.IsRetryable(err) || !run.CanRetry() || ctx.Err() != nil {
			return "", err
		}

		delay := run.MarkFailed(err.Error(), r.config.BaseDelay, r.config.MaxDelay)
		if after, ok := domain.GetRetryAfter(err); ok && after > delay {
			delay = after
		}
		r.events.Dispatch(event.NewDownloadAttemptFailed(ev, run.Attempt, run.MaxAttempts, delay, err.Error()))

		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

// RunAsync starts a run in the background and returns at once. ctx must
// outlive the caller's request. The only error is ErrDownloadInProgress;
// run failures are logged and recorded on the schedule row.
func (r *Runner) RunAsync(ctx context.Context, req Request) error {
	if !r.mu.TryLock() {
		return domain.ErrDownloadInProgress
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.mu.Unlock()
		if _, err := r.run(ctx, req); err != nil {
			r.logger.Debug("background download finished with error", zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until background runs finish
func (r *Runner) Wait() {
	r.wg.Wait()
}

// record stores the run status, computing the next run of an active schedule
func (r *Runner) record(ctx context.Context, status domain.RunStatus, msg string, lastRun *time.Time) {
	if r.schedule == nil {
		return
	}
	// status updates must land even when the run was cancelled
	ctx = context.WithoutCancel(ctx)

	var next *time.Time
	if status != domain.StatusRunning {
		if sched, err := r.schedule.GetSchedule(ctx); err == nil && sched.Active {
			n := sched.NextRunAfter(r.now(), r.loc)
			next = &n
		}
	}
	if err := r.schedule.RecordRun(ctx, status, msg, lastRun, next); err != nil {
		r.logger.Error("failed to record download status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (r *Runner) setRunning(run *domain.DownloadRun) {
	r.stateMu.Lock()
	r.running = run
	r.stateMu.Unlock()
}

func (r *Runner) setLast(run *domain.DownloadRun) {
	r.stateMu.Lock()
	r.last = run
	r.stateMu.Unlock()
}
