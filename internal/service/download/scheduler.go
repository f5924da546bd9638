package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/port"
)

// Downloader runs one download
type Downloader interface {
	Run(ctx context.Context, req Request) (*domain.DownloadRun, error)
}

var _ Downloader = (*Runner)(nil)

// Scheduler triggers downloads according to the schedule row
type Scheduler struct {
	runner   Downloader
	schedule port.ScheduleRepository
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewScheduler creates a new Scheduler
func NewScheduler(runner Downloader, schedule port.ScheduleRepository, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Start loads the schedule and runs the cron loop until ctx is done or Stop
// is called. It blocks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Start()
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.Reconfigure(runCtx); err != nil {
		s.logger.Error("failed to load download schedule", zap.Error(err))
	}
	s.logger.Info("download scheduler started", zap.String("location", s.loc.String()))

	<-runCtx.Done()

	s.mu.Lock()
	stopped := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	<-stopped.Done()
	s.logger.Info("download scheduler stopped")
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Reconfigure re-reads the schedule row, replaces the cron job and stores
// the next run. An inactive schedule leaves no job.
func (s *Scheduler) Reconfigure(ctx context.Context) error {
	sched, err := s.schedule.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedule: %w", err)
	}

	s.mu.Lock()
	if s.cron != nil && s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	if sched.Active && s.cron != nil {
		spec := sched.CronSpec()
		id, err := s.cron.AddFunc(spec, s.fire)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
		s.entry = id
	}
	s.mu.Unlock()

	sched.NextRun = nil
	if sched.Active {
		next := sched.NextRunAfter(s.now(), s.loc)
		sched.NextRun = &next
	}
	if err := s.schedule.SaveSchedule(ctx, sched); err != nil {
		return fmt.Errorf("failed to store next run: %w", err)
	}

	s.logger.Info("download schedule configured",
		zap.Bool("active", sched.Active),
		zap.String("schedule", sched.Describe()),
		zap.Timep("next_run", sched.NextRun))
	return nil
}

// Active reports whether a job is registered
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry != 0
}

// fire is the cron job body
func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	sched, err := s.schedule.GetSchedule(ctx)
	if err != nil {
		s.logger.Error("failed to load schedule for run", zap.Error(err))
		return
	}

	_, err = s.runner.Run(ctx, Request{DaysBack: sched.DaysBack, Trigger: domain.TriggerScheduled})
	switch {
	case errors.Is(err, domain.ErrDownloadInProgress):
		s.logger.Info("scheduled download skipped, another run in progress")
	case err != nil:
		s.logger.Warn("scheduled download failed", zap.Error(err))
	}
}

// cronLogger routes cron's logging to zap
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
