// Package alert raises operational alerts from the alert rules. Rules are
// evaluated after every completed download and on a fixed interval; the
// panels poll the active list.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/domain/event"
	"github.com/vertextoedge/samu-panel/internal/indicator"
	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// TableSource provides the converted export the rules run against
type TableSource interface {
	Table() (*sheet.Table, *port.FileStatus, error)
}

// Config contains alert service configuration
type Config struct {
	// Interval is how often rules are evaluated between downloads
	Interval time.Duration

	// ActiveLimit caps the alerts returned to the panels
	ActiveLimit int

	// GenerateTimeout bounds a generation triggered by a download event
	GenerateTimeout time.Duration
}

// DefaultConfig returns default alert configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:        5 * time.Minute,
		ActiveLimit:     50,
		GenerateTimeout: 2 * time.Minute,
	}
}

// Service generates, expires and lists alerts
type Service struct {
	config *Config
	store  port.AlertRepository
	tables TableSource
	engine *indicator.Engine
	logger *zap.Logger
	now    func() time.Time

	// genMu serializes generation between the ticker and download events
	genMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ event.EventHandler = (*Service)(nil)

// New creates a new alert Service
func New(cfg *Config, store port.AlertRepository, tables TableSource, engine *indicator.Engine, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ActiveLimit <= 0 {
		cfg.ActiveLimit = def.ActiveLimit
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	return &Service{
		config: cfg,
		store:  store,
		tables: tables,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
}

// Generate evaluates every active rule against the current export and
// stores the new findings. A finding whose key already has an active alert
// for the same rule is skipped. Rules that resolve when cleared get their
// alerts resolved once the condition is gone. Returns how many alerts were
// created.
func (s *Service) Generate(ctx context.Context) (int, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	t, _, err := s.tables.Table()
	if errors.Is(err, domain.ErrNoData) {
		s.logger.Debug("no export to evaluate alert rules against")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load export: %w", err)
	}

	rules, err := s.store.ListActiveAlertRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list alert rules: %w", err)
	}

	start := time.Now()
	now := s.engine.Now()
	created, resolved := 0, 0
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		c, r, err := s.apply(ctx, t, rule, now)
		created += c
		resolved += r
		if err != nil {
			s.logger.Error("failed to apply alert rule",
				zap.Int64("rule_id", rule.ID),
				zap.String("rule", rule.Type),
				zap.Error(err))
		}
	}

	s.logger.Info("alert rules evaluated",
		zap.Int("rules", len(rules)),
		zap.Int("created", created),
		zap.Int("resolved", resolved),
		zap.Duration("elapsed", time.Since(start)))
	return created, nil
}

func (s *Service) apply(ctx context.Context, t *sheet.Table, rule *domain.AlertRule, now time.Time) (int, int, error) {
	findings := s.engine.EvaluateRule(t, rule, now)

	active, err := s.store.ListActiveAlertsByRule(ctx, rule.ID)
	if err != nil {
		return 0, 0, err
	}
	open := make(map[string]bool, len(active))
	for _, a := range active {
		open[a.Key] = true
	}

	found := make(map[string]bool, len(findings))
	created := 0
	for _, f := range findings {
		found[f.Key] = true
		if open[f.Key] {
			continue
		}
		open[f.Key] = true

		occurred := now
		a := &domain.Alert{
			RuleID:     &rule.ID,
			TypeName:   rule.Name,
			TypeIcon:   rule.Icon,
			TypeColor:  rule.Color,
			Title:      f.Title,
			Message:    f.Message,
			Details:    f.Details,
			Key:        f.Key,
			Status:     domain.AlertActive,
			Priority:   rule.Priority,
			Origin:     domain.OriginAutomatic,
			OccurredAt: &occurred,
			CreatedBy:  domain.ResolvedBySystem,
		}
		if err := s.store.CreateAlert(ctx, a); err != nil {
			return created, 0, fmt.Errorf("failed to create alert: %w", err)
		}
		created++
	}

	if !rule.ResolveWhenCleared {
		return created, 0, nil
	}
	resolved := 0
	for _, a := range active {
		if found[a.Key] {
			continue
		}
		if err := s.store.ResolveAlert(ctx, a.ID, domain.ResolvedBySystem); err != nil {
			return created, resolved, fmt.Errorf("failed to resolve cleared alert %d: %w", a.ID, err)
		}
		resolved++
	}
	return created, resolved, nil
}

// ResolveExpired resolves automatic alerts older than the configured
// lifetime. Manual alerts and rules that resolve when cleared are kept.
func (s *Service) ResolveExpired(ctx context.Context) (int64, error) {
	settings, err := s.store.GetAlertSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load alert settings: %w", err)
	}
	n, err := s.store.ResolveExpiredAlerts(ctx, s.now().Add(-settings.ResolveAfter()).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve expired alerts: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired alerts resolved",
			zap.Int64("count", n),
			zap.Int("after_minutes", settings.ResolveAfterMinutes))
	}
	return n, nil
}

// Active expires old alerts, then returns the active ones newest first,
// one per rule and key, together with the alert settings
func (s *Service) Active(ctx context.Context) ([]*domain.Alert, *domain.AlertSystemSettings, error) {
	if _, err := s.ResolveExpired(ctx); err != nil {
		return nil, nil, err
	}
	settings, err := s.store.GetAlertSettings(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load alert settings: %w", err)
	}
	list, err := s.store.ListAlerts(ctx, domain.AlertActive, 2*s.config.ActiveLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	type ident struct {
		rule int64
		key  string
	}
	seen := make(map[ident]bool, len(list))
	out := make([]*domain.Alert, 0, min(len(list), s.config.ActiveLimit))
	for _, a := range list {
		if a.RuleID != nil {
			id := ident{rule: *a.RuleID, key: a.Key}
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		out = append(out, a)
		if len(out) == s.config.ActiveLimit {
			break
		}
	}
	return out, settings, nil
}

// CreateManual validates and stores an operator alert
func (s *Service) CreateManual(ctx context.Context, a *domain.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	occurred := s.now()
	a.OccurredAt = &occurred
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	s.logger.Info("manual alert created", zap.Int64("id", a.ID), zap.String("title", a.Title))
	return nil
}

// Handle evaluates the rules after a completed current-window download
func (s *Service) Handle(ev event.DomainEvent) error {
	done, ok := ev.(event.DownloadCompleted)
	if !ok || done.Run.Historical {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.GenerateTimeout)
	defer cancel()
	if _, err := s.Generate(ctx); err != nil {
		s.logger.Error("alert generation after download failed",
			zap.String("run_id", done.Run.RunID),
			zap.Error(err))
		return err
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (s *Service) HandledEvents() []string {
	return []string{event.NameDownloadCompleted}
}

// Start evaluates the rules immediately, then once per Interval until ctx is
// done or Stop is called. It blocks.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("alert service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("alert service started", zap.Duration("interval", s.config.Interval))

	s.wg.Add(1)
	go s.loop(ctx)

	<-ctx.Done()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("alert service stopped")
	return nil
}

// Stop stops the alert service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if _, err := s.ResolveExpired(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("failed to expire alerts", zap.Error(err))
	}
	if _, err := s.Generate(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled alert generation failed", zap.Error(err))
	}
}
