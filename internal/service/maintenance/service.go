// Package maintenance keeps the download directory tidy between runs.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/port"
)

// Config contains maintenance service configuration
type Config struct {
	// CleanupInterval is how often leftover artifacts are swept
	CleanupInterval time.Duration

	// ArtifactMaxAge is the age after which raw exports, partial downloads,
	// conversion temp files and screenshots are removed
	ArtifactMaxAge time.Duration
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: time.Hour,
		ArtifactMaxAge:  24 * time.Hour,
	}
}

// Service handles periodic maintenance tasks
type Service struct {
	config *Config
	files  port.ExportDir
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new maintenance Service
func New(cfg *Config, files port.ExportDir, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.ArtifactMaxAge <= 0 {
		cfg.ArtifactMaxAge = 24 * time.Hour
	}

	return &Service{
		config: cfg,
		files:  files,
		logger: logger,
	}
}

// Start runs one sweep immediately, then one per CleanupInterval until ctx
// is done or Stop is called. It blocks.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("maintenance service started",
		zap.Duration("cleanup_interval", s.config.CleanupInterval),
		zap.Duration("artifact_max_age", s.config.ArtifactMaxAge))

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	s.Sweep()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes stale artifacts from the download directory and returns how
// many were deleted
func (s *Service) Sweep() int {
	count, err := s.files.CleanStale(s.config.ArtifactMaxAge)
	if err != nil {
		s.logger.Error("failed to clean download dir", zap.Error(err))
		return 0
	}
	if count > 0 {
		s.logger.Info("removed stale download artifacts", zap.Int("count", count))
	}
	return count
}
