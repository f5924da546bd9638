// Package report serves computed indicator panels. Results are cached per
// (dashboard, mode) and keyed by the converted export's modification time.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/indicator"
	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Mode selects how much is computed per card
type Mode string

const (
	// ModeList computes value and trend
	ModeList Mode = "lista"
	// ModeWidgets also attaches the chart series of chart-enabled indicators
	ModeWidgets Mode = "widgets"
)

// allDashboards keys the panel of every active indicator
const allDashboards int64 = 0

// Config contains report cache configuration
type Config struct {
	// TTL bounds how long a result stays valid for an unchanged file
	TTL time.Duration

	// Workers bounds concurrent indicator computations per request
	Workers int
}

// DefaultConfig returns default report configuration
func DefaultConfig() *Config {
	return &Config{
		TTL:     5 * time.Minute,
		Workers: 8,
	}
}

// Card is one computed indicator together with its presentation settings
type Card struct {
	indicator.Result
	Indicator *domain.Indicator `json:"-"`
	Chart     []indicator.Point `json:"grafico,omitempty"`
}

type panelKey struct {
	dashboard int64
	mode      Mode
}

type panelEntry struct {
	mtime    time.Time
	storedAt time.Time
	cards    []Card
}

type chartEntry struct {
	mtime    time.Time
	storedAt time.Time
	points   []indicator.Point
}

type tableEntry struct {
	mtime time.Time
	table *sheet.Table
}

// Service computes and caches indicator panels
type Service struct {
	config     *Config
	files      port.ExportDir
	indicators port.IndicatorRepository
	dashboards port.DashboardRepository
	engine     *indicator.Engine
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	panels  map[panelKey]panelEntry
	charts  map[int64]chartEntry
	current *tableEntry
	history *tableEntry

	// loadMu serializes spreadsheet loads
	loadMu sync.Mutex
}

var _ port.CacheInvalidator = (*Service)(nil)

// New creates a new report Service
func New(cfg *Config, files port.ExportDir, indicators port.IndicatorRepository, dashboards port.DashboardRepository, engine *indicator.Engine, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Service{
		config:     cfg,
		files:      files,
		indicators: indicators,
		dashboards: dashboards,
		engine:     engine,
		logger:     logger,
		now:        time.Now,
		panels:     make(map[panelKey]panelEntry),
		charts:     make(map[int64]chartEntry),
	}
}

// Engine returns the engine used for computations
func (s *Service) Engine() *indicator.Engine {
	return s.engine
}

// Invalidate drops every cached table, panel and chart
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.panels = make(map[panelKey]panelEntry)
	s.charts = make(map[int64]chartEntry)
	s.current = nil
	s.history = nil
	s.mu.Unlock()
	s.logger.Info("report cache invalidated")
}

// Table returns the converted export, reloading it when the file changed.
// It returns domain.ErrNoData when nothing has been downloaded yet.
func (s *Service) Table() (*sheet.Table, *port.FileStatus, error) {
	return s.load(s.files.CurrentPath(), &s.current)
}

// HistoryTable returns the historical export
func (s *Service) HistoryTable() (*sheet.Table, *port.FileStatus, error) {
	return s.load(s.files.HistoryPath(), &s.history)
}

// cached returns the table in slot if it matches mtime
func (s *Service) cached(slot **tableEntry, mtime time.Time) *sheet.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := *slot; e != nil && e.mtime.Equal(mtime) {
		return e.table
	}
	return nil
}

func (s *Service) load(path string, slot **tableEntry) (*sheet.Table, *port.FileStatus, error) {
	status, err := s.files.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !status.Exists {
		return nil, status, domain.ErrNoData
	}
	if t := s.cached(slot, status.ModTime); t != nil {
		return t, status, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	// another request may have loaded it while we waited
	if t := s.cached(slot, status.ModTime); t != nil {
		return t, status, nil
	}

	start := time.Now()
	t, err := sheet.LoadXLSX(path)
	if err != nil {
		return nil, status, err
	}
	s.logger.Info("export loaded",
		zap.String("path", path),
		zap.Int("rows", t.Len()),
		zap.Int("columns", len(t.Columns)),
		zap.Duration("elapsed", time.Since(start)))

	s.mu.Lock()
	*slot = &tableEntry{mtime: status.ModTime, table: t}
	s.mu.Unlock()
	return t, status, nil
}

// Panel returns every active indicator computed over the current export
func (s *Service) Panel(ctx context.Context, mode Mode) ([]Card, error) {
	return s.cachedPanel(ctx, allDashboards, mode, func() ([]*domain.Indicator, error) {
		return s.indicators.ListActiveIndicators(ctx)
	})
}

// DashboardPanel returns the dashboard and its active indicators computed
// over the current export
func (s *Service) DashboardPanel(ctx context.Context, id int64, mode Mode) (*domain.Dashboard, []Card, error) {
	d, err := s.dashboards.GetDashboard(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	cards, err := s.cachedPanel(ctx, id, mode, func() ([]*domain.Indicator, error) {
		return s.dashboards.ListDashboardIndicators(ctx, id)
	})
	if err != nil {
		return d, nil, err
	}
	return d, cards, nil
}

func (s *Service) cachedPanel(ctx context.Context, dashboard int64, mode Mode, list func() ([]*domain.Indicator, error)) ([]Card, error) {
	t, status, err := s.Table()
	if err != nil && !errors.Is(err, domain.ErrNoData) {
		return nil, err
	}

	key := panelKey{dashboard: dashboard, mode: mode}
	s.mu.Lock()
	if e, ok := s.panels[key]; ok && t != nil && e.mtime.Equal(status.ModTime) && s.now().Sub(e.storedAt) < s.config.TTL {
		s.mu.Unlock()
		s.logger.Debug("panel cache hit", zap.Int64("dashboard", dashboard), zap.String("mode", string(mode)))
		return e.cards, nil
	}
	s.mu.Unlock()

	inds, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to list indicators: %w", err)
	}

	cards, err := s.compute(ctx, t, inds, mode)
	if err != nil {
		return nil, err
	}

	// without a file there is nothing worth caching
	if t != nil {
		s.mu.Lock()
		s.panels[key] = panelEntry{mtime: status.ModTime, storedAt: s.now(), cards: cards}
		s.mu.Unlock()
	}
	return cards, nil
}

// compute evaluates inds concurrently over one shared table and returns the
// cards sorted by order, then name
func (s *Service) compute(ctx context.Context, t *sheet.Table, inds []*domain.Indicator, mode Mode) ([]Card, error) {
	cards := make([]Card, len(inds))
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, ind := range inds {
		i, ind := i, ind
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cards[i] = s.card(t, ind, mode)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].Order != cards[j].Order {
			return cards[i].Order < cards[j].Order
		}
		return cards[i].Name < cards[j].Name
	})

	s.logger.Debug("indicators computed",
		zap.Int("count", len(cards)),
		zap.String("mode", string(mode)),
		zap.Duration("elapsed", time.Since(start)))
	return cards, nil
}

func (s *Service) card(t *sheet.Table, ind *domain.Indicator, mode Mode) Card {
	now := s.engine.Now()
	res := s.engine.ComputeAt(t, ind, now)
	if t != nil {
		v := s.engine.VariationAt(t, ind, now)
		res.Variation = &v
	}
	c := Card{Result: res, Indicator: ind}
	if mode == ModeWidgets && ind.ChartEnabled && t != nil {
		c.Chart = s.engine.ChartAt(t, ind, now)
	}
	return c
}

// Calculate computes a single saved indicator with its trend
func (s *Service) Calculate(ctx context.Context, id int64) (Card, error) {
	ind, err := s.indicators.GetIndicator(ctx, id)
	if err != nil {
		return Card{}, err
	}
	return s.Evaluate(ind)
}

// Evaluate computes an unsaved definition against the current export
func (s *Service) Evaluate(ind *domain.Indicator) (Card, error) {
	t, _, err := s.Table()
	if err != nil && !errors.Is(err, domain.ErrNoData) {
		return Card{}, err
	}
	return s.card(t, ind, ModeList), nil
}

// Chart returns the cached chart series of a saved indicator
func (s *Service) Chart(ctx context.Context, id int64) ([]indicator.Point, error) {
	ind, err := s.indicators.GetIndicator(ctx, id)
	if err != nil {
		return nil, err
	}

	t, status, err := s.Table()
	if errors.Is(err, domain.ErrNoData) {
		return []indicator.Point{}, nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if e, ok := s.charts[id]; ok && e.mtime.Equal(status.ModTime) && s.now().Sub(e.storedAt) < s.config.TTL {
		s.mu.Unlock()
		return e.points, nil
	}
	s.mu.Unlock()

	points := s.engine.Chart(t, ind)

	s.mu.Lock()
	s.charts[id] = chartEntry{mtime: status.ModTime, storedAt: s.now(), points: points}
	s.mu.Unlock()
	return points, nil
}

// Forget drops cached results after an indicator or dashboard changed
func (s *Service) Forget() {
	s.mu.Lock()
	s.panels = make(map[panelKey]panelEntry)
	s.charts = make(map[int64]chartEntry)
	s.mu.Unlock()
}
