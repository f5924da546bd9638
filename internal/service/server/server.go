// Package server exposes the admin pages and the small JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/service/alert"
	"github.com/vertextoedge/samu-panel/internal/service/download"
	"github.com/vertextoedge/samu-panel/internal/service/report"
	"github.com/vertextoedge/samu-panel/internal/util/ratelimiter"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr     string
	SecretKey    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Location     *time.Location
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "0.0.0.0:5001",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		Location:     time.UTC,
	}
}

// Files is the download directory as seen by the pages
type Files interface {
	port.ExportDir
	port.DiskReporter
}

// Reconfigurer reloads the download schedule
type Reconfigurer interface {
	Reconfigure(ctx context.Context) error
}

// RunCounters reports download outcome counters
type RunCounters interface {
	Snapshot() map[string]int64
}

// Deps holds the services the handlers call
type Deps struct {
	Store     port.Store
	Files     Files
	Reports   *report.Service
	Runner    *download.Runner
	Scheduler Reconfigurer
	Limiter   *ratelimiter.Limiter
	Alerts    *alert.Service

	// Stats is optional
	Stats RunCounters
}

// Server represents the HTTP server
type Server struct {
	config *Config
	deps   Deps
	logger *zap.Logger
	server *http.Server
	views  *views
	flash  *flasher

	// background work started by requests outlives them
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates a new HTTP server
func New(cfg *Config, deps Deps, logger *zap.Logger) (*Server, error) {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = uuid.NewString()
		logger.Warn("SECRET_KEY not set, flash messages will not survive a restart")
	}

	v, err := newViews(cfg.Location)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
		views:  v,
		flash:  newFlasher(cfg.SecretKey),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(PeerMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/download/", http.StatusFound)
	})
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/download", func(r chi.Router) {
		r.Get("/", s.handleDownloadIndex)
		r.With(LoopbackOnly(s.flash, "/download/")).Post("/executar", s.handleDownloadRun)
		r.Get("/indicadores", s.handleDownloadIndicators)
		r.Get("/dados", s.handleDownloadData)
		r.Get("/api/status", s.handleDownloadStatus)
		r.Get("/config", s.handleScheduleForm)
		r.Post("/config", s.handleScheduleSave)
		r.Get("/api/config", s.handleScheduleJSON)
	})

	r.Route("/indicadores", func(r chi.Router) {
		r.Get("/config", s.handleIndicatorList)
		r.Get("/create", s.handleIndicatorNew)
		r.Post("/create", s.handleIndicatorCreate)
		r.Get("/edit/{id}", s.handleIndicatorEdit)
		r.Post("/edit/{id}", s.handleIndicatorUpdate)
		r.Post("/delete/{id}", s.handleIndicatorDelete)
		r.Get("/duplicate/{id}", s.handleIndicatorDuplicate)
		r.Patch("/api/ordem/{id}", s.handleIndicatorOrder)
		r.Get("/api/coluna-valores", s.handleColumnValues)
		r.Get("/painel", s.handlePanel)
		r.Get("/calcular/{id}", s.handleCalculate)
		r.Post("/testar", s.handleTest)
		r.Get("/grafico/{id}", s.handleChart)
	})

	r.Route("/dashboards", func(r chi.Router) {
		r.Get("/", s.handleDashboardList)
		r.Get("/create", s.handleDashboardNew)
		r.Post("/create", s.handleDashboardCreate)
		r.Get("/edit/{id}", s.handleDashboardEdit)
		r.Post("/edit/{id}", s.handleDashboardUpdate)
		r.Post("/delete/{id}", s.handleDashboardDelete)
		r.Get("/view/{id}", s.handleDashboardView)
	})

	r.Route("/alertas", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, alertsPage, http.StatusFound)
		})
		r.Get("/dashboard", s.handleAlertDashboard)
		r.Get("/api/ativos", s.handleActiveAlerts)
		r.Get("/config", s.handleAlertConfig)
		r.Post("/config", s.handleAlertSettingsSave)
		r.Get("/config/create", s.handleAlertRuleNew)
		r.Post("/config/create", s.handleAlertRuleCreate)
		r.Get("/config/edit/{id}", s.handleAlertRuleEdit)
		r.Post("/config/edit/{id}", s.handleAlertRuleUpdate)
		r.Post("/config/duplicate/{id}", s.handleAlertRuleDuplicate)
		r.Post("/config/delete/{id}", s.handleAlertRuleDelete)
		r.Get("/manual/create", s.handleManualAlertNew)
		r.Post("/manual/create", s.handleManualAlertCreate)
		r.Post("/resolver/{id}", s.handleAlertResolve)
		r.Post("/arquivar/{id}", s.handleAlertArchive)
		r.Post("/gerar", s.handleAlertGenerate)
	})

	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server and waits for background downloads
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	err := s.server.Shutdown(ctx)
	s.bgCancel()
	if s.deps.Runner != nil {
		s.deps.Runner.Wait()
	}
	return err
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("failed to encode response", zap.Error(err))
	}
}
