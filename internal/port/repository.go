package port

import (
	"context"
	"time"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

// IndicatorRepository defines persistence for indicator definitions
type IndicatorRepository interface {
	// ListIndicators returns all indicators ordered by order, then name
	ListIndicators(ctx context.Context) ([]*domain.Indicator, error)

	// ListActiveIndicators returns active indicators ordered by order, then name
	ListActiveIndicators(ctx context.Context) ([]*domain.Indicator, error)

	// GetIndicator retrieves an indicator by ID
	// Returns domain.ErrNotFound if it does not exist
	GetIndicator(ctx context.Context, id int64) (*domain.Indicator, error)

	// CreateIndicator inserts ind and sets its ID and timestamps
	CreateIndicator(ctx context.Context, ind *domain.Indicator) error

	// UpdateIndicator overwrites ind, preserving created_at and bumping updated_at
	UpdateIndicator(ctx context.Context, ind *domain.Indicator) error

	// SetIndicatorOrder changes only the display order; negative values become 0
	SetIndicatorOrder(ctx context.Context, id int64, order int) (int, error)

	// DeleteIndicator removes the indicator and its dashboard associations
	DeleteIndicator(ctx context.Context, id int64) error
}

// DashboardRepository defines persistence for dashboards
type DashboardRepository interface {
	ListDashboards(ctx context.Context) ([]*domain.Dashboard, error)

	// GetDashboard returns domain.ErrNotFound if it does not exist
	GetDashboard(ctx context.Context, id int64) (*domain.Dashboard, error)

	CreateDashboard(ctx context.Context, d *domain.Dashboard) error
	UpdateDashboard(ctx context.Context, d *domain.Dashboard) error
	DeleteDashboard(ctx context.Context, id int64) error

	// ListDashboardIndicators returns the dashboard's active indicators by order
	ListDashboardIndicators(ctx context.Context, dashboardID int64) ([]*domain.Indicator, error)
}

// ScheduleRepository defines persistence for the download schedule row
type ScheduleRepository interface {
	// GetSchedule returns the schedule, creating the default row on first use
	GetSchedule(ctx context.Context) (*domain.DownloadSchedule, error)

	// SaveSchedule stores the user-editable fields and the next run
	SaveSchedule(ctx context.Context, s *domain.DownloadSchedule) error

	// RecordRun stores the status of a download run
	RecordRun(ctx context.Context, status domain.RunStatus, errMsg string, lastRun, nextRun *time.Time) error
}

// AlertRepository defines persistence for alert rules, raised alerts and
// the alert system settings
type AlertRepository interface {
	// ListAlertRules returns all rules ordered by order, then name
	ListAlertRules(ctx context.Context) ([]*domain.AlertRule, error)

	// ListActiveAlertRules returns the rules the generator evaluates
	ListActiveAlertRules(ctx context.Context) ([]*domain.AlertRule, error)

	// GetAlertRule returns domain.ErrNotFound if it does not exist
	GetAlertRule(ctx context.Context, id int64) (*domain.AlertRule, error)

	CreateAlertRule(ctx context.Context, r *domain.AlertRule) error
	UpdateAlertRule(ctx context.Context, r *domain.AlertRule) error

	// DeleteAlertRule keeps the rule's alerts, unlinked
	DeleteAlertRule(ctx context.Context, id int64) error

	CreateAlert(ctx context.Context, a *domain.Alert) error

	// GetAlert returns domain.ErrNotFound if it does not exist
	GetAlert(ctx context.Context, id int64) (*domain.Alert, error)

	// ListAlerts returns up to limit alerts with status, newest first
	ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]*domain.Alert, error)

	// ListActiveAlertsByRule returns the rule's active alerts, newest first
	ListActiveAlertsByRule(ctx context.Context, ruleID int64) ([]*domain.Alert, error)

	ResolveAlert(ctx context.Context, id int64, by string) error
	ArchiveAlert(ctx context.Context, id int64) error

	// ResolveExpiredAlerts resolves active alerts created before cutoff
	// whose rule does not resolve them when cleared
	ResolveExpiredAlerts(ctx context.Context, cutoff time.Time) (int64, error)

	// GetAlertSettings returns the settings, creating the default row on first use
	GetAlertSettings(ctx context.Context) (*domain.AlertSystemSettings, error)
	SaveAlertSettings(ctx context.Context, s *domain.AlertSystemSettings) error
}

// Store combines all repositories
type Store interface {
	IndicatorRepository
	DashboardRepository
	ScheduleRepository
	AlertRepository

	// Ping checks database connectivity
	Ping(ctx context.Context) error

	// Close closes the store
	Close() error
}
