package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

const dashboardColumns = `id, name, description, theme, grid_columns, grid_template, chart_area_opacity, include_alerts,
	sort_order, active, created_at, updated_at`

func scanDashboard(row rowScanner) (*domain.Dashboard, error) {
	d := &domain.Dashboard{}
	err := row.Scan(
		&d.ID, &d.Name, &d.Description, &d.Theme, &d.GridColumns, &d.GridTemplate, &d.ChartAreaOpacity, &d.IncludeAlerts,
		&d.Order, &d.Active, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDashboards returns all dashboards ordered by order, then name
func (s *Store) ListDashboards(ctx context.Context) ([]*domain.Dashboard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dashboardColumns+` FROM dashboards ORDER BY sort_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Dashboard
	for rows.Next() {
		d, err := scanDashboard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range out {
		if err := s.loadDashboardWidgets(ctx, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetDashboard retrieves a dashboard with its indicator IDs
func (s *Store) GetDashboard(ctx context.Context, id int64) (*domain.Dashboard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dashboardColumns+` FROM dashboards WHERE id = ?`, id)
	d, err := scanDashboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dashboard %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadDashboardWidgets(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// loadDashboardWidgets fills the indicator IDs and their layouts
func (s *Store) loadDashboardWidgets(ctx context.Context, d *domain.Dashboard) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT indicator_id, col_span, row_span, chart_height
		 FROM dashboard_indicators WHERE dashboard_id = ? ORDER BY position, indicator_id`,
		d.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	d.IndicatorIDs = nil
	d.Widgets = nil
	for rows.Next() {
		var id int64
		var l domain.WidgetLayout
		if err := rows.Scan(&id, &l.ColumnSpan, &l.RowSpan, &l.ChartHeight); err != nil {
			return err
		}
		d.IndicatorIDs = append(d.IndicatorIDs, id)
		d.SetLayout(id, l)
	}
	return rows.Err()
}

// CreateDashboard inserts d with its indicator associations
func (s *Store) CreateDashboard(ctx context.Context, d *domain.Dashboard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO dashboards (name, description, theme, grid_columns, grid_template, chart_area_opacity, include_alerts,
			sort_order, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.Description, d.Theme, d.GridColumns, d.GridTemplate, d.ChartAreaOpacity, d.IncludeAlerts,
		d.Order, d.Active, now, now,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	if err := replaceDashboardIndicators(ctx, tx, id, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d.ID = id
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

// UpdateDashboard overwrites d and its indicator associations
func (s *Store) UpdateDashboard(ctx context.Context, d *domain.Dashboard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE dashboards SET name = ?, description = ?, theme = ?, grid_columns = ?, grid_template = ?,
			chart_area_opacity = ?, include_alerts = ?, sort_order = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Description, d.Theme, d.GridColumns, d.GridTemplate, d.ChartAreaOpacity, d.IncludeAlerts,
		d.Order, d.Active, now, d.ID,
	)
	if err != nil {
		return err
	}
	if err := expectAffected(result, "dashboard", d.ID); err != nil {
		return err
	}

	if err := replaceDashboardIndicators(ctx, tx, d.ID, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d.UpdatedAt = now
	return nil
}

func replaceDashboardIndicators(ctx context.Context, tx *sql.Tx, dashboardID int64, d *domain.Dashboard) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_indicators WHERE dashboard_id = ?`, dashboardID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO dashboard_indicators (dashboard_id, indicator_id, position, col_span, row_span, chart_height)
		 SELECT ?, id, ?, ?, ?, ? FROM indicators WHERE id = ?`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for pos, id := range d.IndicatorIDs {
		l := d.Layout(id)
		if _, err := stmt.ExecContext(ctx, dashboardID, pos, l.ColumnSpan, l.RowSpan, l.ChartHeight, id); err != nil {
			return fmt.Errorf("failed to link indicator %d: %w", id, err)
		}
	}
	return nil
}

// DeleteDashboard removes a dashboard and its associations
func (s *Store) DeleteDashboard(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_indicators WHERE dashboard_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM dashboards WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectAffected(result, "dashboard", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListDashboardIndicators returns the dashboard's active indicators by order
func (s *Store) ListDashboardIndicators(ctx context.Context, dashboardID int64) ([]*domain.Indicator, error) {
	return s.queryIndicators(ctx, `
		SELECT `+indicatorColumns+`
		FROM indicators i
		JOIN dashboard_indicators di ON di.indicator_id = i.id
		WHERE di.dashboard_id = ? AND i.active = TRUE
		ORDER BY i.sort_order, i.name`,
		dashboardID,
	)
}
