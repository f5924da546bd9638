package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

const indicatorColumns = `
	id, name, description, calc_type, start_column, end_column, unit, conditions,
	filter_hours, filter_column, count_by, occurrence_column, target_value, target_operator,
	chart_enabled, chart_hours, chart_interval_minutes,
	target_line_enabled, target_line_value, target_line_color, target_line_style,
	inverse_trend, up_color, down_color, sort_order, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIndicator(row rowScanner) (*domain.Indicator, error) {
	ind := &domain.Indicator{}
	var calcType, countBy, conditions string
	var targetValue, targetLineValue sql.NullFloat64

	err := row.Scan(
		&ind.ID, &ind.Name, &ind.Description, &calcType, &ind.StartColumn, &ind.EndColumn, &ind.Unit, &conditions,
		&ind.FilterHours, &ind.FilterColumn, &countBy, &ind.OccurrenceColumn, &targetValue, &ind.TargetOperator,
		&ind.ChartEnabled, &ind.ChartHours, &ind.ChartIntervalMinutes,
		&ind.TargetLineEnabled, &targetLineValue, &ind.TargetLineColor, &ind.TargetLineStyle,
		&ind.InverseTrend, &ind.UpColor, &ind.DownColor, &ind.Order, &ind.Active, &ind.CreatedAt, &ind.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ind.CalcType = domain.CalcType(calcType)
	ind.CountBy = domain.CountMode(countBy)
	ind.TargetValue = floatPtr(targetValue)
	ind.TargetLineValue = floatPtr(targetLineValue)

	if conditions != "" {
		// A corrupt conditions column is treated as no conditions
		if err := json.Unmarshal([]byte(conditions), &ind.Conditions); err != nil {
			ind.Conditions = nil
		}
	}

	return ind, nil
}

func (s *Store) queryIndicators(ctx context.Context, query string, args ...interface{}) ([]*domain.Indicator, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

// ListIndicators returns all indicators ordered by order, then name
func (s *Store) ListIndicators(ctx context.Context) ([]*domain.Indicator, error) {
	return s.queryIndicators(ctx, `SELECT `+indicatorColumns+` FROM indicators ORDER BY sort_order, name`)
}

// ListActiveIndicators returns active indicators ordered by order, then name
func (s *Store) ListActiveIndicators(ctx context.Context) ([]*domain.Indicator, error) {
	return s.queryIndicators(ctx, `SELECT `+indicatorColumns+` FROM indicators WHERE active = TRUE ORDER BY sort_order, name`)
}

// GetIndicator retrieves an indicator by ID
func (s *Store) GetIndicator(ctx context.Context, id int64) (*domain.Indicator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+indicatorColumns+` FROM indicators WHERE id = ?`, id)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indicator %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ind, nil
}

func encodeConditions(conds []domain.Condition) (string, error) {
	if len(conds) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(conds)
	if err != nil {
		return "", fmt.Errorf("failed to encode conditions: %w", err)
	}
	return string(data), nil
}

// CreateIndicator inserts ind and sets its ID and timestamps
func (s *Store) CreateIndicator(ctx context.Context, ind *domain.Indicator) error {
	conditions, err := encodeConditions(ind.Conditions)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO indicators (
			name, description, calc_type, start_column, end_column, unit, conditions,
			filter_hours, filter_column, count_by, occurrence_column, target_value, target_operator,
			chart_enabled, chart_hours, chart_interval_minutes,
			target_line_enabled, target_line_value, target_line_color, target_line_style,
			inverse_trend, up_color, down_color, sort_order, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		ind.Name, ind.Description, string(ind.CalcType), ind.StartColumn, ind.EndColumn, ind.Unit, conditions,
		ind.FilterHours, ind.FilterColumn, string(ind.CountBy), ind.OccurrenceColumn, nullFloat(ind.TargetValue), ind.TargetOperator,
		ind.ChartEnabled, ind.ChartHours, ind.ChartIntervalMinutes,
		ind.TargetLineEnabled, nullFloat(ind.TargetLineValue), ind.TargetLineColor, ind.TargetLineStyle,
		ind.InverseTrend, ind.UpColor, ind.DownColor, ind.Order, ind.Active, now, now,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	ind.ID = id
	ind.CreatedAt = now
	ind.UpdatedAt = now
	return nil
}

// UpdateIndicator overwrites ind, preserving created_at and bumping updated_at
func (s *Store) UpdateIndicator(ctx context.Context, ind *domain.Indicator) error {
	conditions, err := encodeConditions(ind.Conditions)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE indicators SET
			name = ?, description = ?, calc_type = ?, start_column = ?, end_column = ?, unit = ?, conditions = ?,
			filter_hours = ?, filter_column = ?, count_by = ?, occurrence_column = ?, target_value = ?, target_operator = ?,
			chart_enabled = ?, chart_hours = ?, chart_interval_minutes = ?,
			target_line_enabled = ?, target_line_value = ?, target_line_color = ?, target_line_style = ?,
			inverse_trend = ?, up_color = ?, down_color = ?, sort_order = ?, active = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		ind.Name, ind.Description, string(ind.CalcType), ind.StartColumn, ind.EndColumn, ind.Unit, conditions,
		ind.FilterHours, ind.FilterColumn, string(ind.CountBy), ind.OccurrenceColumn, nullFloat(ind.TargetValue), ind.TargetOperator,
		ind.ChartEnabled, ind.ChartHours, ind.ChartIntervalMinutes,
		ind.TargetLineEnabled, nullFloat(ind.TargetLineValue), ind.TargetLineColor, ind.TargetLineStyle,
		ind.InverseTrend, ind.UpColor, ind.DownColor, ind.Order, ind.Active, now,
		ind.ID,
	)
	if err != nil {
		return err
	}
	if err := expectAffected(result, "indicator", ind.ID); err != nil {
		return err
	}

	ind.UpdatedAt = now
	return nil
}

// SetIndicatorOrder changes only the display order
func (s *Store) SetIndicatorOrder(ctx context.Context, id int64, order int) (int, error) {
	if order < 0 {
		order = 0
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE indicators SET sort_order = ?, updated_at = ? WHERE id = ?`,
		order, time.Now().UTC(), id,
	)
	if err != nil {
		return 0, err
	}
	if err := expectAffected(result, "indicator", id); err != nil {
		return 0, err
	}
	return order, nil
}

// DeleteIndicator removes the indicator and its dashboard associations
func (s *Store) DeleteIndicator(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboard_indicators WHERE indicator_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM indicators WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectAffected(result, "indicator", id); err != nil {
		return err
	}
	return tx.Commit()
}

func expectAffected(result sql.Result, kind string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}
