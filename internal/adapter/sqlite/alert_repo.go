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

const alertRuleColumns = `
	id, name, description, type, settings, period_hours, filter_column, conditions,
	priority, icon, color, active, sort_order, resolve_when_cleared, created_at, updated_at`

func scanAlertRule(row rowScanner) (*domain.AlertRule, error) {
	r := &domain.AlertRule{}
	var settings, conditions string

	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.Type, &settings, &r.PeriodHours, &r.FilterColumn, &conditions,
		&r.Priority, &r.Icon, &r.Color, &r.Active, &r.Order, &r.ResolveWhenCleared, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Corrupt JSON columns read as empty settings and no conditions
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &r.Settings); err != nil {
			r.Settings = domain.AlertSettings{}
		}
	}
	if conditions != "" {
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			r.Conditions = nil
		}
	}
	return r, nil
}

func (s *Store) queryAlertRules(ctx context.Context, query string, args ...interface{}) ([]*domain.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAlertRules returns all alert rules ordered by order, then name
func (s *Store) ListAlertRules(ctx context.Context) ([]*domain.AlertRule, error) {
	return s.queryAlertRules(ctx, `SELECT `+alertRuleColumns+` FROM alert_rules ORDER BY sort_order, name`)
}

// ListActiveAlertRules returns the rules the generator evaluates
func (s *Store) ListActiveAlertRules(ctx context.Context) ([]*domain.AlertRule, error) {
	return s.queryAlertRules(ctx, `SELECT `+alertRuleColumns+` FROM alert_rules WHERE active = TRUE ORDER BY sort_order, name`)
}

// GetAlertRule retrieves a rule by ID
func (s *Store) GetAlertRule(ctx context.Context, id int64) (*domain.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = ?`, id)
	r, err := scanAlertRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert rule %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func encodeRule(r *domain.AlertRule) (settings, conditions string, err error) {
	data, err := json.Marshal(r.Settings)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode alert settings: %w", err)
	}
	conditions, err = encodeConditions(r.Conditions)
	if err != nil {
		return "", "", err
	}
	return string(data), conditions, nil
}

// CreateAlertRule inserts r and sets its ID and timestamps
func (s *Store) CreateAlertRule(ctx context.Context, r *domain.AlertRule) error {
	settings, conditions, err := encodeRule(r)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (
			name, description, type, settings, period_hours, filter_column, conditions,
			priority, icon, color, active, sort_order, resolve_when_cleared, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Description, r.Type, settings, r.PeriodHours, r.FilterColumn, conditions,
		r.Priority, r.Icon, r.Color, r.Active, r.Order, r.ResolveWhenCleared, now, now,
	)
	if err != nil {
		return err
	}
	if r.ID, err = result.LastInsertId(); err != nil {
		return err
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// UpdateAlertRule overwrites r, preserving created_at
func (s *Store) UpdateAlertRule(ctx context.Context, r *domain.AlertRule) error {
	settings, conditions, err := encodeRule(r)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET
			name = ?, description = ?, type = ?, settings = ?, period_hours = ?, filter_column = ?, conditions = ?,
			priority = ?, icon = ?, color = ?, active = ?, sort_order = ?, resolve_when_cleared = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Description, r.Type, settings, r.PeriodHours, r.FilterColumn, conditions,
		r.Priority, r.Icon, r.Color, r.Active, r.Order, r.ResolveWhenCleared, now,
		r.ID,
	)
	if err != nil {
		return err
	}
	if err := expectAffected(result, "alert rule", r.ID); err != nil {
		return err
	}
	r.UpdatedAt = now
	return nil
}

// DeleteAlertRule removes the rule. Raised alerts keep their type name,
// icon and color and lose the link.
func (s *Store) DeleteAlertRule(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectAffected(result, "alert rule", id)
}

const alertColumns = `
	id, rule_id, type_name, type_icon, type_color, title, message, details, alert_key,
	status, priority, origin, dashboard_id, occurred_at, created_at, resolved_at, archived_at,
	created_by, resolved_by`

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	a := &domain.Alert{}
	var ruleID, dashboardID sql.NullInt64
	var occurred, resolved, archived sql.NullTime
	var status, origin, details string

	err := row.Scan(
		&a.ID, &ruleID, &a.TypeName, &a.TypeIcon, &a.TypeColor, &a.Title, &a.Message, &details, &a.Key,
		&status, &a.Priority, &origin, &dashboardID, &occurred, &a.CreatedAt, &resolved, &archived,
		&a.CreatedBy, &a.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}

	a.RuleID = intPtr(ruleID)
	a.DashboardID = intPtr(dashboardID)
	a.Status = domain.AlertStatus(status)
	a.Origin = domain.AlertOrigin(origin)
	a.OccurredAt = timePtr(occurred)
	a.ResolvedAt = timePtr(resolved)
	a.ArchivedAt = timePtr(archived)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			a.Details = nil
		}
	}
	return a, nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*domain.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAlert inserts a and sets its ID and creation time
func (s *Store) CreateAlert(ctx context.Context, a *domain.Alert) error {
	details := "{}"
	if len(a.Details) > 0 {
		data, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("failed to encode alert details: %w", err)
		}
		details = string(data)
	}
	if a.Status == "" {
		a.Status = domain.AlertActive
	}
	if a.Origin == "" {
		a.Origin = domain.OriginAutomatic
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (
			rule_id, type_name, type_icon, type_color, title, message, details, alert_key,
			status, priority, origin, dashboard_id, occurred_at, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(a.RuleID), a.TypeName, a.TypeIcon, a.TypeColor, a.Title, a.Message, details, a.Key,
		string(a.Status), a.Priority, string(a.Origin), nullInt(a.DashboardID), nullTime(a.OccurredAt), now, a.CreatedBy,
	)
	if err != nil {
		return err
	}
	if a.ID, err = result.LastInsertId(); err != nil {
		return err
	}
	a.CreatedAt = now
	return nil
}

// GetAlert retrieves an alert by ID
func (s *Store) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAlerts returns up to limit alerts with status, newest first
func (s *Store) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(status), limit)
}

// ListActiveAlertsByRule returns the rule's active alerts, newest first
func (s *Store) ListActiveAlertsByRule(ctx context.Context, ruleID int64) ([]*domain.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE rule_id = ? AND status = ? ORDER BY created_at DESC, id DESC`,
		ruleID, string(domain.AlertActive))
}

// ResolveAlert marks the alert resolved
func (s *Store) ResolveAlert(ctx context.Context, id int64, by string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ?`,
		string(domain.AlertResolved), time.Now().UTC(), by, id)
	if err != nil {
		return err
	}
	return expectAffected(result, "alert", id)
}

// ArchiveAlert marks the alert archived
func (s *Store) ArchiveAlert(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, archived_at = ? WHERE id = ?`,
		string(domain.AlertArchived), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectAffected(result, "alert", id)
}

// ResolveExpiredAlerts resolves active alerts created before cutoff whose
// rule does not resolve them when cleared. Manual alerts are left alone.
func (s *Store) ResolveExpiredAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE status = ? AND created_at < ?
			AND rule_id IN (SELECT id FROM alert_rules WHERE resolve_when_cleared = FALSE)`,
		string(domain.AlertResolved), time.Now().UTC(), domain.ResolvedBySystem,
		string(domain.AlertActive), cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetAlertSettings returns the system settings, creating the default row on first use
func (s *Store) GetAlertSettings(ctx context.Context) (*domain.AlertSystemSettings, error) {
	st := &domain.AlertSystemSettings{}
	err := s.db.QueryRowContext(ctx,
		`SELECT resolve_after_minutes, sound, transparency, updated_at FROM alert_settings ORDER BY id LIMIT 1`,
	).Scan(&st.ResolveAfterMinutes, &st.Sound, &st.Transparency, &st.UpdatedAt)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	def := domain.DefaultAlertSystemSettings()
	def.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_settings (resolve_after_minutes, sound, transparency, updated_at) VALUES (?, ?, ?, ?)`,
		def.ResolveAfterMinutes, def.Sound, def.Transparency, def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// SaveAlertSettings stores the system settings
func (s *Store) SaveAlertSettings(ctx context.Context, st *domain.AlertSystemSettings) error {
	if _, err := s.GetAlertSettings(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_settings SET resolve_after_minutes = ?, sound = ?, transparency = ?, updated_at = ?
		WHERE id = (SELECT id FROM alert_settings ORDER BY id LIMIT 1)`,
		st.ResolveAfterMinutes, st.Sound, st.Transparency, now)
	if err != nil {
		return err
	}
	st.UpdatedAt = now
	return nil
}
