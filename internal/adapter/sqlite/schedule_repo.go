package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

// GetSchedule returns the download schedule, creating the default row on first use
func (s *Store) GetSchedule(ctx context.Context) (*domain.DownloadSchedule, error) {
	sched, err := s.loadSchedule(ctx)
	if err == nil {
		return sched, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	def := domain.DefaultSchedule()
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO download_schedule (active, schedule_type, interval_minutes, days_back, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		def.Active, string(def.Type), def.IntervalMinutes, def.DaysBack, now, now,
	)
	if err != nil {
		return nil, err
	}
	if def.ID, err = result.LastInsertId(); err != nil {
		return nil, err
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	return def, nil
}

func (s *Store) loadSchedule(ctx context.Context) (*domain.DownloadSchedule, error) {
	sched := &domain.DownloadSchedule{}
	var schedType, status string
	var fixedHour sql.NullInt64
	var lastRun, nextRun sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, active, schedule_type, interval_minutes, fixed_hour, days_back,
			last_run, next_run, last_status, last_error, created_at, updated_at
		FROM download_schedule ORDER BY id LIMIT 1`,
	).Scan(
		&sched.ID, &sched.Active, &schedType, &sched.IntervalMinutes, &fixedHour, &sched.DaysBack,
		&lastRun, &nextRun, &status, &sched.LastError, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Type = domain.ScheduleType(schedType)
	sched.LastStatus = domain.RunStatus(status)
	if fixedHour.Valid {
		h := int(fixedHour.Int64)
		sched.FixedHour = &h
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRun = &t
	}
	return sched, nil
}

// SaveSchedule stores the user-editable fields and the next run
func (s *Store) SaveSchedule(ctx context.Context, sched *domain.DownloadSchedule) error {
	current, err := s.GetSchedule(ctx)
	if err != nil {
		return err
	}

	var fixedHour sql.NullInt64
	if sched.FixedHour != nil {
		fixedHour = sql.NullInt64{Int64: int64(*sched.FixedHour), Valid: true}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE download_schedule SET
			active = ?, schedule_type = ?, interval_minutes = ?, fixed_hour = ?, days_back = ?,
			next_run = ?, updated_at = ?
		WHERE id = ?`,
		sched.Active, string(sched.Type), sched.IntervalMinutes, fixedHour, sched.DaysBack,
		nullTime(sched.NextRun), now, current.ID,
	)
	if err != nil {
		return err
	}

	sched.ID = current.ID
	sched.UpdatedAt = now
	return nil
}

// RecordRun stores the status of a download run. A nil lastRun or nextRun
// leaves the stored value unchanged.
func (s *Store) RecordRun(ctx context.Context, status domain.RunStatus, errMsg string, lastRun, nextRun *time.Time) error {
	current, err := s.GetSchedule(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE download_schedule SET
			last_status = ?, last_error = ?,
			last_run = COALESCE(?, last_run),
			next_run = COALESCE(?, next_run),
			updated_at = ?
		WHERE id = ?`,
		string(status), errMsg, nullTime(lastRun), nullTime(nextRun), time.Now().UTC(), current.ID,
	)
	return err
}
