// Package indicator evaluates indicator definitions against the occurrence
// table: row filtering, aggregation, trend against the previous hour and
// chart series.
package indicator

import (
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Engine computes indicators. All wall-clock comparisons happen in Loc.
type Engine struct {
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine evaluating timestamps in loc
func NewEngine(loc *time.Location, logger *zap.Logger, opts ...Option) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Location returns the zone used to read naive timestamps
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Now returns the current time in the engine's location
func (e *Engine) Now() time.Time {
	return e.now().In(e.loc)
}

// allRows returns the index of every row in t
func allRows(t *sheet.Table) []int {
	rows := make([]int, t.Len())
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// Filter applies the last-N-hours window, the conditions and occurrence
// dedup, returning the surviving row indexes in table order.
func (e *Engine) Filter(t *sheet.Table, ind *domain.Indicator, now time.Time) []int {
	return dedup(t, e.scope(t, ind, now), ind)
}

// scope applies the window and the conditions but keeps repeated occurrences
func (e *Engine) scope(t *sheet.Table, ind *domain.Indicator, now time.Time) []int {
	rows := allRows(t)
	if ind.FilterHours > 0 && ind.FilterColumn != "" {
		if col := t.Col(ind.FilterColumn); col >= 0 {
			rows = e.since(t, rows, col, now.Add(-time.Duration(ind.WindowHours())*time.Hour))
		} else {
			e.logger.Debug("filter column not found", zap.String("column", ind.FilterColumn))
		}
	}
	return applyConditions(t, rows, ind.Conditions)
}

// since keeps rows whose timestamp in col is at or after from
func (e *Engine) since(t *sheet.Table, rows []int, col int, from time.Time) []int {
	times := t.Times(col, e.loc)
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		ts := times[r]
		if !ts.IsZero() && !ts.Before(from) {
			out = append(out, r)
		}
	}
	return out
}

// between keeps rows whose timestamp in col lies in [from, to]
func (e *Engine) between(t *sheet.Table, rows []int, col int, from, to time.Time) []int {
	times := t.Times(col, e.loc)
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		ts := times[r]
		if !ts.IsZero() && !ts.Before(from) && !ts.After(to) {
			out = append(out, r)
		}
	}
	return out
}

// dedup keeps the first row per occurrence value when counting by occurrence
func dedup(t *sheet.Table, rows []int, ind *domain.Indicator) []int {
	if ind.CountBy != domain.CountOccurrences || ind.OccurrenceColumn == "" {
		return rows
	}
	col := t.Col(ind.OccurrenceColumn)
	if col < 0 {
		return rows
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		key := t.Rows[r][col]
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
