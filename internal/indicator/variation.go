package indicator

import (
	"math"
	"time"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Trend directions. Positive means "better", which for indicators with an
// inverse trend is a falling value.
const (
	TrendPositive = "positiva"
	TrendNegative = "negativa"
	TrendNeutral  = "neutra"
)

// Variation compares the current window with the one ending an hour earlier
type Variation struct {
	Percent  *float64 `json:"variacao_percentual"`
	Trend    string   `json:"tendencia"`
	Current  *float64 `json:"valor_atual,omitempty"`
	Previous *float64 `json:"valor_anterior,omitempty"`
}

// Up reports whether the value rose, regardless of which direction is better
func (v *Variation) Up() bool {
	return v != nil && v.Percent != nil && *v.Percent > 0
}

// Variation computes the trend of ind at the engine's current time
func (e *Engine) Variation(t *sheet.Table, ind *domain.Indicator) Variation {
	return e.VariationAt(t, ind, e.Now())
}

// VariationAt compares the window of WindowHours ending at now with the
// same-sized window ending one hour before now.
func (e *Engine) VariationAt(t *sheet.Table, ind *domain.Indicator, now time.Time) Variation {
	neutral := Variation{Trend: TrendNeutral}
	if t == nil {
		return neutral
	}

	window := time.Duration(ind.WindowHours()) * time.Hour
	prevEnd := now.Add(-time.Hour)

	current := e.windowRows(t, ind, now.Add(-window), now)
	previous := e.windowRows(t, ind, prevEnd.Add(-window), prevEnd)

	var cur, prev *float64
	switch ind.CalcType {
	case domain.CalcCount:
		cur, prev = ptr(float64(len(current))), ptr(float64(len(previous)))
	case domain.CalcTimeSinceNow:
		return neutral
	default:
		cur, prev = e.windowValue(t, current, ind), e.windowValue(t, previous, ind)
	}

	if cur == nil || prev == nil || *prev == 0 {
		return neutral
	}

	pct := round((*cur-*prev)/math.Abs(*prev)*100, variationDecimals)
	trend := TrendNeutral
	switch {
	case *cur > *prev:
		trend = TrendPositive
	case *cur < *prev:
		trend = TrendNegative
	}
	if ind.InverseTrend && trend != TrendNeutral {
		if trend == TrendPositive {
			trend = TrendNegative
		} else {
			trend = TrendPositive
		}
	}
	return Variation{Percent: &pct, Trend: trend, Current: cur, Previous: prev}
}

// windowRows restricts to [from, to] on the filter column when it exists,
// then applies the conditions and dedup.
func (e *Engine) windowRows(t *sheet.Table, ind *domain.Indicator, from, to time.Time) []int {
	rows := allRows(t)
	if ind.FilterColumn != "" {
		if col := t.Col(ind.FilterColumn); col >= 0 {
			rows = e.between(t, rows, col, from, to)
		}
	}
	rows = applyConditions(t, rows, ind.Conditions)
	return dedup(t, rows, ind)
}
