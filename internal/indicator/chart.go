package indicator

import (
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Point is one chart sample. Label is the end of the window it summarizes;
// DisplayLabel shows the current time for the window still in progress.
type Point struct {
	Timestamp    string   `json:"timestamp"`
	Label        string   `json:"label"`
	DisplayLabel string   `json:"display_label"`
	Value        *float64 `json:"valor"`
	Records      int      `json:"registros_janela"`
}

const (
	pointTimeLayout  = "2006-01-02 15:04:05"
	pointLabelLayout = "15:04"
)

// Chart builds the series of ind at the engine's current time
func (e *Engine) Chart(t *sheet.Table, ind *domain.Indicator) []Point {
	return e.ChartAt(t, ind, e.Now())
}

// ChartAt builds one point every interval over the chart span ending at
// now, plus the point for the interval in progress. Counts use the interval
// as their window; the other calc types use a moving window of WindowHours.
func (e *Engine) ChartAt(t *sheet.Table, ind *domain.Indicator, now time.Time) []Point {
	if t == nil {
		return []Point{}
	}
	hours, intervalMin := ind.ChartWindow()
	interval := time.Duration(intervalMin) * time.Minute

	dateColumn := ind.FilterColumn
	if dateColumn == "" {
		dateColumn = ind.StartColumn
	}
	col := t.Col(dateColumn)
	if col < 0 {
		e.logger.Debug("chart date column not found",
			zap.String("indicator", ind.Name),
			zap.String("column", dateColumn))
		return []Point{}
	}

	base := applyConditions(t, allRows(t), ind.Conditions)
	times := t.Times(col, e.loc)
	dated := base[:0:0]
	for _, r := range base {
		if !times[r].IsZero() {
			dated = append(dated, r)
		}
	}
	if len(dated) == 0 {
		return []Point{}
	}

	window := time.Duration(ind.WindowHours()) * time.Hour
	if ind.CalcType == domain.CalcCount {
		window = interval
	}

	start := now.Add(-time.Duration(hours) * time.Hour)
	if intervalMin <= 60 {
		aligned := (start.Minute() / intervalMin) * intervalMin
		start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), aligned, 0, 0, start.Location())
	}
	limit := now.Add(interval)

	points := make([]Point, 0, int(limit.Sub(start)/interval)+1)
	for p := start; !p.After(limit); p = p.Add(interval) {
		rows := dedup(t, e.between(t, dated, col, p.Add(-window), p), ind)

		label := p.Format(pointLabelLayout)
		display := label
		if p.After(now) {
			display = now.Format(pointLabelLayout)
		}
		points = append(points, Point{
			Timestamp:    p.Format(pointTimeLayout),
			Label:        label,
			DisplayLabel: display,
			Value:        e.windowValue(t, rows, ind),
			Records:      len(rows),
		})
	}
	return points
}
