package indicator

import (
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vertextoedge/samu-panel/internal/sheet"
)

const topValuesLimit = 10

// Count is one bucket of a value count
type Count struct {
	Value string `json:"valor"`
	Count int    `json:"quantidade"`
}

// Summary is the general overview of the occurrence table
type Summary struct {
	TotalOccurrences int    `json:"total_ocorrencias"`
	ProcessedAt      string `json:"data_processamento"`

	TypeColumn string  `json:"coluna_tipo,omitempty"`
	ByType     []Count `json:"por_tipo,omitempty"`

	StatusColumn string  `json:"coluna_status,omitempty"`
	ByStatus     []Count `json:"por_status,omitempty"`

	TimeColumn  string `json:"coluna_tempo,omitempty"`
	AverageTime string `json:"tempo_medio,omitempty"`
	MinTime     string `json:"tempo_minimo,omitempty"`
	MaxTime     string `json:"tempo_maximo,omitempty"`

	DateColumn string  `json:"coluna_data,omitempty"`
	ByDate     []Count `json:"por_data,omitempty"`
	NewestDate string  `json:"data_mais_recente,omitempty"`
	OldestDate string  `json:"data_mais_antiga,omitempty"`
}

// ColumnStats describes one column of the table
type ColumnStats struct {
	Name     string   `json:"nome"`
	Kind     string   `json:"tipo"`
	Total    int      `json:"total"`
	Nulls    int      `json:"nulos"`
	Distinct int      `json:"unicos"`
	Mean     *float64 `json:"media,omitempty"`
	Median   *float64 `json:"mediana,omitempty"`
	Min      *float64 `json:"minimo,omitempty"`
	Max      *float64 `json:"maximo,omitempty"`
	Top      []Count  `json:"top_valores"`
}

// Column kinds reported by ColumnStats
const (
	KindNumber = "numérico"
	KindDate   = "data"
	KindText   = "texto"
)

// Summarize builds the general overview. Columns are picked by the first
// header containing one of the keywords.
func (e *Engine) Summarize(t *sheet.Table) Summary {
	now := e.Now()
	s := Summary{ProcessedAt: now.Format("02/01/2006 15:04:05")}
	if t == nil || t.Len() == 0 {
		return s
	}
	s.TotalOccurrences = t.Len()

	if c := findColumn(t, "tipo", "ocorrencia"); c >= 0 {
		s.TypeColumn = t.Columns[c]
		s.ByType = valueCounts(t, c, 0)
	}
	if c := findColumn(t, "status", "situacao"); c >= 0 {
		s.StatusColumn = t.Columns[c]
		s.ByStatus = valueCounts(t, c, 0)
	}
	if c := findColumn(t, "tempo", "duracao"); c >= 0 {
		s.TimeColumn = t.Columns[c]
		if vals := validNumbers(t.Numbers(c)); len(vals) > 0 {
			s.AverageTime = FormatMinutes(stat.Mean(vals, nil))
			s.MinTime = FormatMinutes(floats.Min(vals))
			s.MaxTime = FormatMinutes(floats.Max(vals))
		}
	}
	if c := findColumn(t, "data", "date"); c >= 0 {
		s.DateColumn = t.Columns[c]
		e.summarizeDates(&s, t.Times(c, e.loc))
	}
	return s
}

func (e *Engine) summarizeDates(s *Summary, times []time.Time) {
	perDay := make(map[string]int)
	var oldest, newest time.Time
	for _, ts := range times {
		if ts.IsZero() {
			continue
		}
		perDay[ts.Format("2006-01-02")]++
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
		if newest.IsZero() || ts.After(newest) {
			newest = ts
		}
	}
	if len(perDay) == 0 {
		return
	}
	for day, n := range perDay {
		s.ByDate = append(s.ByDate, Count{Value: day, Count: n})
	}
	sort.Slice(s.ByDate, func(i, j int) bool { return s.ByDate[i].Value > s.ByDate[j].Value })
	s.NewestDate = newest.Format("2006-01-02")
	s.OldestDate = oldest.Format("2006-01-02")
}

// Stats describes column name, or returns nil when it does not exist
func (e *Engine) Stats(t *sheet.Table, name string) *ColumnStats {
	c := t.Col(name)
	if c < 0 {
		return nil
	}
	cs := &ColumnStats{Name: t.Columns[c], Total: t.Len(), Kind: KindText}

	distinct := make(map[string]struct{})
	for _, r := range t.Rows {
		if sheet.IsNull(r[c]) {
			cs.Nulls++
			continue
		}
		distinct[r[c]] = struct{}{}
	}
	cs.Distinct = len(distinct)
	cs.Top = valueCounts(t, c, topValuesLimit)

	nonNull := t.Len() - cs.Nulls
	if nonNull == 0 {
		return cs
	}
	if vals := validNumbers(t.Numbers(c)); len(vals) == nonNull {
		cs.Kind = KindNumber
		cs.Mean = ptr(stat.Mean(vals, nil))
		cs.Median = ptr(median(vals))
		cs.Min = ptr(floats.Min(vals))
		cs.Max = ptr(floats.Max(vals))
		return cs
	}
	dated := 0
	for _, ts := range t.Times(c, e.loc) {
		if !ts.IsZero() {
			dated++
		}
	}
	if dated == nonNull {
		cs.Kind = KindDate
	}
	return cs
}

// AllStats describes every column in table order
func (e *Engine) AllStats(t *sheet.Table) []*ColumnStats {
	if t == nil {
		return nil
	}
	out := make([]*ColumnStats, 0, len(t.Columns))
	for _, name := range t.Columns {
		if cs := e.Stats(t, name); cs != nil {
			out = append(out, cs)
		}
	}
	return out
}

// findColumn returns the first column whose lowercased name contains any
// keyword, or -1
func findColumn(t *sheet.Table, keywords ...string) int {
	for i, name := range t.Columns {
		lower := strings.ToLower(name)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				return i
			}
		}
	}
	return -1
}

// valueCounts counts non-null values of column c, most frequent first. A
// limit of zero returns every value.
func valueCounts(t *sheet.Table, c, limit int) []Count {
	counts := make(map[string]int)
	for _, r := range t.Rows {
		if v := strings.TrimSpace(r[c]); !sheet.IsNull(v) {
			counts[v]++
		}
	}
	out := make([]Count, 0, len(counts))
	for v, n := range counts {
		out = append(out, Count{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func validNumbers(all []float64) []float64 {
	out := make([]float64, 0, len(all))
	for _, v := range all {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}
