package indicator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Error messages shown next to an indicator that could not be computed
const (
	MsgNoData          = "Não foi possível carregar os dados"
	MsgNoRows          = "Nenhum registro encontrado após aplicar filtros"
	MsgMissingColumns  = "Colunas de data não especificadas"
	MsgMissingStart    = "Coluna de data não especificada (tempo desde quando?)"
	MsgNoValidDiffs    = "Nenhuma diferença de tempo válida encontrada"
	MsgNoValidDates    = "Nenhuma data válida encontrada na coluna"
	MsgMissingSumCol   = "Coluna para soma não especificada"
	MsgMissingMeanCol  = "Coluna para média não especificada"
	MsgNoNumbers       = "Nenhum valor numérico válido encontrado"
	MsgMissingPctCols  = "Colunas de data não especificadas para % que atinge a meta"
	MsgMissingTarget   = "Valor da meta não especificado"
	MsgNoDiffsForMeta  = "Nenhuma diferença de tempo válida para calcular % na meta"
	unknownCalcMessage = "Tipo de cálculo \"%s\" não implementado"
)

const (
	defaultCountUnit  = "ocorrências"
	percentDecimals   = 2
	variationDecimals = 1
)

// Result is the outcome of evaluating one indicator
type Result struct {
	ID        int64           `json:"id,omitempty"`
	Name      string          `json:"nome"`
	CalcType  domain.CalcType `json:"tipo_calculo,omitempty"`
	Value     *float64        `json:"valor"`
	Min       *float64        `json:"minimo,omitempty"`
	Max       *float64        `json:"maximo,omitempty"`
	Median    *float64        `json:"mediana,omitempty"`
	Unit      string          `json:"unidade,omitempty"`
	Total     int             `json:"total_registros"`
	Filtered  int             `json:"registros_filtrados"`
	Error     string          `json:"erro,omitempty"`
	Formatted string          `json:"valor_formatado"`

	Variation *Variation `json:"variacao,omitempty"`
	Order     int        `json:"ordem"`
}

// OK reports whether the indicator produced a value
func (r *Result) OK() bool {
	return r.Error == "" && r.Value != nil
}

// Compute evaluates ind over t at the engine's current time
func (e *Engine) Compute(t *sheet.Table, ind *domain.Indicator) Result {
	return e.ComputeAt(t, ind, e.Now())
}

// ComputeAt evaluates ind over t as of now
func (e *Engine) ComputeAt(t *sheet.Table, ind *domain.Indicator, now time.Time) Result {
	res := Result{ID: ind.ID, Name: ind.Name, Order: ind.Order}
	if t == nil {
		res.Error = MsgNoData
		res.Formatted = FormatValue(nil, ind.CalcType, ind.Unit)
		return res
	}

	rows := e.Filter(t, ind, now)
	if len(rows) == 0 {
		res.Error = MsgNoRows
		res.Formatted = FormatValue(nil, ind.CalcType, ind.Unit)
		return res
	}

	res.CalcType = ind.CalcType
	res.Total = t.Len()
	res.Filtered = len(rows)
	e.aggregate(&res, t, rows, ind, now)
	res.Formatted = FormatValue(res.Value, ind.CalcType, res.Unit)
	return res
}

func (e *Engine) aggregate(res *Result, t *sheet.Table, rows []int, ind *domain.Indicator, now time.Time) {
	switch ind.CalcType {
	case domain.CalcTimeDiff:
		if ind.StartColumn == "" || ind.EndColumn == "" {
			res.Error = MsgMissingColumns
			return
		}
		diffs := e.timeDiffs(t, rows, ind.StartColumn, ind.EndColumn, ind.Unit)
		if len(diffs) == 0 {
			res.Error = MsgNoValidDiffs
			return
		}
		describe(res, diffs, stat.Mean(diffs, nil))
		res.Unit = ind.Unit

	case domain.CalcTimeSinceNow:
		if ind.StartColumn == "" {
			res.Error = MsgMissingStart
			return
		}
		diffs := e.sinceNow(t, rows, ind.StartColumn, ind.Unit, now)
		if len(diffs) == 0 {
			res.Error = MsgNoValidDates
			return
		}
		describe(res, diffs, floats.Max(diffs))
		res.Unit = ind.Unit

	case domain.CalcCount:
		res.Value = ptr(float64(len(rows)))
		res.Unit = ind.Unit
		if res.Unit == "" {
			res.Unit = defaultCountUnit
		}
		var counts []float64
		for _, p := range e.ChartAt(t, ind, now) {
			if p.Value != nil {
				counts = append(counts, *p.Value)
			}
		}
		if len(counts) > 0 {
			res.Min = ptr(floats.Min(counts))
			res.Max = ptr(floats.Max(counts))
		}

	case domain.CalcSum:
		if ind.EndColumn == "" {
			res.Error = MsgMissingSumCol
			return
		}
		vals := numbers(t, rows, ind.EndColumn)
		if len(vals) == 0 {
			res.Error = MsgNoNumbers
			return
		}
		res.Value = ptr(floats.Sum(vals))
		res.Unit = ind.Unit

	case domain.CalcMean:
		if ind.EndColumn == "" {
			res.Error = MsgMissingMeanCol
			return
		}
		vals := numbers(t, rows, ind.EndColumn)
		if len(vals) == 0 {
			res.Error = MsgNoNumbers
			return
		}
		describe(res, vals, stat.Mean(vals, nil))
		res.Unit = ind.Unit

	case domain.CalcTargetPercent:
		if ind.StartColumn == "" || ind.EndColumn == "" {
			res.Error = MsgMissingPctCols
			return
		}
		if ind.TargetValue == nil {
			res.Error = MsgMissingTarget
			return
		}
		diffs := e.timeDiffs(t, rows, ind.StartColumn, ind.EndColumn, ind.MeasureUnit())
		if len(diffs) == 0 {
			res.Error = MsgNoDiffsForMeta
			return
		}
		res.Value = targetShare(diffs, *ind.TargetValue, ind.TargetOperator)
		res.Unit = domain.UnitPercent

	default:
		res.Error = fmt.Sprintf(unknownCalcMessage, ind.CalcType)
	}
}

// windowValue is the headline value of ind over rows, used for trend and
// chart points. It is nil when nothing can be computed.
func (e *Engine) windowValue(t *sheet.Table, rows []int, ind *domain.Indicator) *float64 {
	if len(rows) == 0 {
		return nil
	}
	switch ind.CalcType {
	case domain.CalcTimeDiff:
		if ind.StartColumn == "" || ind.EndColumn == "" {
			return nil
		}
		if diffs := e.timeDiffs(t, rows, ind.StartColumn, ind.EndColumn, ind.Unit); len(diffs) > 0 {
			return ptr(stat.Mean(diffs, nil))
		}
	case domain.CalcCount:
		return ptr(float64(len(rows)))
	case domain.CalcSum, domain.CalcMean:
		if ind.EndColumn == "" {
			return nil
		}
		vals := numbers(t, rows, ind.EndColumn)
		if len(vals) == 0 {
			return nil
		}
		if ind.CalcType == domain.CalcSum {
			return ptr(floats.Sum(vals))
		}
		return ptr(stat.Mean(vals, nil))
	case domain.CalcTargetPercent:
		if ind.StartColumn == "" || ind.EndColumn == "" || ind.TargetValue == nil {
			return nil
		}
		if diffs := e.timeDiffs(t, rows, ind.StartColumn, ind.EndColumn, ind.MeasureUnit()); len(diffs) > 0 {
			return targetShare(diffs, *ind.TargetValue, ind.TargetOperator)
		}
	}
	return nil
}

// timeDiffs returns end minus start per row in unit, skipping rows where
// either side is not a timestamp.
func (e *Engine) timeDiffs(t *sheet.Table, rows []int, startCol, endCol, unit string) []float64 {
	sc, ec := t.Col(startCol), t.Col(endCol)
	if sc < 0 || ec < 0 {
		return nil
	}
	starts, ends := t.Times(sc, e.loc), t.Times(ec, e.loc)
	factor := domain.UnitFactor(unit)
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if starts[r].IsZero() || ends[r].IsZero() {
			continue
		}
		out = append(out, ends[r].Sub(starts[r]).Seconds()/factor)
	}
	return out
}

// sinceNow returns now minus the timestamp per row in unit
func (e *Engine) sinceNow(t *sheet.Table, rows []int, col, unit string, now time.Time) []float64 {
	c := t.Col(col)
	if c < 0 {
		return nil
	}
	times := t.Times(c, e.loc)
	factor := domain.UnitFactor(unit)
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if times[r].IsZero() {
			continue
		}
		out = append(out, now.Sub(times[r]).Seconds()/factor)
	}
	return out
}

// numbers returns the numeric cells of col over rows
func numbers(t *sheet.Table, rows []int, col string) []float64 {
	c := t.Col(col)
	if c < 0 {
		return nil
	}
	all := t.Numbers(c)
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if !math.IsNaN(all[r]) {
			out = append(out, all[r])
		}
	}
	return out
}

// targetShare is the percentage of values on the right side of target
func targetShare(vals []float64, target float64, op string) *float64 {
	inside := 0
	for _, v := range vals {
		if (op == domain.OpGreaterEq && v >= target) || (op != domain.OpGreaterEq && v <= target) {
			inside++
		}
	}
	return ptr(round(100*float64(inside)/float64(len(vals)), percentDecimals))
}

func describe(res *Result, vals []float64, value float64) {
	res.Value = ptr(value)
	res.Min = ptr(floats.Min(vals))
	res.Max = ptr(floats.Max(vals))
	res.Median = ptr(median(vals))
}

// median averages the two middle values for even lengths
func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func ptr(v float64) *float64 {
	return &v
}
