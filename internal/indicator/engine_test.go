package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	return loc
}

// sampleTable is a small occurrence export. Occurrence 1001 appears twice.
func sampleTable() *sheet.Table {
	return sheet.NewTable(
		[]string{"Ocorrência", "Tipo", "Status", "Abertura", "Chegada", "Pacientes"},
		[][]string{
			{"1001", "USA", "Encerrada", "10/03/2024 11:00", "10/03/2024 11:20", "1"},
			{"1001", "USA", "Encerrada", "10/03/2024 11:00", "10/03/2024 11:30", "2"},
			{"1002", "USB", "Aberta", "10/03/2024 10:30", "10/03/2024 10:40", "3"},
			{"1003", "USB", "Encerrada", "10/03/2024 09:00", "10/03/2024 09:50", ""},
			{"1004", "Moto", "Cancelada", "10/03/2024 06:00", "", "1"},
			{"1005", "USA", "Aberta", "09/03/2024 23:00", "09/03/2024 23:10", "x"},
		},
	)
}

func newTestEngine(t *testing.T) (*Engine, time.Time) {
	loc := saoPaulo(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, loc)
	return NewEngine(loc, zap.NewNop(), WithClock(func() time.Time { return now })), now
}

func cond(column, op string, connector domain.Connector, values ...string) domain.Condition {
	return domain.Condition{Column: column, Operator: op, Value: values, Connector: connector}
}

func TestApplyConditions(t *testing.T) {
	tbl := sampleTable()
	all := allRows(tbl)

	tests := []struct {
		name  string
		conds []domain.Condition
		want  []int
	}{
		{"no conditions", nil, []int{0, 1, 2, 3, 4, 5}},
		{"equal", []domain.Condition{cond("Tipo", "==", "", "USA")}, []int{0, 1, 5}},
		{"equal numeric text", []domain.Condition{cond("Pacientes", "==", "", "3.0")}, []int{2}},
		{"not equal", []domain.Condition{cond("Tipo", "!=", "", "USA")}, []int{2, 3, 4}},
		{"greater", []domain.Condition{cond("Pacientes", ">", "", "1")}, []int{1, 2}},
		{"greater or equal", []domain.Condition{cond("Pacientes", ">=", "", "1")}, []int{0, 1, 2, 4}},
		{"less", []domain.Condition{cond("Pacientes", "<", "", "2")}, []int{0, 4}},
		{"less or equal", []domain.Condition{cond("Pacientes", "<=", "", "2,0")}, []int{0, 1, 4}},
		{"numeric with bad operand", []domain.Condition{cond("Pacientes", ">", "", "abc")}, []int{}},
		{"in list", []domain.Condition{cond("Tipo", "in", "", "USB", "Moto")}, []int{2, 3, 4}},
		{"in comma text", []domain.Condition{cond("Tipo", "in", "", "USB, Moto")}, []int{2, 3, 4}},
		{"not in", []domain.Condition{cond("Tipo", "not in", "", "USA")}, []int{2, 3, 4}},
		{"contains ignores case", []domain.Condition{cond("Status", "contains", "", "ENCERR")}, []int{0, 1, 3}},
		{"not contains", []domain.Condition{cond("Status", "not contains", "", "encerr")}, []int{2, 4, 5}},
		{"startswith is case sensitive", []domain.Condition{cond("Status", "startswith", "", "enc")}, []int{}},
		{"startswith", []domain.Condition{cond("Status", "startswith", "", "Enc")}, []int{0, 1, 3}},
		{"endswith", []domain.Condition{cond("Status", "endswith", "", "ada")}, []int{0, 1, 3, 4}},
		{"is null", []domain.Condition{cond("Pacientes", "is null", "")}, []int{3}},
		{"is not null", []domain.Condition{cond("Chegada", "is not null", "")}, []int{0, 1, 2, 3, 5}},
		{"unknown operator is equality", []domain.Condition{cond("Tipo", "~=", "", "USA")}, []int{0, 1, 5}},
		{"missing column matches nothing", []domain.Condition{cond("Base", "is null", "")}, []int{}},
		{"blank column is skipped", []domain.Condition{cond(" ", "==", "", "x")}, []int{0, 1, 2, 3, 4, 5}},
		{
			"and",
			[]domain.Condition{cond("Tipo", "==", "", "USA"), cond("Status", "==", domain.ConnectorAnd, "Aberta")},
			[]int{5},
		},
		{
			"or",
			[]domain.Condition{cond("Tipo", "==", "", "USA"), cond("Tipo", "==", domain.ConnectorOr, "Moto")},
			[]int{0, 1, 4, 5},
		},
		{
			"if only constrains rows matching the gate",
			[]domain.Condition{cond("Status", "==", "", "Encerrada"), cond("Tipo", "==", domain.ConnectorIf, "USA")},
			[]int{0, 1, 2, 3, 4},
		},
		{
			"folds left to right",
			[]domain.Condition{
				cond("Tipo", "==", "", "Moto"),
				cond("Tipo", "==", domain.ConnectorOr, "USB"),
				cond("Status", "!=", domain.ConnectorAnd, "Aberta"),
			},
			[]int{3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyConditions(tbl, all, tt.conds)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterLastHoursAndDedup(t *testing.T) {
	e, now := newTestEngine(t)
	tbl := sampleTable()

	ind := &domain.Indicator{FilterHours: 2, FilterColumn: "Abertura"}
	assert.Equal(t, []int{0, 1, 2}, e.Filter(tbl, ind, now))

	ind.CountBy = domain.CountOccurrences
	ind.OccurrenceColumn = "Ocorrência"
	assert.Equal(t, []int{0, 2}, e.Filter(tbl, ind, now))

	// a missing date column disables the window
	ind = &domain.Indicator{FilterHours: 2, FilterColumn: "Inexistente"}
	assert.Len(t, e.Filter(tbl, ind, now), 6)
}

func TestCompute(t *testing.T) {
	e, _ := newTestEngine(t)
	tbl := sampleTable()
	target20 := 20.0
	target30 := 30.0

	tests := []struct {
		name     string
		ind      domain.Indicator
		value    *float64
		min      *float64
		max      *float64
		median   *float64
		unit     string
		filtered int
		err      string
	}{
		{
			name:     "count",
			ind:      domain.Indicator{CalcType: domain.CalcCount},
			value:    ptr(6),
			unit:     "ocorrências",
			filtered: 6,
		},
		{
			name: "count by occurrence with condition",
			ind: domain.Indicator{
				CalcType:         domain.CalcCount,
				Unit:             "regulações",
				Conditions:       []domain.Condition{cond("Tipo", "==", "", "USA")},
				CountBy:          domain.CountOccurrences,
				OccurrenceColumn: "Ocorrência",
			},
			value:    ptr(2),
			unit:     "regulações",
			filtered: 2,
		},
		{
			name:     "time difference",
			ind:      domain.Indicator{CalcType: domain.CalcTimeDiff, StartColumn: "Abertura", EndColumn: "Chegada", Unit: domain.UnitMinutes},
			value:    ptr(24),
			min:      ptr(10),
			max:      ptr(50),
			median:   ptr(20),
			unit:     domain.UnitMinutes,
			filtered: 6,
		},
		{
			name:     "time difference in hours",
			ind:      domain.Indicator{CalcType: domain.CalcTimeDiff, StartColumn: "Abertura", EndColumn: "Chegada", Unit: domain.UnitHours, Conditions: []domain.Condition{cond("Ocorrência", "==", "", "1003")}},
			value:    ptr(50.0 / 60),
			min:      ptr(50.0 / 60),
			max:      ptr(50.0 / 60),
			median:   ptr(50.0 / 60),
			unit:     domain.UnitHours,
			filtered: 1,
		},
		{
			name:     "time since now takes the maximum",
			ind:      domain.Indicator{CalcType: domain.CalcTimeSinceNow, StartColumn: "Abertura", Unit: domain.UnitMinutes, Conditions: []domain.Condition{cond("Status", "==", "", "Aberta")}},
			value:    ptr(780),
			min:      ptr(90),
			max:      ptr(780),
			median:   ptr(435),
			unit:     domain.UnitMinutes,
			filtered: 2,
		},
		{
			name:     "sum skips non numeric cells",
			ind:      domain.Indicator{CalcType: domain.CalcSum, EndColumn: "Pacientes", Unit: "pacientes"},
			value:    ptr(7),
			unit:     "pacientes",
			filtered: 6,
		},
		{
			name:     "mean",
			ind:      domain.Indicator{CalcType: domain.CalcMean, EndColumn: "Pacientes"},
			value:    ptr(1.75),
			min:      ptr(1),
			max:      ptr(3),
			median:   ptr(1.5),
			filtered: 6,
		},
		{
			name:     "share within target",
			ind:      domain.Indicator{CalcType: domain.CalcTargetPercent, StartColumn: "Abertura", EndColumn: "Chegada", Unit: "%", TargetValue: &target20, TargetOperator: "<="},
			value:    ptr(60),
			unit:     domain.UnitPercent,
			filtered: 6,
		},
		{
			name:     "share at or above target",
			ind:      domain.Indicator{CalcType: domain.CalcTargetPercent, StartColumn: "Abertura", EndColumn: "Chegada", TargetValue: &target30, TargetOperator: ">="},
			value:    ptr(40),
			unit:     domain.UnitPercent,
			filtered: 6,
		},
		{
			name:     "share without target",
			ind:      domain.Indicator{CalcType: domain.CalcTargetPercent, StartColumn: "Abertura", EndColumn: "Chegada"},
			filtered: 6,
			err:      MsgMissingTarget,
		},
		{
			name:     "time difference without columns",
			ind:      domain.Indicator{CalcType: domain.CalcTimeDiff, StartColumn: "Abertura"},
			filtered: 6,
			err:      MsgMissingColumns,
		},
		{
			name:     "no rows after filtering",
			ind:      domain.Indicator{CalcType: domain.CalcCount, Conditions: []domain.Condition{cond("Tipo", "==", "", "Helicóptero")}},
			filtered: 0,
			err:      MsgNoRows,
		},
		{
			name:     "unknown calc type",
			ind:      domain.Indicator{CalcType: "mediana"},
			filtered: 6,
			err:      `Tipo de cálculo "mediana" não implementado`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Compute(tbl, &tt.ind)

			assert.Equal(t, tt.err, got.Error)
			assert.Equal(t, tt.filtered, got.Filtered)
			assertFloat(t, tt.value, got.Value, "value")
			if tt.min != nil {
				assertFloat(t, tt.min, got.Min, "min")
				assertFloat(t, tt.max, got.Max, "max")
			}
			assertFloat(t, tt.median, got.Median, "median")
			if tt.unit != "" {
				assert.Equal(t, tt.unit, got.Unit)
			}
		})
	}
}

func TestComputeNoRowsResetsTotals(t *testing.T) {
	e, _ := newTestEngine(t)
	got := e.Compute(sampleTable(), &domain.Indicator{
		Name:       "vazio",
		CalcType:   domain.CalcCount,
		Conditions: []domain.Condition{cond("Inexistente", "==", "", "x")},
	})

	assert.Nil(t, got.Value)
	assert.Equal(t, 0, got.Total)
	assert.Equal(t, 0, got.Filtered)
	assert.Equal(t, "--", got.Formatted)
	assert.Equal(t, "vazio", got.Name)
}

func TestComputeWithoutTable(t *testing.T) {
	e, _ := newTestEngine(t)
	got := e.Compute(nil, &domain.Indicator{CalcType: domain.CalcCount})
	assert.Equal(t, MsgNoData, got.Error)
}

func TestCountMinMaxFromChart(t *testing.T) {
	e, _ := newTestEngine(t)
	got := e.Compute(sampleTable(), &domain.Indicator{
		CalcType:             domain.CalcCount,
		FilterColumn:         "Abertura",
		ChartHours:           3,
		ChartIntervalMinutes: 60,
	})

	require.Empty(t, got.Error)
	assertFloat(t, ptr(1), got.Min, "min")
	assertFloat(t, ptr(3), got.Max, "max")
}

func TestVariation(t *testing.T) {
	e, _ := newTestEngine(t)
	tbl := sampleTable()

	tests := []struct {
		name    string
		ind     domain.Indicator
		percent *float64
		trend   string
	}{
		{
			name:    "count fell",
			ind:     domain.Indicator{CalcType: domain.CalcCount, FilterHours: 2, FilterColumn: "Abertura"},
			percent: ptr(-25),
			trend:   TrendNegative,
		},
		{
			name:    "lower is better",
			ind:     domain.Indicator{CalcType: domain.CalcCount, FilterHours: 2, FilterColumn: "Abertura", InverseTrend: true},
			percent: ptr(-25),
			trend:   TrendPositive,
		},
		{
			name:    "mean time difference",
			ind:     domain.Indicator{CalcType: domain.CalcTimeDiff, StartColumn: "Abertura", EndColumn: "Chegada", FilterHours: 2, FilterColumn: "Abertura"},
			percent: ptr(-27.3),
			trend:   TrendNegative,
		},
		{
			name:  "no previous value",
			ind:   domain.Indicator{CalcType: domain.CalcCount, FilterHours: 2, FilterColumn: "Abertura", Conditions: []domain.Condition{cond("Tipo", "==", "", "Moto")}},
			trend: TrendNeutral,
		},
		{
			name:    "without a date column both windows match",
			ind:     domain.Indicator{CalcType: domain.CalcCount},
			percent: ptr(0),
			trend:   TrendNeutral,
		},
		{
			name:  "time since now has no trend",
			ind:   domain.Indicator{CalcType: domain.CalcTimeSinceNow, StartColumn: "Abertura", FilterColumn: "Abertura"},
			trend: TrendNeutral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Variation(tbl, &tt.ind)
			assert.Equal(t, tt.trend, got.Trend)
			assertFloat(t, tt.percent, got.Percent, "percent")
		})
	}
}

func TestChart(t *testing.T) {
	e, _ := newTestEngine(t)
	ind := &domain.Indicator{
		CalcType:             domain.CalcCount,
		FilterColumn:         "Abertura",
		ChartHours:           3,
		ChartIntervalMinutes: 60,
	}

	points := e.Chart(sampleTable(), ind)
	require.Len(t, points, 5)

	labels := make([]string, len(points))
	records := make([]int, len(points))
	for i, p := range points {
		labels[i] = p.Label
		records[i] = p.Records
	}
	assert.Equal(t, []string{"09:00", "10:00", "11:00", "12:00", "13:00"}, labels)
	assert.Equal(t, []int{1, 1, 3, 2, 0}, records)
	assert.Equal(t, "2024-03-10 11:00:00", points[2].Timestamp)
	assertFloat(t, ptr(3), points[2].Value, "value")
	assert.Nil(t, points[4].Value, "an empty window has no value")
	assert.Equal(t, "12:00", points[4].DisplayLabel)
}

func TestChartAlignsStart(t *testing.T) {
	loc := saoPaulo(t)
	now := time.Date(2024, 3, 10, 12, 10, 30, 0, loc)
	e := NewEngine(loc, zap.NewNop(), WithClock(func() time.Time { return now }))

	ind := &domain.Indicator{
		CalcType:             domain.CalcTimeDiff,
		StartColumn:          "Abertura",
		EndColumn:            "Chegada",
		ChartHours:           3,
		ChartIntervalMinutes: 30,
	}
	points := e.Chart(sampleTable(), ind)
	require.Len(t, points, 8)
	assert.Equal(t, "2024-03-10 09:00:00", points[0].Timestamp)
	assert.Equal(t, "12:30", points[7].Label)
	assert.Equal(t, "12:10", points[7].DisplayLabel)

	// the 11:00 point averages the default two hour window [09:00, 11:00]
	assert.Equal(t, "11:00", points[4].Label)
	assertFloat(t, ptr(27.5), points[4].Value, "moving mean")
}

func TestChartWithoutDateColumn(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Empty(t, e.Chart(sampleTable(), &domain.Indicator{CalcType: domain.CalcCount}))
}

func assertFloat(t *testing.T, want, got *float64, what string) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got, what)
		return
	}
	if assert.NotNil(t, got, what) {
		assert.InDelta(t, *want, *got, 1e-9, what)
	}
}
