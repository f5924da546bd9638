package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CalcType selects how an indicator aggregates the filtered rows
type CalcType string

const (
	CalcTimeDiff      CalcType = "diferenca_tempo"
	CalcTimeSinceNow  CalcType = "diferenca_ate_agora"
	CalcCount         CalcType = "contagem"
	CalcSum           CalcType = "soma"
	CalcMean          CalcType = "media"
	CalcTargetPercent CalcType = "percentual_meta"
)

// CalcTypes lists the supported calc types in form order
var CalcTypes = []CalcType{CalcTimeDiff, CalcTimeSinceNow, CalcCount, CalcSum, CalcMean, CalcTargetPercent}

// Label returns a human-readable name for forms
func (c CalcType) Label() string {
	switch c {
	case CalcTimeDiff:
		return "Diferença de tempo"
	case CalcTimeSinceNow:
		return "Tempo até agora"
	case CalcCount:
		return "Contagem"
	case CalcSum:
		return "Soma"
	case CalcMean:
		return "Média"
	case CalcTargetPercent:
		return "% dentro da meta"
	default:
		return string(c)
	}
}

// IsValid reports whether c is a known calc type
func (c CalcType) IsValid() bool {
	for _, known := range CalcTypes {
		if c == known {
			return true
		}
	}
	return false
}

// Time units for duration-based indicators
const (
	UnitSeconds = "segundos"
	UnitMinutes = "minutos"
	UnitHours   = "horas"
	UnitDays    = "dias"
	UnitPercent = "%"
)

// UnitFactor returns how many seconds one unit holds; unknown units count as minutes.
func UnitFactor(unit string) float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case UnitSeconds:
		return 1
	case UnitHours:
		return 3600
	case UnitDays:
		return 86400
	default:
		return 60
	}
}

// CountMode selects whether rows or distinct occurrences are counted
type CountMode string

const (
	CountRows        CountMode = "linhas"
	CountOccurrences CountMode = "ocorrencia"
)

// Connector joins a condition with the result accumulated so far
type Connector string

const (
	ConnectorAnd Connector = "and"
	ConnectorOr  Connector = "or"
	ConnectorIf  Connector = "if"
)

// Condition operators
const (
	OpEqual       = "=="
	OpNotEqual    = "!="
	OpGreater     = ">"
	OpLess        = "<"
	OpGreaterEq   = ">="
	OpLessEq      = "<="
	OpIn          = "in"
	OpNotIn       = "not in"
	OpContains    = "contains"
	OpNotContains = "not contains"
	OpStartsWith  = "startswith"
	OpEndsWith    = "endswith"
	OpIsNull      = "is null"
	OpIsNotNull   = "is not null"
)

// Operators lists every supported condition operator
var Operators = []string{
	OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEq, OpLessEq,
	OpIn, OpNotIn, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	OpIsNull, OpIsNotNull,
}

// ConditionValue is the right-hand side of a condition. It accepts a JSON
// string, number, bool, null or list and keeps each element as text.
type ConditionValue []string

// UnmarshalJSON implements json.Unmarshaler
func (v *ConditionValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}
	if data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, err := scalarText(item)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		*v = out
		return nil
	}
	s, err := scalarText(data)
	if err != nil {
		return err
	}
	*v = ConditionValue{s}
	return nil
}

// MarshalJSON writes a single value as a string and several as a list
func (v ConditionValue) MarshalJSON() ([]byte, error) {
	switch len(v) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(v[0])
	default:
		return json.Marshal([]string(v))
	}
}

// String joins list values with a comma, as shown in the form
func (v ConditionValue) String() string {
	return strings.Join(v, ", ")
}

func scalarText(data []byte) (string, error) {
	var x interface{}
	if err := json.Unmarshal(data, &x); err != nil {
		return "", err
	}
	switch t := x.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported condition value %s", string(data))
	}
}

// Condition filters rows on one column
type Condition struct {
	Column    string         `json:"coluna"`
	Operator  string         `json:"operador"`
	Value     ConditionValue `json:"valor"`
	Connector Connector      `json:"conector"`
}

// Indicator is a saved aggregate definition over the occurrence table
type Indicator struct {
	ID          int64    `json:"id"`
	Name        string   `json:"nome" validate:"required,max=200"`
	Description string   `json:"descricao"`
	CalcType    CalcType `json:"tipo_calculo" validate:"required,calctype"`
	StartColumn string   `json:"coluna_data_inicio" validate:"max=100"`
	EndColumn   string   `json:"coluna_data_fim" validate:"max=100"`
	Unit        string   `json:"unidade" validate:"max=50"`

	Conditions []Condition `json:"condicoes" validate:"dive"`

	// FilterHours keeps rows whose FilterColumn is within the last N hours; 0 disables it.
	FilterHours  int    `json:"filtro_ultimas_horas" validate:"gte=0,lte=8760"`
	FilterColumn string `json:"coluna_data_filtro" validate:"max=100"`

	CountBy          CountMode `json:"contagem_por"`
	OccurrenceColumn string    `json:"coluna_ocorrencia" validate:"max=100"`

	TargetValue    *float64 `json:"meta_valor"`
	TargetOperator string   `json:"meta_operador"`

	ChartEnabled         bool     `json:"grafico_habilitado"`
	ChartHours           int      `json:"grafico_ultimas_horas" validate:"gte=0,lte=720"`
	ChartIntervalMinutes int      `json:"grafico_intervalo_minutos" validate:"gte=0,lte=1440"`
	TargetLineEnabled    bool     `json:"grafico_meta_habilitado"`
	TargetLineValue      *float64 `json:"grafico_meta_valor"`
	TargetLineColor      string   `json:"grafico_meta_cor" validate:"omitempty,hexcolor"`
	TargetLineStyle      string   `json:"grafico_meta_estilo" validate:"omitempty,oneof=solid dashed dotted long_dash dash_dot"`

	// InverseTrend marks indicators where a lower value is better.
	InverseTrend bool   `json:"tendencia_inversa"`
	UpColor      string `json:"cor_subida" validate:"omitempty,hexcolor"`
	DownColor    string `json:"cor_descida" validate:"omitempty,hexcolor"`

	Order  int  `json:"ordem"`
	Active bool `json:"ativo"`

	CreatedAt time.Time `json:"criado_em"`
	UpdatedAt time.Time `json:"atualizado_em"`
}

// Default presentation values
const (
	DefaultUpColor         = "#28a745"
	DefaultDownColor       = "#dc3545"
	DefaultTargetLineColor = "#ffc107"
	DefaultTargetLineStyle = "dashed"
	DefaultChartHours      = 12
	DefaultChartInterval   = 60
	DefaultWindowHours     = 2

	MaxFilterHours   = 8760
	MaxChartHours    = 720
	MaxChartInterval = 1440
)

// NewIndicator returns a definition with the form defaults applied
func NewIndicator() *Indicator {
	ind := &Indicator{
		CalcType:             CalcTimeDiff,
		Unit:                 UnitMinutes,
		ChartIntervalMinutes: DefaultChartInterval,
		Active:               true,
	}
	ind.Normalize()
	return ind
}

// Normalize replaces unknown enum values with their defaults and trims text
// fields. It never fails; Validate reports what cannot be repaired.
func (i *Indicator) Normalize() {
	i.Name = strings.TrimSpace(i.Name)
	i.StartColumn = strings.TrimSpace(i.StartColumn)
	i.EndColumn = strings.TrimSpace(i.EndColumn)
	i.FilterColumn = strings.TrimSpace(i.FilterColumn)
	i.OccurrenceColumn = strings.TrimSpace(i.OccurrenceColumn)
	i.Unit = strings.TrimSpace(i.Unit)

	if i.CountBy != CountOccurrences {
		i.CountBy = CountRows
	}
	i.TargetOperator = strings.TrimSpace(i.TargetOperator)
	if i.TargetOperator != OpGreaterEq {
		i.TargetOperator = OpLessEq
	}
	if i.Order < 0 {
		i.Order = 0
	}
	if i.UpColor == "" {
		i.UpColor = DefaultUpColor
	}
	if i.DownColor == "" {
		i.DownColor = DefaultDownColor
	}
	if i.TargetLineColor == "" {
		i.TargetLineColor = DefaultTargetLineColor
	}
	if i.TargetLineStyle == "" {
		i.TargetLineStyle = DefaultTargetLineStyle
	}

	i.Conditions = normalizeConditions(i.Conditions)
}

// normalizeConditions drops conditions without a column and repairs
// unknown operators and connectors in place
func normalizeConditions(in []Condition) []Condition {
	conds := in[:0]
	for _, c := range in {
		c.Column = strings.TrimSpace(c.Column)
		if c.Column == "" {
			continue
		}
		c.Operator = NormalizeOperator(c.Operator)
		switch Connector(strings.ToLower(strings.TrimSpace(string(c.Connector)))) {
		case ConnectorOr:
			c.Connector = ConnectorOr
		case ConnectorIf, "and if":
			c.Connector = ConnectorIf
		default:
			c.Connector = ConnectorAnd
		}
		conds = append(conds, c)
	}
	return conds
}

// NormalizeOperator maps unknown operators to equality
func NormalizeOperator(op string) string {
	op = strings.ToLower(strings.Join(strings.Fields(op), " "))
	for _, known := range Operators {
		if op == known {
			return op
		}
	}
	return OpEqual
}

// WindowHours returns the comparison window used for trends and charts
func (i *Indicator) WindowHours() int {
	if i.FilterHours > 0 {
		return min(i.FilterHours, MaxFilterHours)
	}
	return DefaultWindowHours
}

// ChartWindow returns the chart span and point interval with defaults
// applied, capped at the limits Validate enforces.
func (i *Indicator) ChartWindow() (hours, intervalMinutes int) {
	hours, intervalMinutes = i.ChartHours, i.ChartIntervalMinutes
	if hours <= 0 {
		hours = DefaultChartHours
	}
	if intervalMinutes <= 0 {
		intervalMinutes = DefaultChartInterval
	}
	return min(hours, MaxChartHours), min(intervalMinutes, MaxChartInterval)
}

// MeasureUnit returns the unit used for time deltas, ignoring a percent label
func (i *Indicator) MeasureUnit() string {
	if i.Unit == "" || i.Unit == UnitPercent {
		return UnitMinutes
	}
	return i.Unit
}

// Duplicate returns an unsaved copy placed right after the original
func (i *Indicator) Duplicate() *Indicator {
	dup := *i
	dup.ID = 0
	dup.Name = i.Name + " copy"
	dup.Order = i.Order + 1
	dup.Conditions = append([]Condition(nil), i.Conditions...)
	if i.TargetValue != nil {
		v := *i.TargetValue
		dup.TargetValue = &v
	}
	if i.TargetLineValue != nil {
		v := *i.TargetLineValue
		dup.TargetLineValue = &v
	}
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	return &dup
}
