package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// Column names assumed by the built-in rules when their settings leave them out
const (
	defaultPhoneColumn      = "Telefone"
	defaultCityColumn       = "Município"
	defaultSupportColumn    = "Apoio"
	defaultStartColumn      = "Data ocorrência"
	defaultEndColumn        = "Chegada no local"
	defaultOccurrenceColumn = "Ocorrência"
)

// Key used by rules that raise at most one alert per evaluation
const singleKey = "total"

// Finding is one alert condition detected in the table. Key identifies it
// within its rule, so the same condition found by the next download maps
// to the alert already raised.
type Finding struct {
	Key     string
	Title   string
	Message string
	Details map[string]interface{}
}

// EvaluateRule returns the conditions rule detects in t as of now
func (e *Engine) EvaluateRule(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	if t == nil || t.Len() == 0 {
		return nil
	}
	switch rule.Type {
	case domain.RuleRepeatedCaller:
		return e.repeatedCallers(t, rule, now)
	case domain.RuleSlowResponseByCity:
		return e.slowResponseByCity(t, rule, now)
	case domain.RuleSupportRequest:
		return e.supportRequests(t, rule, now)
	case domain.RuleHighDemand:
		return e.highDemand(t, rule, now)
	case domain.RuleSlowResponse:
		return e.slowResponse(t, rule, now)
	}
	if rule.Settings.CalcType != "" {
		return e.calculated(t, rule, now)
	}
	return e.checks(t, rule, now)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// valueCountsOf counts the non-null cells of col over rows, most frequent first
func valueCountsOf(t *sheet.Table, rows []int, col int) ([]string, map[string]int) {
	counts := make(map[string]int)
	var order []string
	for _, r := range rows {
		v := identity(t.Rows[r][col])
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	return order, counts
}

// identity normalizes a cell used to tell alerts apart: null cells become
// empty and integral floats lose their ".0".
func identity(cell string) string {
	cell = strings.TrimSpace(cell)
	if sheet.IsNull(cell) {
		return ""
	}
	if head, ok := strings.CutSuffix(cell, ".0"); ok {
		if _, err := strconv.ParseInt(head, 10, 64); err == nil {
			return head
		}
	}
	return cell
}

// occurrences lists the distinct occurrence numbers of rows joined by commas
func occurrences(t *sheet.Table, rows []int, col int) string {
	if col < 0 {
		return ""
	}
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rows {
		v := identity(t.Rows[r][col])
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return strings.Join(out, ", ")
}

// minutesBetween returns end minus start in minutes per row; rows missing
// either timestamp are NaN
func (e *Engine) minutesBetween(t *sheet.Table, startCol, endCol string) []float64 {
	sc, ec := t.Col(startCol), t.Col(endCol)
	if sc < 0 || ec < 0 {
		return nil
	}
	starts, ends := t.Times(sc, e.loc), t.Times(ec, e.loc)
	out := make([]float64, t.Len())
	for r := range out {
		if starts[r].IsZero() || ends[r].IsZero() {
			out[r] = math.NaN()
			continue
		}
		out[r] = ends[r].Sub(starts[r]).Minutes()
	}
	return out
}

func (e *Engine) repeatedCallers(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	st := rule.Settings
	name := orDefault(st.PhoneColumn, defaultPhoneColumn)
	col := t.Col(name)
	if col < 0 {
		e.logger.Warn("alert column not found", zap.String("rule", rule.Type), zap.String("column", name))
		return nil
	}
	minCount := st.MinCount
	if minCount <= 0 {
		minCount = 3
	}

	order, counts := valueCountsOf(t, e.Filter(t, rule.Indicator(), now), col)
	var out []Finding
	for _, phone := range order {
		n := counts[phone]
		if n < minCount {
			break
		}
		out = append(out, Finding{
			Key:     "telefone:" + phone,
			Title:   "Múltiplos chamados - " + phone,
			Message: fmt.Sprintf("O número %s realizou %d chamado(s) nas últimas %d hora(s).", phone, n, rule.PeriodHours),
			Details: map[string]interface{}{
				"telefone":           phone,
				"quantidade":         n,
				"periodo_horas":      rule.PeriodHours,
				"valor_identificado": phone,
			},
		})
	}
	return out
}

func (e *Engine) slowResponseByCity(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	st := rule.Settings
	col := t.Col(orDefault(st.CityColumn, defaultCityColumn))
	if col < 0 || len(st.Cities) == 0 {
		return nil
	}
	diffs := e.minutesBetween(t, orDefault(st.StartColumn, defaultStartColumn), orDefault(st.EndColumn, defaultEndColumn))
	if diffs == nil {
		return nil
	}
	limit := 15.0
	if st.MaxMinutes != nil {
		limit = *st.MaxMinutes
	}

	late := make(map[string][]float64)
	for _, r := range e.Filter(t, rule.Indicator(), now) {
		if d := diffs[r]; !math.IsNaN(d) && d > limit {
			city := strings.TrimSpace(t.Rows[r][col])
			late[city] = append(late[city], d)
		}
	}

	var out []Finding
	for _, city := range st.Cities {
		vals := late[strings.TrimSpace(city)]
		if len(vals) == 0 {
			continue
		}
		mean := stat.Mean(vals, nil)
		out = append(out, Finding{
			Key:   "municipio:" + city,
			Title: "Tempo de resposta elevado - " + city,
			Message: fmt.Sprintf("%d ocorrência(s) em %s com tempo de resposta acima de %s minutos (média: %.1f min).",
				len(vals), city, strconv.FormatFloat(limit, 'f', -1, 64), mean),
			Details: map[string]interface{}{
				"municipio":          city,
				"quantidade":         len(vals),
				"tempo_medio":        round(mean, 2),
				"tempo_maximo":       limit,
				"valor_identificado": city,
			},
		})
	}
	return out
}

func (e *Engine) supportRequests(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	st := rule.Settings
	col := t.Col(orDefault(st.SupportColumn, defaultSupportColumn))
	if col < 0 || len(st.Institutions) == 0 {
		return nil
	}
	rows := e.Filter(t, rule.Indicator(), now)

	var out []Finding
	for _, inst := range st.Institutions {
		needle := strings.ToLower(strings.TrimSpace(inst))
		if needle == "" {
			continue
		}
		n := 0
		for _, r := range rows {
			if strings.Contains(strings.ToLower(t.Rows[r][col]), needle) {
				n++
			}
		}
		if n == 0 {
			continue
		}
		out = append(out, Finding{
			Key:     "instituicao:" + inst,
			Title:   "Solicitação de apoio - " + inst,
			Message: fmt.Sprintf("%d solicitação(ões) de apoio de %s nas últimas %d hora(s).", n, inst, rule.PeriodHours),
			Details: map[string]interface{}{
				"instituicao":        inst,
				"quantidade":         n,
				"periodo_horas":      rule.PeriodHours,
				"valor_identificado": inst,
			},
		})
	}
	return out
}

func (e *Engine) highDemand(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	minCount := rule.Settings.MinCount
	if minCount <= 0 {
		minCount = 50
	}
	n := len(e.Filter(t, rule.Indicator(), now))
	if n < minCount {
		return nil
	}
	return []Finding{{
		Key:     singleKey,
		Title:   "Alta demanda de ocorrências",
		Message: fmt.Sprintf("%d ocorrência(s) registrada(s) nas últimas %d hora(s).", n, rule.PeriodHours),
		Details: map[string]interface{}{
			"quantidade":        n,
			"periodo_horas":     rule.PeriodHours,
			"quantidade_minima": minCount,
		},
	}}
}

func (e *Engine) slowResponse(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	st := rule.Settings
	rows := e.Filter(t, rule.Indicator(), now)
	diffs := e.timeDiffs(t, rows, orDefault(st.StartColumn, defaultStartColumn), orDefault(st.EndColumn, defaultEndColumn), domain.UnitMinutes)
	if len(diffs) == 0 {
		return nil
	}
	limit := 20.0
	if st.MaxMinutes != nil {
		limit = *st.MaxMinutes
	}
	mean := stat.Mean(diffs, nil)
	if mean <= limit {
		return nil
	}
	return []Finding{{
		Key:   singleKey,
		Title: "Tempo de resposta geral elevado",
		Message: fmt.Sprintf("Tempo médio de resposta de %.1f minutos nas últimas %d hora(s) (%d ocorrências).",
			mean, rule.PeriodHours, len(rows)),
		Details: map[string]interface{}{
			"tempo_medio":   round(mean, 2),
			"tempo_maximo":  limit,
			"quantidade":    len(rows),
			"periodo_horas": rule.PeriodHours,
		},
	}}
}

// compareTo applies an alert operator; equality allows float noise
func compareTo(v, limit float64, op string) bool {
	switch op {
	case domain.OpGreaterEq:
		return v >= limit
	case domain.OpLessEq:
		return v <= limit
	case domain.OpGreater:
		return v > limit
	case domain.OpLess:
		return v < limit
	case domain.OpEqual:
		return math.Abs(v-limit) < 1e-6
	}
	return false
}

// triggers reports whether a calculated value fires the rule: the alert
// operator first, then any numeric check with a limit.
func triggers(v float64, st domain.AlertSettings) bool {
	if st.AlertValue != nil && compareTo(v, *st.AlertValue, st.AlertOperator) {
		return true
	}
	for _, c := range st.Checks {
		limit, err := domain.ParseDecimal(c.Limit)
		if err != nil || limit == nil {
			continue
		}
		var hit bool
		switch c.Kind {
		case domain.CheckGreater:
			hit = v > *limit
		case domain.CheckLess:
			hit = v < *limit
		case domain.CheckGreaterEq:
			hit = v >= *limit
		case domain.CheckLessEq:
			hit = v <= *limit
		case domain.CheckEqual:
			hit = math.Abs(v-*limit) < 1e-6
		case domain.CheckCount, domain.CheckMean, domain.CheckSum, domain.CheckMax, domain.CheckMin:
			hit = v >= *limit
		}
		if hit {
			return true
		}
	}
	return false
}

// calculated evaluates rules that compute an indicator value
func (e *Engine) calculated(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	st := rule.Settings
	ind := rule.Indicator()
	if ind.CalcType == domain.CalcTimeSinceNow && st.DataColumn != "" && st.AlertValue != nil {
		if col := t.Col(st.DataColumn); col >= 0 {
			return e.sinceNowByUnit(t, rule, ind, col, now)
		}
	}

	res := e.ComputeAt(t, ind, now)
	if !res.OK() {
		e.logger.Debug("alert value not computed", zap.String("rule", rule.Type), zap.String("error", res.Error))
		return nil
	}
	v := *res.Value
	if !triggers(v, st) {
		return nil
	}

	unit := orDefault(res.Unit, orDefault(st.Unit, domain.UnitMinutes))
	formatted := FormatElapsed(v, unit)
	msg := fmt.Sprintf("Valor calculado: %s.", formatted)
	if ind.CalcType == domain.CalcTimeSinceNow {
		msg = fmt.Sprintf("%s há %s.", orDefault(st.StartColumn, "Data"), formatted)
	}
	return []Finding{{
		Key:     singleKey,
		Title:   rule.Type,
		Message: msg,
		Details: map[string]interface{}{
			"tipo_calculo":        string(ind.CalcType),
			"valor_calculado":     round(v, 2),
			"valor_calculado_fmt": formatted,
			"unidade":             unit,
		},
	}}
}

// sinceNowByUnit raises one finding per unit (a value of col) whose oldest
// row has waited at least the alert value
func (e *Engine) sinceNowByUnit(t *sheet.Table, rule *domain.AlertRule, ind *domain.Indicator, col int, now time.Time) []Finding {
	st := rule.Settings
	sc := t.Col(ind.StartColumn)
	if sc < 0 {
		return nil
	}
	times := t.Times(sc, e.loc)
	factor := domain.UnitFactor(ind.Unit)
	occCol := t.Col(orDefault(st.OccurrenceColumn, defaultOccurrenceColumn))

	var order []string
	worst := make(map[string]float64)
	rowsByUnit := make(map[string][]int)
	for _, r := range e.Filter(t, ind, now) {
		if times[r].IsZero() {
			continue
		}
		d := now.Sub(times[r]).Seconds() / factor
		unit := identity(t.Rows[r][col])
		if d < *st.AlertValue || unit == "" {
			continue
		}
		if _, ok := worst[unit]; !ok {
			order = append(order, unit)
			worst[unit] = d
		}
		worst[unit] = math.Max(worst[unit], d)
		rowsByUnit[unit] = append(rowsByUnit[unit], r)
	}

	var out []Finding
	for _, unit := range order {
		formatted := FormatElapsed(worst[unit], ind.Unit)
		details := map[string]interface{}{
			"tipo_calculo":        string(ind.CalcType),
			"valor_calculado":     round(worst[unit], 2),
			"valor_calculado_fmt": formatted,
			"unidade":             ind.Unit,
			"valor_identificado":  unit,
		}
		if occ := occurrences(t, rowsByUnit[unit], occCol); occ != "" {
			details["numero_ocorrencia"] = occ
		}
		out = append(out, Finding{
			Key:     "unidade:" + unit,
			Title:   rule.Type,
			Message: fmt.Sprintf("%s há %s. %s: %s", orDefault(st.StartColumn, "Data"), formatted, st.DataColumn, unit),
			Details: details,
		})
	}
	return out
}

// checkScope is the row set the generic checks run over
type checkScope struct {
	t      *sheet.Table
	rule   *domain.AlertRule
	col    int
	occCol int
	all    []int // before occurrence dedup, for listing occurrence numbers
	rows   []int
}

// checks evaluates the generic checks over the rule's data column
func (e *Engine) checks(t *sheet.Table, rule *domain.AlertRule, now time.Time) []Finding {
	st := rule.Settings
	col := t.Col(st.DataColumn)
	if col < 0 {
		e.logger.Warn("alert column not found", zap.String("rule", rule.Type), zap.String("column", st.DataColumn))
		return nil
	}
	ind := rule.Indicator()
	all := e.scope(t, ind, now)
	sc := &checkScope{
		t:      t,
		rule:   rule,
		col:    col,
		occCol: t.Col(orDefault(st.OccurrenceColumn, defaultOccurrenceColumn)),
		all:    all,
		rows:   dedup(t, all, ind),
	}
	if len(sc.rows) == 0 {
		return nil
	}

	var out []Finding
	for _, c := range st.Checks {
		out = append(out, sc.evaluate(c)...)
	}
	return out
}

func (sc *checkScope) cell(r int) string {
	return sc.t.Rows[r][sc.col]
}

// perValue raises one finding per distinct value among rows matching keep
func (sc *checkScope) perValue(c domain.AlertCheck, keep func(cell string) bool, message func(value string, n int) string) []Finding {
	var matched, matchedAll []int
	for _, r := range sc.rows {
		if keep(sc.cell(r)) {
			matched = append(matched, r)
		}
	}
	for _, r := range sc.all {
		if keep(sc.cell(r)) {
			matchedAll = append(matchedAll, r)
		}
	}
	order, counts := valueCountsOf(sc.t, matched, sc.col)

	var out []Finding
	for _, v := range order {
		var occRows []int
		for _, r := range matchedAll {
			if identity(sc.cell(r)) == v {
				occRows = append(occRows, r)
			}
		}
		out = append(out, sc.finding(c, c.Kind+":"+v, message(v, counts[v]), v, float64(counts[v]), occRows))
	}
	return out
}

func (sc *checkScope) finding(c domain.AlertCheck, key, msg, value string, calculated float64, occRows []int) Finding {
	details := map[string]interface{}{
		"tipo_verificacao": c.Kind,
		"coluna_dados":     sc.rule.Settings.DataColumn,
		"valor_limite":     c.Limit,
		"valor_calculado":  round(calculated, 2),
		"total_registros":  len(sc.rows),
	}
	if value != "" {
		details["valor_identificado"] = value
	}
	if occ := occurrences(sc.t, occRows, sc.occCol); occ != "" {
		details["numero_ocorrencia"] = occ
	}
	return Finding{Key: key, Title: sc.rule.Type, Message: msg, Details: details}
}

// aggregate raises the single finding of a whole-set check
func (sc *checkScope) aggregate(c domain.AlertCheck, calculated float64, detail string) []Finding {
	msg := fmt.Sprintf("%s na coluna '%s'. %s.", domain.CheckLabel(c.Kind), sc.rule.Settings.DataColumn, detail)
	return []Finding{sc.finding(c, c.Kind, msg, identity(sc.cell(sc.rows[0])), calculated, sc.rows)}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (sc *checkScope) evaluate(c domain.AlertCheck) []Finding {
	limit, _ := domain.ParseDecimal(c.Limit)
	column := sc.rule.Settings.DataColumn
	atLeast := func(v float64) bool { return limit == nil || v >= *limit }

	switch c.Kind {
	case domain.CheckCount:
		n := len(sc.rows)
		if !atLeast(float64(n)) {
			return nil
		}
		return sc.aggregate(c, float64(n), fmt.Sprintf("Total de %d ocorrência(s)", n))

	case domain.CheckDistinct:
		order, _ := valueCountsOf(sc.t, sc.rows, sc.col)
		if !atLeast(float64(len(order))) {
			return nil
		}
		return sc.aggregate(c, float64(len(order)), fmt.Sprintf("%d valor(es) único(s)", len(order)))

	case domain.CheckRepeated:
		order, counts := valueCountsOf(sc.t, sc.rows, sc.col)
		var out []Finding
		for _, v := range order {
			n := counts[v]
			if n <= 1 || (limit != nil && float64(n) < *limit) {
				continue
			}
			var occRows []int
			for _, r := range sc.all {
				if identity(sc.cell(r)) == v {
					occRows = append(occRows, r)
				}
			}
			msg := fmt.Sprintf("Valor '%s' aparece %d vez(es) na coluna '%s'", v, n, column)
			out = append(out, sc.finding(c, c.Kind+":"+v, msg, v, float64(n), occRows))
		}
		return out

	case domain.CheckContains:
		if c.Limit == "" {
			return nil
		}
		needle := strings.ToLower(c.Limit)
		return sc.perValue(c,
			func(cell string) bool { return strings.Contains(strings.ToLower(cell), needle) },
			func(v string, n int) string {
				return fmt.Sprintf("Valor '%s' contém '%s' na coluna '%s' (%d ocorrência(s))", v, c.Limit, column, n)
			})

	case domain.CheckNotContains:
		if c.Limit == "" {
			return nil
		}
		needle := strings.ToLower(c.Limit)
		for _, r := range sc.rows {
			if strings.Contains(strings.ToLower(sc.cell(r)), needle) {
				return nil
			}
		}
		return sc.aggregate(c, 0, fmt.Sprintf("Valor '%s' não encontrado", c.Limit))

	case domain.CheckEqual:
		if c.Limit == "" {
			return nil
		}
		var matched []int
		for _, r := range sc.rows {
			if identity(sc.cell(r)) == identity(c.Limit) {
				matched = append(matched, r)
			}
		}
		if len(matched) == 0 {
			return nil
		}
		if sc.occCol < 0 {
			return sc.aggregate(c, float64(len(matched)), fmt.Sprintf("Valor '%s' encontrado %d vez(es)", c.Limit, len(matched)))
		}
		// one finding per occurrence number
		var out []Finding
		seen := make(map[string]struct{})
		for _, r := range matched {
			occ := identity(sc.t.Rows[r][sc.occCol])
			if occ == "" {
				continue
			}
			if _, ok := seen[occ]; ok {
				continue
			}
			seen[occ] = struct{}{}
			v := identity(sc.cell(r))
			msg := fmt.Sprintf("Valor '%s' igual a '%s' na coluna '%s'", v, c.Limit, column)
			out = append(out, sc.finding(c, c.Kind+":ocorrencia:"+occ, msg, v, 1, []int{r}))
		}
		return out

	case domain.CheckNotEqual:
		if c.Limit == "" {
			return nil
		}
		return sc.perValue(c,
			func(cell string) bool {
				v := identity(cell)
				return v != "" && v != identity(c.Limit)
			},
			func(v string, n int) string {
				return fmt.Sprintf("Valor '%s' diferente de '%s' na coluna '%s' (%d ocorrência(s))", v, c.Limit, column, n)
			})

	case domain.CheckGreater, domain.CheckLess, domain.CheckGreaterEq, domain.CheckLessEq:
		if limit == nil {
			return nil
		}
		nums := numbers(sc.t, sc.rows, column)
		if len(nums) == 0 {
			return nil
		}
		hit := false
		for _, v := range nums {
			if compareTo(v, *limit, checkOperator[c.Kind]) {
				hit = true
				break
			}
		}
		if !hit {
			return nil
		}
		if c.Kind == domain.CheckGreater || c.Kind == domain.CheckGreaterEq {
			v := floats.Max(nums)
			return sc.aggregate(c, v, fmt.Sprintf("Valor máximo: %s (limite: %s)", formatNumber(v), c.Limit))
		}
		v := floats.Min(nums)
		return sc.aggregate(c, v, fmt.Sprintf("Valor mínimo: %s (limite: %s)", formatNumber(v), c.Limit))

	case domain.CheckMean, domain.CheckSum, domain.CheckMax, domain.CheckMin:
		nums := numbers(sc.t, sc.rows, column)
		if len(nums) == 0 {
			return nil
		}
		var v float64
		var detail string
		switch c.Kind {
		case domain.CheckMean:
			v = stat.Mean(nums, nil)
			detail = fmt.Sprintf("Média: %.2f", v)
		case domain.CheckSum:
			v = floats.Sum(nums)
			detail = fmt.Sprintf("Soma: %.2f", v)
		case domain.CheckMax:
			v = floats.Max(nums)
			detail = "Máximo: " + formatNumber(v)
		default:
			v = floats.Min(nums)
			detail = "Mínimo: " + formatNumber(v)
		}
		if limit != nil {
			if (c.Kind == domain.CheckMin && v > *limit) || (c.Kind != domain.CheckMin && v < *limit) {
				return nil
			}
			detail += fmt.Sprintf(" (limite: %s)", c.Limit)
		}
		return sc.aggregate(c, v, detail)

	case domain.CheckEmpty:
		n := 0
		for _, r := range sc.rows {
			if sheet.IsNull(sc.cell(r)) {
				n++
			}
		}
		if n == 0 {
			return nil
		}
		return sc.aggregate(c, float64(n), fmt.Sprintf("%d valor(es) vazio(s)/nulo(s)", n))

	case domain.CheckNotEmpty:
		n := 0
		for _, r := range sc.rows {
			if !sheet.IsNull(sc.cell(r)) {
				n++
			}
		}
		if n == 0 || !atLeast(float64(n)) {
			return nil
		}
		detail := fmt.Sprintf("%d valor(es) não vazio(s)", n)
		if limit != nil {
			detail += fmt.Sprintf(" (limite: %s)", c.Limit)
		}
		return sc.aggregate(c, float64(n), detail)
	}
	return nil
}

var checkOperator = map[string]string{
	domain.CheckGreater:   domain.OpGreater,
	domain.CheckLess:      domain.OpLess,
	domain.CheckGreaterEq: domain.OpGreaterEq,
	domain.CheckLessEq:    domain.OpLessEq,
}
