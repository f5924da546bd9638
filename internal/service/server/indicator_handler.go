package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/service/report"
)

const indicatorsPage = "/indicadores/config"

// maxTestBody bounds the JSON accepted by the test endpoint
const maxTestBody = 1 << 20

var lineStyles = []string{"solid", "dashed", "dotted", "long_dash", "dash_dot"}

// pathID parses the {id} route parameter
func pathID(r *http.Request) (int64, bool) {
	id, err := cast.ToInt64E(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseInt reads a form integer. Leading zeros are decimal.
func parseInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	neg := strings.HasPrefix(v, "-")
	digits := strings.TrimLeft(strings.TrimPrefix(v, "-"), "0")
	if digits == "" && v != "" && v != "-" {
		digits = "0"
	}
	if neg {
		digits = "-" + digits
	}
	return cast.ToIntE(digits)
}

// applyIndicatorForm copies the submitted fields onto ind. Fields absent
// from the request keep their value; checkboxes absent from a full form
// (marked by _form) are cleared.
func applyIndicatorForm(ind *domain.Indicator, form url.Values) map[string]string {
	errs := map[string]string{}
	full := form.Has("_form")

	text := func(key string, dst *string) {
		if form.Has(key) {
			*dst = strings.TrimSpace(form.Get(key))
		}
	}
	integer := func(key string, dst *int) {
		if !form.Has(key) {
			return
		}
		v := strings.TrimSpace(form.Get(key))
		if v == "" {
			*dst = 0
			return
		}
		n, err := parseInt(v)
		if err != nil {
			errs[key] = "informe um número inteiro"
			return
		}
		*dst = n
	}
	decimal := func(key string, dst **float64) {
		if !form.Has(key) {
			return
		}
		v, err := domain.ParseDecimal(form.Get(key))
		if err != nil {
			errs[key] = "valor numérico inválido"
			return
		}
		*dst = v
	}
	checkbox := func(key string, dst *bool) {
		if form.Has(key) {
			*dst = formBool(form.Get(key))
		} else if full {
			*dst = false
		}
	}

	text("nome", &ind.Name)
	text("descricao", &ind.Description)
	if form.Has("tipo_calculo") {
		ind.CalcType = domain.CalcType(strings.TrimSpace(form.Get("tipo_calculo")))
	}
	text("coluna_data_inicio", &ind.StartColumn)
	text("coluna_data_fim", &ind.EndColumn)
	text("unidade", &ind.Unit)
	integer("ordem", &ind.Order)
	checkbox("ativo", &ind.Active)

	integer("filtro_ultimas_horas", &ind.FilterHours)
	text("coluna_data_filtro", &ind.FilterColumn)
	if form.Has("contagem_por") {
		ind.CountBy = domain.CountMode(strings.ToLower(strings.TrimSpace(form.Get("contagem_por"))))
	}
	text("coluna_ocorrencia", &ind.OccurrenceColumn)

	decimal("meta_valor", &ind.TargetValue)
	text("meta_operador", &ind.TargetOperator)

	checkbox("grafico_habilitado", &ind.ChartEnabled)
	integer("grafico_ultimas_horas", &ind.ChartHours)
	integer("grafico_intervalo_minutos", &ind.ChartIntervalMinutes)
	checkbox("grafico_meta_habilitado", &ind.TargetLineEnabled)
	decimal("grafico_meta_valor", &ind.TargetLineValue)
	text("grafico_meta_cor", &ind.TargetLineColor)
	text("grafico_meta_estilo", &ind.TargetLineStyle)
	if !ind.TargetLineEnabled {
		ind.TargetLineValue = nil
	}

	checkbox("tendencia_inversa", &ind.InverseTrend)
	text("cor_subida", &ind.UpColor)
	text("cor_descida", &ind.DownColor)

	if conds, ok := formConditions(form); ok {
		ind.Conditions = conds
	}
	return errs
}

// formConditions reads the condicao_{i}_* fields in index order. It reports
// false when the form carries no condition block at all.
func formConditions(form url.Values) ([]domain.Condition, bool) {
	var indices []int
	for key := range form {
		if !strings.HasPrefix(key, "condicao_") || !strings.HasSuffix(key, "_coluna") {
			continue
		}
		idx, err := cast.ToIntE(strings.TrimSuffix(strings.TrimPrefix(key, "condicao_"), "_coluna"))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 && !form.Has("num_condicoes") {
		return nil, false
	}
	sort.Ints(indices)

	conds := []domain.Condition{}
	for _, i := range indices {
		prefix := "condicao_" + cast.ToString(i) + "_"
		col := strings.TrimSpace(form.Get(prefix + "coluna"))
		if col == "" {
			continue
		}
		op := strings.TrimSpace(form.Get(prefix + "operador"))
		if op == "" {
			op = domain.OpEqual
		}
		conds = append(conds, domain.Condition{
			Column:    col,
			Operator:  op,
			Value:     domain.ConditionValue{strings.TrimSpace(form.Get(prefix + "valor"))},
			Connector: domain.Connector(strings.ToLower(strings.TrimSpace(form.Get(prefix + "conector")))),
		})
	}
	return conds, true
}

// renderIndicatorForm shows the form with ind and any field errors
func (s *Server) renderIndicatorForm(w http.ResponseWriter, r *http.Request, status int, title, action string, ind *domain.Indicator, errs map[string]string) {
	conds := append(append([]domain.Condition(nil), ind.Conditions...), domain.Condition{Operator: domain.OpEqual, Connector: domain.ConnectorAnd})

	var columns []string
	if t, _, err := s.deps.Reports.Table(); err == nil {
		columns = t.Columns
	}
	if errs == nil {
		errs = map[string]string{}
	}

	s.render(w, r, status, "indicador_form.html", map[string]interface{}{
		"Title":      title,
		"Action":     action,
		"Indicator":  ind,
		"Conditions": conds,
		"Errors":     errs,
		"Columns":    columns,
		"CalcTypes":  domain.CalcTypes,
		"Operators":  domain.Operators,
		"LineStyles": lineStyles,
	})
}

// handleIndicatorList lists every indicator
func (s *Server) handleIndicatorList(w http.ResponseWriter, r *http.Request) {
	inds, err := s.deps.Store.ListIndicators(r.Context())
	if err != nil {
		s.fail(w, r, "/download/", "não foi possível listar os indicadores", err)
		return
	}
	s.render(w, r, http.StatusOK, "indicadores_list.html", map[string]interface{}{
		"Indicators": inds,
	})
}

func (s *Server) handleIndicatorNew(w http.ResponseWriter, r *http.Request) {
	s.renderIndicatorForm(w, r, http.StatusOK, "Novo indicador", "/indicadores/create", domain.NewIndicator(), nil)
}

// handleIndicatorCreate validates and stores a new indicator
func (s *Server) handleIndicatorCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ind := domain.NewIndicator()
	errs := applyIndicatorForm(ind, r.PostForm)
	if !s.validIndicator(ind, errs) {
		s.renderIndicatorForm(w, r, http.StatusBadRequest, "Novo indicador", "/indicadores/create", ind, errs)
		return
	}

	if err := s.deps.Store.CreateIndicator(r.Context(), ind); err != nil {
		s.fail(w, r, indicatorsPage, "não foi possível criar o indicador", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("indicator created", zap.Int64("id", ind.ID), zap.String("name", ind.Name))
	s.flash.Set(w, flashSuccess, "Indicador criado com sucesso!")
	http.Redirect(w, r, indicatorsPage, http.StatusSeeOther)
}

// validIndicator merges the validation errors of ind into errs
func (s *Server) validIndicator(ind *domain.Indicator, errs map[string]string) bool {
	if err := ind.Validate(); err != nil {
		for k, v := range domain.FieldErrors(err) {
			if _, ok := errs[k]; !ok {
				errs[k] = v
			}
		}
	}
	return len(errs) == 0
}

// loadIndicator fetches the {id} indicator, answering 404 when it is missing
func (s *Server) loadIndicator(w http.ResponseWriter, r *http.Request) (*domain.Indicator, bool) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	ind, err := s.deps.Store.GetIndicator(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, indicatorsPage, "não foi possível carregar o indicador", err)
		return nil, false
	}
	return ind, true
}

func (s *Server) handleIndicatorEdit(w http.ResponseWriter, r *http.Request) {
	ind, ok := s.loadIndicator(w, r)
	if !ok {
		return
	}
	s.renderIndicatorForm(w, r, http.StatusOK, "Editar indicador", "/indicadores/edit/"+cast.ToString(ind.ID), ind, nil)
}

// handleIndicatorUpdate applies the submitted fields to a stored indicator
func (s *Server) handleIndicatorUpdate(w http.ResponseWriter, r *http.Request) {
	ind, ok := s.loadIndicator(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	action := "/indicadores/edit/" + cast.ToString(ind.ID)
	errs := applyIndicatorForm(ind, r.PostForm)
	if !s.validIndicator(ind, errs) {
		s.renderIndicatorForm(w, r, http.StatusBadRequest, "Editar indicador", action, ind, errs)
		return
	}

	if err := s.deps.Store.UpdateIndicator(r.Context(), ind); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, r, indicatorsPage, "não foi possível atualizar o indicador", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("indicator updated", zap.Int64("id", ind.ID))
	s.flash.Set(w, flashSuccess, "Indicador atualizado com sucesso!")
	http.Redirect(w, r, indicatorsPage, http.StatusSeeOther)
}

func (s *Server) handleIndicatorDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	err := s.deps.Store.DeleteIndicator(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, indicatorsPage, "não foi possível excluir o indicador", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("indicator deleted", zap.Int64("id", id))
	s.flash.Set(w, flashSuccess, "Indicador deletado com sucesso!")
	http.Redirect(w, r, indicatorsPage, http.StatusSeeOther)
}

func (s *Server) handleIndicatorDuplicate(w http.ResponseWriter, r *http.Request) {
	ind, ok := s.loadIndicator(w, r)
	if !ok {
		return
	}
	dup := ind.Duplicate()
	if err := s.deps.Store.CreateIndicator(r.Context(), dup); err != nil {
		s.fail(w, r, indicatorsPage, "não foi possível duplicar o indicador", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("indicator duplicated", zap.Int64("source", ind.ID), zap.Int64("id", dup.ID))
	s.flash.Set(w, flashSuccess, "Indicador duplicado com sucesso!")
	http.Redirect(w, r, indicatorsPage, http.StatusSeeOther)
}

// handleIndicatorOrder changes only the display order of an indicator
func (s *Server) handleIndicatorOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "indicador não encontrado"})
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTestBody)).Decode(&body); err != nil {
		body = nil
	}
	raw, present := body["ordem"]
	if !present || raw == nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "ordem obrigatória"})
		return
	}
	order, err := cast.ToIntE(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "ordem deve ser número inteiro"})
		return
	}

	stored, err := s.deps.Store.SetIndicatorOrder(r.Context(), id, order)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "indicador não encontrado"})
		return
	}
	if err != nil {
		s.logger.Error("failed to set indicator order", zap.Int64("id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "falha ao salvar ordem"})
		return
	}
	s.deps.Reports.Forget()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "ordem": stored})
}

// handleColumnValues lists the distinct values of a column for the
// condition editor. Any failure yields an empty list.
func (s *Server) handleColumnValues(w http.ResponseWriter, r *http.Request) {
	col := strings.TrimSpace(strings.Trim(strings.TrimSpace(r.URL.Query().Get("coluna")), "\ufeff"))
	if col == "" {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	t, _, err := s.deps.Reports.Table()
	if err != nil {
		if !errors.Is(err, domain.ErrNoData) {
			s.logger.Warn("failed to load export", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, t.Distinct(col))
}

// panelMode reads the modo query parameter, falling back to def
func panelMode(r *http.Request, def report.Mode) report.Mode {
	switch m := report.Mode(r.URL.Query().Get("modo")); m {
	case report.ModeList, report.ModeWidgets:
		return m
	}
	return def
}

// handlePanel shows every active indicator computed over the current export
func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	mode := panelMode(r, report.ModeList)
	cards, err := s.deps.Reports.Panel(r.Context(), mode)
	if err != nil {
		s.fail(w, r, indicatorsPage, "não foi possível calcular os indicadores", err)
		return
	}
	s.render(w, r, http.StatusOK, "painel.html", map[string]interface{}{
		"Cards":   cards,
		"Mode":    mode,
		"Columns": 3,
		"Status":  s.stat(s.deps.Files.CurrentPath()),
	})
}

// handleCalculate returns one saved indicator computed as JSON
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"erro": "indicador não encontrado"})
		return
	}
	card, err := s.deps.Reports.Calculate(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"erro": "indicador não encontrado"})
		return
	}
	if err != nil {
		s.logger.Error("failed to calculate indicator", zap.Int64("id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"erro": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// handleTest computes an unsaved definition posted as JSON
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	ind := &domain.Indicator{Name: "Teste", CalcType: domain.CalcTimeDiff, Unit: domain.UnitMinutes}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTestBody)).Decode(ind); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"erro": err.Error()})
		return
	}
	ind.Normalize()
	if err := ind.ValidateWindows(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"erro":   err.Error(),
			"campos": domain.FieldErrors(err),
		})
		return
	}

	card, err := s.deps.Reports.Evaluate(ind)
	if err != nil {
		s.logger.Warn("failed to test indicator", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"erro": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// handleChart returns the chart series of a saved indicator. With a target
// line the series is wrapped together with the constant target values.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	ind, ok := s.loadIndicatorJSON(w, r)
	if !ok {
		return
	}
	points, err := s.deps.Reports.Chart(r.Context(), ind.ID)
	if err != nil {
		s.logger.Error("failed to build chart", zap.Int64("id", ind.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"erro": err.Error()})
		return
	}

	if !ind.TargetLineEnabled || ind.TargetLineValue == nil {
		writeJSON(w, http.StatusOK, points)
		return
	}
	target := make([]float64, len(points))
	for i := range target {
		target[i] = *ind.TargetLineValue
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"atual":       points,
		"meta":        target,
		"meta_cor":    ind.TargetLineColor,
		"meta_estilo": ind.TargetLineStyle,
	})
}

func (s *Server) loadIndicatorJSON(w http.ResponseWriter, r *http.Request) (*domain.Indicator, bool) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"erro": "indicador não encontrado"})
		return nil, false
	}
	ind, err := s.deps.Store.GetIndicator(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"erro": "indicador não encontrado"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to load indicator", zap.Int64("id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"erro": err.Error()})
		return nil, false
	}
	return ind, true
}
