package server

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

const (
	alertsPage       = "/alertas/dashboard"
	alertsConfigPage = "/alertas/config"
)

type option struct {
	Value, Label string
}

var alertSoundOptions = []option{
	{"none", "Sem som"},
	{"beep", "Beep simples"},
	{"beep2", "Beep duplo"},
	{"alert", "Alerta"},
	{"notification", "Notificação"},
	{"urgente", "Urgente"},
}

var alertIcons = []option{
	{"exclamation-triangle", "Alerta / Aviso"},
	{"exclamation-circle", "Alerta círculo"},
	{"bell", "Sino"},
	{"lightning-charge", "Raio"},
	{"phone-vibrate", "Telefone vibrando"},
	{"truck", "Ambulância"},
	{"heart-pulse", "Emergência"},
	{"people", "Pessoas"},
	{"building", "Prédio"},
	{"geo-alt", "Localização"},
	{"megaphone", "Megafone"},
	{"flag", "Bandeira"},
	{"hospital", "Hospital"},
	{"alarm", "Alarme"},
	{"speedometer2", "Velocímetro"},
}

var alertColors = []option{
	{"#dc3545", "Vermelho"},
	{"#fd7e14", "Laranja"},
	{"#ffc107", "Amarelo"},
	{"#28a745", "Verde"},
	{"#0d6efd", "Azul"},
	{"#6f42c1", "Roxo"},
	{"#e83e8c", "Rosa"},
	{"#20c997", "Verde Água"},
	{"#6c757d", "Cinza"},
	{"#212529", "Preto"},
}

var alertRuleTypes = []option{
	{domain.RuleRepeatedCaller, "Múltiplos chamados do mesmo número"},
	{domain.RuleSlowResponseByCity, "Tempo de resposta por município"},
	{domain.RuleSupportRequest, "Apoio de instituições"},
	{domain.RuleHighDemand, "Alta demanda"},
	{domain.RuleSlowResponse, "Tempo de resposta elevado"},
}

// triggerOperators compare a calculated value against the alert value
var triggerOperators = []string{domain.OpGreaterEq, domain.OpLessEq, domain.OpGreater, domain.OpLess, domain.OpEqual}

// isAjax reports whether the request came from the page scripts
func isAjax(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// localTarget returns next when it is a path on this site, def otherwise
func localTarget(next, def string) string {
	next = strings.TrimSpace(next)
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return def
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return def
	}
	return next
}

// nextTarget reads next from the form or the query string
func nextTarget(r *http.Request, def string) string {
	next := r.PostFormValue("next")
	if next == "" {
		next = r.URL.Query().Get("next")
	}
	return localTarget(next, def)
}

// alertView is the JSON shape of an alert with times in the panel zone
type alertView struct {
	*domain.Alert
	OccurredAt *string `json:"data_ocorrencia"`
	CreatedAt  *string `json:"criado_em"`
	ResolvedAt *string `json:"resolvido_em"`
}

func (s *Server) alertView(a *domain.Alert) alertView {
	format := func(t *time.Time) *string {
		if t == nil || t.IsZero() {
			return nil
		}
		v := t.In(s.config.Location).Format(dateTimeLayout)
		return &v
	}
	if a.Details == nil {
		a.Details = map[string]interface{}{}
	}
	created := a.CreatedAt
	return alertView{
		Alert:      a,
		OccurredAt: format(a.OccurredAt),
		CreatedAt:  format(&created),
		ResolvedAt: format(a.ResolvedAt),
	}
}

// handleAlertDashboard lists the active alerts
func (s *Server) handleAlertDashboard(w http.ResponseWriter, r *http.Request) {
	alerts, settings, err := s.deps.Alerts.Active(r.Context())
	if err != nil {
		s.fail(w, r, "/download/", "não foi possível listar os alertas", err)
		return
	}
	s.render(w, r, http.StatusOK, "alertas_dashboard.html", map[string]interface{}{
		"Alerts":   alerts,
		"Total":    len(alerts),
		"Settings": settings,
	})
}

// handleActiveAlerts answers the polling of the alert panels
func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, settings, err := s.deps.Alerts.Active(r.Context())
	if err != nil {
		s.logger.Error("failed to list active alerts", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"erro": "falha ao listar alertas"})
		return
	}
	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, s.alertView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alertas": views,
		"config": map[string]interface{}{
			"som_alerta":           settings.Sound,
			"transparencia_alerta": settings.Transparency,
		},
	})
}

// handleAlertConfig lists the rules together with the system settings
func (s *Server) handleAlertConfig(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListAlertRules(r.Context())
	if err != nil {
		s.fail(w, r, alertsPage, "não foi possível listar as configurações de alerta", err)
		return
	}
	settings, err := s.deps.Store.GetAlertSettings(r.Context())
	if err != nil {
		s.fail(w, r, alertsPage, "não foi possível carregar as configurações de alerta", err)
		return
	}
	s.render(w, r, http.StatusOK, "alertas_config.html", map[string]interface{}{
		"Rules":    rules,
		"Settings": settings,
		"Sounds":   alertSoundOptions,
	})
}

// handleAlertSettingsSave stores the system settings. Out of range values
// are clamped and unknown sounds fall back to the default.
func (s *Server) handleAlertSettingsSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	settings, err := s.deps.Store.GetAlertSettings(r.Context())
	if err != nil {
		s.fail(w, r, alertsConfigPage, "não foi possível carregar as configurações de alerta", err)
		return
	}

	def := domain.DefaultAlertSystemSettings()
	settings.ResolveAfterMinutes = formIntOr(r.PostForm.Get("resolver_apos_minutos"), def.ResolveAfterMinutes)
	settings.Transparency = formIntOr(r.PostForm.Get("transparencia_alerta"), def.Transparency)
	settings.Sound = strings.TrimSpace(r.PostForm.Get("som_alerta"))
	settings.Normalize()

	if err := s.deps.Store.SaveAlertSettings(r.Context(), settings); err != nil {
		s.fail(w, r, alertsConfigPage, "não foi possível salvar a configuração", err)
		return
	}
	s.logger.Info("alert settings saved",
		zap.Int("resolve_after_minutes", settings.ResolveAfterMinutes),
		zap.String("sound", settings.Sound))
	s.flash.Set(w, flashSuccess, "Configuração salva.")
	http.Redirect(w, r, alertsConfigPage, http.StatusSeeOther)
}

// formIntOr parses a non-negative form integer, falling back to def
func formIntOr(v string, def int) int {
	n, err := parseInt(v)
	if err != nil || n < 0 || strings.TrimSpace(v) == "" {
		return def
	}
	return n
}

// splitList reads a comma or newline separated form list
func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' || r == ';' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// formChecks reads the config_chave_{i}/config_valor_{i} pairs in index
// order, keeping only known check kinds
func formChecks(form url.Values) []domain.AlertCheck {
	var indices []int
	for key := range form {
		if !strings.HasPrefix(key, "config_chave_") {
			continue
		}
		idx, err := cast.ToIntE(strings.TrimPrefix(key, "config_chave_"))
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	checks := []domain.AlertCheck{}
	for _, i := range indices {
		n := cast.ToString(i)
		kind := strings.TrimSpace(form.Get("config_chave_" + n))
		if !domain.IsCheckKind(kind) {
			continue
		}
		checks = append(checks, domain.AlertCheck{Kind: kind, Limit: strings.TrimSpace(form.Get("config_valor_" + n))})
	}
	return checks
}

// applyAlertRuleForm rebuilds rule from the submitted form. The settings
// are replaced as a whole, the way the form presents them.
func applyAlertRuleForm(rule *domain.AlertRule, form url.Values) map[string]string {
	errs := map[string]string{}
	text := func(key string) string { return strings.TrimSpace(form.Get(key)) }
	integer := func(key string, dst *int) {
		v := text(key)
		if v == "" {
			return
		}
		n, err := parseInt(v)
		if err != nil {
			errs[key] = "informe um número inteiro"
			return
		}
		*dst = n
	}
	decimal := func(key string) *float64 {
		v, err := domain.ParseDecimal(form.Get(key))
		if err != nil {
			errs[key] = "valor numérico inválido"
			return nil
		}
		return v
	}

	rule.Type = text("tipo")
	rule.Name = text("nome")
	rule.Description = text("descricao")
	rule.Active = formBool(form.Get("ativo"))
	rule.ResolveWhenCleared = formBool(form.Get("sumir_quando_resolvido"))
	rule.Icon = text("icone")
	rule.Color = text("cor")
	rule.FilterColumn = text("coluna_data_filtro")
	integer("ordem", &rule.Order)
	integer("periodo_verificacao_horas", &rule.PeriodHours)
	integer("prioridade", &rule.Priority)

	st := domain.AlertSettings{
		DataColumn:       text("coluna_dados"),
		Checks:           formChecks(form),
		CalcType:         domain.CalcType(text("tipo_calculo")),
		CountBy:          domain.CountMode(strings.ToLower(text("contagem_por"))),
		OccurrenceColumn: text("coluna_ocorrencia"),
		PhoneColumn:      text("coluna_telefone"),
		Cities:           splitList(form.Get("municipios")),
		CityColumn:       text("coluna_municipio"),
		MaxMinutes:       decimal("tempo_maximo_minutos"),
		Institutions:     splitList(form.Get("instituicoes")),
		SupportColumn:    text("coluna_apoio"),
	}
	integer("quantidade_minima", &st.MinCount)
	if st.CalcType != "" {
		st.Unit = text("unidade")
		st.StartColumn = text("coluna_data_inicio")
		st.EndColumn = text("coluna_data_fim")
		st.TargetValue = decimal("meta_valor")
		st.TargetOperator = text("meta_operador")
		st.AlertOperator = text("alerta_operador")
		st.AlertValue = decimal("alerta_valor")
	}
	rule.Settings = st

	if conds, ok := formConditions(form); ok {
		rule.Conditions = conds
	}
	return errs
}

// validAlertRule merges the validation errors of rule into errs
func validAlertRule(rule *domain.AlertRule, errs map[string]string) bool {
	if err := rule.Validate(); err != nil {
		for k, v := range domain.FieldErrors(err) {
			if _, ok := errs[k]; !ok {
				errs[k] = v
			}
		}
	}
	return len(errs) == 0
}

func (s *Server) renderAlertRuleForm(w http.ResponseWriter, r *http.Request, status int, title, action string, rule *domain.AlertRule, errs map[string]string) {
	conds := append(append([]domain.Condition(nil), rule.Conditions...), domain.Condition{Operator: domain.OpEqual, Connector: domain.ConnectorAnd})
	checks := append(append([]domain.AlertCheck(nil), rule.Settings.Checks...), domain.AlertCheck{})

	var columns []string
	if t, _, err := s.deps.Reports.Table(); err == nil {
		columns = t.Columns
	}
	if errs == nil {
		errs = map[string]string{}
	}

	checkKinds := make([]option, 0, len(domain.CheckKinds))
	for _, k := range domain.CheckKinds {
		checkKinds = append(checkKinds, option{k, domain.CheckLabel(k)})
	}

	s.render(w, r, status, "alerta_form.html", map[string]interface{}{
		"Title":      title,
		"Action":     action,
		"Rule":       rule,
		"Conditions": conds,
		"Checks":     checks,
		"Errors":     errs,
		"Columns":    columns,
		"RuleTypes":  alertRuleTypes,
		"CheckKinds": checkKinds,
		"CalcTypes":  domain.CalcTypes,
		"Operators":  domain.Operators,
		"Triggers":   triggerOperators,
		"Icons":      alertIcons,
		"Colors":     alertColors,
		"Cities":     strings.Join(rule.Settings.Cities, ", "),
		"Institutes": strings.Join(rule.Settings.Institutions, ", "),
	})
}

func (s *Server) handleAlertRuleNew(w http.ResponseWriter, r *http.Request) {
	s.renderAlertRuleForm(w, r, http.StatusOK, "Nova configuração de alerta", "/alertas/config/create", domain.NewAlertRule(), nil)
}

// handleAlertRuleCreate validates and stores a new rule
func (s *Server) handleAlertRuleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	rule := domain.NewAlertRule()
	errs := applyAlertRuleForm(rule, r.PostForm)
	if !validAlertRule(rule, errs) {
		s.renderAlertRuleForm(w, r, http.StatusBadRequest, "Nova configuração de alerta", "/alertas/config/create", rule, errs)
		return
	}
	if err := s.deps.Store.CreateAlertRule(r.Context(), rule); err != nil {
		s.fail(w, r, alertsConfigPage, "não foi possível criar a configuração de alerta", err)
		return
	}
	s.logger.Info("alert rule created", zap.Int64("id", rule.ID), zap.String("type", rule.Type))
	s.flash.Set(w, flashSuccess, "Configuração de alerta criada com sucesso!")
	http.Redirect(w, r, alertsConfigPage, http.StatusSeeOther)
}

// loadAlertRule fetches the {id} rule, answering 404 when it is missing
func (s *Server) loadAlertRule(w http.ResponseWriter, r *http.Request) (*domain.AlertRule, bool) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	rule, err := s.deps.Store.GetAlertRule(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, alertsConfigPage, "não foi possível carregar a configuração de alerta", err)
		return nil, false
	}
	return rule, true
}

func (s *Server) handleAlertRuleEdit(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadAlertRule(w, r)
	if !ok {
		return
	}
	s.renderAlertRuleForm(w, r, http.StatusOK, "Editar configuração de alerta", "/alertas/config/edit/"+cast.ToString(rule.ID), rule, nil)
}

// handleAlertRuleUpdate replaces a stored rule with the submitted form
func (s *Server) handleAlertRuleUpdate(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadAlertRule(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	action := "/alertas/config/edit/" + cast.ToString(rule.ID)
	errs := applyAlertRuleForm(rule, r.PostForm)
	if !validAlertRule(rule, errs) {
		s.renderAlertRuleForm(w, r, http.StatusBadRequest, "Editar configuração de alerta", action, rule, errs)
		return
	}
	if err := s.deps.Store.UpdateAlertRule(r.Context(), rule); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, r, alertsConfigPage, "não foi possível atualizar a configuração de alerta", err)
		return
	}
	s.logger.Info("alert rule updated", zap.Int64("id", rule.ID))
	s.flash.Set(w, flashSuccess, "Configuração de alerta atualizada com sucesso!")
	http.Redirect(w, r, alertsConfigPage, http.StatusSeeOther)
}

func (s *Server) handleAlertRuleDuplicate(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadAlertRule(w, r)
	if !ok {
		return
	}
	dup := rule.Duplicate()
	if err := s.deps.Store.CreateAlertRule(r.Context(), dup); err != nil {
		s.fail(w, r, alertsConfigPage, "não foi possível duplicar a configuração de alerta", err)
		return
	}
	s.logger.Info("alert rule duplicated", zap.Int64("source", rule.ID), zap.Int64("id", dup.ID))
	s.flash.Set(w, flashSuccess, `Alerta duplicado: "`+dup.Name+`". Edite para ajustar e ativar.`)
	http.Redirect(w, r, alertsConfigPage, http.StatusSeeOther)
}

// handleAlertRuleDelete removes a rule; its alerts keep their type fields
func (s *Server) handleAlertRuleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	err := s.deps.Store.DeleteAlertRule(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, alertsConfigPage, "não foi possível remover a configuração de alerta", err)
		return
	}
	s.logger.Info("alert rule deleted", zap.Int64("id", id))
	s.flash.Set(w, flashSuccess, "Configuração de alerta removida com sucesso.")
	http.Redirect(w, r, alertsConfigPage, http.StatusSeeOther)
}

func (s *Server) renderManualForm(w http.ResponseWriter, r *http.Request, status int, a *domain.Alert, errs map[string]string, next string) {
	if errs == nil {
		errs = map[string]string{}
	}
	s.render(w, r, status, "alerta_manual.html", map[string]interface{}{
		"Alert":  a,
		"Errors": errs,
		"Icons":  alertIcons,
		"Colors": alertColors,
		"Next":   next,
	})
}

func (s *Server) handleManualAlertNew(w http.ResponseWriter, r *http.Request) {
	s.renderManualForm(w, r, http.StatusOK, domain.NewManualAlert("", "", "", ""), nil, localTarget(r.URL.Query().Get("next"), ""))
}

// handleManualAlertCreate stores an operator alert. Script requests get
// JSON; form posts are redirected to next when it is local.
func (s *Server) handleManualAlertCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	a := domain.NewManualAlert(r.PostForm.Get("titulo"), r.PostForm.Get("mensagem"), r.PostForm.Get("icone"), r.PostForm.Get("cor"))

	if err := s.deps.Alerts.CreateManual(r.Context(), a); err != nil {
		fields := domain.FieldErrors(err)
		if fields == nil {
			s.logger.Error("failed to create manual alert", zap.Error(err))
		}
		if isAjax(r) {
			msg := "Título e mensagem são obrigatórios."
			if fields == nil {
				msg = "falha ao criar alerta"
			}
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": msg})
			return
		}
		if fields == nil {
			s.fail(w, r, alertsPage, "não foi possível criar o alerta", err)
			return
		}
		s.renderManualForm(w, r, http.StatusBadRequest, a, fields, localTarget(r.PostForm.Get("next"), ""))
		return
	}

	if isAjax(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "alerta": s.alertView(a)})
		return
	}
	s.flash.Set(w, flashSuccess, "Alerta criado com sucesso!")
	http.Redirect(w, r, nextTarget(r, alertsPage), http.StatusSeeOther)
}

// handleAlertResolve closes an alert on behalf of the operator
func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	s.changeAlert(w, r, "resolvido", func(id int64) error {
		return s.deps.Store.ResolveAlert(r.Context(), id, domain.ResolvedBySystem)
	})
}

func (s *Server) handleAlertArchive(w http.ResponseWriter, r *http.Request) {
	s.changeAlert(w, r, "arquivado", func(id int64) error {
		return s.deps.Store.ArchiveAlert(r.Context(), id)
	})
}

// changeAlert applies change to the {id} alert and answers with JSON for
// script requests or a flash and redirect otherwise
func (s *Server) changeAlert(w http.ResponseWriter, r *http.Request, verb string, change func(id int64) error) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	err := change(id)
	if errors.Is(err, domain.ErrNotFound) {
		if isAjax(r) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "alerta não encontrado"})
			return
		}
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("failed to update alert", zap.Int64("id", id), zap.String("status", verb), zap.Error(err))
		if isAjax(r) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "falha ao atualizar alerta"})
			return
		}
		s.fail(w, r, alertsPage, "não foi possível atualizar o alerta", err)
		return
	}

	s.logger.Info("alert "+verb, zap.Int64("id", id))
	if isAjax(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
		return
	}
	s.flash.Set(w, flashSuccess, "Alerta "+verb+" com sucesso!")
	http.Redirect(w, r, nextTarget(r, alertsPage), http.StatusSeeOther)
}

// handleAlertGenerate evaluates the rules on demand
func (s *Server) handleAlertGenerate(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Alerts.Generate(r.Context())
	if err != nil {
		s.fail(w, r, nextTarget(r, alertsPage), "não foi possível gerar os alertas", err)
		return
	}
	s.flash.Set(w, flashSuccess, cast.ToString(n)+" alerta(s) gerado(s) com sucesso!")
	http.Redirect(w, r, nextTarget(r, alertsPage), http.StatusSeeOther)
}
