package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

// doAjax posts form the way the page scripts do
func (e *testEnv) doAjax(target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func createAlertRule(t *testing.T, env *testEnv) *domain.AlertRule {
	t.Helper()
	r := domain.NewAlertRule()
	r.Type = domain.RuleHighDemand
	r.Settings.MinCount = 3
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CreateAlertRule(context.Background(), r); err != nil {
		t.Fatalf("CreateAlertRule() error = %v", err)
	}
	return r
}

func TestAlertsRootRedirects(t *testing.T) {
	env := setupServer(t)
	rec := env.do(http.MethodGet, "/alertas/", nil, "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != alertsPage {
		t.Errorf("Location = %q, want %s", loc, alertsPage)
	}
}

func TestAlertRuleCreate(t *testing.T) {
	env := setupServer(t)
	form := url.Values{
		"tipo":                      {"fila_de_espera"},
		"descricao":                 {"Muitas ocorrências USA"},
		"ativo":                     {"on"},
		"sumir_quando_resolvido":    {"on"},
		"periodo_verificacao_horas": {"2"},
		"coluna_dados":              {"Tipo"},
		"config_chave_0":            {"contar_repetidos"},
		"config_valor_0":            {"2"},
		"config_chave_1":            {"adivinhar"},
		"config_valor_1":            {"9"},
		"condicao_0_coluna":         {"Tipo"},
		"condicao_0_operador":       {"=="},
		"condicao_0_valor":          {"USA"},
		"num_condicoes":             {"1"},
	}
	rec := env.do(http.MethodPost, "/alertas/config/create", form, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusSeeOther, rec.Body.String())
	}

	rules, err := env.store.ListAlertRules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("ListAlertRules() = %d, want 1", len(rules))
	}
	got := rules[0]
	if got.Name != "fila_de_espera" || !got.Active || !got.ResolveWhenCleared || got.PeriodHours != 2 {
		t.Errorf("stored = %+v", got)
	}
	if len(got.Settings.Checks) != 1 || got.Settings.Checks[0] != (domain.AlertCheck{Kind: domain.CheckRepeated, Limit: "2"}) {
		t.Errorf("Checks = %+v, want the known check only", got.Settings.Checks)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Column != "Tipo" {
		t.Errorf("Conditions = %+v", got.Conditions)
	}

	list := env.do(http.MethodGet, alertsConfigPage, nil, "")
	if !strings.Contains(list.Body.String(), "fila_de_espera") {
		t.Error("config page does not show the new rule")
	}
	edit := env.do(http.MethodGet, "/alertas/config/edit/"+itoa(got.ID), nil, "")
	if edit.Code != http.StatusOK || !strings.Contains(edit.Body.String(), "contar_repetidos") {
		t.Errorf("edit page status = %d", edit.Code)
	}
}

func TestAlertRuleCreateInvalid(t *testing.T) {
	env := setupServer(t)
	tests := []struct {
		name  string
		form  url.Values
		field string
	}{
		{"missing type", url.Values{"coluna_dados": {"Tipo"}}, "tipo"},
		{"cities required", url.Values{"tipo": {domain.RuleSlowResponseByCity}}, "informe ao menos um município"},
		{"generic without checks", url.Values{"tipo": {"x"}, "coluna_dados": {"Tipo"}}, "informe ao menos uma verificação"},
		{"bad period", url.Values{"tipo": {domain.RuleHighDemand}, "periodo_verificacao_horas": {"muitas"}}, "informe um número inteiro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/alertas/config/create", tt.form, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if tt.field != "tipo" && !strings.Contains(rec.Body.String(), tt.field) {
				t.Errorf("body does not mention %q", tt.field)
			}
		})
	}
	rules, _ := env.store.ListAlertRules(context.Background())
	if len(rules) != 0 {
		t.Errorf("invalid forms stored %d rules", len(rules))
	}
}

func TestAlertRuleUpdateDuplicateDelete(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	rule := createAlertRule(t, env)

	form := url.Values{
		"tipo":              {domain.RuleHighDemand},
		"nome":              {"Alta demanda noturna"},
		"quantidade_minima": {"80"},
		"cor":               {"#fd7e14"},
	}
	rec := env.do(http.MethodPost, "/alertas/config/edit/"+itoa(rule.ID), form, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	got, err := env.store.GetAlertRule(ctx, rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alta demanda noturna" || got.Settings.MinCount != 80 || got.Color != "#fd7e14" || got.Active {
		t.Errorf("updated = %+v", got)
	}

	rec = env.do(http.MethodPost, "/alertas/config/duplicate/"+itoa(rule.ID), url.Values{}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	fl := env.flashes(rec)
	if len(fl) != 1 || !strings.Contains(fl[0].Message, "copy - "+domain.RuleHighDemand) {
		t.Errorf("flashes = %+v", fl)
	}
	rules, _ := env.store.ListAlertRules(ctx)
	if len(rules) != 2 {
		t.Fatalf("after duplicate = %d rules, want 2", len(rules))
	}

	rec = env.do(http.MethodPost, "/alertas/config/delete/"+itoa(rule.ID), url.Values{}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rules, _ = env.store.ListAlertRules(ctx)
	if len(rules) != 1 {
		t.Errorf("after delete = %d rules, want 1", len(rules))
	}
}

func TestAlertNotFound(t *testing.T) {
	env := setupServer(t)
	for _, target := range []string{
		"/alertas/config/edit/99",
		"/alertas/config/duplicate/99",
		"/alertas/config/delete/99",
		"/alertas/resolver/99",
		"/alertas/arquivar/99",
	} {
		t.Run(target, func(t *testing.T) {
			rec := env.do(http.MethodPost, target, url.Values{}, "")
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
		})
	}
}

func TestAlertSettingsSaveClamps(t *testing.T) {
	env := setupServer(t)
	form := url.Values{
		"resolver_apos_minutos": {"5000"},
		"transparencia_alerta":  {"35"},
		"som_alerta":            {"sirene"},
	}
	rec := env.do(http.MethodPost, alertsConfigPage, form, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if fl := env.flashes(rec); len(fl) != 1 || fl[0].Message != "Configuração salva." {
		t.Errorf("flashes = %+v", fl)
	}

	st, err := env.store.GetAlertSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.ResolveAfterMinutes != 1440 || st.Transparency != 35 || st.Sound != "beep" {
		t.Errorf("settings = %+v", st)
	}
}

func TestGenerateAndActiveAlerts(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)
	createAlertRule(t, env)

	rec := env.do(http.MethodPost, "/alertas/gerar", url.Values{"next": {"https://example.com/"}}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if loc := rec.Header().Get("Location"); loc != alertsPage {
		t.Errorf("Location = %q, want the local default", loc)
	}
	if fl := env.flashes(rec); len(fl) != 1 || fl[0].Message != "1 alerta(s) gerado(s) com sucesso!" {
		t.Errorf("flashes = %+v", fl)
	}

	rec = env.do(http.MethodGet, "/alertas/api/ativos", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Alerts []map[string]interface{} `json:"alertas"`
		Config map[string]interface{}   `json:"config"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Alerts) != 1 {
		t.Fatalf("alertas = %d, want 1", len(body.Alerts))
	}
	a := body.Alerts[0]
	if a["titulo"] != "Alta demanda de ocorrências" || a["origem"] != "automatico" || a["status"] != "ativo" {
		t.Errorf("alert = %+v", a)
	}
	if created, _ := a["criado_em"].(string); len(created) != len("02/01/2006 15:04:05") {
		t.Errorf("criado_em = %v", a["criado_em"])
	}
	if body.Config["som_alerta"] != "beep" {
		t.Errorf("config = %+v", body.Config)
	}

	page := env.do(http.MethodGet, alertsPage, nil, "")
	if !strings.Contains(page.Body.String(), "Alta demanda de ocorrências") {
		t.Error("dashboard does not show the generated alert")
	}
}

func TestManualAlertCreate(t *testing.T) {
	env := setupServer(t)

	rec := env.doAjax("/alertas/manual/create", url.Values{"titulo": {"Viatura parada"}, "mensagem": {"USA 03 sem combustível"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Success bool                   `json:"success"`
		Alert   map[string]interface{} `json:"alerta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !created.Success || created.Alert["origem"] != "manual" || created.Alert["tipo_alerta_icone"] != domain.DefaultManualIcon {
		t.Errorf("response = %+v", created)
	}

	rec = env.doAjax("/alertas/manual/create", url.Values{"titulo": {"Sem mensagem"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ajax without message status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(http.MethodPost, "/alertas/manual/create", url.Values{
		"titulo":   {"Chuva forte"},
		"mensagem": {"Alagamentos na BR-101"},
		"next":     {"/dashboards/"},
	}, "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/dashboards/" {
		t.Errorf("form post = %d to %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = env.do(http.MethodPost, "/alertas/manual/create", url.Values{"titulo": {""}, "mensagem": {""}}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty form status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	list, err := env.store.ListAlerts(context.Background(), domain.AlertActive, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("active alerts = %d, want 2", len(list))
	}
}

func TestAlertResolveAndArchive(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()
	first := domain.NewManualAlert("A", "a", "", "")
	second := domain.NewManualAlert("B", "b", "", "")
	for _, a := range []*domain.Alert{first, second} {
		if err := env.store.CreateAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.doAjax("/alertas/resolver/"+itoa(first.ID), url.Values{})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Errorf("ajax resolve = %d %s", rec.Code, rec.Body.String())
	}
	got, _ := env.store.GetAlert(ctx, first.ID)
	if got.Status != domain.AlertResolved || got.ResolvedBy != domain.ResolvedBySystem {
		t.Errorf("resolved = %s by %q", got.Status, got.ResolvedBy)
	}

	rec = env.do(http.MethodPost, "/alertas/arquivar/"+itoa(second.ID), url.Values{}, "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != alertsPage {
		t.Errorf("archive = %d to %q", rec.Code, rec.Header().Get("Location"))
	}
	if fl := env.flashes(rec); len(fl) != 1 || fl[0].Message != "Alerta arquivado com sucesso!" {
		t.Errorf("flashes = %+v", fl)
	}
	got, _ = env.store.GetAlert(ctx, second.ID)
	if got.Status != domain.AlertArchived {
		t.Errorf("archived status = %s", got.Status)
	}
}

func TestLocalTarget(t *testing.T) {
	tests := []struct {
		next string
		want string
	}{
		{"/dashboards/view/1", "/dashboards/view/1"},
		{"", "/def"},
		{"https://evil.example/", "/def"},
		{"//evil.example/", "/def"},
		{"/\\evil.example", "/def"},
		{"alertas", "/def"},
	}
	for _, tt := range tests {
		if got := localTarget(tt.next, "/def"); got != tt.want {
			t.Errorf("localTarget(%q) = %q, want %q", tt.next, got, tt.want)
		}
	}
}
