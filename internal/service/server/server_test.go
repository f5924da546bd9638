package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/adapter/filesystem"
	"github.com/vertextoedge/samu-panel/internal/adapter/sqlite"
	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/domain/event"
	"github.com/vertextoedge/samu-panel/internal/indicator"
	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/service/alert"
	"github.com/vertextoedge/samu-panel/internal/service/download"
	"github.com/vertextoedge/samu-panel/internal/service/report"
	"github.com/vertextoedge/samu-panel/internal/sheet"
	"github.com/vertextoedge/samu-panel/internal/util/ratelimiter"
)

// mockPortal implements port.Portal and always fails
type mockPortal struct{}

func (mockPortal) Download(ctx context.Context, r port.DateRange) (string, error) {
	return "", errors.New("portal unavailable")
}

// mockReconfigurer counts scheduler reloads
type mockReconfigurer struct {
	mu    sync.Mutex
	calls int
}

func (m *mockReconfigurer) Reconfigure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

type testEnv struct {
	srv       *Server
	handler   http.Handler
	store     *sqlite.Store
	files     *filesystem.Manager
	scheduler *mockReconfigurer
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "instance", "app.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := filesystem.NewManager(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	engine := indicator.NewEngine(time.UTC, zap.NewNop())
	reports := report.New(nil, files, store, store, engine, zap.NewNop())
	stats := event.NewRunStats()
	runner := download.New(&download.Config{MaxAttempts: 1}, mockPortal{}, files, store, reports, time.UTC, zap.NewNop(),
		download.WithDispatcher(event.NewInMemoryDispatcher(stats)))
	sched := &mockReconfigurer{}

	srv, err := New(&Config{SecretKey: "test-secret", Location: time.UTC}, Deps{
		Store:     store,
		Files:     files,
		Reports:   reports,
		Runner:    runner,
		Scheduler: sched,
		Limiter:   ratelimiter.New(time.Minute),
		Alerts:    alert.New(nil, store, reports, engine, zap.NewNop()),
		Stats:     stats,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(runner.Wait)

	return &testEnv{srv: srv, handler: srv.Routes(), store: store, files: files, scheduler: sched}
}

func (e *testEnv) do(method, target string, body url.Values, remote string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// flashes decodes the flash cookie set on rec
func (e *testEnv) flashes(rec *httptest.ResponseRecorder) []Flash {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return e.srv.flash.Pop(httptest.NewRecorder(), req)
}

func (e *testEnv) writeExport(t *testing.T) {
	t.Helper()
	tbl := sheet.NewTable([]string{"Ocorrência", "Tipo", "Abertura"}, [][]string{
		{"1", "USA", "10/03/2024 11:00"},
		{"2", "USB", "10/03/2024 10:00"},
		{"3", "USA", "10/03/2024 09:00"},
	})
	if err := sheet.WriteXLSX(tbl, e.files.CurrentPath()); err != nil {
		t.Fatalf("WriteXLSX() error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := setupServer(t)
	rec := env.do(http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %s, want healthy", rec.Body.String())
	}
}

func TestRootRedirects(t *testing.T) {
	env := setupServer(t)
	rec := env.do(http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "/download/" {
		t.Errorf("Location = %q, want /download/", loc)
	}
}

func TestPagesRender(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)

	pages := []string{
		"/download/",
		"/download/indicadores",
		"/download/dados?pagina=1&por_pagina=2",
		"/download/config",
		"/indicadores/config",
		"/indicadores/create",
		"/indicadores/painel",
		"/indicadores/painel?modo=widgets",
		"/dashboards/",
		"/dashboards/create",
		"/alertas/dashboard",
		"/alertas/config",
		"/alertas/config/create",
		"/alertas/manual/create?next=/alertas/dashboard",
	}
	for _, p := range pages {
		t.Run(p, func(t *testing.T) {
			rec := env.do(http.MethodGet, p, nil, "")
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s status = %d, want %d: %s", p, rec.Code, http.StatusOK, rec.Body.String())
			}
		})
	}
}

func TestDataPageWithoutExportRedirects(t *testing.T) {
	env := setupServer(t)
	rec := env.do(http.MethodGet, "/download/dados", nil, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	fl := env.flashes(rec)
	if len(fl) != 1 || fl[0].Category != flashWarning {
		t.Errorf("flashes = %+v, want one warning", fl)
	}
}

func TestManualDownloadLoopbackGuard(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		wantCat   string
	}{
		{"remote client", "192.0.2.10:4000", "", flashWarning},
		{"spoofed forwarded header", "192.0.2.10:4000", "127.0.0.1", flashWarning},
		{"loopback v4", "127.0.0.1:4000", "", flashInfo},
		{"loopback v6", "[::1]:4000", "", flashInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t)
			req := httptest.NewRequest(http.MethodPost, "/download/executar", strings.NewReader("dias_atras=1"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
			}
			fl := env.flashes(rec)
			if len(fl) != 1 || fl[0].Category != tt.wantCat {
				t.Errorf("flashes = %+v, want one %s", fl, tt.wantCat)
			}
		})
	}
}

func TestManualDownloadRateLimited(t *testing.T) {
	env := setupServer(t)
	form := url.Values{"dias_atras": {"1"}}

	first := env.do(http.MethodPost, "/download/executar", form, "127.0.0.1:4000")
	if fl := env.flashes(first); len(fl) != 1 || fl[0].Category != flashInfo {
		t.Fatalf("first run flashes = %+v, want info", fl)
	}

	second := env.do(http.MethodPost, "/download/executar", form, "127.0.0.1:4001")
	fl := env.flashes(second)
	if len(fl) != 1 || !strings.Contains(fl[0].Message, "Aguarde") {
		t.Errorf("second run flashes = %+v, want a wait message", fl)
	}
}

func TestManualDownloadInvalidDates(t *testing.T) {
	env := setupServer(t)
	form := url.Values{"data_inicio": {"2024-03-01"}, "data_fim": {"10/03/2024"}}

	rec := env.do(http.MethodPost, "/download/executar", form, "127.0.0.1:4000")
	fl := env.flashes(rec)
	if len(fl) != 1 || fl[0].Category != flashDanger {
		t.Fatalf("flashes = %+v, want danger", fl)
	}

	// a rejected form does not consume the rate limit
	rec = env.do(http.MethodPost, "/download/executar", url.Values{"dias_atras": {"1"}}, "127.0.0.1:4000")
	if fl := env.flashes(rec); len(fl) != 1 || fl[0].Category != flashInfo {
		t.Errorf("flashes = %+v, want info", fl)
	}
}

func TestFlashRoundTrip(t *testing.T) {
	f := newFlasher("secret")
	rec := httptest.NewRecorder()
	f.Set(rec, flashSuccess, "Indicador criado com sucesso!")
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}

	tests := []struct {
		name    string
		flasher *flasher
		value   string
		want    int
	}{
		{"valid", f, cookies[0].Value, 1},
		{"tampered payload", f, "x" + cookies[0].Value, 0},
		{"other secret", newFlasher("other"), cookies[0].Value, 0},
		{"no signature", f, strings.Split(cookies[0].Value, ".")[0], 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(&http.Cookie{Name: flashCookie, Value: tt.value})
			out := httptest.NewRecorder()
			got := tt.flasher.Pop(out, req)
			if len(got) != tt.want {
				t.Fatalf("Pop() = %+v, want %d messages", got, tt.want)
			}
			if tt.want == 1 && got[0].Message != "Indicador criado com sucesso!" {
				t.Errorf("Message = %q", got[0].Message)
			}
			if c := out.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
				t.Errorf("Pop() should clear the cookie, got %+v", c)
			}
		})
	}
}

func TestIndicatorCreate(t *testing.T) {
	env := setupServer(t)
	form := url.Values{
		"_form":               {"1"},
		"nome":                {"Ocorrências USA"},
		"tipo_calculo":        {"contagem"},
		"ativo":               {"on"},
		"ordem":               {"03"},
		"meta_valor":          {"1:30"},
		"condicao_0_coluna":   {"Tipo"},
		"condicao_0_operador": {"=="},
		"condicao_0_valor":    {"USA"},
		"condicao_0_conector": {"and"},
		"condicao_1_coluna":   {""},
		"condicao_1_operador": {"=="},
		"num_condicoes":       {"2"},
	}
	rec := env.do(http.MethodPost, "/indicadores/create", form, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusSeeOther, rec.Body.String())
	}

	inds, err := env.store.ListIndicators(context.Background())
	if err != nil {
		t.Fatalf("ListIndicators() error = %v", err)
	}
	if len(inds) != 1 {
		t.Fatalf("ListIndicators() = %d, want 1", len(inds))
	}
	got := inds[0]
	if got.Name != "Ocorrências USA" || got.CalcType != domain.CalcCount || !got.Active || got.Order != 3 {
		t.Errorf("stored = %+v", got)
	}
	if got.TargetValue == nil || *got.TargetValue != 1.5 {
		t.Errorf("TargetValue = %v, want 1.5", got.TargetValue)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Column != "Tipo" {
		t.Errorf("Conditions = %+v, want one on Tipo", got.Conditions)
	}
	if got.ChartEnabled {
		t.Error("unchecked chart box should be false")
	}

	list := env.do(http.MethodGet, "/indicadores/config", nil, "")
	if !strings.Contains(list.Body.String(), "Ocorrências USA") {
		t.Error("list page does not show the new indicator")
	}
}

func TestIndicatorCreateInvalid(t *testing.T) {
	env := setupServer(t)
	tests := []struct {
		name string
		form url.Values
	}{
		{"missing name", url.Values{"_form": {"1"}, "tipo_calculo": {"contagem"}}},
		{"unknown calc type", url.Values{"_form": {"1"}, "nome": {"x"}, "tipo_calculo": {"mediana"}}},
		{"time diff without columns", url.Values{"_form": {"1"}, "nome": {"x"}, "tipo_calculo": {"diferenca_tempo"}}},
		{"bad number", url.Values{"_form": {"1"}, "nome": {"x"}, "tipo_calculo": {"contagem"}, "filtro_ultimas_horas": {"duas"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/indicadores/create", tt.form, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}

	inds, _ := env.store.ListIndicators(context.Background())
	if len(inds) != 0 {
		t.Errorf("ListIndicators() = %d, want 0", len(inds))
	}
}

func createIndicator(t *testing.T, env *testEnv) *domain.Indicator {
	t.Helper()
	ind := &domain.Indicator{
		Name:         "Total",
		Description:  "todas as ocorrências",
		CalcType:     domain.CalcCount,
		ChartEnabled: true,
		Order:        1,
		Active:       true,
	}
	if err := ind.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := env.store.CreateIndicator(context.Background(), ind); err != nil {
		t.Fatalf("CreateIndicator() error = %v", err)
	}
	return ind
}

func TestIndicatorUpdateChangesOnlySubmittedFields(t *testing.T) {
	env := setupServer(t)
	ind := createIndicator(t, env)

	rec := env.do(http.MethodPost, "/indicadores/edit/"+itoa(ind.ID), url.Values{"nome": {"Total geral"}}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusSeeOther, rec.Body.String())
	}

	got, err := env.store.GetIndicator(context.Background(), ind.ID)
	if err != nil {
		t.Fatalf("GetIndicator() error = %v", err)
	}
	if got.Name != "Total geral" {
		t.Errorf("Name = %q, want %q", got.Name, "Total geral")
	}
	if got.Description != ind.Description || !got.ChartEnabled || !got.Active || got.Order != 1 {
		t.Errorf("untouched fields changed: %+v", got)
	}
}

func TestIndicatorNotFound(t *testing.T) {
	env := setupServer(t)
	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/indicadores/edit/99"},
		{http.MethodPost, "/indicadores/edit/99"},
		{http.MethodPost, "/indicadores/delete/99"},
		{http.MethodGet, "/indicadores/duplicate/99"},
		{http.MethodGet, "/indicadores/calcular/99"},
		{http.MethodGet, "/indicadores/grafico/99"},
		{http.MethodGet, "/indicadores/edit/abc"},
		{http.MethodGet, "/dashboards/view/99"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := env.do(tt.method, tt.target, url.Values{}, "")
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
		})
	}
}

func TestIndicatorDeleteAndDuplicate(t *testing.T) {
	env := setupServer(t)
	ind := createIndicator(t, env)

	rec := env.do(http.MethodGet, "/indicadores/duplicate/"+itoa(ind.ID), nil, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("duplicate status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	inds, _ := env.store.ListIndicators(context.Background())
	if len(inds) != 2 || inds[1].Name != "Total copy" || inds[1].Order != 2 {
		t.Fatalf("after duplicate = %+v", inds)
	}

	rec = env.do(http.MethodPost, "/indicadores/delete/"+itoa(ind.ID), url.Values{}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("delete status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if _, err := env.store.GetIndicator(context.Background(), ind.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetIndicator() error = %v, want ErrNotFound", err)
	}
}

func TestIndicatorOrder(t *testing.T) {
	env := setupServer(t)
	ind := createIndicator(t, env)
	target := "/indicadores/api/ordem/" + itoa(ind.ID)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantOrder  int
	}{
		{"set", `{"ordem": 5}`, http.StatusOK, 5},
		{"negative clamps", `{"ordem": -3}`, http.StatusOK, 0},
		{"numeric string", `{"ordem": "7"}`, http.StatusOK, 7},
		{"missing", `{}`, http.StatusBadRequest, 0},
		{"not a number", `{"ordem": "abc"}`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.doJSON(http.MethodPatch, target, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp struct {
				Success bool   `json:"success"`
				Ordem   int    `json:"ordem"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if tt.wantStatus != http.StatusOK {
				if resp.Success || resp.Error == "" {
					t.Errorf("response = %+v, want an error", resp)
				}
				return
			}
			if !resp.Success || resp.Ordem != tt.wantOrder {
				t.Errorf("response = %+v, want ordem %d", resp, tt.wantOrder)
			}
		})
	}

	if rec := env.doJSON(http.MethodPatch, "/indicadores/api/ordem/99", `{"ordem": 1}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestColumnValues(t *testing.T) {
	env := setupServer(t)

	get := func(col string) []string {
		rec := env.do(http.MethodGet, "/indicadores/api/coluna-valores?coluna="+url.QueryEscape(col), nil, "")
		var out []string
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid JSON %s: %v", rec.Body.String(), err)
		}
		return out
	}

	if got := get("Tipo"); len(got) != 0 {
		t.Errorf("without export = %v, want []", got)
	}

	env.writeExport(t)
	tests := []struct {
		col  string
		want []string
	}{
		{"Tipo", []string{"USA", "USB"}},
		{"\ufeff Tipo ", []string{"USA", "USB"}},
		{"Inexistente", []string{}},
		{"", []string{}},
	}
	for _, tt := range tests {
		got := get(tt.col)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("coluna-valores(%q) = %v, want %v", tt.col, got, tt.want)
		}
	}
}

func TestCalculateAndTest(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)
	ind := createIndicator(t, env)

	rec := env.do(http.MethodGet, "/indicadores/calcular/"+itoa(ind.ID), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("calcular status = %d, want %d", rec.Code, http.StatusOK)
	}
	var res indicator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res.Value == nil || *res.Value != 3 {
		t.Errorf("calcular valor = %v, want 3", res.Value)
	}

	body := `{"nome":"USA","tipo_calculo":"contagem","condicoes":[{"coluna":"Tipo","operador":"==","valor":"USA"}]}`
	rec = env.doJSON(http.MethodPost, "/indicadores/testar", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("testar status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	res = indicator.Result{}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if res.Value == nil || *res.Value != 2 {
		t.Errorf("testar valor = %v, want 2", res.Value)
	}

	rec = env.doJSON(http.MethodPost, "/indicadores/testar", `{not json`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "erro") {
		t.Errorf("bad JSON = %d %s, want 400 with erro", rec.Code, rec.Body.String())
	}
}

func TestTestRejectsOversizedWindows(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"chart hours", `{"tipo_calculo":"contagem","grafico_ultimas_horas":200000,"grafico_intervalo_minutos":1}`, "grafico_ultimas_horas"},
		{"chart interval", `{"tipo_calculo":"contagem","grafico_intervalo_minutos":100000}`, "grafico_intervalo_minutos"},
		{"filter hours", `{"tipo_calculo":"contagem","filtro_ultimas_horas":9999999999,"coluna_data_filtro":"Data"}`, "filtro_ultimas_horas"},
		{"negative", `{"tipo_calculo":"contagem","grafico_ultimas_horas":-5}`, "grafico_ultimas_horas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.doJSON(http.MethodPost, "/indicadores/testar", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
			}
			var res struct {
				Campos map[string]string `json:"campos"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if _, ok := res.Campos[tt.field]; !ok {
				t.Errorf("campos = %v, want %s", res.Campos, tt.field)
			}
		})
	}
}

func TestChartWithTargetLine(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)
	ind := createIndicator(t, env)

	rec := env.do(http.MethodGet, "/indicadores/grafico/"+itoa(ind.ID), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var points []indicator.Point
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("plain series expected: %v", err)
	}

	v := 2.0
	ind.TargetLineEnabled = true
	ind.TargetLineValue = &v
	if err := env.store.UpdateIndicator(context.Background(), ind); err != nil {
		t.Fatalf("UpdateIndicator() error = %v", err)
	}
	rec = env.do(http.MethodGet, "/indicadores/grafico/"+itoa(ind.ID), nil, "")
	var wrapped struct {
		Atual []indicator.Point `json:"atual"`
		Meta  []float64         `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &wrapped); err != nil {
		t.Fatalf("wrapped series expected: %v", err)
	}
	if len(wrapped.Meta) != len(wrapped.Atual) {
		t.Errorf("meta has %d values, want %d", len(wrapped.Meta), len(wrapped.Atual))
	}
}

func TestDownloadStatus(t *testing.T) {
	env := setupServer(t)

	read := func() map[string]interface{} {
		rec := env.do(http.MethodGet, "/download/api/status", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		var out map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		return out
	}

	got := read()
	if got["arquivo_existe"] != false || got["intervalo_minutos"] != float64(60) || got["download_automatico_ativo"] != false {
		t.Errorf("initial status = %v", got)
	}
	if _, ok := got["arquivo_tamanho"]; ok {
		t.Error("arquivo_tamanho reported without a file")
	}

	env.writeExport(t)
	got = read()
	if got["arquivo_existe"] != true {
		t.Errorf("arquivo_existe = %v, want true", got["arquivo_existe"])
	}
	if size, ok := got["arquivo_tamanho"].(float64); !ok || size <= 0 {
		t.Errorf("arquivo_tamanho = %v, want > 0", got["arquivo_tamanho"])
	}
}

func TestMetrics(t *testing.T) {
	env := setupServer(t)

	scrape := func() map[string]float64 {
		rec := env.do(http.MethodGet, "/metrics", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		var parser expfmt.TextParser
		mfs, err := parser.TextToMetricFamilies(rec.Body)
		if err != nil {
			t.Fatalf("TextToMetricFamilies() error = %v", err)
		}
		out := make(map[string]float64, len(mfs))
		for name, mf := range mfs {
			for _, m := range mf.GetMetric() {
				out[name] += m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
		}
		return out
	}

	got := scrape()
	if v, ok := got["samu_panel_export_present"]; !ok || v != 0 {
		t.Errorf("export_present = %v (present %v), want 0", v, ok)
	}
	if _, ok := got["samu_panel_downloads_failed_total"]; !ok {
		t.Error("downloads_failed_total missing")
	}

	if _, err := env.srv.deps.Runner.Run(context.Background(), download.Request{}); !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("Run() error = %v, want ErrMissingCredentials", err)
	}
	env.writeExport(t)

	got = scrape()
	tests := []struct {
		name string
		want float64
	}{
		{"samu_panel_export_present", 1},
		{"samu_panel_downloads_failed_total", 1},
		{"samu_panel_downloads_completed_total", 0},
		{"samu_panel_download_running", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got[tt.name] != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got[tt.name], tt.want)
			}
		})
	}
	if got["samu_panel_export_size_bytes"] <= 0 {
		t.Errorf("export_size_bytes = %v, want > 0", got["samu_panel_export_size_bytes"])
	}
}

func TestScheduleSave(t *testing.T) {
	env := setupServer(t)

	rec := env.do(http.MethodPost, "/download/config", url.Values{
		"ativo":             {"on"},
		"tipo_agendamento":  {"hora_fixa"},
		"intervalo_minutos": {"30"},
		"hora_fixa":         {"07"},
		"dias_atras":        {"2"},
	}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusSeeOther, rec.Body.String())
	}
	sched, err := env.store.GetSchedule(context.Background())
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if !sched.Active || sched.Type != domain.ScheduleFixedHour || sched.FixedHour == nil || *sched.FixedHour != 7 || sched.DaysBack != 2 {
		t.Errorf("stored schedule = %+v", sched)
	}
	if env.scheduler.calls != 1 {
		t.Errorf("Reconfigure() calls = %d, want 1", env.scheduler.calls)
	}

	rec = env.do(http.MethodPost, "/download/config", url.Values{
		"tipo_agendamento":  {"hora_fixa"},
		"intervalo_minutos": {"30"},
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("fixed hour without hour status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if env.scheduler.calls != 1 {
		t.Errorf("invalid form reloaded the scheduler")
	}

	rec = env.do(http.MethodGet, "/download/api/config", nil, "")
	if !strings.Contains(rec.Body.String(), `"tipo_agendamento":"hora_fixa"`) {
		t.Errorf("api/config = %s", rec.Body.String())
	}
}

func TestDashboardLifecycle(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)
	ind := createIndicator(t, env)

	rec := env.do(http.MethodPost, "/dashboards/create", url.Values{
		"_form":           {"1"},
		"nome":            {"Regulação"},
		"cor_tema":        {"light"},
		"widgets_colunas": {"2"},
		"ativo":           {"on"},
		"indicadores":     {itoa(ind.ID), itoa(ind.ID), "x"},
	}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("create status = %d, want %d: %s", rec.Code, http.StatusSeeOther, rec.Body.String())
	}

	ds, err := env.store.ListDashboards(context.Background())
	if err != nil || len(ds) != 1 {
		t.Fatalf("ListDashboards() = %v, %v", ds, err)
	}
	d, err := env.store.GetDashboard(context.Background(), ds[0].ID)
	if err != nil {
		t.Fatalf("GetDashboard() error = %v", err)
	}
	if len(d.IndicatorIDs) != 1 || d.IndicatorIDs[0] != ind.ID || d.GridColumns != 2 {
		t.Errorf("stored dashboard = %+v", d)
	}

	view := env.do(http.MethodGet, "/dashboards/view/"+itoa(d.ID), nil, "")
	if view.Code != http.StatusOK || !strings.Contains(view.Body.String(), "Regulação") {
		t.Errorf("view status = %d", view.Code)
	}

	rec = env.do(http.MethodPost, "/dashboards/create", url.Values{"_form": {"1"}, "nome": {"x"}, "cor_tema": {"azul"}}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid theme status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(http.MethodPost, "/dashboards/delete/"+itoa(d.ID), url.Values{}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("delete status = %d, want %d", rec.Code, http.StatusSeeOther)
	}
	if _, err := env.store.GetDashboard(context.Background(), d.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetDashboard() error = %v, want ErrNotFound", err)
	}
}

func TestDashboardLayoutForm(t *testing.T) {
	env := setupServer(t)
	env.writeExport(t)
	ind := createIndicator(t, env)
	prefix := "widget_" + itoa(ind.ID) + "_"

	rec := env.do(http.MethodPost, "/dashboards/create", url.Values{
		"_form":                   {"1"},
		"nome":                    {"Sala"},
		"cor_tema":                {"dark"},
		"widgets_colunas":         {"3"},
		"widgets_grid_template":   {"masonry"},
		"opacidade_area_grafico":  {"45"},
		"incluir_alertas":         {"on"},
		"indicadores":             {itoa(ind.ID)},
		prefix + "coluna_span":    {"2"},
		prefix + "linha_span":     {"9"},
		prefix + "grafico_altura": {"120"},
	}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	ds, err := env.store.ListDashboards(context.Background())
	if err != nil || len(ds) != 1 {
		t.Fatalf("ListDashboards() = %v, %v", ds, err)
	}
	d := ds[0]
	if d.GridTemplate != domain.GridMasonry || d.ChartAreaOpacity != 45 || !d.IncludeAlerts {
		t.Errorf("stored dashboard = %+v", d)
	}
	if l := d.Layout(ind.ID); l != (domain.WidgetLayout{ColumnSpan: 2, RowSpan: 4, ChartHeight: 120}) {
		t.Errorf("Layout() = %+v, want row span clamped to 4", l)
	}

	if err := env.srv.deps.Alerts.CreateManual(context.Background(), domain.NewManualAlert("Viatura parada", "USA 03 sem combustível", "", "")); err != nil {
		t.Fatal(err)
	}
	view := env.do(http.MethodGet, "/dashboards/view/"+itoa(d.ID), nil, "")
	body := view.Body.String()
	if view.Code != http.StatusOK {
		t.Fatalf("view status = %d", view.Code)
	}
	for _, want := range []string{"grid-column:span 2", "grid-auto-flow:dense", "Viatura parada"} {
		if !strings.Contains(body, want) {
			t.Errorf("view missing %q", want)
		}
	}

	rec = env.do(http.MethodPost, "/dashboards/edit/"+itoa(d.ID), url.Values{
		"_form":                {"1"},
		"nome":                 {"Sala"},
		"cor_tema":             {"dark"},
		"indicadores":          {itoa(ind.ID)},
		prefix + "coluna_span": {"largo"},
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid span status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(http.MethodPost, "/dashboards/edit/"+itoa(d.ID), url.Values{
		"_form":       {"1"},
		"nome":        {"Sala"},
		"cor_tema":    {"dark"},
		"indicadores": {itoa(ind.ID)},
	}, "")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	got, err := env.store.GetDashboard(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IncludeAlerts {
		t.Error("unchecked incluir_alertas should clear the flag")
	}
	if got.Layout(ind.ID).ColumnSpan != 2 {
		t.Errorf("Layout() = %+v, want previous layout kept", got.Layout(ind.ID))
	}
	view = env.do(http.MethodGet, "/dashboards/view/"+itoa(d.ID), nil, "")
	if strings.Contains(view.Body.String(), "Viatura parada") {
		t.Error("alerts shown on a dashboard without incluir_alertas")
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"7", 7, false},
		{"07", 7, false},
		{"08", 8, false},
		{"0", 0, false},
		{"-5", -5, false},
		{" 12 ", 12, false},
		{"abc", 0, true},
		{"1.5", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInt(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseInt(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormBool(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "1": true, "true": true, "sim": true, "": false, "0": false, "off": false} {
		if got := formBool(in); got != want {
			t.Errorf("formBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
