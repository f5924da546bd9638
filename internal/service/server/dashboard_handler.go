package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/service/report"
)

const dashboardsPage = "/dashboards/"

// applyDashboardForm copies the submitted fields onto d
func applyDashboardForm(d *domain.Dashboard, form url.Values) map[string]string {
	errs := map[string]string{}
	full := form.Has("_form")

	if form.Has("nome") {
		d.Name = strings.TrimSpace(form.Get("nome"))
	}
	if form.Has("descricao") {
		d.Description = strings.TrimSpace(form.Get("descricao"))
	}
	if form.Has("cor_tema") {
		d.Theme = strings.TrimSpace(form.Get("cor_tema"))
	}
	if form.Has("widgets_grid_template") {
		d.GridTemplate = strings.TrimSpace(form.Get("widgets_grid_template"))
	}
	fields := map[string]*int{
		"widgets_colunas":        &d.GridColumns,
		"opacidade_area_grafico": &d.ChartAreaOpacity,
		"ordem":                  &d.Order,
	}
	for key, dst := range fields {
		if !form.Has(key) {
			continue
		}
		v := strings.TrimSpace(form.Get(key))
		if v == "" {
			*dst = 0
			continue
		}
		n, err := parseInt(v)
		if err != nil {
			errs[key] = "informe um número inteiro"
			continue
		}
		*dst = n
	}
	if form.Has("ativo") {
		d.Active = formBool(form.Get("ativo"))
	} else if full {
		d.Active = false
	}
	if form.Has("incluir_alertas") {
		d.IncludeAlerts = formBool(form.Get("incluir_alertas"))
	} else if full {
		d.IncludeAlerts = false
	}

	if ids, ok := form["indicadores"]; ok || full {
		d.IndicatorIDs = d.IndicatorIDs[:0]
		for _, raw := range ids {
			id, err := cast.ToInt64E(strings.TrimSpace(raw))
			if err != nil {
				continue
			}
			d.IndicatorIDs = append(d.IndicatorIDs, id)
		}
	}
	applyWidgetLayouts(d, form, errs)
	return errs
}

// applyWidgetLayouts reads widget_{id}_coluna_span, widget_{id}_linha_span
// and widget_{id}_grafico_altura for every indicator on d
func applyWidgetLayouts(d *domain.Dashboard, form url.Values, errs map[string]string) {
	for _, id := range d.IndicatorIDs {
		prefix := "widget_" + cast.ToString(id) + "_"
		l := d.Layout(id)
		changed := false
		for key, dst := range map[string]*int{
			"coluna_span":    &l.ColumnSpan,
			"linha_span":     &l.RowSpan,
			"grafico_altura": &l.ChartHeight,
		} {
			v := strings.TrimSpace(form.Get(prefix + key))
			if v == "" {
				continue
			}
			n, err := parseInt(v)
			if err != nil {
				errs["widgets"] = "informe números inteiros no layout dos widgets"
				continue
			}
			*dst = n
			changed = true
		}
		if changed {
			d.SetLayout(id, l)
		}
	}
}

func (s *Server) renderDashboardForm(w http.ResponseWriter, r *http.Request, status int, title, action string, d *domain.Dashboard, errs map[string]string) {
	inds, err := s.deps.Store.ListIndicators(r.Context())
	if err != nil {
		s.fail(w, r, dashboardsPage, "não foi possível listar os indicadores", err)
		return
	}
	if errs == nil {
		errs = map[string]string{}
	}
	s.render(w, r, status, "dashboard_form.html", map[string]interface{}{
		"Title":         title,
		"Action":        action,
		"Dashboard":     d,
		"Indicators":    inds,
		"GridTemplates": domain.GridTemplates,
		"Errors":        errs,
	})
}

func (s *Server) validDashboard(d *domain.Dashboard, errs map[string]string) bool {
	if err := d.Validate(); err != nil {
		for k, v := range domain.FieldErrors(err) {
			if _, ok := errs[k]; !ok {
				errs[k] = v
			}
		}
	}
	return len(errs) == 0
}

func (s *Server) handleDashboardList(w http.ResponseWriter, r *http.Request) {
	ds, err := s.deps.Store.ListDashboards(r.Context())
	if err != nil {
		s.fail(w, r, "/download/", "não foi possível listar os dashboards", err)
		return
	}
	s.render(w, r, http.StatusOK, "dashboards_list.html", map[string]interface{}{
		"Dashboards": ds,
	})
}

func (s *Server) handleDashboardNew(w http.ResponseWriter, r *http.Request) {
	s.renderDashboardForm(w, r, http.StatusOK, "Novo dashboard", "/dashboards/create", domain.NewDashboard(), nil)
}

func (s *Server) handleDashboardCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	d := domain.NewDashboard()
	errs := applyDashboardForm(d, r.PostForm)
	if !s.validDashboard(d, errs) {
		s.renderDashboardForm(w, r, http.StatusBadRequest, "Novo dashboard", "/dashboards/create", d, errs)
		return
	}

	if err := s.deps.Store.CreateDashboard(r.Context(), d); err != nil {
		s.fail(w, r, dashboardsPage, "não foi possível criar o dashboard", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("dashboard created", zap.Int64("id", d.ID), zap.String("name", d.Name))
	s.flash.Set(w, flashSuccess, "Dashboard criado com sucesso!")
	http.Redirect(w, r, dashboardsPage, http.StatusSeeOther)
}

// loadDashboard fetches the {id} dashboard, answering 404 when it is missing
func (s *Server) loadDashboard(w http.ResponseWriter, r *http.Request) (*domain.Dashboard, bool) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	d, err := s.deps.Store.GetDashboard(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, dashboardsPage, "não foi possível carregar o dashboard", err)
		return nil, false
	}
	return d, true
}

func (s *Server) handleDashboardEdit(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDashboard(w, r)
	if !ok {
		return
	}
	s.renderDashboardForm(w, r, http.StatusOK, "Editar dashboard", "/dashboards/edit/"+cast.ToString(d.ID), d, nil)
}

func (s *Server) handleDashboardUpdate(w http.ResponseWriter, r *http.Request) {
	d, ok := s.loadDashboard(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	action := "/dashboards/edit/" + cast.ToString(d.ID)
	errs := applyDashboardForm(d, r.PostForm)
	if !s.validDashboard(d, errs) {
		s.renderDashboardForm(w, r, http.StatusBadRequest, "Editar dashboard", action, d, errs)
		return
	}

	if err := s.deps.Store.UpdateDashboard(r.Context(), d); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, r, dashboardsPage, "não foi possível atualizar o dashboard", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("dashboard updated", zap.Int64("id", d.ID))
	s.flash.Set(w, flashSuccess, "Dashboard atualizado com sucesso!")
	http.Redirect(w, r, dashboardsPage, http.StatusSeeOther)
}

func (s *Server) handleDashboardDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	err := s.deps.Store.DeleteDashboard(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, dashboardsPage, "não foi possível excluir o dashboard", err)
		return
	}
	s.deps.Reports.Forget()

	s.logger.Info("dashboard deleted", zap.Int64("id", id))
	s.flash.Set(w, flashSuccess, "Dashboard excluído com sucesso!")
	http.Redirect(w, r, dashboardsPage, http.StatusSeeOther)
}

// handleDashboardView shows the dashboard's indicators computed as widgets
func (s *Server) handleDashboardView(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	d, cards, err := s.deps.Reports.DashboardPanel(r.Context(), id, panelMode(r, report.ModeWidgets))
	if errors.Is(err, domain.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, r, dashboardsPage, "não foi possível calcular o dashboard", err)
		return
	}
	data := map[string]interface{}{
		"Dashboard": d,
		"Cards":     cards,
		"Columns":   d.Columns(),
		"Status":    s.stat(s.deps.Files.CurrentPath()),
	}
	if d.IncludeAlerts && s.deps.Alerts != nil {
		alerts, _, err := s.deps.Alerts.Active(r.Context())
		if err != nil {
			s.logger.Warn("failed to load alerts for dashboard", zap.Int64("id", d.ID), zap.Error(err))
		}
		data["Alerts"] = alerts
	}
	s.render(w, r, http.StatusOK, "dashboard_view.html", data)
}
