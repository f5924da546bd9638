package server

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/service/download"
)

const formDateLayout = "02/01/2006"

const (
	defaultPerPage = 50
	maxPerPage     = 500
)

const msgNoExport = "Nenhum arquivo encontrado. Execute um download primeiro."

// stat returns the status of path; failures are logged and reported as a
// missing file
func (s *Server) stat(path string) *port.FileStatus {
	st, err := s.deps.Files.Stat(path)
	if err != nil {
		s.logger.Warn("failed to stat file", zap.String("path", path), zap.Error(err))
		return &port.FileStatus{Path: path}
	}
	return st
}

// handleDownloadIndex shows the file status, the schedule and the manual form
func (s *Server) handleDownloadIndex(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Store.GetSchedule(r.Context())
	if err != nil {
		s.logger.Error("failed to load schedule", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Current":  s.stat(s.deps.Files.CurrentPath()),
		"History":  s.stat(s.deps.Files.HistoryPath()),
		"Schedule": sched,
		"CanRun":   isLoopback(r),
	}
	if s.deps.Runner != nil {
		data["Running"] = s.deps.Runner.Running()
		data["Last"] = s.deps.Runner.Last()
	}

	t, _, err := s.deps.Reports.Table()
	switch {
	case err == nil:
		summary := s.deps.Reports.Engine().Summarize(t)
		data["Summary"] = &summary
	case !errors.Is(err, domain.ErrNoData):
		s.logger.Warn("failed to load export", zap.Error(err))
	}

	if usage, err := s.deps.Files.GetDiskUsage(); err == nil {
		data["Disk"] = usage
	} else {
		s.logger.Debug("disk usage unavailable", zap.Error(err))
	}

	s.render(w, r, http.StatusOK, "download_index.html", data)
}

// handleDownloadRun starts a manual download in the background
func (s *Server) handleDownloadRun(w http.ResponseWriter, r *http.Request) {
	const back = "/download/"
	if err := r.ParseForm(); err != nil {
		s.flash.Set(w, flashDanger, "Formulário inválido.")
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}

	key := clientKey(r)
	if s.deps.Limiter != nil {
		if ok, wait := s.deps.Limiter.Allow(key); !ok {
			s.flash.Set(w, flashWarning, fmt.Sprintf("Aguarde %d segundos antes de iniciar outro download.", int(math.Ceil(wait.Seconds()))))
			http.Redirect(w, r, back, http.StatusSeeOther)
			return
		}
	}

	req, err := s.parseRunRequest(r)
	if err != nil {
		s.resetLimiter(key)
		s.flash.Set(w, flashDanger, "Formato de data inválido. Use DD/MM/YYYY")
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}

	if err := s.deps.Runner.RunAsync(s.bgCtx, req); err != nil {
		s.resetLimiter(key)
		if errors.Is(err, domain.ErrDownloadInProgress) {
			s.flash.Set(w, flashWarning, "Já existe um download em andamento.")
			http.Redirect(w, r, back, http.StatusSeeOther)
			return
		}
		s.fail(w, r, back, "não foi possível iniciar o download", err)
		return
	}

	s.logger.Info("manual download started",
		zap.String("client", key),
		zap.Int("days_back", req.DaysBack),
		zap.Bool("historical", req.Historical))
	s.flash.Set(w, flashInfo, "Download iniciado em background. Você pode continuar usando o sistema.")
	http.Redirect(w, r, back, http.StatusSeeOther)
}

func (s *Server) resetLimiter(key string) {
	if s.deps.Limiter != nil {
		s.deps.Limiter.Reset(key)
	}
}

// parseRunRequest reads the manual download form. An explicit period wins
// over the days-back field.
func (s *Server) parseRunRequest(r *http.Request) (download.Request, error) {
	req := download.Request{
		DaysBack:   cast.ToInt(strings.TrimSpace(r.PostFormValue("dias_atras"))),
		Historical: formBool(r.PostFormValue("historico")),
		Trigger:    domain.TriggerManual,
	}
	if strings.TrimSpace(r.PostFormValue("dias_atras")) == "" {
		req.DaysBack = 1
	}

	start := strings.TrimSpace(r.PostFormValue("data_inicio"))
	end := strings.TrimSpace(r.PostFormValue("data_fim"))
	if start == "" || end == "" {
		return req, nil
	}
	var err error
	if req.Start, err = time.ParseInLocation(formDateLayout, start, s.config.Location); err != nil {
		return req, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if req.End, err = time.ParseInLocation(formDateLayout, end, s.config.Location); err != nil {
		return req, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return req, nil
}

// handleDownloadIndicators shows the general summary and per-column stats
func (s *Server) handleDownloadIndicators(w http.ResponseWriter, r *http.Request) {
	t, status, err := s.deps.Reports.Table()
	if errors.Is(err, domain.ErrNoData) {
		s.flash.Set(w, flashWarning, msgNoExport)
		http.Redirect(w, r, "/download/", http.StatusSeeOther)
		return
	}
	if err != nil {
		s.fail(w, r, "/download/", "não foi possível ler o arquivo", err)
		return
	}

	engine := s.deps.Reports.Engine()
	s.render(w, r, http.StatusOK, "download_indicadores.html", map[string]interface{}{
		"Status":  status,
		"Summary": engine.Summarize(t),
		"Stats":   engine.AllStats(t),
	})
}

// handleDownloadData shows one page of the converted table
func (s *Server) handleDownloadData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	historical := formBool(q.Get("historico"))

	load := s.deps.Reports.Table
	if historical {
		load = s.deps.Reports.HistoryTable
	}
	t, _, err := load()
	if errors.Is(err, domain.ErrNoData) {
		s.flash.Set(w, flashWarning, msgNoExport)
		http.Redirect(w, r, "/download/", http.StatusSeeOther)
		return
	}
	if err != nil {
		s.fail(w, r, "/download/", "não foi possível ler o arquivo", err)
		return
	}

	perPage := cast.ToInt(q.Get("por_pagina"))
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	totalPages := (t.Len() + perPage - 1) / perPage
	if totalPages < 1 {
		totalPages = 1
	}
	page := cast.ToInt(q.Get("pagina"))
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	s.render(w, r, http.StatusOK, "download_dados.html", map[string]interface{}{
		"Columns":    t.Columns,
		"Rows":       t.Page((page-1)*perPage, perPage),
		"Total":      t.Len(),
		"Page":       page,
		"PerPage":    perPage,
		"TotalPages": totalPages,
		"Historical": historical,
	})
}

// handleDownloadStatus returns the file and schedule status as JSON
func (s *Server) handleDownloadStatus(w http.ResponseWriter, r *http.Request) {
	cur := s.stat(s.deps.Files.CurrentPath())
	hist := s.stat(s.deps.Files.HistoryPath())

	status := map[string]interface{}{
		"arquivo_existe":            cur.Exists,
		"historico_existe":          hist.Exists,
		"intervalo_minutos":         60,
		"download_automatico_ativo": false,
		"ultimo_status":             nil,
		"proxima_execucao_iso":      nil,
		"em_execucao":               s.deps.Runner != nil && s.deps.Runner.Running() != nil,
	}

	if sched, err := s.deps.Store.GetSchedule(r.Context()); err == nil {
		status["intervalo_minutos"] = sched.IntervalMinutes
		status["download_automatico_ativo"] = sched.Active
		if sched.LastStatus != "" {
			status["ultimo_status"] = sched.LastStatus
		}
		if sched.NextRun != nil {
			status["proxima_execucao_iso"] = sched.NextRun.UTC().Format(time.RFC3339)
		}
	} else {
		s.logger.Warn("failed to load schedule", zap.Error(err))
	}

	if cur.Exists {
		status["arquivo_modificado"] = cur.ModTime.In(s.config.Location).Format(dateTimeLayout)
		status["arquivo_tamanho"] = cur.Size
		status["arquivo_tamanho_legivel"] = humanize.Bytes(uint64(cur.Size))
	}
	if usage, err := s.deps.Files.GetDiskUsage(); err == nil {
		status["disco_livre"] = usage.Free
		status["disco_usado_pct"] = usage.UsedPct
	}
	if s.deps.Stats != nil {
		status["contadores"] = s.deps.Stats.Snapshot()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleScheduleForm shows the automatic download configuration
func (s *Server) handleScheduleForm(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Store.GetSchedule(r.Context())
	if err != nil {
		s.fail(w, r, "/download/", "não foi possível carregar a configuração", err)
		return
	}
	s.render(w, r, http.StatusOK, "download_config.html", map[string]interface{}{
		"Schedule": sched,
		"Errors":   map[string]string{},
	})
}

// handleScheduleSave stores the configuration and reloads the scheduler
func (s *Server) handleScheduleSave(w http.ResponseWriter, r *http.Request) {
	const back = "/download/config"
	if err := r.ParseForm(); err != nil {
		s.flash.Set(w, flashDanger, "Formulário inválido.")
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}

	sched, err := s.deps.Store.GetSchedule(r.Context())
	if err != nil {
		s.fail(w, r, back, "não foi possível carregar a configuração", err)
		return
	}

	errs := map[string]string{}
	sched.Active = formBool(r.PostFormValue("ativo"))
	sched.Type = domain.ScheduleType(strings.TrimSpace(r.PostFormValue("tipo_agendamento")))
	if sched.Type == "" {
		sched.Type = domain.ScheduleInterval
	}
	if v := strings.TrimSpace(r.PostFormValue("intervalo_minutos")); v != "" {
		n, err := parseInt(v)
		if err != nil {
			errs["intervalo_minutos"] = "informe um número inteiro"
		}
		sched.IntervalMinutes = n
	}
	sched.FixedHour = nil
	if v := strings.TrimSpace(r.PostFormValue("hora_fixa")); v != "" {
		n, err := parseInt(v)
		if err != nil {
			errs["hora_fixa"] = "informe um número inteiro"
		}
		sched.FixedHour = &n
	}
	if v := strings.TrimSpace(r.PostFormValue("dias_atras")); v != "" {
		n, err := parseInt(v)
		if err != nil {
			errs["dias_atras"] = "informe um número inteiro"
		}
		sched.DaysBack = n
	}

	if err := sched.Validate(); err != nil {
		for k, v := range domain.FieldErrors(err) {
			if _, ok := errs[k]; !ok {
				errs[k] = v
			}
		}
	}
	if len(errs) > 0 {
		s.render(w, r, http.StatusBadRequest, "download_config.html", map[string]interface{}{
			"Schedule": sched,
			"Errors":   errs,
		})
		return
	}

	if err := s.deps.Store.SaveSchedule(r.Context(), sched); err != nil {
		s.fail(w, r, back, "não foi possível salvar a configuração", err)
		return
	}
	if s.deps.Scheduler != nil {
		if err := s.deps.Scheduler.Reconfigure(r.Context()); err != nil {
			s.fail(w, r, back, "configuração salva, mas o agendador não foi atualizado", err)
			return
		}
	}

	s.logger.Info("download schedule updated",
		zap.Bool("active", sched.Active),
		zap.String("type", string(sched.Type)),
		zap.Int("interval_minutes", sched.IntervalMinutes))
	s.flash.Set(w, flashSuccess, "Configuração de download automático salva com sucesso!")
	http.Redirect(w, r, back, http.StatusSeeOther)
}

// handleScheduleJSON returns the schedule row as JSON
func (s *Server) handleScheduleJSON(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Store.GetSchedule(r.Context())
	if err != nil {
		s.logger.Warn("failed to load schedule", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"ativo": false})
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// clientKey identifies the caller for rate limiting by TCP peer host
func clientKey(r *http.Request) string {
	addr, ok := r.Context().Value(peerKey{}).(string)
	if !ok {
		addr = r.RemoteAddr
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// formBool reads an HTML checkbox or a boolean query value
func formBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "on" || v == "sim" || cast.ToBool(v)
}
