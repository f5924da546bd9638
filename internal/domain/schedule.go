package domain

import (
	"fmt"
	"time"
)

// ScheduleType selects how automatic downloads are triggered
type ScheduleType string

const (
	ScheduleInterval  ScheduleType = "intervalo"
	ScheduleFixedHour ScheduleType = "hora_fixa"
)

// IsValid reports whether t is a known schedule type
func (t ScheduleType) IsValid() bool {
	return t == ScheduleInterval || t == ScheduleFixedHour
}

// RunStatus is the outcome of the latest download
type RunStatus string

const (
	StatusRunning RunStatus = "executando"
	StatusSuccess RunStatus = "sucesso"
	StatusError   RunStatus = "erro"
)

// DownloadSchedule is the single-row configuration of automatic downloads
// plus the status of the last run.
type DownloadSchedule struct {
	ID              int64        `json:"id"`
	Active          bool         `json:"ativo"`
	Type            ScheduleType `json:"tipo_agendamento" validate:"schedtype"`
	IntervalMinutes int          `json:"intervalo_minutos" validate:"gte=1,lte=10080"`
	FixedHour       *int         `json:"hora_fixa" validate:"omitempty,gte=0,lte=23"`
	DaysBack        int          `json:"dias_atras" validate:"gte=0,lte=365"`

	LastRun    *time.Time `json:"ultima_execucao"`
	NextRun    *time.Time `json:"proxima_execucao"`
	LastStatus RunStatus  `json:"ultimo_status"`
	LastError  string     `json:"ultimo_erro"`

	CreatedAt time.Time `json:"criado_em"`
	UpdatedAt time.Time `json:"atualizado_em"`
}

// DefaultSchedule is the row created on first start
func DefaultSchedule() *DownloadSchedule {
	return &DownloadSchedule{
		Active:          false,
		Type:            ScheduleInterval,
		IntervalMinutes: 60,
		DaysBack:        1,
	}
}

// Validate checks the schedule fields
func (s *DownloadSchedule) Validate() error {
	ve := validateStruct(s)
	if s.Type == ScheduleFixedHour && s.FixedHour == nil {
		ve.Add("hora_fixa", "campo obrigatório para hora fixa")
	}
	return ve.OrNil()
}

// CronSpec returns the cron expression for the schedule, evaluated in the
// scheduler's location.
func (s *DownloadSchedule) CronSpec() string {
	if s.Type == ScheduleFixedHour && s.FixedHour != nil {
		return fmt.Sprintf("0 %d * * *", *s.FixedHour)
	}
	return fmt.Sprintf("@every %dm", s.IntervalMinutes)
}

// NextRunAfter computes the next trigger time after now in loc: now plus the
// interval, or today's fixed hour (tomorrow when already past).
func (s *DownloadSchedule) NextRunAfter(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	if s.Type == ScheduleFixedHour && s.FixedHour != nil {
		next := time.Date(now.Year(), now.Month(), now.Day(), *s.FixedHour, 0, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	return now.Add(time.Duration(s.IntervalMinutes) * time.Minute)
}

// Describe returns a short human-readable summary of the schedule
func (s *DownloadSchedule) Describe() string {
	if !s.Active {
		return "desativado"
	}
	if s.Type == ScheduleFixedHour && s.FixedHour != nil {
		return fmt.Sprintf("diariamente às %02d:00", *s.FixedHour)
	}
	return fmt.Sprintf("a cada %d minutos", s.IntervalMinutes)
}
