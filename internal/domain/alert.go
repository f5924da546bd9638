package domain

import (
	"strings"
	"time"
)

// AlertStatus is the lifecycle state of a raised alert
type AlertStatus string

const (
	AlertActive   AlertStatus = "ativo"
	AlertResolved AlertStatus = "resolvido"
	AlertArchived AlertStatus = "arquivado"
)

// AlertOrigin tells generated alerts from the ones typed by an operator
type AlertOrigin string

const (
	OriginAutomatic AlertOrigin = "automatico"
	OriginManual    AlertOrigin = "manual"
)

// ResolvedBySystem marks alerts closed by the generator or the age limit
const ResolvedBySystem = "Sistema"

// Built-in rule types. Any other type is evaluated with the generic checks.
const (
	RuleRepeatedCaller     = "multiplos_chamados"
	RuleSlowResponseByCity = "tempo_resposta_municipio"
	RuleSupportRequest     = "apoio_instituicoes"
	RuleHighDemand         = "alta_demanda"
	RuleSlowResponse       = "tempo_resposta_elevado"
)

// Generic check kinds over the rule's data column
const (
	CheckCount       = "contar"
	CheckDistinct    = "contar_unicos"
	CheckRepeated    = "contar_repetidos"
	CheckContains    = "contem"
	CheckNotContains = "nao_contem"
	CheckEqual       = "igual"
	CheckNotEqual    = "diferente"
	CheckGreater     = "maior_que"
	CheckLess        = "menor_que"
	CheckGreaterEq   = "maior_igual"
	CheckLessEq      = "menor_igual"
	CheckMean        = "media"
	CheckSum         = "soma"
	CheckMax         = "maximo"
	CheckMin         = "minimo"
	CheckEmpty       = "vazio"
	CheckNotEmpty    = "nao_vazio"
)

// CheckKinds lists the generic checks in form order
var CheckKinds = []string{
	CheckCount, CheckDistinct, CheckRepeated, CheckContains, CheckNotContains,
	CheckEqual, CheckNotEqual, CheckGreater, CheckLess, CheckGreaterEq, CheckLessEq,
	CheckMean, CheckSum, CheckMax, CheckMin, CheckEmpty, CheckNotEmpty,
}

var checkLabels = map[string]string{
	CheckCount:       "Contar",
	CheckDistinct:    "Contar Valores Únicos",
	CheckRepeated:    "Contar Repetidos",
	CheckContains:    "Contém",
	CheckNotContains: "Não Contém",
	CheckEqual:       "Igual a",
	CheckNotEqual:    "Diferente de",
	CheckGreater:     "Maior que",
	CheckLess:        "Menor que",
	CheckGreaterEq:   "Maior ou Igual a",
	CheckLessEq:      "Menor ou Igual a",
	CheckMean:        "Média",
	CheckSum:         "Soma",
	CheckMax:         "Máximo",
	CheckMin:         "Mínimo",
	CheckEmpty:       "É Vazio/Nulo",
	CheckNotEmpty:    "Não É Vazio",
}

// CheckLabel returns the display name of a check kind
func CheckLabel(k string) string {
	if l, ok := checkLabels[k]; ok {
		return l
	}
	return k
}

// IsCheckKind reports whether k is a known generic check
func IsCheckKind(k string) bool {
	for _, known := range CheckKinds {
		if k == known {
			return true
		}
	}
	return false
}

// AlertCheck is one generic check with its optional limit
type AlertCheck struct {
	Kind  string `json:"tipo"`
	Limit string `json:"valor"`
}

// AlertSettings holds the type-specific parameters of a rule
type AlertSettings struct {
	// generic checks
	DataColumn string       `json:"coluna_dados,omitempty"`
	Checks     []AlertCheck `json:"verificacoes,omitempty"`

	// indicator-style calculation compared against AlertOperator/AlertValue
	CalcType       CalcType `json:"tipo_calculo,omitempty"`
	Unit           string   `json:"unidade,omitempty"`
	StartColumn    string   `json:"coluna_data_inicio,omitempty"`
	EndColumn      string   `json:"coluna_data_fim,omitempty"`
	TargetValue    *float64 `json:"meta_valor,omitempty"`
	TargetOperator string   `json:"meta_operador,omitempty"`
	AlertOperator  string   `json:"alerta_operador,omitempty"`
	AlertValue     *float64 `json:"alerta_valor,omitempty"`

	CountBy          CountMode `json:"contagem_por,omitempty"`
	OccurrenceColumn string    `json:"coluna_ocorrencia,omitempty"`

	// built-in types
	MinCount      int      `json:"quantidade_minima,omitempty"`
	PhoneColumn   string   `json:"coluna_telefone,omitempty"`
	Cities        []string `json:"municipios,omitempty"`
	CityColumn    string   `json:"coluna_municipio,omitempty"`
	MaxMinutes    *float64 `json:"tempo_maximo_minutos,omitempty"`
	Institutions  []string `json:"instituicoes,omitempty"`
	SupportColumn string   `json:"coluna_apoio,omitempty"`
}

// AlertRule is a saved alert configuration evaluated after every download
type AlertRule struct {
	ID          int64         `json:"id"`
	Name        string        `json:"nome" validate:"required,max=200"`
	Description string        `json:"descricao"`
	Type        string        `json:"tipo" validate:"required,max=50"`
	Settings    AlertSettings `json:"configuracoes"`

	// PeriodHours keeps rows whose FilterColumn is within the last N hours
	PeriodHours  int         `json:"periodo_verificacao_horas" validate:"gte=1,lte=8760"`
	FilterColumn string      `json:"coluna_data_filtro" validate:"max=100"`
	Conditions   []Condition `json:"condicoes" validate:"dive"`

	Priority int    `json:"prioridade" validate:"gte=1,lte=5"`
	Icon     string `json:"icone" validate:"max=50"`
	Color    string `json:"cor" validate:"omitempty,hexcolor"`
	Active   bool   `json:"ativo"`
	Order    int    `json:"ordem" validate:"gte=0"`

	// ResolveWhenCleared closes alerts once the data no longer triggers
	// them; other rules' alerts expire after the system age limit.
	ResolveWhenCleared bool `json:"sumir_quando_resolvido"`

	CreatedAt time.Time `json:"criado_em"`
	UpdatedAt time.Time `json:"atualizado_em"`
}

// Alert defaults
const (
	DefaultAlertIcon     = "exclamation-triangle"
	DefaultAlertColor    = "#dc3545"
	DefaultManualIcon    = "megaphone"
	DefaultManualColor   = "#6c757d"
	DefaultAlertPriority = 3
)

// NewAlertRule returns a rule with the form defaults applied
func NewAlertRule() *AlertRule {
	return &AlertRule{
		PeriodHours: 1,
		Priority:    DefaultAlertPriority,
		Icon:        DefaultAlertIcon,
		Color:       DefaultAlertColor,
		Active:      true,
	}
}

// Normalize trims text fields and fills defaults
func (r *AlertRule) Normalize() {
	r.Type = strings.TrimSpace(r.Type)
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		r.Name = r.Type
	}
	r.FilterColumn = strings.TrimSpace(r.FilterColumn)
	if r.PeriodHours < 1 {
		r.PeriodHours = 1
	}
	if r.Priority == 0 {
		r.Priority = DefaultAlertPriority
	}
	if r.Icon == "" {
		r.Icon = DefaultAlertIcon
	}
	if r.Color == "" {
		r.Color = DefaultAlertColor
	}
	if r.Order < 0 {
		r.Order = 0
	}

	st := &r.Settings
	st.DataColumn = strings.TrimSpace(st.DataColumn)
	if st.CountBy != CountOccurrences {
		st.CountBy = CountRows
	}
	if st.CalcType != "" && !st.CalcType.IsValid() {
		st.CalcType = ""
	}
	if st.CalcType != "" && st.Unit == "" {
		st.Unit = UnitMinutes
	}
	switch st.AlertOperator {
	case OpGreaterEq, OpLessEq, OpGreater, OpLess, OpEqual:
	default:
		st.AlertOperator = OpGreaterEq
	}
	if st.TargetOperator != OpGreaterEq {
		st.TargetOperator = OpLessEq
	}
	checks := st.Checks[:0]
	for _, c := range st.Checks {
		c.Kind = strings.TrimSpace(c.Kind)
		c.Limit = strings.TrimSpace(c.Limit)
		if IsCheckKind(c.Kind) {
			checks = append(checks, c)
		}
	}
	st.Checks = checks

	r.Conditions = normalizeConditions(r.Conditions)
}

// Validate normalizes the rule and checks it can be stored
func (r *AlertRule) Validate() error {
	r.Normalize()
	ve := validateStruct(r)

	st := r.Settings
	switch r.Type {
	case RuleRepeatedCaller, RuleHighDemand, RuleSlowResponse:
	case RuleSlowResponseByCity:
		if len(st.Cities) == 0 {
			ve.Add("configuracoes.municipios", "informe ao menos um município")
		}
	case RuleSupportRequest:
		if len(st.Institutions) == 0 {
			ve.Add("configuracoes.instituicoes", "informe ao menos uma instituição")
		}
	default:
		if st.CalcType != "" {
			if st.AlertValue == nil {
				ve.Add("configuracoes.alerta_valor", "informe o valor de disparo")
			}
			break
		}
		if st.DataColumn == "" {
			ve.Add("configuracoes.coluna_dados", "informe a coluna de dados")
		}
		if len(st.Checks) == 0 {
			ve.Add("configuracoes.verificacoes", "informe ao menos uma verificação")
		}
	}
	return ve.OrNil()
}

// Indicator returns the filter view of the rule: the period window, the
// conditions and the occurrence dedup, plus the calculation when set.
func (r *AlertRule) Indicator() *Indicator {
	st := r.Settings
	ind := &Indicator{
		Name:             r.Name,
		CalcType:         st.CalcType,
		StartColumn:      st.StartColumn,
		EndColumn:        st.EndColumn,
		Unit:             st.Unit,
		Conditions:       r.Conditions,
		FilterHours:      r.PeriodHours,
		FilterColumn:     r.FilterColumn,
		CountBy:          st.CountBy,
		OccurrenceColumn: st.OccurrenceColumn,
		TargetValue:      st.TargetValue,
		TargetOperator:   st.TargetOperator,
	}
	if ind.CalcType == "" {
		ind.CalcType = CalcCount
	}
	return ind
}

// Duplicate returns an inactive unsaved copy placed right after the original
func (r *AlertRule) Duplicate() *AlertRule {
	dup := *r
	dup.ID = 0
	dup.Type = "copy - " + r.Type
	dup.Name = dup.Type
	dup.Active = false
	dup.Order = r.Order + 1
	dup.Conditions = append([]Condition(nil), r.Conditions...)
	dup.Settings.Checks = append([]AlertCheck(nil), r.Settings.Checks...)
	dup.Settings.Cities = append([]string(nil), r.Settings.Cities...)
	dup.Settings.Institutions = append([]string(nil), r.Settings.Institutions...)
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	return &dup
}

// Alert is one raised alert. Key identifies what triggered it within its
// rule so a condition that persists across downloads raises it once.
type Alert struct {
	ID          int64                  `json:"id"`
	RuleID      *int64                 `json:"configuracao_alerta_id"`
	TypeName    string                 `json:"tipo_alerta_nome"`
	TypeIcon    string                 `json:"tipo_alerta_icone"`
	TypeColor   string                 `json:"tipo_alerta_cor"`
	Title       string                 `json:"titulo" validate:"required,max=200"`
	Message     string                 `json:"mensagem" validate:"required"`
	Details     map[string]interface{} `json:"detalhes"`
	Key         string                 `json:"-"`
	Status      AlertStatus            `json:"status"`
	Priority    int                    `json:"prioridade"`
	Origin      AlertOrigin            `json:"origem"`
	DashboardID *int64                 `json:"dashboard_id"`
	OccurredAt  *time.Time             `json:"-"`
	CreatedAt   time.Time              `json:"-"`
	ResolvedAt  *time.Time             `json:"-"`
	ArchivedAt  *time.Time             `json:"-"`
	CreatedBy   string                 `json:"criado_por"`
	ResolvedBy  string                 `json:"resolvido_por"`
}

// NewManualAlert returns an operator alert with the manual defaults
func NewManualAlert(title, message, icon, color string) *Alert {
	a := &Alert{
		TypeName:  "Manual",
		TypeIcon:  strings.TrimSpace(icon),
		TypeColor: strings.TrimSpace(color),
		Title:     strings.TrimSpace(title),
		Message:   strings.TrimSpace(message),
		Status:    AlertActive,
		Priority:  DefaultAlertPriority,
		Origin:    OriginManual,
		CreatedBy: ResolvedBySystem,
	}
	if a.TypeIcon == "" {
		a.TypeIcon = DefaultManualIcon
	}
	if a.TypeColor == "" {
		a.TypeColor = DefaultManualColor
	}
	return a
}

// Validate checks a manual alert can be stored
func (a *Alert) Validate() error {
	return validateStruct(a).OrNil()
}

// Alert sounds played by the panels on new alerts
var AlertSounds = []string{"none", "beep", "beep2", "alert", "notification", "urgente"}

// AlertSystemSettings are the global alert options, kept in a single row
type AlertSystemSettings struct {
	ResolveAfterMinutes int       `json:"resolver_apos_minutos" validate:"gte=1,lte=1440"`
	Sound               string    `json:"som_alerta" validate:"oneof=none beep beep2 alert notification urgente"`
	Transparency        int       `json:"transparencia_alerta" validate:"gte=0,lte=100"`
	UpdatedAt           time.Time `json:"atualizado_em"`
}

// DefaultAlertSystemSettings returns the settings stored on first use
func DefaultAlertSystemSettings() *AlertSystemSettings {
	return &AlertSystemSettings{ResolveAfterMinutes: 45, Sound: "beep", Transparency: 20}
}

// Normalize clamps the numeric settings and replaces an unknown sound
func (s *AlertSystemSettings) Normalize() {
	s.ResolveAfterMinutes = max(1, min(1440, s.ResolveAfterMinutes))
	s.Transparency = max(0, min(100, s.Transparency))
	for _, known := range AlertSounds {
		if s.Sound == known {
			return
		}
	}
	s.Sound = "beep"
}

// Validate checks the settings can be stored
func (s *AlertSystemSettings) Validate() error {
	return validateStruct(s).OrNil()
}

// ResolveAfter returns the age after which alerts of rules without
// ResolveWhenCleared are closed
func (s *AlertSystemSettings) ResolveAfter() time.Duration {
	m := s.ResolveAfterMinutes
	if m <= 0 {
		m = 45
	}
	return time.Duration(m) * time.Minute
}
