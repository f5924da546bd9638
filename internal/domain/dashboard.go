package domain

import (
	"strings"
	"time"
)

// Grid templates of a dashboard's widget area
const (
	GridAuto    = "auto"
	Grid2Col    = "2col"
	Grid3Col    = "3col"
	Grid4Col    = "4col"
	GridMasonry = "masonry"
)

// GridTemplates lists the grid templates in form order
var GridTemplates = []string{GridAuto, Grid2Col, Grid3Col, Grid4Col, GridMasonry}

// Widget layout bounds
const (
	MaxWidgetSpan       = 4
	DefaultChartHeight  = 80
	MinChartHeight      = 40
	MaxChartHeight      = 400
	DefaultAreaOpacity  = 20
	DefaultGridTemplate = GridAuto
)

// WidgetLayout is how one indicator is placed on a dashboard grid
type WidgetLayout struct {
	ColumnSpan  int `json:"coluna_span" validate:"gte=1,lte=4"`
	RowSpan     int `json:"linha_span" validate:"gte=1,lte=4"`
	ChartHeight int `json:"grafico_altura" validate:"gte=40,lte=400"`
}

// DefaultWidgetLayout is the layout of a widget nobody resized
func DefaultWidgetLayout() WidgetLayout {
	return WidgetLayout{ColumnSpan: 1, RowSpan: 1, ChartHeight: DefaultChartHeight}
}

func (l WidgetLayout) normalized() WidgetLayout {
	if l.ChartHeight == 0 {
		l.ChartHeight = DefaultChartHeight
	}
	l.ColumnSpan = min(max(l.ColumnSpan, 1), MaxWidgetSpan)
	l.RowSpan = min(max(l.RowSpan, 1), MaxWidgetSpan)
	l.ChartHeight = min(max(l.ChartHeight, MinChartHeight), MaxChartHeight)
	return l
}

// Dashboard is a named page grouping indicators
type Dashboard struct {
	ID               int64                  `json:"id"`
	Name             string                 `json:"nome" validate:"required,max=200"`
	Description      string                 `json:"descricao"`
	Theme            string                 `json:"cor_tema" validate:"oneof=dark light"`
	GridColumns      int                    `json:"widgets_colunas" validate:"gte=1,lte=6"`
	GridTemplate     string                 `json:"widgets_grid_template" validate:"oneof=auto 2col 3col 4col masonry"`
	ChartAreaOpacity int                    `json:"opacidade_area_grafico" validate:"gte=0,lte=100"`
	IncludeAlerts    bool                   `json:"incluir_alertas"`
	Order            int                    `json:"ordem" validate:"gte=0"`
	Active           bool                   `json:"ativo"`
	IndicatorIDs     []int64                `json:"indicadores_ids"`
	Widgets          map[int64]WidgetLayout `json:"widgets,omitempty" validate:"dive"`
	CreatedAt        time.Time              `json:"criado_em"`
	UpdatedAt        time.Time              `json:"atualizado_em"`
}

// NewDashboard returns a dashboard with the form defaults applied
func NewDashboard() *Dashboard {
	return &Dashboard{
		Theme:            "dark",
		GridColumns:      3,
		GridTemplate:     DefaultGridTemplate,
		ChartAreaOpacity: DefaultAreaOpacity,
		Active:           true,
	}
}

// Validate normalizes the dashboard and checks it can be stored
func (d *Dashboard) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Theme == "" {
		d.Theme = "dark"
	}
	if d.GridColumns == 0 {
		d.GridColumns = 3
	}
	if d.GridTemplate == "" {
		d.GridTemplate = DefaultGridTemplate
	}
	d.ChartAreaOpacity = min(max(d.ChartAreaOpacity, 0), 100)
	if d.Order < 0 {
		d.Order = 0
	}

	seen := make(map[int64]bool, len(d.IndicatorIDs))
	ids := d.IndicatorIDs[:0]
	for _, id := range d.IndicatorIDs {
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	d.IndicatorIDs = ids

	for id, l := range d.Widgets {
		if !seen[id] {
			delete(d.Widgets, id)
			continue
		}
		d.Widgets[id] = l.normalized()
	}

	return validateStruct(d).OrNil()
}

// HasIndicator reports whether id is part of the dashboard
func (d *Dashboard) HasIndicator(id int64) bool {
	for _, x := range d.IndicatorIDs {
		if x == id {
			return true
		}
	}
	return false
}

// Layout returns the placement of indicator id, the default when unset
func (d *Dashboard) Layout(id int64) WidgetLayout {
	if l, ok := d.Widgets[id]; ok {
		return l
	}
	return DefaultWidgetLayout()
}

// SetLayout records the placement of indicator id
func (d *Dashboard) SetLayout(id int64, l WidgetLayout) {
	if d.Widgets == nil {
		d.Widgets = make(map[int64]WidgetLayout)
	}
	d.Widgets[id] = l
}

// Columns returns how many grid columns the widget area uses
func (d *Dashboard) Columns() int {
	switch d.GridTemplate {
	case Grid2Col:
		return 2
	case Grid3Col:
		return 3
	case Grid4Col:
		return 4
	}
	return d.GridColumns
}
