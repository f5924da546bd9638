package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/indicator"
)

//go:embed templates/*.html
var templateFS embed.FS

const layoutFile = "templates/layout.html"

const dateTimeLayout = "02/01/2006 15:04:05"

// views holds one parsed template set per page
type views struct {
	pages map[string]*template.Template
}

func newViews(loc *time.Location) (*views, error) {
	funcs := template.FuncMap{
		"datetime": func(t time.Time) string {
			if t.IsZero() {
				return "—"
			}
			return t.In(loc).Format(dateTimeLayout)
		},
		"datetimep": func(t *time.Time) string {
			if t == nil || t.IsZero() {
				return "—"
			}
			return t.In(loc).Format(dateTimeLayout)
		},
		"bytes": func(n interface{}) string {
			switch v := n.(type) {
			case int64:
				if v < 0 {
					return "0 B"
				}
				return humanize.Bytes(uint64(v))
			case uint64:
				return humanize.Bytes(v)
			case int:
				return humanize.Bytes(uint64(v))
			default:
				return fmt.Sprint(n)
			}
		},
		"number": func(n int) string {
			return humanize.FormatInteger("#.###,", n)
		},
		"pct":   func(v float64) string { return humanize.FormatFloat("#.###,#", v) + "%" },
		"value": indicator.FormatValue,
		"floatp": func(v *float64) string {
			if v == nil {
				return ""
			}
			return strconv.FormatFloat(*v, 'f', -1, 64)
		},
		"json": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		"add": func(a, b int) int { return a + b },
		"sub": func(a, b int) int { return a - b },
		"pages": func(total int) []int {
			out := make([]int, total)
			for i := range out {
				out[i] = i + 1
			}
			return out
		},
	}

	files, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	v := &views{pages: make(map[string]*template.Template)}
	for _, f := range files {
		if f == layoutFile {
			continue
		}
		t, err := template.New(path.Base(f)).Funcs(funcs).ParseFS(templateFS, layoutFile, f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f, err)
		}
		v.pages[path.Base(f)] = t
	}
	return v, nil
}

// render executes page inside the layout with the pending flash messages.
// Output is buffered so a template error never yields a half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, data map[string]interface{}) {
	t, ok := s.views.pages[page]
	if !ok {
		s.logger.Error("unknown template", zap.String("page", page))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["Flashes"] = s.flash.Pop(w, r)

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		s.logger.Error("failed to render page", zap.String("page", page), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// fail logs err, flashes a generic failure and redirects to target
func (s *Server) fail(w http.ResponseWriter, r *http.Request, target, msg string, err error) {
	s.logger.Error(msg, zap.String("path", r.URL.Path), zap.Error(err))
	s.flash.Set(w, flashDanger, "Falha na operação: "+msg)
	http.Redirect(w, r, target, http.StatusSeeOther)
}
