package server

import (
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

const metricPrefix = "samu_panel_"

// runCounterMetrics maps RunCounters keys to exported counter names
var runCounterMetrics = []struct {
	key, name, help string
}{
	{"iniciados", "downloads_started_total", "Download runs started."},
	{"concluidos", "downloads_completed_total", "Download runs that published an export."},
	{"falhas", "downloads_failed_total", "Download runs that gave up."},
	{"retentativas", "download_retries_total", "Portal attempts retried after a failure."},
	{"linhas_baixadas", "rows_downloaded_total", "Occurrence rows converted from portal exports."},
}

func newFamily(name, help string, typ dto.MetricType, value float64) *dto.MetricFamily {
	name = metricPrefix + name
	m := &dto.Metric{}
	switch typ {
	case dto.MetricType_COUNTER:
		m.Counter = &dto.Counter{Value: &value}
	default:
		m.Gauge = &dto.Gauge{Value: &value}
	}
	return &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   typ.Enum(),
		Metric: []*dto.Metric{m},
	}
}

// metricFamilies collects the download counters and the export gauges
func (s *Server) metricFamilies() []*dto.MetricFamily {
	var out []*dto.MetricFamily

	if s.deps.Stats != nil {
		snap := s.deps.Stats.Snapshot()
		for _, c := range runCounterMetrics {
			out = append(out, newFamily(c.name, c.help, dto.MetricType_COUNTER, float64(snap[c.key])))
		}
	}

	running := 0.0
	if s.deps.Runner != nil && s.deps.Runner.Running() != nil {
		running = 1
	}
	out = append(out, newFamily("download_running", "Whether a download is in progress.", dto.MetricType_GAUGE, running))

	cur := s.stat(s.deps.Files.CurrentPath())
	present := 0.0
	if cur.Exists {
		present = 1
		age := time.Since(cur.ModTime).Seconds()
		out = append(out,
			newFamily("export_age_seconds", "Age of the converted export.", dto.MetricType_GAUGE, age),
			newFamily("export_size_bytes", "Size of the converted export.", dto.MetricType_GAUGE, float64(cur.Size)))
	}
	out = append(out, newFamily("export_present", "Whether the converted export exists.", dto.MetricType_GAUGE, present))

	if usage, err := s.deps.Files.GetDiskUsage(); err == nil {
		out = append(out, newFamily("disk_free_bytes", "Free space on the download volume.", dto.MetricType_GAUGE, float64(usage.Free)))
	}
	return out
}

// handleMetrics writes the metrics in the Prometheus text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range s.metricFamilies() {
		if err := enc.Encode(mf); err != nil {
			s.logger.Debug("failed to encode metrics", zap.Error(err))
			return
		}
	}
}
