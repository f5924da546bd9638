package event

import (
	"sync"

	"go.uber.org/zap"
)

// LoggingHandler logs download lifecycle events
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger}
}

func runFields(r Run) []zap.Field {
	return []zap.Field{
		zap.String("run_id", r.RunID),
		zap.String("trigger", r.Trigger),
		zap.Bool("historical", r.Historical),
	}
}

// Handle logs the event
func (h *LoggingHandler) Handle(event DomainEvent) error {
	switch e := event.(type) {
	case DownloadStarted:
		h.logger.Info("download started", append(runFields(e.Run),
			zap.Time("start", e.Start),
			zap.Time("end", e.End),
		)...)
	case DownloadAttemptFailed:
		h.logger.Warn("portal attempt failed, retrying", append(runFields(e.Run),
			zap.Int("attempt", e.Attempt),
			zap.Int("max_attempts", e.MaxAttempts),
			zap.Duration("delay", e.Delay),
			zap.String("error", e.Error),
		)...)
	case DownloadCompleted:
		h.logger.Info("download completed", append(runFields(e.Run),
			zap.Int("attempts", e.Attempts),
			zap.Int("rows", e.Rows),
			zap.String("output", e.Output),
			zap.Duration("elapsed", e.Duration),
		)...)
	case DownloadFailed:
		h.logger.Error("download failed", append(runFields(e.Run),
			zap.Int("attempts", e.Attempts),
			zap.Duration("elapsed", e.Duration),
			zap.String("error", e.Error),
		)...)
	default:
		h.logger.Debug("domain event",
			zap.String("event", event.EventName()),
			zap.Time("occurred_at", event.OccurredAt()),
		)
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *LoggingHandler) HandledEvents() []string {
	return []string{AllEvents}
}

// RunStats counts download outcomes since the process started
type RunStats struct {
	mu             sync.Mutex
	started        int64
	completed      int64
	failed         int64
	retries        int64
	rowsDownloaded int64
}

// NewRunStats creates a new RunStats
func NewRunStats() *RunStats {
	return &RunStats{}
}

// Handle updates the counters
func (h *RunStats) Handle(event DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e := event.(type) {
	case DownloadStarted:
		h.started++
	case DownloadAttemptFailed:
		h.retries++
	case DownloadCompleted:
		h.completed++
		h.rowsDownloaded += int64(e.Rows)
	case DownloadFailed:
		h.failed++
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *RunStats) HandledEvents() []string {
	return []string{
		NameDownloadStarted,
		NameDownloadAttemptFailed,
		NameDownloadCompleted,
		NameDownloadFailed,
	}
}

// Snapshot returns the current counters
func (h *RunStats) Snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int64{
		"iniciados":       h.started,
		"concluidos":      h.completed,
		"falhas":          h.failed,
		"retentativas":    h.retries,
		"linhas_baixadas": h.rowsDownloaded,
	}
}
