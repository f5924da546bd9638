package domain

import (
	"time"

	"github.com/google/uuid"
)

// Trigger tells who started a download run
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "agendado"
)

// DownloadRun tracks one portal download and its retries
type DownloadRun struct {
	ID         string
	Trigger    Trigger
	Start      time.Time
	End        time.Time
	Historical bool

	// Retry handling
	Attempt     int
	MaxAttempts int
	LastError   string

	// Result
	Rows       int
	OutputPath string

	StartedAt  time.Time
	FinishedAt *time.Time
}

// NewDownloadRun creates a run for the inclusive day range [start, end]
func NewDownloadRun(trigger Trigger, start, end time.Time, historical bool, maxAttempts int) *DownloadRun {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &DownloadRun{
		ID:          uuid.NewString(),
		Trigger:     trigger,
		Start:       start,
		End:         end,
		Historical:  historical,
		MaxAttempts: maxAttempts,
		StartedAt:   time.Now(),
	}
}

// CanRetry returns true if another attempt is allowed
func (r *DownloadRun) CanRetry() bool {
	return r.Attempt < r.MaxAttempts
}

// MarkFailed records a failed attempt and returns the delay before the next
// one: base doubled per attempt, capped at max.
func (r *DownloadRun) MarkFailed(err string, base, max time.Duration) time.Duration {
	r.LastError = err
	return RetryDelay(r.Attempt, base, max)
}

// Finish marks the run as done
func (r *DownloadRun) Finish(rows int, path string) {
	r.Rows = rows
	r.OutputPath = path
	r.LastError = ""
	now := time.Now()
	r.FinishedAt = &now
}

// Duration returns how long the run took so far
func (r *DownloadRun) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// RetryDelay returns min(base*2^(attempt-1), max) for attempt >= 1
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
