package event

import (
	"time"
)

// Event names
const (
	NameDownloadStarted       = "download.started"
	NameDownloadAttemptFailed = "download.attempt_failed"
	NameDownloadCompleted     = "download.completed"
	NameDownloadFailed        = "download.failed"
)

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	// EventName returns the name of the event
	EventName() string
	// OccurredAt returns when the event occurred
	OccurredAt() time.Time
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Timestamp time.Time
}

// OccurredAt returns when the event occurred
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// Run identifies the download run an event belongs to
type Run struct {
	RunID      string
	Trigger    string
	Historical bool
}

// DownloadStarted is raised when a run begins driving the portal
type DownloadStarted struct {
	BaseEvent
	Run
	Start time.Time
	End   time.Time
}

// EventName returns the event name
func (e DownloadStarted) EventName() string {
	return NameDownloadStarted
}

// NewDownloadStarted creates a new DownloadStarted event
func NewDownloadStarted(run Run, start, end time.Time) DownloadStarted {
	return DownloadStarted{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		Run:       run,
		Start:     start,
		End:       end,
	}
}

// DownloadAttemptFailed is raised when a portal attempt fails and will be retried
type DownloadAttemptFailed struct {
	BaseEvent
	Run
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Error       string
}

// EventName returns the event name
func (e DownloadAttemptFailed) EventName() string {
	return NameDownloadAttemptFailed
}

// NewDownloadAttemptFailed creates a new DownloadAttemptFailed event
func NewDownloadAttemptFailed(run Run, attempt, maxAttempts int, delay time.Duration, err string) DownloadAttemptFailed {
	return DownloadAttemptFailed{
		BaseEvent:   BaseEvent{Timestamp: time.Now()},
		Run:         run,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Error:       err,
	}
}

// DownloadCompleted is raised when the export was converted and published
type DownloadCompleted struct {
	BaseEvent
	Run
	Attempts int
	Rows     int
	Output   string
	Duration time.Duration
}

// EventName returns the event name
func (e DownloadCompleted) EventName() string {
	return NameDownloadCompleted
}

// NewDownloadCompleted creates a new DownloadCompleted event
func NewDownloadCompleted(run Run, attempts, rows int, output string, duration time.Duration) DownloadCompleted {
	return DownloadCompleted{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		Run:       run,
		Attempts:  attempts,
		Rows:      rows,
		Output:    output,
		Duration:  duration,
	}
}

// DownloadFailed is raised when a run gives up
type DownloadFailed struct {
	BaseEvent
	Run
	Attempts int
	Duration time.Duration
	Error    string
}

// EventName returns the event name
func (e DownloadFailed) EventName() string {
	return NameDownloadFailed
}

// NewDownloadFailed creates a new DownloadFailed event
func NewDownloadFailed(run Run, attempts int, duration time.Duration, err string) DownloadFailed {
	return DownloadFailed{
		BaseEvent: BaseEvent{Timestamp: time.Now()},
		Run:       run,
		Attempts:  attempts,
		Duration:  duration,
		Error:     err,
	}
}
