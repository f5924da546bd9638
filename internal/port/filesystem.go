package port

import (
	"context"
	"time"
)

// FileStatus describes one file in the download directory
type FileStatus struct {
	Path    string
	Exists  bool
	Size    int64
	ModTime time.Time
}

// ExportDir defines the operations on the download directory shared by the
// browser step (writer) and the reporting step (reader).
type ExportDir interface {
	// Dir returns the download directory
	Dir() string

	// CurrentPath returns the converted spreadsheet path
	CurrentPath() string

	// HistoryPath returns the historical spreadsheet path
	HistoryPath() string

	// Stat returns the status of path; a missing file is not an error
	Stat(path string) (*FileStatus, error)

	// FindExports lists completed raw exports (*.xls), newest first
	FindExports() ([]string, error)

	// WaitForExport blocks until a completed raw export newer than since
	// appears, ctx is done, or timeout elapses.
	WaitForExport(ctx context.Context, since time.Time, timeout time.Duration) (string, error)

	// RemoveExports deletes all raw exports and returns their names
	RemoveExports() ([]string, error)

	// CleanStale removes leftover artifacts older than maxAge
	// Returns the number of files deleted
	CleanStale(maxAge time.Duration) (int, error)
}

// DiskUsage represents disk usage of the volume holding the download dir
type DiskUsage struct {
	Total   uint64
	Used    uint64
	Free    uint64
	UsedPct float64
}

// DiskReporter reports disk usage of the download directory
type DiskReporter interface {
	GetDiskUsage() (*DiskUsage, error)
}
