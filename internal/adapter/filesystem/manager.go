package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/port"
)

// File names inside the download directory
const (
	CurrentFile    = "convertido_tabela.xlsx"
	HistoryFile    = "historico.xlsx"
	ScreenshotFile = "erro_navegacao.png"

	exportExt     = ".xls"
	partialExt    = ".crdownload"
	tempPrefix    = ".tmp-"
	pollFallback  = 500 * time.Millisecond
	settleTimeout = 2 * time.Second
)

// Manager handles the download directory
type Manager struct {
	rootDir string
	logger  *zap.Logger
}

// Ensure Manager implements port.ExportDir
var _ port.ExportDir = (*Manager)(nil)

// NewManager creates the download directory if needed
func NewManager(rootDir string, logger *zap.Logger) (*Manager, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{rootDir: abs, logger: logger}, nil
}

// Dir returns the download directory
func (m *Manager) Dir() string {
	return m.rootDir
}

// CurrentPath returns the converted spreadsheet path
func (m *Manager) CurrentPath() string {
	return filepath.Join(m.rootDir, CurrentFile)
}

// HistoryPath returns the historical spreadsheet path
func (m *Manager) HistoryPath() string {
	return filepath.Join(m.rootDir, HistoryFile)
}

// ScreenshotPath returns where navigation failures are captured
func (m *Manager) ScreenshotPath() string {
	return filepath.Join(m.rootDir, ScreenshotFile)
}

// TempPath returns a hidden temp file next to dst; the extension is kept so
// writers that pick a format by extension still work.
func (m *Manager) TempPath(dst string) string {
	return filepath.Join(filepath.Dir(dst), tempPrefix+fmt.Sprintf("%d-", time.Now().UnixNano())+filepath.Base(dst))
}

// Stat returns the status of path; a missing file is not an error
func (m *Manager) Stat(path string) (*port.FileStatus, error) {
	st := &port.FileStatus{Path: path}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.Exists = true
	st.Size = info.Size()
	st.ModTime = info.ModTime()
	return st, nil
}

// isExport reports whether name is a completed raw export
func isExport(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, exportExt) && !strings.HasPrefix(name, tempPrefix)
}

// FindExports lists completed raw exports, newest first
func (m *Manager) FindExports() ([]string, error) {
	entries, err := os.ReadDir(m.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read download dir: %w", err)
	}

	type found struct {
		path string
		mod  time.Time
	}
	var files []found
	for _, e := range entries {
		if e.IsDir() || !isExport(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, found{filepath.Join(m.rootDir, e.Name()), info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// newestSince returns the newest completed export modified at or after since
func (m *Manager) newestSince(since time.Time) (string, bool) {
	files, err := m.FindExports()
	if err != nil || len(files) == 0 {
		return "", false
	}
	info, err := os.Stat(files[0])
	if err != nil || info.Size() == 0 || info.ModTime().Before(since) {
		return "", false
	}
	return files[0], true
}

// WaitForExport blocks until a completed raw export newer than since appears.
// Browser downloads are written as .crdownload and renamed when complete, so
// watching for create/rename of *.xls is enough; a poll ticker covers
// filesystems without inotify support.
func (m *Manager) WaitForExport(ctx context.Context, since time.Time, timeout time.Duration) (string, error) {
	if path, ok := m.newestSince(since); ok {
		return path, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("fsnotify unavailable, polling download dir", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(m.rootDir); err != nil {
			m.logger.Warn("failed to watch download dir, polling", zap.Error(err))
		} else {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w after %s", domain.ErrDownloadTimeout, timeout)
			}
			return "", ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !isExport(filepath.Base(ev.Name)) || !ev.Has(fsnotify.Create|fsnotify.Rename|fsnotify.Write) {
				continue
			}
			m.logger.Debug("export file event", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			if path, ok := m.waitSettled(ctx, since); ok {
				return path, nil
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			m.logger.Warn("download dir watch error", zap.Error(err))

		case <-ticker.C:
			if path, ok := m.newestSince(since); ok {
				return path, nil
			}
		}
	}
}

// waitSettled gives the browser a moment to finish writing after the event
func (m *Manager) waitSettled(ctx context.Context, since time.Time) (string, bool) {
	deadline := time.Now().Add(settleTimeout)
	var lastSize int64 = -1
	for time.Now().Before(deadline) {
		path, ok := m.newestSince(since)
		if ok {
			info, err := os.Stat(path)
			if err == nil && info.Size() == lastSize {
				return path, true
			}
			if err == nil {
				lastSize = info.Size()
			}
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return m.newestSince(since)
}

// RemoveExports deletes all raw exports and returns their names
func (m *Manager) RemoveExports() ([]string, error) {
	files, err := m.FindExports()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("failed to remove export", zap.String("file", f), zap.Error(err))
			continue
		}
		removed = append(removed, filepath.Base(f))
	}
	return removed, nil
}

// CleanStale removes leftover artifacts older than maxAge: raw exports,
// partial browser downloads, conversion temp files and failure screenshots.
// The converted spreadsheets are never touched.
func (m *Manager) CleanStale(maxAge time.Duration) (int, error) {
	threshold := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(m.rootDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read download dir: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == CurrentFile || name == HistoryFile {
			continue
		}
		lower := strings.ToLower(name)
		stale := strings.HasSuffix(lower, exportExt) ||
			strings.HasSuffix(lower, partialExt) ||
			strings.HasPrefix(name, tempPrefix) ||
			name == ScreenshotFile
		if !stale {
			continue
		}

		info, err := e.Info()
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		if err := os.Remove(filepath.Join(m.rootDir, name)); err == nil {
			count++
		}
	}
	return count, nil
}
