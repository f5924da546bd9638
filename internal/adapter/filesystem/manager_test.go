package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "download"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func writeFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	if age > 0 {
		ts := time.Now().Add(-age)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindExports(t *testing.T) {
	m := newTestManager(t)
	writeFile(t, filepath.Join(m.Dir(), "old.xls"), 2*time.Hour)
	writeFile(t, filepath.Join(m.Dir(), "new.XLS"), time.Minute)
	writeFile(t, filepath.Join(m.Dir(), "partial.xls.crdownload"), 0)
	writeFile(t, m.CurrentPath(), 0)

	files, err := m.FindExports()
	if err != nil {
		t.Fatalf("FindExports() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("FindExports() = %v, want 2 files", files)
	}
	if filepath.Base(files[0]) != "new.XLS" {
		t.Errorf("FindExports()[0] = %s, want newest first", files[0])
	}
}

func TestStat(t *testing.T) {
	m := newTestManager(t)

	st, err := m.Stat(m.CurrentPath())
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if st.Exists {
		t.Error("missing file reported as existing")
	}

	writeFile(t, m.CurrentPath(), 0)
	st, err = m.Stat(m.CurrentPath())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exists || st.Size != 4 {
		t.Errorf("Stat() = %+v", st)
	}
}

func TestWaitForExport_AlreadyPresent(t *testing.T) {
	m := newTestManager(t)
	since := time.Now().Add(-time.Second)
	writeFile(t, filepath.Join(m.Dir(), "export.xls"), 0)

	path, err := m.WaitForExport(context.Background(), since, time.Second)
	if err != nil {
		t.Fatalf("WaitForExport() error = %v", err)
	}
	if filepath.Base(path) != "export.xls" {
		t.Errorf("WaitForExport() = %s", path)
	}
}

func TestWaitForExport_RenamedFromPartial(t *testing.T) {
	m := newTestManager(t)
	since := time.Now().Add(-time.Second)

	go func() {
		partial := filepath.Join(m.Dir(), "ocorrencias.xls.crdownload")
		_ = os.WriteFile(partial, []byte("xls bytes"), 0644)
		time.Sleep(100 * time.Millisecond)
		_ = os.Rename(partial, filepath.Join(m.Dir(), "ocorrencias.xls"))
	}()

	path, err := m.WaitForExport(context.Background(), since, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForExport() error = %v", err)
	}
	if filepath.Base(path) != "ocorrencias.xls" {
		t.Errorf("WaitForExport() = %s", path)
	}
}

func TestWaitForExport_IgnoresOlderFiles(t *testing.T) {
	m := newTestManager(t)
	writeFile(t, filepath.Join(m.Dir(), "yesterday.xls"), 24*time.Hour)

	_, err := m.WaitForExport(context.Background(), time.Now().Add(-time.Second), 300*time.Millisecond)
	if !errors.Is(err, domain.ErrDownloadTimeout) {
		t.Errorf("WaitForExport() error = %v, want ErrDownloadTimeout", err)
	}
}

func TestWaitForExport_Cancelled(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.WaitForExport(ctx, time.Now(), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForExport() error = %v, want context.Canceled", err)
	}
}

func TestRemoveExports(t *testing.T) {
	m := newTestManager(t)
	writeFile(t, filepath.Join(m.Dir(), "a.xls"), 0)
	writeFile(t, filepath.Join(m.Dir(), "b.xls"), 0)
	writeFile(t, m.CurrentPath(), 0)

	removed, err := m.RemoveExports()
	if err != nil {
		t.Fatalf("RemoveExports() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("RemoveExports() = %v, want 2", removed)
	}
	if _, err := os.Stat(m.CurrentPath()); err != nil {
		t.Error("converted file must survive RemoveExports()")
	}
}

func TestCleanStale(t *testing.T) {
	m := newTestManager(t)
	writeFile(t, filepath.Join(m.Dir(), "old.xls"), 48*time.Hour)
	writeFile(t, filepath.Join(m.Dir(), "old.xls.crdownload"), 48*time.Hour)
	writeFile(t, filepath.Join(m.Dir(), ".tmp-1-convertido_tabela.xlsx"), 48*time.Hour)
	writeFile(t, m.ScreenshotPath(), 48*time.Hour)
	writeFile(t, filepath.Join(m.Dir(), "fresh.xls"), 0)
	writeFile(t, m.CurrentPath(), 48*time.Hour)
	writeFile(t, filepath.Join(m.Dir(), "notes.txt"), 48*time.Hour)

	n, err := m.CleanStale(24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanStale() error = %v", err)
	}
	if n != 4 {
		t.Errorf("CleanStale() = %d, want 4", n)
	}
	for _, keep := range []string{"fresh.xls", CurrentFile, "notes.txt"} {
		if _, err := os.Stat(filepath.Join(m.Dir(), keep)); err != nil {
			t.Errorf("%s should be kept", keep)
		}
	}
}

func TestGetDiskUsage(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("disk usage not supported")
	}
	m := newTestManager(t)

	usage, err := m.GetDiskUsage()
	if err != nil {
		t.Fatalf("GetDiskUsage() error = %v", err)
	}
	if usage.Total == 0 || usage.Free > usage.Total {
		t.Errorf("GetDiskUsage() = %+v, want free <= total > 0", usage)
	}
	if usage.UsedPct < 0 || usage.UsedPct > 100 {
		t.Errorf("UsedPct = %v, want 0..100", usage.UsedPct)
	}
}
