package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/adapter/filesystem"
	"github.com/vertextoedge/samu-panel/internal/domain"
	"github.com/vertextoedge/samu-panel/internal/domain/event"
	"github.com/vertextoedge/samu-panel/internal/port"
	"github.com/vertextoedge/samu-panel/internal/sheet"
)

// mockPortal implements port.Portal for testing
type mockPortal struct {
	mu     sync.Mutex
	dir    string
	errs   []error // returned by successive calls before succeeding
	calls  int
	ranges []port.DateRange
	block  chan struct{}
	empty  bool // serve an export with a header and no rows
}

func (m *mockPortal) Download(ctx context.Context, r port.DateRange) (string, error) {
	m.mu.Lock()
	m.calls++
	m.ranges = append(m.ranges, r)
	var err error
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	}
	block := m.block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}

	// the portal serves xlsx content under an .xls name
	tmp := filepath.Join(m.dir, "export.xlsx")
	tbl := sheet.NewTable([]string{"Ocorrência", "Tipo"}, [][]string{{"1", "USA"}, {"2", "USB"}})
	if m.empty {
		tbl = sheet.NewTable([]string{"Ocorrência", "Tipo"}, nil)
	}
	if err := sheet.WriteXLSX(tbl, tmp); err != nil {
		return "", err
	}
	path := filepath.Join(m.dir, "relatorio.xls")
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func (m *mockPortal) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockSchedule implements port.ScheduleRepository for testing
type mockSchedule struct {
	mu       sync.Mutex
	sched    *domain.DownloadSchedule
	statuses []domain.RunStatus
	lastErr  string
	lastRun  *time.Time
	nextRun  *time.Time
	saved    int
}

func newMockSchedule() *mockSchedule {
	return &mockSchedule{sched: domain.DefaultSchedule()}
}

func (m *mockSchedule) GetSchedule(ctx context.Context) (*domain.DownloadSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.sched
	return &cp, nil
}

func (m *mockSchedule) SaveSchedule(ctx context.Context, s *domain.DownloadSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sched = &cp
	m.saved++
	return nil
}

func (m *mockSchedule) RecordRun(ctx context.Context, status domain.RunStatus, errMsg string, lastRun, nextRun *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	m.lastErr = errMsg
	if lastRun != nil {
		m.lastRun = lastRun
	}
	if nextRun != nil {
		m.nextRun = nextRun
	}
	return nil
}

func (m *mockSchedule) recorded() []domain.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.RunStatus(nil), m.statuses...)
}

type countingInvalidator struct {
	mu    sync.Mutex
	count int
}

func (c *countingInvalidator) Invalidate() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

type fixture struct {
	runner *Runner
	portal *mockPortal
	sched  *mockSchedule
	inv    *countingInvalidator
	files  *filesystem.Manager
	delays []time.Duration
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()
	files, err := filesystem.NewManager(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if cfg == nil {
		cfg = &Config{HasCredentials: true}
	}

	f := &fixture{
		portal: &mockPortal{dir: files.Dir()},
		sched:  newMockSchedule(),
		inv:    &countingInvalidator{},
		files:  files,
	}
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	f.runner = New(cfg, f.portal, files, f.sched, f.inv, loc, zap.NewNop())
	f.runner.now = func() time.Time { return time.Date(2024, 3, 10, 14, 0, 0, 0, loc) }
	f.runner.sleep = func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	return f
}

func retryable(msg string) error {
	return domain.NewRetryableError(errors.New(msg), 0)
}

func TestRequestRange(t *testing.T) {
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	now := time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)

	r := Request{DaysBack: 1}.Range(now, loc)
	if got := r.Start.Format("02/01/2006"); got != "09/03/2024" {
		t.Errorf("start = %s, want 09/03/2024", got)
	}
	if got := r.End.Format("02/01/2006"); got != "10/03/2024" {
		t.Errorf("end = %s, want 10/03/2024", got)
	}

	a := time.Date(2024, 1, 5, 0, 0, 0, 0, loc)
	b := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	r = Request{Start: a, End: b}.Range(now, loc)
	if !r.Start.Equal(b) || !r.End.Equal(a) {
		t.Errorf("reversed range = %v..%v, want %v..%v", r.Start, r.End, b, a)
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.sched.sched.Active = true
	f.sched.sched.IntervalMinutes = 30

	run, err := f.runner.Run(context.Background(), Request{DaysBack: 1})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Rows != 2 || run.Attempt != 1 {
		t.Errorf("run rows=%d attempts=%d, want 2 and 1", run.Rows, run.Attempt)
	}
	if run.OutputPath != f.files.CurrentPath() {
		t.Errorf("output = %s, want %s", run.OutputPath, f.files.CurrentPath())
	}

	tbl, err := sheet.LoadXLSX(f.files.CurrentPath())
	if err != nil {
		t.Fatalf("LoadXLSX() error = %v", err)
	}
	if tbl.Len() != 2 {
		t.Errorf("converted rows = %d, want 2", tbl.Len())
	}
	if left, _ := f.files.FindExports(); len(left) != 0 {
		t.Errorf("raw exports left behind: %v", left)
	}
	if f.inv.count != 1 {
		t.Errorf("Invalidate() called %d times, want 1", f.inv.count)
	}

	got := f.sched.recorded()
	if len(got) != 2 || got[0] != domain.StatusRunning || got[1] != domain.StatusSuccess {
		t.Errorf("statuses = %v, want [executando sucesso]", got)
	}
	if f.sched.lastRun == nil {
		t.Error("last run not recorded")
	}
	if f.sched.nextRun == nil || !f.sched.nextRun.Equal(f.runner.now().Add(30*time.Minute)) {
		t.Errorf("next run = %v, want now+30m", f.sched.nextRun)
	}
	if f.runner.Last() != run || f.runner.Running() != nil {
		t.Error("runner state not updated after the run")
	}
}

func TestRunOverwritesPreviousExport(t *testing.T) {
	f := newFixture(t, nil)
	old := sheet.NewTable([]string{"x"}, [][]string{{"1"}, {"2"}, {"3"}, {"4"}})
	if err := sheet.WriteXLSX(old, f.files.CurrentPath()); err != nil {
		t.Fatal(err)
	}

	if _, err := f.runner.Run(context.Background(), Request{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	tbl, err := sheet.LoadXLSX(f.files.CurrentPath())
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 2 || !tbl.HasColumn("Tipo") {
		t.Errorf("current export = %d rows %v, want the new 2-row export", tbl.Len(), tbl.Columns)
	}
}

func TestRunRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, nil)
	f.portal.errs = []error{retryable("login"), retryable("menu")}

	run, err := f.runner.Run(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Attempt != 3 {
		t.Errorf("attempts = %d, want 3", run.Attempt)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(f.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", f.delays, want)
	}
	for i := range want {
		if f.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, f.delays[i], want[i])
		}
	}
}

func TestRunGivesUp(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
	}{
		{"non-retryable stops at once", []error{domain.ErrLoginFailed}, 1},
		{"retryable stops after max attempts", []error{retryable("a"), retryable("b"), retryable("c"), retryable("d")}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.portal.errs = tt.errs

			_, err := f.runner.Run(context.Background(), Request{})
			if err == nil {
				t.Fatal("Run() error = nil, want failure")
			}
			if f.portal.callCount() != tt.wantCalls {
				t.Errorf("portal calls = %d, want %d", f.portal.callCount(), tt.wantCalls)
			}
			got := f.sched.recorded()
			if got[len(got)-1] != domain.StatusError {
				t.Errorf("final status = %s, want erro", got[len(got)-1])
			}
			if f.sched.lastErr == "" {
				t.Error("error message not recorded")
			}
			if f.inv.count != 0 {
				t.Error("cache invalidated after a failed run")
			}
		})
	}
}

func TestRunConvertFailureRemovesRawExport(t *testing.T) {
	f := newFixture(t, nil)
	f.portal.empty = true

	_, err := f.runner.Run(context.Background(), Request{})
	if !errors.Is(err, domain.ErrEmptySheet) {
		t.Fatalf("Run() error = %v, want ErrEmptySheet", err)
	}
	if left, _ := f.files.FindExports(); len(left) != 0 {
		t.Errorf("raw exports left behind: %v", left)
	}
	if _, err := os.Stat(f.files.CurrentPath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed conversion wrote the current export")
	}
}

func TestRunMissingCredentials(t *testing.T) {
	f := newFixture(t, &Config{HasCredentials: false})

	_, err := f.runner.Run(context.Background(), Request{})
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Errorf("Run() error = %v, want ErrMissingCredentials", err)
	}
	if f.portal.callCount() != 0 {
		t.Error("portal called without credentials")
	}
}

func TestRunHistorical(t *testing.T) {
	f := newFixture(t, nil)

	run, err := f.runner.Run(context.Background(), Request{Historical: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.OutputPath != f.files.HistoryPath() {
		t.Errorf("output = %s, want %s", run.OutputPath, f.files.HistoryPath())
	}
	if _, err := os.Stat(f.files.CurrentPath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("historical run wrote the current export")
	}
	if f.inv.count != 0 {
		t.Error("historical run invalidated the current cache")
	}
}

func TestRunInProgress(t *testing.T) {
	f := newFixture(t, nil)
	f.portal.block = make(chan struct{})

	if err := f.runner.RunAsync(context.Background(), Request{}); err != nil {
		t.Fatalf("RunAsync() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for f.portal.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.runner.Running() == nil {
		t.Error("Running() = nil during a run")
	}

	if _, err := f.runner.Run(context.Background(), Request{}); !errors.Is(err, domain.ErrDownloadInProgress) {
		t.Errorf("Run() error = %v, want ErrDownloadInProgress", err)
	}
	if err := f.runner.RunAsync(context.Background(), Request{}); !errors.Is(err, domain.ErrDownloadInProgress) {
		t.Errorf("RunAsync() error = %v, want ErrDownloadInProgress", err)
	}

	close(f.portal.block)
	f.runner.Wait()

	if last := f.runner.Last(); last == nil || last.Rows != 2 {
		t.Errorf("Last() = %+v, want the finished run", last)
	}
}

func TestRunDispatchesEvents(t *testing.T) {
	f := newFixture(t, nil)
	stats := event.NewRunStats()
	f.runner.events = event.NewInMemoryDispatcher(stats)
	f.portal.errs = []error{retryable("login")}

	if _, err := f.runner.Run(context.Background(), Request{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.portal.errs = []error{domain.ErrLoginFailed}
	if _, err := f.runner.Run(context.Background(), Request{}); err == nil {
		t.Fatal("Run() error = nil, want failure")
	}

	want := map[string]int64{
		"iniciados":       2,
		"concluidos":      1,
		"falhas":          1,
		"retentativas":    1,
		"linhas_baixadas": 2,
	}
	got := stats.Snapshot()
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Snapshot()[%s] = %d, want %d", k, got[k], v)
		}
	}
}
