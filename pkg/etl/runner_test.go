package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// fakeState - общее состояние всех экземпляров fake-драйвера одного
// теста: Runner создает второй экземпляр для записи Failed
type fakeState struct {
	calls     []string
	instances int

	failOn   string // имя метода, возвращающего ошибку
	failWith error

	rowsLoaded int64
	details    []loader.RunDetail
	finishes   []loader.RunStatus
	finishMsgs []string
}

var fakeCurrent *fakeState

func init() {
	loader.Register("fake", func(cfg loader.Config) (loader.Driver, error) {
		fakeCurrent.instances++
		return &fakeDriver{st: fakeCurrent}, nil
	})
}

type fakeDriver struct {
	st *fakeState
}

func (d *fakeDriver) record(name string) error {
	d.st.calls = append(d.st.calls, name)
	if d.st.failOn == name {
		if d.st.failWith != nil {
			return d.st.failWith
		}
		return fmt.Errorf("induced %s failure", name)
	}
	return nil
}

func (d *fakeDriver) Connect(ctx context.Context) error { return d.record("Connect") }

func (d *fakeDriver) InitializeStaging(ctx context.Context, datasets []medgen.Dataset) error {
	return d.record("InitializeStaging")
}

func (d *fakeDriver) BulkLoad(ctx context.Context, table string, data io.Reader) (int64, error) {
	if err := d.record("BulkLoad"); err != nil {
		return 0, err
	}
	// Потребляем поток целиком, как настоящий bulk-протокол;
	// ошибка ридера всплывает отсюда
	n, err := io.Copy(io.Discard, data)
	if err != nil {
		return 0, &loader.LoadError{Table: table, Err: err}
	}
	d.st.rowsLoaded = n
	return n, nil
}

func (d *fakeDriver) ExecuteCDC(ctx context.Context, ds medgen.Dataset) (loader.CDCStats, error) {
	return loader.CDCStats{Updates: 1}, d.record("ExecuteCDC")
}

func (d *fakeDriver) ApplyChanges(ctx context.Context, ds medgen.Dataset, mode loader.LoadMode) (loader.ApplyStats, error) {
	return loader.ApplyStats{Inserted: 2}, d.record("ApplyChanges")
}

func (d *fakeDriver) Cleanup(ctx context.Context, datasets []medgen.Dataset) error {
	return d.record("Cleanup")
}

func (d *fakeDriver) LogRunStart(ctx context.Context, run loader.RunStart) (int64, error) {
	return 42, d.record("LogRunStart")
}

func (d *fakeDriver) LogRunDetail(ctx context.Context, logID int64, detail loader.RunDetail) error {
	d.st.details = append(d.st.details, detail)
	return d.record("LogRunDetail")
}

func (d *fakeDriver) LogRunFinish(ctx context.Context, logID int64, status loader.RunStatus, errorMessage string) error {
	d.st.finishes = append(d.st.finishes, status)
	d.st.finishMsgs = append(d.st.finishMsgs, errorMessage)
	return d.record("LogRunFinish")
}

func (d *fakeDriver) Close(ctx context.Context) error { return d.record("Close") }

// mrconsoLine строит валидную строку MRCONSO с предпочтительным атомом
func mrconsoLine(cui, name string) string {
	fields := make([]string, 18)
	fields[0] = cui
	fields[1] = "ENG"
	fields[2] = "P"
	fields[4] = "PF"
	fields[6] = "Y"
	fields[11] = "MSH"
	fields[12] = "PN"
	fields[14] = name
	fields[16] = "N"
	return strings.Join(fields, "|") + "|"
}

func runnerConfig(t *testing.T, mode string, sourceLines []string) *Config {
	t.Helper()

	dir := t.TempDir()
	content := strings.Join(sourceLines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "MRCONSO.RRF"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Database.DSN = "fake://test"
	cfg.Source.SkipDownload = true
	cfg.Source.DownloadDir = dir
	cfg.Load.Mode = mode
	cfg.Load.Datasets = []string{"concepts"}
	return cfg
}

func TestRunnerFullLoadSequence(t *testing.T) {
	fakeCurrent = &fakeState{}

	cfg := runnerConfig(t, "full", []string{
		mrconsoLine("C0001", "Neoplasm"),
		mrconsoLine("C0002", "Fever"),
	})

	summary, err := NewRunner(cfg, "test").Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Status != loader.StatusSuccess {
		t.Errorf("Status = %s, want Success", summary.Status)
	}
	if len(summary.Datasets) != 1 || summary.Datasets[0].RowsRead != 2 {
		t.Errorf("unexpected dataset results: %+v", summary.Datasets)
	}

	want := []string{
		"Connect", "LogRunStart",
		"InitializeStaging", "BulkLoad", "ApplyChanges", "LogRunDetail",
		"Cleanup", "LogRunFinish", "Close",
	}
	if got := strings.Join(fakeCurrent.calls, ","); got != strings.Join(want, ",") {
		t.Errorf("call sequence:\n got %s\nwant %s", got, strings.Join(want, ","))
	}

	if len(fakeCurrent.finishes) != 1 || fakeCurrent.finishes[0] != loader.StatusSuccess {
		t.Errorf("terminal statuses = %v, want one Success", fakeCurrent.finishes)
	}
	if fakeCurrent.instances != 1 {
		t.Errorf("success path must use a single driver instance, got %d", fakeCurrent.instances)
	}
}

func TestRunnerDeltaRunsCDC(t *testing.T) {
	fakeCurrent = &fakeState{}

	cfg := runnerConfig(t, "delta", []string{mrconsoLine("C0001", "Neoplasm")})

	if _, err := NewRunner(cfg, "test").Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	joined := strings.Join(fakeCurrent.calls, ",")
	if !strings.Contains(joined, "BulkLoad,ExecuteCDC,ApplyChanges") {
		t.Errorf("delta mode must run CDC between load and apply: %s", joined)
	}
}

func TestRunnerFailureWritesFailedViaFreshConnection(t *testing.T) {
	fakeCurrent = &fakeState{failOn: "ApplyChanges"}

	cfg := runnerConfig(t, "full", []string{mrconsoLine("C0001", "Neoplasm")})

	summary, err := NewRunner(cfg, "test").Run(context.Background())
	if err == nil {
		t.Fatal("induced failure must propagate")
	}
	if summary.Status != loader.StatusFailed {
		t.Errorf("Status = %s, want Failed", summary.Status)
	}

	if len(fakeCurrent.finishes) != 1 || fakeCurrent.finishes[0] != loader.StatusFailed {
		t.Fatalf("terminal statuses = %v, want one Failed", fakeCurrent.finishes)
	}
	if !strings.Contains(fakeCurrent.finishMsgs[0], "induced ApplyChanges failure") {
		t.Errorf("Failed row must carry the error: %q", fakeCurrent.finishMsgs[0])
	}
	if !strings.Contains(fakeCurrent.finishMsgs[0], "goroutine") {
		t.Error("Failed row must carry the stack trace")
	}

	// Failed пишется через свежее подключение - исходное может быть
	// отравлено прерванной транзакцией
	if fakeCurrent.instances != 2 {
		t.Errorf("failure path must open a fresh connection, got %d instances", fakeCurrent.instances)
	}
}

func TestRunnerParseErrorThresholdBecomesDataError(t *testing.T) {
	fakeCurrent = &fakeState{}

	cfg := runnerConfig(t, "full", []string{
		mrconsoLine("C0001", "Neoplasm"),
		"broken|line",
		"another broken line",
	})
	cfg.Load.MaxParseErrors = 1

	_, err := NewRunner(cfg, "test").Run(context.Background())
	var dataErr *loader.DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("exceeding the parse-error threshold must raise DataError, got %v", err)
	}

	// Применения изменений не было
	for _, call := range fakeCurrent.calls {
		if call == "ApplyChanges" {
			t.Error("no apply may happen after a parse-threshold failure")
		}
	}
}

func TestRunnerMissingSourceFileFails(t *testing.T) {
	fakeCurrent = &fakeState{}

	cfg := runnerConfig(t, "full", []string{mrconsoLine("C0001", "Neoplasm")})
	cfg.Load.Datasets = []string{"semantic_types"} // MRSTY.RRF не существует

	summary, err := NewRunner(cfg, "test").Run(context.Background())
	if err == nil {
		t.Fatal("missing source file must fail the run")
	}
	if summary.Status != loader.StatusFailed {
		t.Errorf("Status = %s, want Failed", summary.Status)
	}
}
