package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/ruslano69/medgen-etl/pkg/encoder"
	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// Тесты сценариев загрузчика на SQLite: один wire-формат, одна семантика
// CDC/apply, никакого сервера.

func newTestDriver(t *testing.T, dsn string) *Driver {
	t.Helper()

	drv, err := NewDriver(loader.Config{DSN: dsn})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	d := drv.(*Driver)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func conceptsDS(t *testing.T) medgen.Dataset {
	t.Helper()
	ds, ok := medgen.ByName("concepts")
	if !ok {
		t.Fatal("concepts dataset not registered")
	}
	return ds
}

func conceptRec(cui, name string) medgen.Record {
	return medgen.Record{
		Values: []*string{medgen.Str(cui), medgen.Str(name), nil},
		Raw:    fmt.Sprintf("%s|ENG|P|L|PF|S|Y|A|||||PN||%s|0|N||", cui, name),
	}
}

// sliceReader - RecordReader поверх среза
type sliceReader struct {
	recs []medgen.Record
	pos  int
}

func (r *sliceReader) Next() (medgen.Record, error) {
	if r.pos >= len(r.recs) {
		return medgen.Record{}, io.EOF
	}
	rec := r.recs[r.pos]
	r.pos++
	return rec, nil
}

// loadStaging кодирует записи и заливает их в staging датасета
func loadStaging(t *testing.T, d *Driver, ds medgen.Dataset, recs []medgen.Record) int64 {
	t.Helper()
	ctx := context.Background()

	if err := d.InitializeStaging(ctx, []medgen.Dataset{ds}); err != nil {
		t.Fatalf("InitializeStaging failed: %v", err)
	}

	enc := encoder.New(ds, true)
	stream := encoder.NewStream(ctx, enc, &sliceReader{recs: recs})
	defer stream.Close()

	n, err := d.BulkLoad(ctx, ds.StagingTable(), stream)
	if err != nil {
		t.Fatalf("BulkLoad failed: %v", err)
	}
	return n
}

func countRows(t *testing.T, d *Driver, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := d.db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return n
}

func TestFullLoadFreshDatabase(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	snapshot := []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0002", "Fever"),
		conceptRec("C0003", "Headache"),
	}
	if n := loadStaging(t, d, ds, snapshot); n != 3 {
		t.Fatalf("staged %d rows, want 3", n)
	}

	stats, err := d.ApplyChanges(ctx, ds, loader.ModeFull)
	if err != nil {
		t.Fatalf("ApplyChanges(full) failed: %v", err)
	}
	if stats.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", stats.Inserted)
	}

	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts"); n != 3 {
		t.Errorf("production has %d rows, want 3", n)
	}
	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts WHERE is_active = 0"); n != 0 {
		t.Errorf("%d inactive rows after full load, want 0", n)
	}

	exists, err := d.tableExists(ctx, ds.BackupTable())
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("backup table must not exist after first full load")
	}

	// raw_record хранится байт-в-байт
	var raw string
	if err := d.db.QueryRowContext(ctx,
		"SELECT raw_record FROM concepts WHERE cui = 'C0001'").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != snapshot[0].Raw {
		t.Errorf("raw_record = %q, want %q", raw, snapshot[0].Raw)
	}
}

func TestSecondFullLoadKeepsBackupGeneration(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0002", "Fever"),
		conceptRec("C0003", "Headache"),
	})
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeFull); err != nil {
		t.Fatal(err)
	}

	// Второй снапшот без C0002
	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0003", "Headache"),
	})
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeFull); err != nil {
		t.Fatal(err)
	}

	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts"); n != 2 {
		t.Errorf("production has %d rows, want 2", n)
	}
	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts WHERE is_active = 1"); n != 2 {
		t.Errorf("%d active rows, want 2", n)
	}
	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts_backup"); n != 3 {
		t.Errorf("backup has %d rows, want previous generation of 3", n)
	}
}

func TestDeltaFirstRunInsertsEverything(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0002", "Fever"),
	})

	stats, err := d.ExecuteCDC(ctx, ds)
	if err != nil {
		t.Fatalf("ExecuteCDC failed: %v", err)
	}
	if stats.Inserts != 2 || stats.Updates != 0 || stats.Deletes != 0 {
		t.Errorf("CDC on empty database = %+v, want 2/0/0", stats)
	}

	applied, err := d.ApplyChanges(ctx, ds, loader.ModeDelta)
	if err != nil {
		t.Fatal(err)
	}
	if applied.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", applied.Inserted)
	}
}

func TestDeltaUpdateSoftDeleteReactivate(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	// Исходный снапшот
	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Foo"),
		conceptRec("C0002", "Fever"),
		conceptRec("C0003", "Headache"),
	})
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeFull); err != nil {
		t.Fatal(err)
	}

	var originalID int64
	if err := d.db.QueryRowContext(ctx,
		"SELECT id FROM concepts WHERE cui = 'C0003'").Scan(&originalID); err != nil {
		t.Fatal(err)
	}

	// Шаг 1: обновление имени C0001
	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Foo Renamed"),
		conceptRec("C0002", "Fever"),
		conceptRec("C0003", "Headache"),
	})
	stats, err := d.ExecuteCDC(ctx, ds)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Updates != 1 || stats.Inserts != 0 || stats.Deletes != 0 {
		t.Fatalf("CDC after rename = %+v, want 0/1/0", stats)
	}
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeDelta); err != nil {
		t.Fatal(err)
	}

	var name string
	if err := d.db.QueryRowContext(ctx,
		"SELECT preferred_name FROM concepts WHERE cui = 'C0001'").Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Foo Renamed" {
		t.Errorf("preferred_name = %q, want %q", name, "Foo Renamed")
	}
	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts"); n != 3 {
		t.Errorf("production has %d rows, want 3", n)
	}

	// Шаг 2: C0003 исчезает из снапшота - soft delete
	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Foo Renamed"),
		conceptRec("C0002", "Fever"),
	})
	stats, err = d.ExecuteCDC(ctx, ds)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Deletes != 1 {
		t.Fatalf("CDC after removal = %+v, want 1 delete", stats)
	}
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeDelta); err != nil {
		t.Fatal(err)
	}

	var active int64
	var deletedID int64
	if err := d.db.QueryRowContext(ctx,
		"SELECT id, is_active FROM concepts WHERE cui = 'C0003'").Scan(&deletedID, &active); err != nil {
		t.Fatal(err)
	}
	if active != 0 {
		t.Error("C0003 must be inactive after soft delete")
	}
	if deletedID != originalID {
		t.Errorf("soft-deleted row changed id: %d → %d", originalID, deletedID)
	}

	// Шаг 3: C0003 возвращается с прежним payload - реактивация
	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Foo Renamed"),
		conceptRec("C0002", "Fever"),
		conceptRec("C0003", "Headache"),
	})
	stats, err = d.ExecuteCDC(ctx, ds)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Updates != 1 || stats.Inserts != 0 {
		t.Fatalf("CDC after return = %+v, want reactivation as 1 update", stats)
	}
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeDelta); err != nil {
		t.Fatal(err)
	}

	var reactivatedID int64
	if err := d.db.QueryRowContext(ctx,
		"SELECT id, is_active FROM concepts WHERE cui = 'C0003'").Scan(&reactivatedID, &active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Error("C0003 must be active after reactivation")
	}
	if reactivatedID != originalID {
		t.Errorf("reactivated row changed id: %d → %d", originalID, reactivatedID)
	}
}

func TestDeltaRerunOfSameSnapshotIsNoop(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	snapshot := []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0002", "Fever"),
	}
	loadStaging(t, d, ds, snapshot)
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeFull); err != nil {
		t.Fatal(err)
	}

	loadStaging(t, d, ds, snapshot)
	stats, err := d.ExecuteCDC(ctx, ds)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Inserts != 0 || stats.Updates != 0 || stats.Deletes != 0 {
		t.Errorf("rerun of identical snapshot = %+v, want 0/0/0", stats)
	}
}

func TestDeltaEmptySnapshotDeactivatesEverything(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0002", "Fever"),
	})
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeFull); err != nil {
		t.Fatal(err)
	}

	loadStaging(t, d, ds, nil)
	stats, err := d.ExecuteCDC(ctx, ds)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Deletes != 2 {
		t.Fatalf("CDC of empty snapshot = %+v, want 2 deletes", stats)
	}
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeDelta); err != nil {
		t.Fatal(err)
	}

	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts WHERE is_active = 1"); n != 0 {
		t.Errorf("%d active rows after empty delta, want 0", n)
	}
	if n := countRows(t, d, "SELECT COUNT(*) FROM concepts"); n != 2 {
		t.Errorf("soft delete must keep rows, got %d", n)
	}
}

func TestDuplicateBusinessKeysFailCDC(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	loadStaging(t, d, ds, []medgen.Record{
		conceptRec("C0001", "Neoplasm"),
		conceptRec("C0001", "Neoplasm again"),
	})

	_, err := d.ExecuteCDC(ctx, ds)
	var dataErr *loader.DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError, got %v", err)
	}
	if len(dataErr.Keys) == 0 || dataErr.Keys[0] != "C0001" {
		t.Errorf("DataError must name offending keys, got %v", dataErr.Keys)
	}

	// Production не создан и не тронут
	exists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("production must be untouched after CDC failure")
	}
}

func TestAbortBetweenLoadAndApplyLeavesProductionUnchanged(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	loadStaging(t, d, ds, []medgen.Record{conceptRec("C0001", "Neoplasm")})
	if _, err := d.ApplyChanges(ctx, ds, loader.ModeFull); err != nil {
		t.Fatal(err)
	}

	// Новый снапшот загружен в staging, но apply не выполняется
	loadStaging(t, d, ds, []medgen.Record{conceptRec("C0009", "Other")})

	if err := d.Cleanup(ctx, []medgen.Dataset{ds}); err != nil {
		t.Fatal(err)
	}

	var cui string
	if err := d.db.QueryRowContext(ctx,
		"SELECT cui FROM concepts").Scan(&cui); err != nil {
		t.Fatal(err)
	}
	if cui != "C0001" {
		t.Errorf("production changed without apply: %s", cui)
	}
}

func TestCleanupDropsEphemeralTables(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ds := conceptsDS(t)
	ctx := context.Background()

	loadStaging(t, d, ds, []medgen.Record{conceptRec("C0001", "Neoplasm")})
	if _, err := d.ExecuteCDC(ctx, ds); err != nil {
		t.Fatal(err)
	}

	if err := d.Cleanup(ctx, []medgen.Dataset{ds}); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	for _, table := range []string{
		ds.StagingTable(), ds.CDCInsertsTable(), ds.CDCUpdatesTable(), ds.CDCDeletesTable(),
	} {
		exists, err := d.tableExists(ctx, table)
		if err != nil {
			t.Fatal(err)
		}
		if exists {
			t.Errorf("table %s must be dropped by cleanup", table)
		}
	}

	// Повторный cleanup толерантен к отсутствующим таблицам
	if err := d.Cleanup(ctx, []medgen.Dataset{ds}); err != nil {
		t.Errorf("repeated Cleanup must be a no-op: %v", err)
	}
}

func TestAuditLifecycle(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	ctx := context.Background()

	runID := uuid.New()
	logID, err := d.LogRunStart(ctx, loader.RunStart{
		RunID:          runID,
		PackageVersion: "test",
		Mode:           loader.ModeDelta,
	})
	if err != nil {
		t.Fatalf("LogRunStart failed: %v", err)
	}

	if err := d.LogRunDetail(ctx, logID, loader.RunDetail{
		Dataset:      "concepts",
		RowsRead:     100,
		RowsInserted: 10,
	}); err != nil {
		t.Fatalf("LogRunDetail failed: %v", err)
	}

	if err := d.LogRunFinish(ctx, logID, loader.StatusSuccess, ""); err != nil {
		t.Fatalf("LogRunFinish failed: %v", err)
	}

	// Ровно один терминальный статус на run_id
	if n := countRows(t, d,
		"SELECT COUNT(*) FROM etl_audit_log WHERE run_id = ? AND status != 'Running'",
		runID.String()); n != 1 {
		t.Errorf("%d terminal rows for run, want exactly 1", n)
	}
	if n := countRows(t, d,
		"SELECT COUNT(*) FROM etl_run_details WHERE log_id = ?", logID); n != 1 {
		t.Errorf("%d detail rows, want 1", n)
	}
}

func TestOrphanedRunsMarkedFailedOnReconnect(t *testing.T) {
	dsn := "sqlite:" + filepath.Join(t.TempDir(), "medgen.db")
	ctx := context.Background()

	d := newTestDriver(t, dsn)
	if _, err := d.LogRunStart(ctx, loader.RunStart{
		RunID:          uuid.New(),
		PackageVersion: "test",
		Mode:           loader.ModeFull,
	}); err != nil {
		t.Fatal(err)
	}
	// Процесс "падает": терминальный статус не записан
	d.Close(ctx)

	d2 := newTestDriver(t, dsn)
	if n := countRows(t, d2, "SELECT COUNT(*) FROM etl_audit_log WHERE status = 'Running'"); n != 0 {
		t.Errorf("%d runs still Running after reconnect, want 0", n)
	}
	if n := countRows(t, d2, "SELECT COUNT(*) FROM etl_audit_log WHERE status = 'Failed'"); n != 1 {
		t.Errorf("%d Failed rows, want 1", n)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	d := newTestDriver(t, "sqlite::memory:")
	if err := d.Connect(context.Background()); err != nil {
		t.Errorf("second Connect must be a no-op: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("second Close must be a no-op: %v", err)
	}
}
