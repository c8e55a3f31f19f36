package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// Compile-time check: Driver должен реализовывать loader.Driver
var _ loader.Driver = (*Driver)(nil)

// Регистрация драйвера в глобальной фабрике
func init() {
	loader.Register("sqlite", NewDriver)
	loader.Register("file", NewDriver)
}

// Driver - загрузчик SQLite. Нативного bulk-протокола у SQLite нет:
// поток кодировщика декодируется и вставляется батчами в одной
// транзакции. Сравнение payload в CDC идет по-колоночно через IS NOT
// (NULL-безопасный distinct) - дешевого row-text хэша у SQLite нет.
//
// Основное назначение - локальные зеркала и тесты загрузчика без
// сервера.
type Driver struct {
	cfg loader.Config
	db  *sql.DB
}

// NewDriver создает неподключенный драйвер.
// DSN: sqlite:path/to.db, sqlite::memory: или file:path.
func NewDriver(cfg loader.Config) (loader.Driver, error) {
	return &Driver{cfg: cfg}, nil
}

// dsnPath извлекает путь к файлу БД из DSN
func dsnPath(dsn string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:", "file://", "file:"} {
		if strings.HasPrefix(dsn, prefix) {
			return strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Connect открывает БД. Идемпотентен.
func (d *Driver) Connect(ctx context.Context) error {
	if d.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", dsnPath(d.cfg.DSN))
	if err != nil {
		return &loader.ConnectionError{Msg: "could not open sqlite database", Err: err}
	}

	// Одно подключение: загрузчик однопоточный, а :memory: база
	// существует в пределах одного соединения
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &loader.ConnectionError{Msg: "database unreachable", Err: err}
	}
	d.db = db

	if err := d.ensureMetadata(ctx); err != nil {
		db.Close()
		d.db = nil
		return err
	}
	if err := d.reconcileOrphanedRuns(ctx); err != nil {
		log.Warn().Err(err).Msg("could not reconcile orphaned runs")
	}

	log.Debug().Msg("sqlite driver connected")
	return nil
}

// Close закрывает БД. Идемпотентен.
func (d *Driver) Close(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func quote(name string) string { return base.QuoteDouble(name) }

func columnSQLType(c medgen.Column) string {
	// SQLite не навязывает длину - все текстовые колонки TEXT
	return "TEXT"
}

func (d *Driver) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite_master lookup %s: %w", table, err)
	}
	return n > 0, nil
}

// ========== Audit ==========

func (d *Driver) ensureMetadata(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS etl_audit_log (
  log_id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  package_version TEXT NOT NULL,
  started_at TIMESTAMP NOT NULL,
  finished_at TIMESTAMP,
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  error_message TEXT
)`,
		`CREATE TABLE IF NOT EXISTS etl_run_details (
  detail_id INTEGER PRIMARY KEY AUTOINCREMENT,
  log_id INTEGER NOT NULL REFERENCES etl_audit_log (log_id),
  dataset TEXT NOT NULL,
  rows_read INTEGER NOT NULL DEFAULT 0,
  rows_inserted INTEGER NOT NULL DEFAULT 0,
  rows_updated INTEGER NOT NULL DEFAULT 0,
  rows_deleted INTEGER NOT NULL DEFAULT 0,
  bytes_loaded INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE INDEX IF NOT EXISTS ix_etl_run_details_log_id ON etl_run_details (log_id)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return &loader.AuditError{Op: "initialize metadata tables", Err: err}
		}
	}
	return nil
}

func (d *Driver) reconcileOrphanedRuns(ctx context.Context) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE etl_audit_log SET status = ?, finished_at = CURRENT_TIMESTAMP, error_message = ? WHERE status = ?",
		string(loader.StatusFailed), "orphaned by a previous process", string(loader.StatusRunning))
	if err != nil {
		return &loader.AuditError{Op: "reconcile orphaned runs", Err: err}
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Warn().Int64("runs", n).Msg("marked orphaned runs as Failed")
	}
	return nil
}

// LogRunStart записывает старт запуска и возвращает log_id
func (d *Driver) LogRunStart(ctx context.Context, run loader.RunStart) (int64, error) {
	if d.db == nil {
		return 0, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	res, err := d.db.ExecContext(ctx,
		"INSERT INTO etl_audit_log (run_id, package_version, started_at, mode, status) "+
			"VALUES (?, ?, CURRENT_TIMESTAMP, ?, ?)",
		run.RunID.String(), run.PackageVersion, string(run.Mode), string(loader.StatusRunning))
	if err != nil {
		return 0, &loader.AuditError{Op: "log run start", Err: err}
	}

	logID, err := res.LastInsertId()
	if err != nil {
		return 0, &loader.AuditError{Op: "log run start", Err: err}
	}
	return logID, nil
}

// LogRunDetail записывает метрики одного датасета
func (d *Driver) LogRunDetail(ctx context.Context, logID int64, detail loader.RunDetail) error {
	if d.db == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	_, err := d.db.ExecContext(ctx,
		"INSERT INTO etl_run_details (log_id, dataset, rows_read, rows_inserted, rows_updated, rows_deleted, bytes_loaded, duration_ms) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		logID, detail.Dataset, detail.RowsRead, detail.RowsInserted,
		detail.RowsUpdated, detail.RowsDeleted, detail.BytesLoaded,
		detail.Duration.Milliseconds())
	if err != nil {
		return &loader.AuditError{Op: "log run detail", Err: err}
	}
	return nil
}

// LogRunFinish записывает терминальный статус запуска
func (d *Driver) LogRunFinish(ctx context.Context, logID int64, status loader.RunStatus, errorMessage string) error {
	if d.db == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}

	_, err := d.db.ExecContext(ctx,
		"UPDATE etl_audit_log SET finished_at = CURRENT_TIMESTAMP, status = ?, error_message = ? WHERE log_id = ?",
		string(status), errMsg, logID)
	if err != nil {
		return &loader.AuditError{Op: "log run finish", Err: err}
	}
	return nil
}
