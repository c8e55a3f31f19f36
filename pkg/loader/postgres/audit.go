package postgres

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
)

// DDL audit-таблиц. Строки append-only: терминальный статус записывается
// один раз и больше не переписывается.
const (
	auditLogDDL = `CREATE TABLE IF NOT EXISTS %s (
  log_id BIGSERIAL PRIMARY KEY,
  run_id UUID NOT NULL,
  package_version TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ,
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  error_message TEXT
)`

	runDetailsDDL = `CREATE TABLE IF NOT EXISTS %s (
  detail_id BIGSERIAL PRIMARY KEY,
  log_id BIGINT NOT NULL REFERENCES %s (log_id),
  dataset TEXT NOT NULL,
  rows_read BIGINT NOT NULL DEFAULT 0,
  rows_inserted BIGINT NOT NULL DEFAULT 0,
  rows_updated BIGINT NOT NULL DEFAULT 0,
  rows_deleted BIGINT NOT NULL DEFAULT 0,
  bytes_loaded BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0
)`

	runDetailsIndexDDL = `CREATE INDEX IF NOT EXISTS ix_etl_run_details_log_id ON %s (log_id)`
)

// ensureMetadata создает audit-таблицы, если их еще нет
func (d *Driver) ensureMetadata(ctx context.Context) error {
	auditLog := d.qualify("etl_audit_log")
	runDetails := d.qualify("etl_run_details")

	stmts := []string{
		fmt.Sprintf(auditLogDDL, auditLog),
		fmt.Sprintf(runDetailsDDL, runDetails, auditLog),
		fmt.Sprintf(runDetailsIndexDDL, runDetails),
	}
	for _, sql := range stmts {
		if _, err := d.exec(ctx, sql); err != nil {
			return &loader.AuditError{Op: "initialize metadata tables", Err: err}
		}
	}
	return nil
}

// reconcileOrphanedRuns помечает запуски, оборвавшиеся без терминального
// статуса (падение процесса, потеря соединения), как Failed.
// Advisory-блокировка уже взята: конкурентного живого запуска нет.
func (d *Driver) reconcileOrphanedRuns(ctx context.Context) error {
	tag, err := d.exec(ctx, fmt.Sprintf(
		"UPDATE %s SET status = $1, finished_at = now(), error_message = $2 WHERE status = $3",
		d.qualify("etl_audit_log")),
		string(loader.StatusFailed), "orphaned by a previous process", string(loader.StatusRunning))
	if err != nil {
		return &loader.AuditError{Op: "reconcile orphaned runs", Err: err}
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Warn().Int64("runs", n).Msg("marked orphaned runs as Failed")
	}
	return nil
}

// LogRunStart записывает старт запуска и возвращает log_id
func (d *Driver) LogRunStart(ctx context.Context, run loader.RunStart) (int64, error) {
	if d.pool == nil {
		return 0, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	var logID int64
	err := d.pool.QueryRow(ctx, fmt.Sprintf(
		"INSERT INTO %s (run_id, package_version, started_at, mode, status) "+
			"VALUES ($1, $2, now(), $3, $4) RETURNING log_id",
		d.qualify("etl_audit_log")),
		run.RunID, run.PackageVersion, string(run.Mode), string(loader.StatusRunning),
	).Scan(&logID)
	if err != nil {
		return 0, &loader.AuditError{Op: "log run start", Err: err}
	}

	log.Info().Int64("log_id", logID).Stringer("run_id", run.RunID).Msg("etl run started")
	return logID, nil
}

// LogRunDetail записывает метрики одного датасета
func (d *Driver) LogRunDetail(ctx context.Context, logID int64, detail loader.RunDetail) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	_, err := d.exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (log_id, dataset, rows_read, rows_inserted, rows_updated, rows_deleted, bytes_loaded, duration_ms) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		d.qualify("etl_run_details")),
		logID, detail.Dataset, detail.RowsRead, detail.RowsInserted,
		detail.RowsUpdated, detail.RowsDeleted, detail.BytesLoaded,
		detail.Duration.Milliseconds())
	if err != nil {
		return &loader.AuditError{Op: "log run detail", Err: err}
	}
	return nil
}

// LogRunFinish записывает терминальный статус запуска.
// Последний I/O запуска: должен отработать и после сбоя данных.
func (d *Driver) LogRunFinish(ctx context.Context, logID int64, status loader.RunStatus, errorMessage string) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}

	_, err := d.exec(ctx, fmt.Sprintf(
		"UPDATE %s SET finished_at = now(), status = $1, error_message = $2 WHERE log_id = $3",
		d.qualify("etl_audit_log")),
		string(status), errMsg, logID)
	if err != nil {
		return &loader.AuditError{Op: "log run finish", Err: err}
	}

	log.Info().Int64("log_id", logID).Str("status", string(status)).Msg("etl run finished")
	return nil
}
