package redshift

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// Compile-time check: Driver должен реализовывать loader.Driver
var _ loader.Driver = (*Driver)(nil)

// Регистрация драйвера в глобальной фабрике.
// Без s3_bucket и iam_role серверный COPY невозможен - фабрика
// отвергает конфигурацию до создания драйвера.
func init() {
	loader.Register("redshift", NewDriver, "s3_bucket", "iam_role")
}

// Driver - загрузчик Amazon Redshift. Redshift говорит на wire-протоколе
// PostgreSQL, но не принимает COPY FROM STDIN: поток кодировщика сначала
// выгружается в S3 (multipart upload с ограниченной памятью), затем
// сервер забирает его сам через COPY ... FROM 's3://...' IAM_ROLE.
//
// UNLOGGED таблиц в Redshift нет, advisory-блокировок тоже; в остальном
// SQL-поверхность совпадает с PostgreSQL-драйвером.
type Driver struct {
	cfg    loader.Config
	schema string

	pool     *pgxpool.Pool
	s3client *s3.Client
	uploader *manager.Uploader

	bucket  string
	iamRole string
	prefix  string
}

// NewDriver создает неподключенный драйвер
func NewDriver(cfg loader.Config) (loader.Driver, error) {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	prefix := cfg.Option("s3_prefix")
	if prefix == "" {
		prefix = "medgen-etl"
	}

	return &Driver{
		cfg:     cfg,
		schema:  schema,
		bucket:  cfg.Option("s3_bucket"),
		iamRole: cfg.Option("iam_role"),
		prefix:  strings.Trim(prefix, "/"),
	}, nil
}

// pgDSN переписывает схему redshift:// в postgresql:// для pgx
func pgDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	u.Scheme = "postgresql"
	return u.String(), nil
}

// Connect устанавливает пул подключений и клиент S3, готовит
// audit-таблицы. Идемпотентен.
func (d *Driver) Connect(ctx context.Context) error {
	if d.pool != nil {
		return nil
	}

	dsn, err := pgDSN(d.cfg.DSN)
	if err != nil {
		return &loader.ConfigError{Msg: "could not parse connection string", Err: err}
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return &loader.ConfigError{Msg: "could not parse connection string", Err: err}
	}

	if d.cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(d.cfg.MaxConns)
	} else {
		poolCfg.MaxConns = 4
	}
	if d.cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(d.cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return &loader.ConnectionError{Msg: "could not create connection pool", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &loader.ConnectionError{Msg: "cluster unreachable", Err: err}
	}
	d.pool = pool

	var awsOpts []func(*awsconfig.LoadOptions) error
	if region := d.cfg.Option("region"); region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		d.pool.Close()
		d.pool = nil
		return &loader.ConfigError{Msg: "could not load AWS configuration", Err: err}
	}
	d.s3client = s3.NewFromConfig(awsCfg)
	d.uploader = manager.NewUploader(d.s3client, func(u *manager.Uploader) {
		u.PartSize = 8 * 1024 * 1024
	})

	if err := d.ensureMetadata(ctx); err != nil {
		d.pool.Close()
		d.pool = nil
		return err
	}
	if err := d.reconcileOrphanedRuns(ctx); err != nil {
		log.Warn().Err(err).Msg("could not reconcile orphaned runs")
	}

	log.Debug().Str("schema", d.schema).Str("bucket", d.bucket).Msg("redshift driver connected")
	return nil
}

// Close освобождает пул. Идемпотентен.
func (d *Driver) Close(ctx context.Context) error {
	if d.pool == nil {
		return nil
	}
	d.pool.Close()
	d.pool = nil
	return nil
}

func quote(name string) string { return base.QuoteDouble(name) }

func (d *Driver) qualify(table string) string {
	quoted := quote(table)
	if d.schema != "public" {
		return quote(d.schema) + "." + quoted
	}
	return quoted
}

func columnSQLType(c medgen.Column) string {
	switch c.Type {
	case medgen.TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	default:
		// Типа TEXT произвольной длины в Redshift нет
		return "VARCHAR(65535)"
	}
}

func (d *Driver) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		d.schema, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("information_schema lookup %s: %w", table, err)
	}
	return n > 0, nil
}

// ========== Audit ==========

func (d *Driver) ensureMetadata(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  log_id BIGINT IDENTITY(1,1) PRIMARY KEY,
  run_id VARCHAR(36) NOT NULL,
  package_version VARCHAR(64) NOT NULL,
  started_at TIMESTAMP NOT NULL,
  finished_at TIMESTAMP,
  mode VARCHAR(16) NOT NULL,
  status VARCHAR(16) NOT NULL,
  error_message VARCHAR(65535)
)`, d.qualify("etl_audit_log")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  detail_id BIGINT IDENTITY(1,1) PRIMARY KEY,
  log_id BIGINT NOT NULL REFERENCES %s (log_id),
  dataset VARCHAR(64) NOT NULL,
  rows_read BIGINT NOT NULL DEFAULT 0,
  rows_inserted BIGINT NOT NULL DEFAULT 0,
  rows_updated BIGINT NOT NULL DEFAULT 0,
  rows_deleted BIGINT NOT NULL DEFAULT 0,
  bytes_loaded BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0
)`, d.qualify("etl_run_details"), d.qualify("etl_audit_log")),
	}
	for _, sql := range stmts {
		if _, err := d.pool.Exec(ctx, sql); err != nil {
			return &loader.AuditError{Op: "initialize metadata tables", Err: err}
		}
	}
	return nil
}

func (d *Driver) reconcileOrphanedRuns(ctx context.Context) error {
	tag, err := d.pool.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET status = $1, finished_at = GETDATE(), error_message = $2 WHERE status = $3",
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

// LogRunStart записывает старт запуска и возвращает log_id.
// RETURNING в Redshift нет - log_id читается отдельным запросом по
// run_id (уникален в пределах процесса).
func (d *Driver) LogRunStart(ctx context.Context, run loader.RunStart) (int64, error) {
	if d.pool == nil {
		return 0, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	_, err := d.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (run_id, package_version, started_at, mode, status) VALUES ($1, $2, GETDATE(), $3, $4)",
		d.qualify("etl_audit_log")),
		run.RunID.String(), run.PackageVersion, string(run.Mode), string(loader.StatusRunning))
	if err != nil {
		return 0, &loader.AuditError{Op: "log run start", Err: err}
	}

	var logID int64
	err = d.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT MAX(log_id) FROM %s WHERE run_id = $1", d.qualify("etl_audit_log")),
		run.RunID.String()).Scan(&logID)
	if err != nil {
		return 0, &loader.AuditError{Op: "log run start", Err: err}
	}
	return logID, nil
}

// LogRunDetail записывает метрики одного датасета
func (d *Driver) LogRunDetail(ctx context.Context, logID int64, detail loader.RunDetail) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	_, err := d.pool.Exec(ctx, fmt.Sprintf(
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

// LogRunFinish записывает терминальный статус запуска
func (d *Driver) LogRunFinish(ctx context.Context, logID int64, status loader.RunStatus, errorMessage string) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}

	_, err := d.pool.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET finished_at = GETDATE(), status = $1, error_message = $2 WHERE log_id = $3",
		d.qualify("etl_audit_log")),
		string(status), errMsg, logID)
	if err != nil {
		return &loader.AuditError{Op: "log run finish", Err: err}
	}
	return nil
}

// deleteObject удаляет временный объект S3; сбой не фатален
func (d *Driver) deleteObject(ctx context.Context, key string) {
	_, err := d.s3client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("could not delete staged S3 object")
	}
}
