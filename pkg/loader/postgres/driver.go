package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
)

// Compile-time check: Driver должен реализовывать loader.Driver
var _ loader.Driver = (*Driver)(nil)

// Регистрация драйвера в глобальной фабрике
func init() {
	loader.Register("postgres", NewDriver)
	loader.Register("postgresql", NewDriver)
}

// advisoryLockClass - первый ключ advisory-блокировки запусков.
// Второй ключ - hashtext целевой схемы: два запуска в одну схему
// взаимно исключаются, запуски в разные схемы - нет.
const advisoryLockClass = "medgen_etl"

// Driver - нативный загрузчик PostgreSQL поверх протокола COPY FROM STDIN
type Driver struct {
	cfg    loader.Config
	schema string

	pool *pgxpool.Pool

	// lockConn держит advisory-блокировку запуска; блокировка живет,
	// пока жива сессия
	lockConn *pgxpool.Conn
}

// NewDriver создает неподключенный драйвер
func NewDriver(cfg loader.Config) (loader.Driver, error) {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &Driver{cfg: cfg, schema: schema}, nil
}

// Connect устанавливает пул подключений, берет advisory-блокировку запуска,
// готовит audit-таблицы и помечает осиротевшие запуски как Failed.
// Идемпотентен: повторный вызов - no-op.
func (d *Driver) Connect(ctx context.Context) error {
	if d.pool != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(d.cfg.DSN)
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
		return &loader.ConnectionError{Msg: "database unreachable", Err: err}
	}
	d.pool = pool

	if err := d.acquireRunLock(ctx); err != nil {
		d.pool.Close()
		d.pool = nil
		return err
	}

	if err := d.ensureMetadata(ctx); err != nil {
		d.releaseRunLock(ctx)
		d.pool.Close()
		d.pool = nil
		return err
	}

	if err := d.reconcileOrphanedRuns(ctx); err != nil {
		log.Warn().Err(err).Msg("could not reconcile orphaned runs")
	}

	log.Debug().Str("schema", d.schema).Msg("postgres driver connected")
	return nil
}

// acquireRunLock берет session-level advisory lock на (run_class, schema).
// Второй конкурентный запуск блокируется до освобождения.
func (d *Driver) acquireRunLock(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return &loader.ConnectionError{Msg: "could not acquire lock connection", Err: err}
	}

	_, err = conn.Exec(ctx,
		"SELECT pg_advisory_lock(hashtext($1), hashtext($2))",
		advisoryLockClass, d.schema)
	if err != nil {
		conn.Release()
		return &loader.ConnectionError{Msg: "could not acquire run lock", Err: err}
	}

	d.lockConn = conn
	return nil
}

func (d *Driver) releaseRunLock(ctx context.Context) {
	if d.lockConn == nil {
		return
	}
	_, err := d.lockConn.Exec(ctx,
		"SELECT pg_advisory_unlock(hashtext($1), hashtext($2))",
		advisoryLockClass, d.schema)
	if err != nil {
		log.Warn().Err(err).Msg("could not release run lock")
	}
	d.lockConn.Release()
	d.lockConn = nil
}

// Close освобождает блокировку и пул. Идемпотентен.
func (d *Driver) Close(ctx context.Context) error {
	if d.pool == nil {
		return nil
	}
	d.releaseRunLock(ctx)
	d.pool.Close()
	d.pool = nil
	return nil
}

// qualify добавляет схему к имени таблицы
func (d *Driver) qualify(table string) string {
	quoted := QuoteIdentifier(table)
	if d.schema != "public" {
		return QuoteIdentifier(d.schema) + "." + quoted
	}
	return quoted
}

// exec выполняет один SQL-оператор через пул
func (d *Driver) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if d.pool == nil {
		return pgconn.CommandTag{}, &loader.ConnectionError{Msg: "driver is not connected"}
	}
	return d.pool.Exec(ctx, sql, args...)
}

// tableExists проверяет существование таблицы в целевой схеме
func (d *Driver) tableExists(ctx context.Context, table string) (bool, error) {
	var regclass *string
	err := d.pool.QueryRow(ctx, "SELECT to_regclass($1)::text",
		fmt.Sprintf("%s.%s", QuoteIdentifier(d.schema), QuoteIdentifier(table))).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("to_regclass %s: %w", table, err)
	}
	return regclass != nil, nil
}

// classify переводит ошибку pgx в ошибку таксономии загрузчика
func classify(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57014 query_canceled: statement_timeout
		if pgErr.Code == "57014" {
			return &loader.LoadError{Table: table, TimedOut: true, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &loader.LoadError{Table: table, TimedOut: true, Err: err}
	}
	return &loader.LoadError{Table: table, Err: err}
}
