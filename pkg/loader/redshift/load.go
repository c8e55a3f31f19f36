package redshift

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// InitializeStaging создает staging таблицы заново
func (d *Driver) InitializeStaging(ctx context.Context, datasets []medgen.Dataset) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	for _, ds := range datasets {
		table := d.qualify(ds.StagingTable())

		if _, err := d.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return &loader.LoadError{Table: ds.StagingTable(), Err: err}
		}

		var cols []string
		for _, c := range ds.Columns {
			def := quote(c.Name) + " " + columnSQLType(c)
			if c.NotNull {
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		cols = append(cols, quote("raw_record")+" VARCHAR(65535)")

		ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
		if _, err := d.pool.Exec(ctx, ddl); err != nil {
			return &loader.LoadError{Table: ds.StagingTable(), Err: err}
		}

		log.Debug().Str("table", ds.StagingTable()).Msg("staging table initialized")
	}
	return nil
}

// BulkLoad выгружает поток кодировщика в S3 и запускает серверный COPY.
// Multipart upload держит в памяти только части, загружаемые в данный
// момент (по 8 MiB на каждую параллельную загрузку); временный объект
// удаляется после COPY независимо от исхода.
func (d *Driver) BulkLoad(ctx context.Context, table string, data io.Reader) (int64, error) {
	if d.pool == nil {
		return 0, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	key := fmt.Sprintf("%s/%s.tsv", d.prefix, table)

	_, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return 0, &loader.LoadError{Table: table, Err: fmt.Errorf("S3 upload: %w", err)}
	}
	defer d.deleteObject(ctx, key)

	// Формат совпадает с wire-форматом кодировщика: табуляция, \N,
	// backslash-экранирование
	copySQL := fmt.Sprintf(
		"COPY %s FROM 's3://%s/%s' IAM_ROLE '%s' DELIMITER '\\t' NULL AS '\\\\N' ESCAPE TIMEFORMAT 'auto'",
		d.qualify(table), d.bucket, key, d.iamRole)

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return 0, &loader.ConnectionError{Msg: "could not acquire connection", Err: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, copySQL); err != nil {
		return 0, &loader.LoadError{Table: table, Err: err}
	}

	// Число строк последнего COPY этой сессии
	var rows int64
	if err := conn.QueryRow(ctx, "SELECT pg_last_copy_count()").Scan(&rows); err != nil {
		return 0, &loader.LoadError{Table: table, Err: err}
	}

	log.Info().Str("table", table).Int64("rows", rows).Msg("bulk load complete")
	return rows, nil
}

// payloadHash строит MD5-хэш payload строки. ROW(...)::text в Redshift
// нет - хэш собирается конкатенацией с NULL-сентинелом и разделителем.
func payloadHash(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("NVL(%s.%s, '\\tN')", alias, quote(c))
	}
	return fmt.Sprintf("MD5(%s)", strings.Join(parts, " || '\\t' || "))
}

// ExecuteCDC материализует cdc наборы; payload сравнивается MD5-хэшем
// конкатенации колонок
func (d *Driver) ExecuteCDC(ctx context.Context, ds medgen.Dataset) (loader.CDCStats, error) {
	var stats loader.CDCStats
	if d.pool == nil {
		return stats, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	if err := d.checkDuplicateKeys(ctx, ds); err != nil {
		return stats, err
	}

	staging := d.qualify(ds.StagingTable())
	inserts := d.qualify(ds.CDCInsertsTable())
	updates := d.qualify(ds.CDCUpdatesTable())
	deletes := d.qualify(ds.CDCDeletesTable())

	for _, stmt := range []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", deletes),
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", inserts),
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", updates),
		fmt.Sprintf("CREATE TABLE %s (id BIGINT)", deletes),
		fmt.Sprintf("CREATE TABLE %s (LIKE %s)", inserts, staging),
		fmt.Sprintf("CREATE TABLE %s (LIKE %s)", updates, staging),
	} {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return stats, &loader.LoadError{Table: ds.Name, Err: err}
		}
	}

	prodExists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}

	if !prodExists {
		tag, err := d.pool.Exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT s.* FROM %s s", inserts, staging))
		if err != nil {
			return stats, &loader.LoadError{Table: ds.CDCInsertsTable(), Err: err}
		}
		stats.Inserts = tag.RowsAffected()
		return stats, nil
	}

	prod := d.qualify(ds.Name)
	joinOn := base.JoinOn("p", "s", ds.BusinessKey, quote)
	cols := ds.ColumnNames()

	tag, err := d.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (id) SELECT p.id FROM %s p LEFT JOIN %s s ON %s WHERE %s AND p.is_active = true",
		deletes, prod, staging, joinOn,
		base.AllNull("s", ds.BusinessKey, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.CDCDeletesTable(), Err: err}
	}
	stats.Deletes = tag.RowsAffected()

	tag, err = d.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s JOIN %s p ON %s WHERE (p.is_active = true AND %s <> %s) OR p.is_active = false",
		updates, staging, prod, joinOn,
		payloadHash("s", cols), payloadHash("p", cols)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.CDCUpdatesTable(), Err: err}
	}
	stats.Updates = tag.RowsAffected()

	tag, err = d.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s LEFT JOIN %s p ON %s WHERE %s",
		inserts, staging, prod, joinOn,
		base.AllNull("p", ds.BusinessKey, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.CDCInsertsTable(), Err: err}
	}
	stats.Inserts = tag.RowsAffected()

	log.Info().
		Str("dataset", ds.Name).
		Int64("inserts", stats.Inserts).
		Int64("updates", stats.Updates).
		Int64("deletes", stats.Deletes).
		Msg("cdc complete")
	return stats, nil
}

func (d *Driver) checkDuplicateKeys(ctx context.Context, ds medgen.Dataset) error {
	bk := base.QuoteAll(ds.BusinessKey, quote)
	keyExpr := strings.Join(bk, " || '|' || ")

	rows, err := d.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1 LIMIT 10",
		keyExpr, d.qualify(ds.StagingTable()), strings.Join(bk, ", ")))
	if err != nil {
		return &loader.LoadError{Table: ds.StagingTable(), Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return &loader.LoadError{Table: ds.StagingTable(), Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return &loader.LoadError{Table: ds.StagingTable(), Err: err}
	}

	if len(keys) > 0 {
		return &loader.DataError{Dataset: ds.Name, Msg: "duplicate business keys in staging", Keys: keys}
	}
	return nil
}

// ApplyChanges применяет снапшот: full - через swap, delta - через cdc наборы
func (d *Driver) ApplyChanges(ctx context.Context, ds medgen.Dataset, mode loader.LoadMode) (loader.ApplyStats, error) {
	var stats loader.ApplyStats
	if d.pool == nil {
		return stats, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	switch mode {
	case loader.ModeFull:
		return d.applyFull(ctx, ds)
	case loader.ModeDelta:
		return d.applyDelta(ctx, ds)
	default:
		return stats, &loader.ConfigError{Msg: fmt.Sprintf("unknown load mode: %q", mode)}
	}
}

func (d *Driver) productionDDL(table string, ds medgen.Dataset) string {
	cols := []string{quote("id") + " BIGINT IDENTITY(1,1) PRIMARY KEY"}
	for _, c := range ds.Columns {
		def := quote(c.Name) + " " + columnSQLType(c)
		if c.NotNull {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols,
		quote("raw_record")+" VARCHAR(65535)",
		quote("is_active")+" BOOLEAN NOT NULL DEFAULT true",
		quote("last_updated_at")+" TIMESTAMP NOT NULL DEFAULT GETDATE()",
		quote("first_seen_at")+" TIMESTAMP NOT NULL DEFAULT GETDATE()",
	)

	// Сортировка и дистрибуция по первой колонке бизнес-ключа:
	// CDC-джойны идут по ней
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n) DISTKEY(%s) SORTKEY(%s)",
		table, strings.Join(cols, ",\n  "),
		quote(ds.BusinessKey[0]), quote(ds.BusinessKey[0]))
}

// applyFull выполняет полное обновление атомарным swap в одной транзакции.
// Уникальные индексы Redshift не материализует (уникальность защищает
// CDC-проверка дубликатов), поэтому переименовывается только таблица.
func (d *Driver) applyFull(ctx context.Context, ds medgen.Dataset) (loader.ApplyStats, error) {
	var stats loader.ApplyStats

	prod := ds.Name
	prodNew := prod + "_new"
	backup := ds.BackupTable()

	prodExists, err := d.tableExists(ctx, prod)
	if err != nil {
		return stats, &loader.LoadError{Table: prod, Err: err}
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(prodNew))); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}
	if _, err := tx.Exec(ctx, d.productionDDL(d.qualify(prodNew), ds)); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}

	cols := strings.Join(base.QuoteAll(ds.ColumnNames(), quote), ", ")
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, raw_record, is_active, first_seen_at, last_updated_at) "+
			"SELECT %s, raw_record, true, GETDATE(), GETDATE() FROM %s",
		d.qualify(prodNew), cols, cols, d.qualify(ds.StagingTable())))
	if err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}
	stats.Inserted = tag.RowsAffected()

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(backup))); err != nil {
		return stats, &loader.LoadError{Table: backup, Err: err}
	}
	if prodExists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
			d.qualify(prod), quote(backup))); err != nil {
			return stats, &loader.LoadError{Table: prod, Err: err}
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		d.qualify(prodNew), quote(prod))); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, &loader.LoadError{Table: prod, Err: err}
	}

	log.Info().Str("dataset", ds.Name).Int64("rows", stats.Inserted).Msg("full load swap complete")
	return stats, nil
}

// applyDelta применяет cdc наборы в одной транзакции:
// деактивации → обновления → вставки
func (d *Driver) applyDelta(ctx context.Context, ds medgen.Dataset) (loader.ApplyStats, error) {
	var stats loader.ApplyStats

	prodExists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	if !prodExists {
		if _, err := d.pool.Exec(ctx, d.productionDDL(d.qualify(ds.Name), ds)); err != nil {
			return stats, &loader.LoadError{Table: ds.Name, Err: err}
		}
	}

	prod := d.qualify(ds.Name)
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	// 1. Soft-delete: строка деактивируется, id сохраняется
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET is_active = false, last_updated_at = GETDATE() WHERE id IN (SELECT id FROM %s)",
		prod, d.qualify(ds.CDCDeletesTable())))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	stats.Deleted = tag.RowsAffected()

	// 2. Обновления
	setParts := []string{"is_active = true", "last_updated_at = GETDATE()", "raw_record = s.raw_record"}
	bkSet := make(map[string]bool, len(ds.BusinessKey))
	for _, k := range ds.BusinessKey {
		bkSet[k] = true
	}
	for _, c := range ds.Columns {
		if bkSet[c.Name] {
			continue
		}
		q := quote(c.Name)
		setParts = append(setParts, fmt.Sprintf("%s = s.%s", q, q))
	}
	tag, err = tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET %s FROM %s s WHERE %s",
		prod, strings.Join(setParts, ", "), d.qualify(ds.CDCUpdatesTable()),
		base.JoinOn(prod, "s", ds.BusinessKey, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	stats.Updated = tag.RowsAffected()

	// 3. Вставки
	cols := strings.Join(base.QuoteAll(ds.ColumnNames(), quote), ", ")
	tag, err = tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, raw_record, is_active, first_seen_at, last_updated_at) "+
			"SELECT %s, raw_record, true, GETDATE(), GETDATE() FROM %s",
		prod, cols, cols, d.qualify(ds.CDCInsertsTable())))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	stats.Inserted = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}

	log.Info().
		Str("dataset", ds.Name).
		Int64("inserted", stats.Inserted).
		Int64("updated", stats.Updated).
		Int64("deleted", stats.Deleted).
		Msg("delta apply complete")
	return stats, nil
}

// Cleanup удаляет staging и cdc таблицы запуска
func (d *Driver) Cleanup(ctx context.Context, datasets []medgen.Dataset) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	for _, ds := range datasets {
		for _, table := range []string{
			ds.StagingTable(),
			ds.CDCInsertsTable(),
			ds.CDCUpdatesTable(),
			ds.CDCDeletesTable(),
		} {
			if _, err := d.pool.Exec(ctx,
				fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(table))); err != nil {
				return &loader.LoadError{Table: table, Err: err}
			}
		}
	}
	return nil
}
