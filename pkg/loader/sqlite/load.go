package sqlite

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// insertBatch - число строк в одном multi-row INSERT
const insertBatch = 500

// differTemplate - NULL-безопасное "значения различаются" для SQLite
const differTemplate = "s.%[1]s IS NOT p.%[1]s"

// InitializeStaging создает staging таблицы заново
func (d *Driver) InitializeStaging(ctx context.Context, datasets []medgen.Dataset) error {
	if d.db == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	for _, ds := range datasets {
		if _, err := d.db.ExecContext(ctx,
			fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(ds.StagingTable()))); err != nil {
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
		cols = append(cols, quote("raw_record")+" TEXT")

		ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)",
			quote(ds.StagingTable()), strings.Join(cols, ",\n  "))
		if _, err := d.db.ExecContext(ctx, ddl); err != nil {
			return &loader.LoadError{Table: ds.StagingTable(), Err: err}
		}
	}
	return nil
}

// BulkLoad декодирует поток кодировщика и вставляет строки батчами
// в одной транзакции. Частичная загрузка откатывается.
func (d *Driver) BulkLoad(ctx context.Context, table string, data io.Reader) (int64, error) {
	if d.db == nil {
		return 0, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	// Число колонок берется из датасета staging таблицы
	ds, ok := datasetOfStaging(table)
	if !ok {
		return 0, &loader.LoadError{Table: table, Err: fmt.Errorf("unknown staging table")}
	}
	numCols := len(ds.Columns) + 1 // + raw_record

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf("INSERT INTO %s VALUES ", quote(table))
	rowPlaceholder := "(" + base.Placeholders(numCols) + ")"

	var (
		total int64
		batch []any
		rows  int
	)

	flush := func() error {
		if rows == 0 {
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat(rowPlaceholder+", ", rows), ", ")
		if _, err := tx.ExecContext(ctx, insertSQL+placeholders, batch...); err != nil {
			return err
		}
		total += int64(rows)
		batch = batch[:0]
		rows = 0
		return nil
	}

	scanner := base.NewRowScanner(data)
	for {
		values, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, &loader.LoadError{Table: table, Err: err}
		}
		if len(values) != numCols {
			return 0, &loader.LoadError{Table: table,
				Err: fmt.Errorf("row has %d columns, staging DDL has %d", len(values), numCols)}
		}

		batch = append(batch, values...)
		rows++
		if rows >= insertBatch {
			if err := flush(); err != nil {
				return 0, &loader.LoadError{Table: table, Err: err}
			}
		}
	}
	if err := flush(); err != nil {
		return 0, &loader.LoadError{Table: table, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &loader.LoadError{Table: table, Err: err}
	}

	log.Info().Str("table", table).Int64("rows", total).Msg("bulk load complete")
	return total, nil
}

// datasetOfStaging находит датасет по имени его staging таблицы
func datasetOfStaging(table string) (medgen.Dataset, bool) {
	return medgen.ByName(strings.TrimPrefix(table, "staging_"))
}

// ExecuteCDC материализует cdc наборы; payload сравнивается
// по-колоночно через IS NOT
func (d *Driver) ExecuteCDC(ctx context.Context, ds medgen.Dataset) (loader.CDCStats, error) {
	var stats loader.CDCStats
	if d.db == nil {
		return stats, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	if err := d.checkDuplicateKeys(ctx, ds); err != nil {
		return stats, err
	}

	staging := quote(ds.StagingTable())
	inserts := quote(ds.CDCInsertsTable())
	updates := quote(ds.CDCUpdatesTable())
	deletes := quote(ds.CDCDeletesTable())

	for _, stmt := range []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", deletes),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", inserts),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", updates),
		fmt.Sprintf("CREATE TABLE %s (id INTEGER)", deletes),
		fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 0", inserts, staging),
		fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 0", updates, staging),
	} {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return stats, &loader.LoadError{Table: ds.Name, Err: err}
		}
	}

	prodExists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}

	if !prodExists {
		res, err := d.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s SELECT s.* FROM %s s", inserts, staging))
		if err != nil {
			return stats, &loader.LoadError{Table: ds.CDCInsertsTable(), Err: err}
		}
		stats.Inserts, _ = res.RowsAffected()
		return stats, nil
	}

	prod := quote(ds.Name)
	joinOn := base.JoinOn("p", "s", ds.BusinessKey, quote)

	res, err := d.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id) SELECT p.id FROM %s p LEFT JOIN %s s ON %s WHERE %s AND p.is_active = 1",
		deletes, prod, staging, joinOn,
		base.AllNull("s", ds.BusinessKey, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.CDCDeletesTable(), Err: err}
	}
	stats.Deletes, _ = res.RowsAffected()

	res, err = d.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s JOIN %s p ON %s WHERE (p.is_active = 1 AND %s) OR p.is_active = 0",
		updates, staging, prod, joinOn,
		base.AnyDifferent(ds.ColumnNames(), differTemplate, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.CDCUpdatesTable(), Err: err}
	}
	stats.Updates, _ = res.RowsAffected()

	res, err = d.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s LEFT JOIN %s p ON %s WHERE %s",
		inserts, staging, prod, joinOn,
		base.AllNull("p", ds.BusinessKey, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.CDCInsertsTable(), Err: err}
	}
	stats.Inserts, _ = res.RowsAffected()

	return stats, nil
}

func (d *Driver) checkDuplicateKeys(ctx context.Context, ds medgen.Dataset) error {
	bk := base.QuoteAll(ds.BusinessKey, quote)
	keyExpr := strings.Join(bk, " || '|' || ")

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1 LIMIT 10",
		keyExpr, quote(ds.StagingTable()), strings.Join(bk, ", ")))
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

// ApplyChanges применяет снапшот: full - через swap, delta - через cdc
// наборы; обе ветки в одной транзакции
func (d *Driver) ApplyChanges(ctx context.Context, ds medgen.Dataset, mode loader.LoadMode) (loader.ApplyStats, error) {
	var stats loader.ApplyStats
	if d.db == nil {
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
	cols := []string{quote("id") + " INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range ds.Columns {
		def := quote(c.Name) + " " + columnSQLType(c)
		if c.NotNull {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols,
		quote("raw_record")+" TEXT",
		quote("is_active")+" INTEGER NOT NULL DEFAULT 1",
		quote("last_updated_at")+" TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
		quote("first_seen_at")+" TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP",
	)
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", quote(table), strings.Join(cols, ",\n  "))
}

func (d *Driver) bkIndexDDL(ds medgen.Dataset, table string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
		quote("ux_"+table+"_bk"), quote(table),
		strings.Join(base.QuoteAll(ds.BusinessKey, quote), ", "))
}

func (d *Driver) applyFull(ctx context.Context, ds medgen.Dataset) (loader.ApplyStats, error) {
	var stats loader.ApplyStats

	prod := ds.Name
	prodNew := prod + "_new"
	backup := ds.BackupTable()

	prodExists, err := d.tableExists(ctx, prod)
	if err != nil {
		return stats, &loader.LoadError{Table: prod, Err: err}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(prodNew))); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}
	if _, err := tx.ExecContext(ctx, d.productionDDL(prodNew, ds)); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}

	cols := strings.Join(base.QuoteAll(ds.ColumnNames(), quote), ", ")
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, raw_record, is_active, first_seen_at, last_updated_at) "+
			"SELECT %s, raw_record, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP FROM %s",
		quote(prodNew), cols, cols, quote(ds.StagingTable())))
	if err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}
	stats.Inserted, _ = res.RowsAffected()

	// Имена индексов в SQLite общие на всю схему и не меняются при
	// RENAME: индекс прошлого full load под этим именем остался на
	// текущем production и освобождает имя для нового поколения
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s",
		quote("ux_"+prodNew+"_bk"))); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}
	if _, err := tx.ExecContext(ctx, d.bkIndexDDL(ds, prodNew)); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(backup))); err != nil {
		return stats, &loader.LoadError{Table: backup, Err: err}
	}
	if prodExists {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
			quote(prod), quote(backup))); err != nil {
			return stats, &loader.LoadError{Table: prod, Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		quote(prodNew), quote(prod))); err != nil {
		return stats, &loader.LoadError{Table: prodNew, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return stats, &loader.LoadError{Table: prod, Err: err}
	}

	log.Info().Str("dataset", ds.Name).Int64("rows", stats.Inserted).Msg("full load swap complete")
	return stats, nil
}

func (d *Driver) applyDelta(ctx context.Context, ds medgen.Dataset) (loader.ApplyStats, error) {
	var stats loader.ApplyStats

	prodExists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	if !prodExists {
		if _, err := d.db.ExecContext(ctx, d.productionDDL(ds.Name, ds)); err != nil {
			return stats, &loader.LoadError{Table: ds.Name, Err: err}
		}
		if _, err := d.db.ExecContext(ctx, d.bkIndexDDL(ds, ds.Name)); err != nil {
			return stats, &loader.LoadError{Table: ds.Name, Err: err}
		}
	}

	prod := quote(ds.Name)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback()

	// 1. Soft-delete
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET is_active = 0, last_updated_at = CURRENT_TIMESTAMP WHERE id IN (SELECT id FROM %s)",
		prod, quote(ds.CDCDeletesTable())))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	stats.Deleted, _ = res.RowsAffected()

	// 2. Обновления: SQLite UPDATE ... FROM
	setParts := []string{"is_active = 1", "last_updated_at = CURRENT_TIMESTAMP", "raw_record = s.raw_record"}
	bkSet := make(map[string]bool, len(ds.BusinessKey))
	for _, k := range ds.BusinessKey {
		bkSet[k] = true
	}
	for _, c := range ds.Columns {
		if bkSet[c.Name] {
			continue
		}
		setParts = append(setParts, fmt.Sprintf("%s = s.%s", quote(c.Name), quote(c.Name)))
	}
	res, err = tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s AS p SET %s FROM %s AS s WHERE %s",
		prod, strings.Join(setParts, ", "), quote(ds.CDCUpdatesTable()),
		base.JoinOn("p", "s", ds.BusinessKey, quote)))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	stats.Updated, _ = res.RowsAffected()

	// 3. Вставки
	cols := strings.Join(base.QuoteAll(ds.ColumnNames(), quote), ", ")
	res, err = tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, raw_record, is_active, first_seen_at, last_updated_at) "+
			"SELECT %s, raw_record, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP FROM %s",
		prod, cols, cols, quote(ds.CDCInsertsTable())))
	if err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	stats.Inserted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return stats, &loader.LoadError{Table: ds.Name, Err: err}
	}
	return stats, nil
}

// Cleanup удаляет staging и cdc таблицы запуска
func (d *Driver) Cleanup(ctx context.Context, datasets []medgen.Dataset) error {
	if d.db == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	for _, ds := range datasets {
		for _, table := range []string{
			ds.StagingTable(),
			ds.CDCInsertsTable(),
			ds.CDCUpdatesTable(),
			ds.CDCDeletesTable(),
		} {
			if _, err := d.db.ExecContext(ctx,
				fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(table))); err != nil {
				return &loader.LoadError{Table: table, Err: err}
			}
		}
	}
	return nil
}
