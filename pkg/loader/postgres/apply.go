package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// ApplyChanges применяет снапшот к production.
// Обе ветки - одна транзакция: либо swap/delta проходит целиком, либо
// production не меняется.
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

// applyFull выполняет полное обновление атомарным swap:
// staging → prod_new (с индексами) → rename. Предыдущее поколение
// остается как <prod>_backup до следующего full load. Читатели ни в
// какой момент не видят отсутствующую таблицу.
func (d *Driver) applyFull(ctx context.Context, ds medgen.Dataset) (loader.ApplyStats, error) {
	var stats loader.ApplyStats

	prod := ds.Name
	prodNew := prod + "_new"
	backup := ds.BackupTable()

	prodExists, err := d.tableExists(ctx, prod)
	if err != nil {
		return stats, classify(prod, err)
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	// 1. Новое поколение production
	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(prodNew))); err != nil {
		return stats, classify(prodNew, err)
	}
	if _, err := tx.Exec(ctx, productionDDL(d.qualify(prodNew), ds)); err != nil {
		return stats, classify(prodNew, err)
	}

	// 2. Данные из staging; весь снапшот активен
	cols := strings.Join(base.QuoteAll(ds.ColumnNames(), QuoteIdentifier), ", ")
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, raw_record, is_active, first_seen_at, last_updated_at) "+
			"SELECT %s, raw_record, true, now(), now() FROM %s",
		d.qualify(prodNew), cols, cols, d.qualify(ds.StagingTable())))
	if err != nil {
		return stats, classify(prodNew, err)
	}
	stats.Inserted = tag.RowsAffected()

	// 3. Индексы строятся после загрузки
	for _, ddl := range productionIndexDDL(ds, d.qualify(prodNew), "_new") {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return stats, classify(prodNew, err)
		}
	}

	// 4-6. Атомарная замена: предыдущий backup удаляется, текущее
	// поколение становится backup, новое - production
	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(backup))); err != nil {
		return stats, classify(backup, err)
	}
	if prodExists {
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
			d.qualify(prod), QuoteIdentifier(backup))); err != nil {
			return stats, classify(prod, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER INDEX IF EXISTS %s RENAME TO %s",
			d.qualifyIndex(bkIndexName(ds, "")), QuoteIdentifier(bkIndexName(ds, "_backup")))); err != nil {
			return stats, classify(prod, err)
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		d.qualify(prodNew), QuoteIdentifier(prod))); err != nil {
		return stats, classify(prodNew, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER INDEX %s RENAME TO %s",
		d.qualifyIndex(bkIndexName(ds, "_new")), QuoteIdentifier(bkIndexName(ds, "")))); err != nil {
		return stats, classify(prod, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, classify(prod, err)
	}

	log.Info().Str("dataset", ds.Name).Int64("rows", stats.Inserted).Msg("full load swap complete")
	return stats, nil
}

// applyDelta применяет cdc наборы в одной транзакции в порядке:
// деактивации → обновления → вставки. Деактивации идут первыми, чтобы
// освободить слоты уникального ключа.
func (d *Driver) applyDelta(ctx context.Context, ds medgen.Dataset) (loader.ApplyStats, error) {
	var stats loader.ApplyStats

	if err := d.ensureProduction(ctx, ds); err != nil {
		return stats, err
	}

	prod := d.qualify(ds.Name)
	inserts := d.qualify(ds.CDCInsertsTable())
	updates := d.qualify(ds.CDCUpdatesTable())
	deletes := d.qualify(ds.CDCDeletesTable())

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, &loader.ConnectionError{Msg: "could not begin transaction", Err: err}
	}
	defer tx.Rollback(ctx)

	// 1. Soft-delete: строка деактивируется, id сохраняется
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s SET is_active = false, last_updated_at = now() WHERE id IN (SELECT id FROM %s)",
		prod, deletes))
	if err != nil {
		return stats, classify(ds.Name, err)
	}
	stats.Deleted = tag.RowsAffected()

	// 2. Обновления; is_active = true покрывает и реактивации
	setParts := []string{"is_active = true", "last_updated_at = now()", "raw_record = s.raw_record"}
	bkSet := make(map[string]bool, len(ds.BusinessKey))
	for _, k := range ds.BusinessKey {
		bkSet[k] = true
	}
	for _, c := range ds.Columns {
		if bkSet[c.Name] {
			continue
		}
		q := QuoteIdentifier(c.Name)
		setParts = append(setParts, fmt.Sprintf("%s = s.%s", q, q))
	}
	tag, err = tx.Exec(ctx, fmt.Sprintf(
		"UPDATE %s p SET %s FROM %s s WHERE %s",
		prod, strings.Join(setParts, ", "), updates,
		base.JoinOn("p", "s", ds.BusinessKey, QuoteIdentifier)))
	if err != nil {
		return stats, classify(ds.Name, err)
	}
	stats.Updated = tag.RowsAffected()

	// 3. Вставки
	cols := strings.Join(base.QuoteAll(ds.ColumnNames(), QuoteIdentifier), ", ")
	tag, err = tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, raw_record, is_active, first_seen_at, last_updated_at) "+
			"SELECT %s, raw_record, true, now(), now() FROM %s",
		prod, cols, cols, inserts))
	if err != nil {
		return stats, classify(ds.Name, err)
	}
	stats.Inserted = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return stats, classify(ds.Name, err)
	}

	log.Info().
		Str("dataset", ds.Name).
		Int64("inserted", stats.Inserted).
		Int64("updated", stats.Updated).
		Int64("deleted", stats.Deleted).
		Msg("delta apply complete")
	return stats, nil
}

// ensureProduction создает production таблицу и индексы, если их еще нет
// (первый delta запуск на пустой базе)
func (d *Driver) ensureProduction(ctx context.Context, ds medgen.Dataset) error {
	exists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		return classify(ds.Name, err)
	}
	if exists {
		return nil
	}

	if _, err := d.exec(ctx, productionDDL(d.qualify(ds.Name), ds)); err != nil {
		return classify(ds.Name, err)
	}
	for _, ddl := range productionIndexDDL(ds, d.qualify(ds.Name), "") {
		if _, err := d.exec(ctx, ddl); err != nil {
			return classify(ds.Name, err)
		}
	}
	return nil
}

// qualifyIndex добавляет схему к имени индекса
func (d *Driver) qualifyIndex(name string) string {
	quoted := QuoteIdentifier(name)
	if d.schema != "public" {
		return QuoteIdentifier(d.schema) + "." + quoted
	}
	return quoted
}
