package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// ExecuteCDC сравнивает staging снапшот с production и материализует три
// непересекающихся набора:
//
//	cdc_deletes_<ds> - id активных production строк, чей бизнес-ключ
//	                   исчез из снапшота;
//	cdc_updates_<ds> - staging строки, чей ключ есть в production, а
//	                   payload отличается (по MD5 row-hash), либо строка
//	                   была деактивирована и вернулась (реактивация);
//	cdc_inserts_<ds> - staging строки, чьего ключа в production нет вовсе.
//
// Наборы вычисляются только по ключу и payload; raw_record в сравнении
// не участвует.
func (d *Driver) ExecuteCDC(ctx context.Context, ds medgen.Dataset) (loader.CDCStats, error) {
	var stats loader.CDCStats
	if d.pool == nil {
		return stats, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	staging := d.qualify(ds.StagingTable())
	prod := d.qualify(ds.Name)

	// Дубликаты бизнес-ключа в staging делают диff неоднозначным:
	// уникальность production защищается детерминированным отказом.
	if err := d.checkDuplicateKeys(ctx, ds); err != nil {
		return stats, err
	}

	if err := d.prepareCDCTables(ctx, ds); err != nil {
		return stats, err
	}

	prodExists, err := d.tableExists(ctx, ds.Name)
	if err != nil {
		return stats, classify(ds.Name, err)
	}

	inserts := d.qualify(ds.CDCInsertsTable())
	updates := d.qualify(ds.CDCUpdatesTable())
	deletes := d.qualify(ds.CDCDeletesTable())

	if !prodExists {
		// Production еще нет - весь снапшот состоит из вставок
		tag, err := d.exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT s.* FROM %s s", inserts, staging))
		if err != nil {
			return stats, classify(ds.CDCInsertsTable(), err)
		}
		stats.Inserts = tag.RowsAffected()
		return stats, nil
	}

	joinOn := base.JoinOn("p", "s", ds.BusinessKey, QuoteIdentifier)
	cols := payloadColumns(ds)

	// Deletes: активные production строки без пары в staging
	sqlDeletes := fmt.Sprintf(
		"INSERT INTO %s (id) SELECT p.id FROM %s p LEFT JOIN %s s ON %s WHERE %s AND p.is_active = true",
		deletes, prod, staging, joinOn,
		base.AllNull("s", ds.BusinessKey, QuoteIdentifier))
	tag, err := d.exec(ctx, sqlDeletes)
	if err != nil {
		return stats, classify(ds.CDCDeletesTable(), err)
	}
	stats.Deletes = tag.RowsAffected()

	// Updates: payload различается либо строка реактивируется
	sqlUpdates := fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s JOIN %s p ON %s WHERE (p.is_active = true AND %s <> %s) OR p.is_active = false",
		updates, staging, prod, joinOn,
		rowHash("s", cols), rowHash("p", cols))
	tag, err = d.exec(ctx, sqlUpdates)
	if err != nil {
		return stats, classify(ds.CDCUpdatesTable(), err)
	}
	stats.Updates = tag.RowsAffected()

	// Inserts: бизнес-ключ отсутствует в production независимо от is_active
	sqlInserts := fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s LEFT JOIN %s p ON %s WHERE %s",
		inserts, staging, prod, joinOn,
		base.AllNull("p", ds.BusinessKey, QuoteIdentifier))
	tag, err = d.exec(ctx, sqlInserts)
	if err != nil {
		return stats, classify(ds.CDCInsertsTable(), err)
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

// checkDuplicateKeys ищет дубликаты бизнес-ключа в staging и возвращает
// DataError с примерами ключей
func (d *Driver) checkDuplicateKeys(ctx context.Context, ds medgen.Dataset) error {
	bk := base.QuoteAll(ds.BusinessKey, QuoteIdentifier)
	keyExpr := fmt.Sprintf("concat_ws('|', %s)", strings.Join(bk, ", "))

	sql := fmt.Sprintf(
		"SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1 LIMIT 10",
		keyExpr, d.qualify(ds.StagingTable()), strings.Join(bk, ", "))

	rows, err := d.pool.Query(ctx, sql)
	if err != nil {
		return classify(ds.StagingTable(), err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return classify(ds.StagingTable(), err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return classify(ds.StagingTable(), err)
	}

	if len(keys) > 0 {
		return &loader.DataError{
			Dataset: ds.Name,
			Msg:     "duplicate business keys in staging",
			Keys:    keys,
		}
	}
	return nil
}

// prepareCDCTables создает пустые cdc таблицы датасета
func (d *Driver) prepareCDCTables(ctx context.Context, ds medgen.Dataset) error {
	staging := d.qualify(ds.StagingTable())

	stmts := []struct {
		table string
		ddl   string
	}{
		{ds.CDCDeletesTable(), fmt.Sprintf("CREATE TABLE %s (id BIGINT)", d.qualify(ds.CDCDeletesTable()))},
		{ds.CDCInsertsTable(), fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS)", d.qualify(ds.CDCInsertsTable()), staging)},
		{ds.CDCUpdatesTable(), fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS)", d.qualify(ds.CDCUpdatesTable()), staging)},
	}

	for _, s := range stmts {
		if _, err := d.exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(s.table))); err != nil {
			return classify(s.table, err)
		}
		if _, err := d.exec(ctx, s.ddl); err != nil {
			return classify(s.table, err)
		}
	}
	return nil
}
