package postgres

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// InitializeStaging создает staging таблицы датасетов заново.
// DROP + CREATE вместо TRUNCATE: заодно подхватываются изменения схемы
// и вычищается staging, осиротевший после упавшего запуска.
func (d *Driver) InitializeStaging(ctx context.Context, datasets []medgen.Dataset) error {
	if d.pool == nil {
		return &loader.ConnectionError{Msg: "driver is not connected"}
	}

	for _, ds := range datasets {
		table := d.qualify(ds.StagingTable())

		if _, err := d.exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			return classify(ds.StagingTable(), err)
		}
		if _, err := d.exec(ctx, stagingDDL(table, ds)); err != nil {
			return classify(ds.StagingTable(), err)
		}

		log.Debug().Str("table", ds.StagingTable()).Msg("staging table initialized")
	}
	return nil
}

// BulkLoad стримит закодированные строки в таблицу через COPY FROM STDIN.
// Данные идут строка за строкой от парсера к серверу; при любом сбое
// транзакция COPY откатывается и staging остается пустым.
func (d *Driver) BulkLoad(ctx context.Context, table string, data io.Reader) (int64, error) {
	if d.pool == nil {
		return 0, &loader.ConnectionError{Msg: "driver is not connected"}
	}

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return 0, &loader.ConnectionError{Msg: "could not acquire connection", Err: err}
	}
	defer conn.Release()

	sql := fmt.Sprintf(
		"COPY %s FROM STDIN WITH (FORMAT text, DELIMITER E'\\t', NULL '\\N', ENCODING 'UTF8')",
		d.qualify(table))

	tag, err := conn.Conn().PgConn().CopyFrom(ctx, data, sql)
	if err != nil {
		return 0, classify(table, err)
	}

	rows := tag.RowsAffected()
	log.Info().Str("table", table).Int64("rows", rows).Msg("bulk load complete")
	return rows, nil
}

// Cleanup удаляет staging и cdc таблицы запуска.
// Отсутствующие таблицы не считаются ошибкой.
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
			sql := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", d.qualify(table))
			if _, err := d.exec(ctx, sql); err != nil {
				return classify(table, err)
			}
		}
	}

	log.Debug().Int("datasets", len(datasets)).Msg("cleanup complete")
	return nil
}
