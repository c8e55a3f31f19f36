package postgres

import (
	"fmt"
	"strings"

	"github.com/ruslano69/medgen-etl/pkg/loader/base"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// QuoteIdentifier квотирует идентификатор PostgreSQL
func QuoteIdentifier(name string) string {
	return base.QuoteDouble(name)
}

// columnSQLType возвращает SQL-тип колонки датасета
func columnSQLType(c medgen.Column) string {
	switch c.Type {
	case medgen.TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	default:
		return "TEXT"
	}
}

// stagingDDL строит DDL staging таблицы: UNLOGGED, без индексов,
// NOT NULL только на колонках бизнес-ключа
func stagingDDL(table string, ds medgen.Dataset) string {
	var cols []string
	for _, c := range ds.Columns {
		def := QuoteIdentifier(c.Name) + " " + columnSQLType(c)
		if c.NotNull {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols, QuoteIdentifier("raw_record")+" TEXT")

	return fmt.Sprintf("CREATE UNLOGGED TABLE %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
}

// productionDDL строит DDL production таблицы с суррогатным ключом,
// soft-delete флагом и timestamp-колонками
func productionDDL(table string, ds medgen.Dataset) string {
	cols := []string{QuoteIdentifier("id") + " BIGSERIAL PRIMARY KEY"}
	for _, c := range ds.Columns {
		def := QuoteIdentifier(c.Name) + " " + columnSQLType(c)
		if c.NotNull {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols,
		QuoteIdentifier("raw_record")+" TEXT",
		QuoteIdentifier("is_active")+" BOOLEAN NOT NULL DEFAULT true",
		QuoteIdentifier("last_updated_at")+" TIMESTAMPTZ NOT NULL DEFAULT now()",
		QuoteIdentifier("first_seen_at")+" TIMESTAMPTZ NOT NULL DEFAULT now()",
	)

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
}

// bkIndexName возвращает имя уникального индекса бизнес-ключа.
// suffix различает поколения таблицы при swap ("", "_new", "_backup"):
// имена индексов в PostgreSQL живут в пространстве схемы и должны
// переименовываться вместе с таблицей.
func bkIndexName(ds medgen.Dataset, suffix string) string {
	return "ux_" + ds.Name + "_bk" + suffix
}

// productionIndexDDL строит индексы production таблицы.
// При full load индексы строятся на prod_new уже после загрузки данных.
func productionIndexDDL(ds medgen.Dataset, table, suffix string) []string {
	bk := strings.Join(base.QuoteAll(ds.BusinessKey, QuoteIdentifier), ", ")
	return []string{
		fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
			QuoteIdentifier(bkIndexName(ds, suffix)), table, bk),
	}
}

// payloadColumns - колонки, участвующие в row-hash сравнении CDC.
// raw_record исключен: несущественные отличия исходной строки не должны
// порождать обновления.
func payloadColumns(ds medgen.Dataset) []string {
	return ds.ColumnNames()
}

// rowHash строит MD5-хэш текстового представления строки для CDC
func rowHash(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = alias + "." + QuoteIdentifier(c)
	}
	return fmt.Sprintf("MD5(ROW(%s)::text)", strings.Join(parts, ", "))
}
