package base

import (
	"fmt"
	"strings"
)

// QuoteFunc квотирует SQL-идентификатор по правилам диалекта
type QuoteFunc func(name string) string

// QuoteDouble - стандартное квотирование двойными кавычками
// (PostgreSQL, SQLite, Redshift)
func QuoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteBacktick - квотирование MySQL
func QuoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteBracket - квотирование MS SQL Server
func QuoteBracket(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QuoteAll квотирует список идентификаторов
func QuoteAll(names []string, quote QuoteFunc) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// JoinOn строит условие соединения по бизнес-ключу:
// leftAlias.k1 = rightAlias.k1 AND ...
func JoinOn(leftAlias, rightAlias string, keys []string, quote QuoteFunc) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", leftAlias, quote(k), rightAlias, quote(k))
	}
	return strings.Join(parts, " AND ")
}

// AllNull строит условие "все ключевые колонки alias NULL" для
// anti-join через LEFT JOIN
func AllNull(alias string, keys []string, quote QuoteFunc) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s.%s IS NULL", alias, quote(k))
	}
	return strings.Join(parts, " AND ")
}

// AnyDifferent строит NULL-безопасное условие "хотя бы одна колонка
// различается" по шаблону диалекта. В template подставляется квотированное
// имя колонки ( %[1]s ), обычно дважды - для обеих сторон сравнения:
//
//	SQLite: "s.%[1]s IS NOT p.%[1]s"
//	MySQL:  "NOT (s.%[1]s <=> p.%[1]s)"
//
// Бэкенды с дешевым row-text хэшем (PostgreSQL MD5) в этом не нуждаются.
func AnyDifferent(cols []string, template string, quote QuoteFunc) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf(template, quote(c))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Placeholders возвращает строку плейсхолдеров "?, ?, ?" длины n
func Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}
