package medgen

import (
	"fmt"
	"strings"
)

// ColumnType - обобщенный тип колонки, конкретный SQL-тип выбирает диалект бэкенда
type ColumnType int

const (
	// TypeText - текст произвольной длины
	TypeText ColumnType = iota

	// TypeVarchar - текст ограниченной длины (Length)
	TypeVarchar
)

// Column описывает одну колонку датасета (staging и production)
type Column struct {
	// Name - имя колонки в таблице
	Name string

	// Type - обобщенный тип
	Type ColumnType

	// Length - максимальная длина для TypeVarchar
	Length int

	// NotNull - колонка входит в бизнес-ключ или обязательна в источнике.
	// Staging таблицы ставят NOT NULL только на такие колонки, чтобы ловить
	// патологические данные до CDC.
	NotNull bool
}

// Dataset описывает один логический датасет MedGen: исходный файл,
// production таблицу, бизнес-ключ и набор колонок.
//
// Имя production таблицы совпадает с именем датасета. Staging и CDC таблицы
// выводятся из него: staging_<dataset>, cdc_inserts_<dataset> и т.д.
type Dataset struct {
	// Name - имя датасета и production таблицы
	Name string

	// SourceFile - имя файла на FTP сервере NCBI
	SourceFile string

	// BusinessKey - колонки натурального ключа (подмножество Columns)
	BusinessKey []string

	// Columns - колонки датасета в порядке staging DDL.
	// Суррогатный id, raw_record, is_active и timestamp-колонки сюда
	// не входят - их добавляет бэкенд.
	Columns []Column
}

// StagingTable возвращает имя staging таблицы датасета
func (d Dataset) StagingTable() string {
	return "staging_" + d.Name
}

// BackupTable возвращает имя backup таблицы предыдущего поколения
func (d Dataset) BackupTable() string {
	return d.Name + "_backup"
}

// CDCInsertsTable возвращает имя CDC таблицы вставок
func (d Dataset) CDCInsertsTable() string {
	return "cdc_inserts_" + d.Name
}

// CDCUpdatesTable возвращает имя CDC таблицы обновлений
func (d Dataset) CDCUpdatesTable() string {
	return "cdc_updates_" + d.Name
}

// CDCDeletesTable возвращает имя CDC таблицы удалений
func (d Dataset) CDCDeletesTable() string {
	return "cdc_deletes_" + d.Name
}

// ColumnNames возвращает имена колонок датасета в порядке DDL
func (d Dataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// IsGzip сообщает, сжат ли исходный файл gzip
func (d Dataset) IsGzip() bool {
	return strings.HasSuffix(d.SourceFile, ".gz")
}

// Компактные конструкторы колонок для таблицы датасетов ниже.
func text(name string) Column            { return Column{Name: name, Type: TypeText} }
func textNN(name string) Column          { return Column{Name: name, Type: TypeText, NotNull: true} }
func varcharNN(name string, n int) Column {
	return Column{Name: name, Type: TypeVarchar, Length: n, NotNull: true}
}

// datasets - все датасеты в порядке зависимостей. Оркестратор обрабатывает
// их строго в этом порядке: concepts раньше всего, что на них ссылается.
var datasets = []Dataset{
	{
		Name:        "concepts",
		SourceFile:  "MRCONSO.RRF",
		BusinessKey: []string{"cui"},
		Columns: []Column{
			varcharNN("cui", 12),
			textNN("preferred_name"),
			text("definition"),
		},
	},
	{
		Name:        "names",
		SourceFile:  "MRCONSO.RRF",
		BusinessKey: []string{"cui", "name", "source", "type"},
		Columns: []Column{
			varcharNN("cui", 12),
			textNN("name"),
			varcharNN("source", 40),
			varcharNN("type", 20),
			text("suppress"),
		},
	},
	{
		Name:        "semantic_types",
		SourceFile:  "MRSTY.RRF",
		BusinessKey: []string{"cui", "sty"},
		Columns: []Column{
			varcharNN("cui", 12),
			textNN("sty"),
			varcharNN("tui", 12),
			text("stn"),
		},
	},
	{
		Name:        "definitions",
		SourceFile:  "MGDEF.RRF",
		BusinessKey: []string{"cui", "source"},
		Columns: []Column{
			varcharNN("cui", 12),
			varcharNN("source", 40),
			textNN("definition"),
			text("suppress"),
		},
	},
	{
		Name:        "relationships",
		SourceFile:  "MRREL.RRF",
		BusinessKey: []string{"cui1", "relationship", "cui2", "source"},
		Columns: []Column{
			varcharNN("cui1", 12),
			varcharNN("relationship", 20),
			varcharNN("cui2", 12),
			varcharNN("source", 40),
			text("rela"),
			text("suppress"),
		},
	},
	{
		Name:        "source_links",
		SourceFile:  "MRSAT.RRF",
		BusinessKey: []string{"cui", "source", "source_id"},
		Columns: []Column{
			varcharNN("cui", 12),
			varcharNN("source", 40),
			varcharNN("source_id", 20),
			text("attribute_name"),
			text("attribute_value"),
			text("suppress"),
		},
	},
	{
		Name:        "hpo_mapping",
		SourceFile:  "MedGen_HPO_Mapping.txt.gz",
		BusinessKey: []string{"cui", "sdui"},
		Columns: []Column{
			varcharNN("cui", 12),
			varcharNN("sdui", 20),
			text("hpo_str"),
			text("medgen_str"),
			text("medgen_str_sab"),
			text("sty"),
		},
	},
}

// All возвращает все датасеты в порядке зависимостей
func All() []Dataset {
	out := make([]Dataset, len(datasets))
	copy(out, datasets)
	return out
}

// ByName возвращает датасет по имени
func ByName(name string) (Dataset, bool) {
	for _, d := range datasets {
		if d.Name == name {
			return d, true
		}
	}
	return Dataset{}, false
}

// Select возвращает датасеты по именам, сохраняя порядок зависимостей.
// Пустой список означает "все датасеты".
func Select(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return All(), nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := ByName(n); !ok {
			return nil, fmt.Errorf("unknown dataset: %q (available: %s)", n, strings.Join(Names(), ", "))
		}
		want[n] = true
	}

	var out []Dataset
	for _, d := range datasets {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out, nil
}

// Names возвращает имена всех датасетов в порядке зависимостей
func Names() []string {
	names := make([]string, len(datasets))
	for i, d := range datasets {
		names[i] = d.Name
	}
	return names
}
