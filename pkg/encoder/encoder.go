package encoder

import (
	"bytes"
	"fmt"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// Кодировщик переводит типизированные записи датасета в текстовый wire-формат
// bulk-load протокола (PostgreSQL COPY ... FORMAT text):
//
//   - поля разделяются табуляцией;
//   - NULL кодируется как \N;
//   - обратный слэш, табуляция, LF и CR в значениях экранируются;
//   - строки завершаются LF;
//   - последней колонкой идет raw_record - исходная строка файла.
//
// Кодирование чисто трансформационное: никакого I/O и буферизации сверх
// одной строки.

const (
	delimiter = '\t'
	nullValue = `\N`
)

// Encoder кодирует записи одного датасета
type Encoder struct {
	dataset    medgen.Dataset
	captureRaw bool
}

// New создает кодировщик. При captureRaw=false колонка raw_record
// заполняется NULL - staging DDL её содержит всегда.
func New(ds medgen.Dataset, captureRaw bool) *Encoder {
	return &Encoder{dataset: ds, captureRaw: captureRaw}
}

// EncodeRecord кодирует одну запись в буфер.
// Несовпадение числа колонок - нарушение внутреннего инварианта,
// кодирование прерывается.
func (e *Encoder) EncodeRecord(buf *bytes.Buffer, rec medgen.Record) error {
	if len(rec.Values) != len(e.dataset.Columns) {
		return fmt.Errorf("dataset %s: record has %d values, staging DDL has %d columns",
			e.dataset.Name, len(rec.Values), len(e.dataset.Columns))
	}

	for i, v := range rec.Values {
		if i > 0 {
			buf.WriteByte(delimiter)
		}
		writeField(buf, v)
	}

	buf.WriteByte(delimiter)
	if e.captureRaw {
		raw := rec.Raw
		writeField(buf, &raw)
	} else {
		buf.WriteString(nullValue)
	}

	buf.WriteByte('\n')
	return nil
}

func writeField(buf *bytes.Buffer, v *string) {
	if v == nil {
		buf.WriteString(nullValue)
		return
	}
	escapeInto(buf, *v)
}

// escapeInto экранирует значение по правилам COPY text:
// literal-байты \ \t \n \r не должны попадать в поток
func escapeInto(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			buf.WriteString(`\\`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(s[i])
		}
	}
}
