package parser

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// maxLineSize - предел длины одной строки источника (4 MiB).
// Строки MRREL/MRSAT бывают длинными, но не настолько.
const maxLineSize = 4 * 1024 * 1024

// TooManyErrors возвращается, когда число некорректных строк файла
// превысило настроенный порог. Оркестратор превращает её в DataError
// до применения каких-либо изменений к production.
type TooManyErrors struct {
	File  string
	Limit int
}

func (e *TooManyErrors) Error() string {
	return fmt.Sprintf("exceeded maximum parsing errors (%d) in %s", e.Limit, e.File)
}

// buildFunc строит запись датасета из разобранных полей строки.
// ok=false означает "строка корректна, но датасету не принадлежит"
// (например, непредпочтительный атом для concepts).
type buildFunc func(fields []string, raw string) (medgen.Record, bool)

// delimitedReader - общий потоковый парсер текстовых файлов MedGen
// с разделителями. Одна строка за раз, без буферизации файла.
type delimitedReader struct {
	scanner   *bufio.Scanner
	file      string
	delimiter string
	numFields int
	build     buildFunc

	maxErrors int
	errCount  int
	lineNum   int

	// skipHeader - пропустить первую строку, если она начинается с '#'
	skipHeader bool
	headerDone bool
}

func newDelimitedReader(r io.Reader, file, delimiter string, numFields, maxErrors int, skipHeader bool, build buildFunc) *delimitedReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &delimitedReader{
		scanner:    sc,
		file:       file,
		delimiter:  delimiter,
		numFields:  numFields,
		build:      build,
		maxErrors:  maxErrors,
		skipHeader: skipHeader,
	}
}

// Next возвращает следующую запись или io.EOF после конца файла
func (d *delimitedReader) Next() (medgen.Record, error) {
	for d.scanner.Scan() {
		d.lineNum++
		raw := strings.TrimRight(d.scanner.Text(), "\r")

		if !d.headerDone {
			d.headerDone = true
			if d.skipHeader && strings.HasPrefix(raw, "#") {
				continue
			}
		}

		if strings.TrimSpace(raw) == "" {
			continue
		}

		fields := strings.Split(raw, d.delimiter)

		// RRF строки завершаются разделителем: хвостовые пустые поля
		// сверх схемы отбрасываются.
		if len(fields) > d.numFields {
			extra := fields[d.numFields:]
			allEmpty := true
			for _, f := range extra {
				if f != "" {
					allEmpty = false
					break
				}
			}
			if allEmpty {
				fields = fields[:d.numFields]
			}
		}

		if len(fields) != d.numFields {
			if err := d.recordError(fmt.Sprintf("expected %d columns, found %d", d.numFields, len(fields))); err != nil {
				return medgen.Record{}, err
			}
			continue
		}

		for i, f := range fields {
			fields[i] = strings.TrimSpace(f)
		}

		rec, ok := d.build(fields, raw)
		if !ok {
			continue
		}
		return rec, nil
	}

	if err := d.scanner.Err(); err != nil {
		return medgen.Record{}, fmt.Errorf("reading %s: %w", d.file, err)
	}
	return medgen.Record{}, io.EOF
}

func (d *delimitedReader) recordError(msg string) error {
	log.Warn().
		Str("file", d.file).
		Int("line", d.lineNum).
		Msg("skipping malformed row: " + msg)

	d.errCount++
	if d.errCount > d.maxErrors {
		return &TooManyErrors{File: d.file, Limit: d.maxErrors}
	}
	return nil
}

// ErrorCount возвращает число пропущенных некорректных строк
func (d *delimitedReader) ErrorCount() int {
	return d.errCount
}
