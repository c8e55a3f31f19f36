package base

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// RowScanner разбирает wire-формат кодировщика (COPY text: табуляция,
// \N как NULL, экранированные спецсимволы) обратно в значения строк.
//
// Используется бэкендами без нативного streaming-протокола (SQLite,
// MS SQL): они потребляют тот же байтовый поток, что и PostgreSQL,
// и превращают его в батчевые INSERT. Память ограничена одной строкой.
type RowScanner struct {
	scanner *bufio.Scanner
}

// NewRowScanner создает сканер поверх закодированного потока
func NewRowScanner(r io.Reader) *RowScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &RowScanner{scanner: sc}
}

// Next возвращает значения следующей строки: string или nil (NULL).
// После последней строки возвращает io.EOF.
func (s *RowScanner) Next() ([]any, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading bulk stream: %w", err)
		}
		return nil, io.EOF
	}

	fields := strings.Split(s.scanner.Text(), "\t")
	values := make([]any, len(fields))
	for i, f := range fields {
		if f == `\N` {
			values[i] = nil
			continue
		}
		values[i] = unescape(f)
	}
	return values, nil
}

// unescape снимает экранирование COPY text
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
