package base

import (
	"io"
	"strings"
	"testing"
)

func TestRowScannerDecodesEncoderWireFormat(t *testing.T) {
	// Две строки wire-формата кодировщика: табуляция, \N, экранирование
	input := "C0001\tNeoplasm\t\\N\traw line\n" +
		"C0002\ttab\\there\\nnewline\\\\slash\\r\t\\N\t\\N\n"

	sc := NewRowScanner(strings.NewReader(input))

	row1, err := sc.Next()
	if err != nil {
		t.Fatalf("first row failed: %v", err)
	}
	if len(row1) != 4 {
		t.Fatalf("expected 4 values, got %d", len(row1))
	}
	if row1[0] != "C0001" || row1[1] != "Neoplasm" || row1[3] != "raw line" {
		t.Errorf("unexpected first row: %v", row1)
	}
	if row1[2] != nil {
		t.Errorf("\\N must decode to nil, got %v", row1[2])
	}

	row2, err := sc.Next()
	if err != nil {
		t.Fatalf("second row failed: %v", err)
	}
	if row2[1] != "tab\there\nnewline\\slash\r" {
		t.Errorf("escapes not decoded: %q", row2[1])
	}

	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after last row, got %v", err)
	}
}

func TestRowScannerEmptyStream(t *testing.T) {
	sc := NewRowScanner(strings.NewReader(""))
	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("empty stream must yield io.EOF, got %v", err)
	}
}

func TestUnescapePassthrough(t *testing.T) {
	if got := unescape("plain value"); got != "plain value" {
		t.Errorf("unescape changed plain value: %q", got)
	}
	// Незнакомая escape-последовательность сохраняется как есть
	if got := unescape(`a\qb`); got != `a\qb` {
		t.Errorf("unknown escape must pass through: %q", got)
	}
}
