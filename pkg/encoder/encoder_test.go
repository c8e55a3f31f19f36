package encoder

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

func testDataset(t *testing.T) medgen.Dataset {
	t.Helper()
	ds, ok := medgen.ByName("concepts")
	if !ok {
		t.Fatal("concepts dataset not registered")
	}
	return ds
}

func str(s string) *string { return &s }

func TestEncodeRecord(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, true)

	var buf bytes.Buffer
	rec := medgen.Record{
		Values: []*string{str("C0001"), str("Neoplasm"), nil},
		Raw:    "C0001|ENG|P|L0001|PF|S0001|Y|A0001||||MSH|PN|D000001|Neoplasm|0|N||",
	}
	if err := enc.EncodeRecord(&buf, rec); err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Error("encoded row must end with LF")
	}

	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields (3 columns + raw_record), got %d", len(fields))
	}
	if fields[0] != "C0001" || fields[1] != "Neoplasm" {
		t.Errorf("unexpected payload fields: %v", fields[:2])
	}
	if fields[2] != `\N` {
		t.Errorf("NULL definition must encode as \\N, got %q", fields[2])
	}
	if fields[3] != rec.Raw {
		t.Errorf("raw_record must carry the original line, got %q", fields[3])
	}
}

func TestEncodeRecordEscaping(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, true)

	var buf bytes.Buffer
	rec := medgen.Record{
		Values: []*string{str("C0002"), str("tab\there\nand \\slash\r"), nil},
		Raw:    "raw\twith\ttabs",
	}
	if err := enc.EncodeRecord(&buf, rec); err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}

	line := buf.String()
	if strings.Count(line, "\n") != 1 {
		t.Error("literal newlines must be escaped, only the terminator LF may remain")
	}
	if !strings.Contains(line, `tab\there\nand \\slash\r`) {
		t.Errorf("special characters not escaped: %q", line)
	}

	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	if len(fields) != 4 {
		t.Fatalf("embedded delimiters leaked into the row: %d fields", len(fields))
	}
}

func TestEncodeRecordNoRawCapture(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, false)

	var buf bytes.Buffer
	rec := medgen.Record{
		Values: []*string{str("C0003"), str("Fever"), nil},
		Raw:    "C0003|...|Fever|...",
	}
	if err := enc.EncodeRecord(&buf, rec); err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}

	fields := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\t")
	if fields[len(fields)-1] != `\N` {
		t.Errorf("raw_record must be NULL when capture is off, got %q", fields[len(fields)-1])
	}
}

func TestEncodeRecordColumnMismatch(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, true)

	var buf bytes.Buffer
	rec := medgen.Record{Values: []*string{str("C0004")}}
	if err := enc.EncodeRecord(&buf, rec); err == nil {
		t.Fatal("column count mismatch must be fatal")
	}
}

// sliceReader - RecordReader поверх среза для тестов
type sliceReader struct {
	recs []medgen.Record
	pos  int
}

func (r *sliceReader) Next() (medgen.Record, error) {
	if r.pos >= len(r.recs) {
		return medgen.Record{}, io.EOF
	}
	rec := r.recs[r.pos]
	r.pos++
	return rec, nil
}

func TestStreamDeliversAllRows(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, true)

	recs := []medgen.Record{
		{Values: []*string{str("C0001"), str("One"), nil}, Raw: "raw1"},
		{Values: []*string{str("C0002"), str("Two"), nil}, Raw: "raw2"},
		{Values: []*string{str("C0003"), str("Three"), str("def")}, Raw: "raw3"},
	}

	s := NewStream(context.Background(), enc, &sliceReader{recs: recs})
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("stream read failed: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 encoded rows, got %d", len(lines))
	}
	if s.Rows() != 3 {
		t.Errorf("Rows() = %d, want 3", s.Rows())
	}
	if s.Bytes() != int64(len(data)) {
		t.Errorf("Bytes() = %d, want %d", s.Bytes(), len(data))
	}
	if s.Digest() == 0 {
		t.Error("Digest() must be non-zero for a non-empty stream")
	}
}

// failingReader возвращает ошибку после первой записи
type failingReader struct {
	sent bool
	err  error
}

func (r *failingReader) Next() (medgen.Record, error) {
	if r.sent {
		return medgen.Record{}, r.err
	}
	r.sent = true
	return medgen.Record{Values: []*string{str("C0001"), str("One"), nil}}, nil
}

func TestStreamPropagatesReaderError(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, true)

	wantErr := io.ErrUnexpectedEOF
	s := NewStream(context.Background(), enc, &failingReader{err: wantErr})
	defer s.Close()

	_, err := io.ReadAll(s)
	if err == nil {
		t.Fatal("reader error must surface from Read")
	}
}

func TestStreamCancellation(t *testing.T) {
	ds := testDataset(t)
	enc := New(ds, true)

	// Бесконечный источник: без отмены чтение не завершилось бы
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(ctx, enc, &infiniteReader{})
	defer s.Close()

	buf := make([]byte, 1024)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("first read should succeed: %v", err)
	}

	cancel()

	// После отмены поток рано или поздно возвращает ошибку или EOF
	for i := 0; i < 10000; i++ {
		if _, err := s.Read(buf); err != nil {
			return
		}
	}
	t.Fatal("stream did not stop after context cancellation")
}

type infiniteReader struct{}

func (r *infiniteReader) Next() (medgen.Record, error) {
	return medgen.Record{Values: []*string{str("C0001"), str("X"), nil}}, nil
}
