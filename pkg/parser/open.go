package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// gzipFile объединяет файл и gzip-ридер поверх него, закрывая оба
type gzipFile struct {
	io.Reader
	gz   *gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	gzErr := g.gz.Close()
	if err := g.file.Close(); err != nil {
		return err
	}
	return gzErr
}

// OpenSource открывает локальный исходный файл датасета в download-каталоге,
// прозрачно распаковывая gzip
func OpenSource(ds medgen.Dataset, dir string) (io.ReadCloser, error) {
	path := filepath.Join(dir, filepath.Base(ds.SourceFile))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file for %s: %w", ds.Name, err)
	}

	if !ds.IsGzip() {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip stream %s: %w", path, err)
	}
	return &gzipFile{Reader: gz, gz: gz, file: f}, nil
}
