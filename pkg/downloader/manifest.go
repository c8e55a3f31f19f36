package downloader

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Manifest - контрольные суммы выпуска: имя файла → ожидаемый MD5.
// Формат md5sum.txt на FTP NCBI: "<md5>  <имя>", имена бывают с
// префиксом "./".
type Manifest map[string]string

// ParseManifest разбирает содержимое md5sum.txt
func ParseManifest(r io.Reader) (Manifest, error) {
	m := make(Manifest)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) != 2 {
			continue
		}
		m[strings.TrimPrefix(parts[1], "./")] = strings.ToLower(parts[0])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading checksum manifest: %w", err)
	}
	return m, nil
}

// Expected возвращает ожидаемый MD5 файла
func (m Manifest) Expected(filename string) (string, bool) {
	sum, ok := m[filename]
	return sum, ok
}

// VerifyFile сверяет MD5 локального файла с манифестом.
// Манифест NCBI - MD5, поэтому и проверка MD5.
func (m Manifest) VerifyFile(path, filename string) error {
	expected, ok := m[filename]
	if !ok {
		return fmt.Errorf("no checksum for %q in manifest", filename)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for verification: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", filename, expected, actual)
	}
	return nil
}

// releasePattern ловит типовые строки версии выпуска в README NCBI
var releasePattern = regexp.MustCompile(`(?i)(?:Last update|Release Date|Version):\s*(.+)`)

// ParseReleaseVersion извлекает версию выпуска из README.
// Версия не найдена → "Unknown": отсутствие версии не блокирует запуск.
func ParseReleaseVersion(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if m := releasePattern.FindStringSubmatch(sc.Text()); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return "Unknown"
}
