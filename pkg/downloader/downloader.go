package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/retry"
)

// Config - параметры источника MedGen на FTP
type Config struct {
	// Host - FTP сервер (ftp.ncbi.nlm.nih.gov)
	Host string

	// Path - каталог выпуска (/pub/medgen/)
	Path string

	// DownloadDir - локальный каталог для файлов
	DownloadDir string

	// Timeout - таймаут установки соединения
	Timeout time.Duration

	// Retry - параметры повторов целых файловых операций
	Retry retry.Config
}

// Downloader скачивает файлы выпуска MedGen с FTP сервера NCBI:
// докачка с байтового смещения, сверка с MD5-манифестом, определение
// версии выпуска из README. Повторяются только целые файловые операции;
// файл с несошедшейся контрольной суммой удаляется перед повтором.
type Downloader struct {
	cfg     Config
	conn    *ftp.ServerConn
	retryer *retry.Retryer
}

// New создает неподключенный загрузчик файлов
func New(cfg Config) (*Downloader, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ftp host is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	retryer, err := retry.NewRetryer(cfg.Retry)
	if err != nil {
		return nil, err
	}
	return &Downloader{cfg: cfg, retryer: retryer}, nil
}

// Connect устанавливает FTP сессию (анонимный вход) и переходит в
// каталог выпуска. Идемпотентен.
func (d *Downloader) Connect(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}

	addr := d.cfg.Host
	if _, _, ok := splitHostPort(addr); !ok {
		addr += ":21"
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(d.cfg.Timeout))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.Login("anonymous", "anonymous"); err != nil {
		conn.Quit()
		return fmt.Errorf("anonymous login: %w", err)
	}
	if d.cfg.Path != "" {
		if err := conn.ChangeDir(d.cfg.Path); err != nil {
			conn.Quit()
			return fmt.Errorf("change directory %s: %w", d.cfg.Path, err)
		}
	}

	d.conn = conn
	log.Info().Str("host", d.cfg.Host).Str("path", d.cfg.Path).Msg("ftp connected")
	return nil
}

// Close завершает FTP сессию. Идемпотентен.
func (d *Downloader) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Quit()
	d.conn = nil
	return err
}

// splitHostPort сообщает, содержит ли адрес порт
func splitHostPort(addr string) (host, port string, ok bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], true
		}
	}
	return addr, "", false
}

// FetchManifest скачивает и разбирает md5sum.txt
func (d *Downloader) FetchManifest(ctx context.Context) (Manifest, error) {
	if d.conn == nil {
		return nil, fmt.Errorf("ftp connection not established")
	}

	resp, err := d.conn.Retr("md5sum.txt")
	if err != nil {
		return nil, fmt.Errorf("checksum manifest not found on server "+
			"(use no-verify to proceed without verification): %w", err)
	}
	defer resp.Close()

	return ParseManifest(resp)
}

// FetchReleaseVersion определяет версию выпуска из README сервера.
// Отсутствие README не фатально - возвращается "Unknown".
func (d *Downloader) FetchReleaseVersion(ctx context.Context) string {
	if d.conn == nil {
		return "Unknown"
	}

	resp, err := d.conn.Retr("README")
	if err != nil {
		log.Warn().Err(err).Msg("could not download README for release version")
		return "Unknown"
	}
	defer resp.Close()

	version := ParseReleaseVersion(resp)
	log.Info().Str("release", version).Msg("medgen release version")
	return version
}

// DownloadFile скачивает один файл выпуска с докачкой и сверкой с
// манифестом (manifest == nil отключает проверку). Возвращает локальный
// путь к файлу.
func (d *Downloader) DownloadFile(ctx context.Context, remoteName string, manifest Manifest) (string, error) {
	if d.conn == nil {
		return "", fmt.Errorf("ftp connection not established")
	}

	localPath := filepath.Join(d.cfg.DownloadDir, remoteName)
	if err := os.MkdirAll(d.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	err := d.retryer.Do(ctx, func(ctx context.Context) error {
		if err := d.fetch(remoteName, localPath); err != nil {
			return err
		}

		if manifest == nil {
			return nil
		}
		if err := manifest.VerifyFile(localPath, remoteName); err != nil {
			// Файл поврежден: удаляем, чтобы повтор скачал его заново
			os.Remove(localPath)
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", remoteName, err)
	}

	return localPath, nil
}

// fetch выполняет одну попытку скачивания с докачкой с текущего размера
// локального файла
func (d *Downloader) fetch(remoteName, localPath string) error {
	var offset uint64
	if st, err := os.Stat(localPath); err == nil {
		offset = uint64(st.Size())
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
		log.Info().Str("file", remoteName).Uint64("offset", offset).Msg("resuming download")
	} else {
		flags |= os.O_TRUNC
		log.Info().Str("file", remoteName).Msg("downloading")
	}

	f, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	resp, err := d.conn.RetrFrom(remoteName, offset)
	if err != nil {
		return fmt.Errorf("RETR %s: %w", remoteName, err)
	}
	defer resp.Close()

	n, err := io.Copy(f, resp)
	if err != nil {
		return fmt.Errorf("transfer %s: %w", remoteName, err)
	}

	log.Info().Str("file", remoteName).Int64("bytes", n).Msg("download complete")
	return nil
}
