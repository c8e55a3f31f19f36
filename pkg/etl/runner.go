package etl

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/medgen-etl/pkg/brokers"
	"github.com/ruslano69/medgen-etl/pkg/downloader"
	"github.com/ruslano69/medgen-etl/pkg/encoder"
	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
	"github.com/ruslano69/medgen-etl/pkg/parser"
	"github.com/ruslano69/medgen-etl/pkg/resultlog"
)

// DatasetResult - итог обработки одного датасета
type DatasetResult struct {
	Dataset      string
	RowsRead     int64
	RowsInserted int64
	RowsUpdated  int64
	RowsDeleted  int64
	BytesLoaded  int64
	Duration     time.Duration
}

// Summary - итог одного запуска
type Summary struct {
	RunID          uuid.UUID
	Mode           loader.LoadMode
	Status         loader.RunStatus
	ReleaseVersion string
	StartedAt      time.Time
	FinishedAt     time.Time
	Datasets       []DatasetResult
	Err            error
}

// Duration возвращает длительность запуска
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Totals возвращает суммарные изменения по всем датасетам
func (s *Summary) Totals() (inserted, updated, deleted int64) {
	for _, d := range s.Datasets {
		inserted += d.RowsInserted
		updated += d.RowsUpdated
		deleted += d.RowsDeleted
	}
	return
}

// Runner управляет одним запуском: один run_id, одна сессия драйвера,
// датасеты строго в порядке зависимостей.
type Runner struct {
	cfg     *Config
	version string
}

// NewRunner создает Runner. version попадает в audit-журнал как
// package_version.
func NewRunner(cfg *Config, version string) *Runner {
	return &Runner{cfg: cfg, version: version}
}

// Run выполняет один запуск зеркалирования.
//
// Последовательность: скачивание файлов → connect + log_run_start →
// по датасетам staging/bulk-load/CDC/apply + log_run_detail → cleanup →
// log_run_finish → close. Ошибка после log_run_start уходит в
// catch-ветку, которая открывает свежее подключение (исходное может быть
// отравлено) и записывает Failed со stack trace. Ошибки до log_run_start
// (выбор датасетов, скачивание, создание драйвера, connect, сама
// log_run_start) возвращаются без audit-строки.
//
// Summary возвращается и при ошибке - с заполненным Err.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.New(),
		Mode:      r.cfg.Mode(),
		StartedAt: time.Now(),
	}

	datasets, err := medgen.Select(r.cfg.Load.Datasets)
	if err != nil {
		summary.Status = loader.StatusFailed
		summary.Err = &loader.ConfigError{Msg: err.Error()}
		summary.FinishedAt = time.Now()
		return summary, summary.Err
	}

	if !r.cfg.Source.SkipDownload {
		release, err := r.download(ctx, datasets)
		if err != nil {
			summary.Status = loader.StatusFailed
			summary.Err = err
			summary.FinishedAt = time.Now()
			return summary, err
		}
		summary.ReleaseVersion = release
	}

	driver, err := loader.New(r.cfg.LoaderConfig())
	if err != nil {
		summary.Status = loader.StatusFailed
		summary.Err = err
		summary.FinishedAt = time.Now()
		return summary, err
	}

	runErr := r.execute(ctx, driver, datasets, summary)

	summary.FinishedAt = time.Now()
	if runErr != nil {
		summary.Status = loader.StatusFailed
		summary.Err = runErr
	} else {
		summary.Status = loader.StatusSuccess
	}

	// Публикации после терминального статуса best-effort: сбой
	// не маскирует исход запуска
	r.publish(ctx, summary)

	return summary, runErr
}

// execute ведет запуск через драйвер; на ошибке после log_run_start
// записывает Failed через свежее подключение и возвращает исходную
// ошибку. Ошибки Connect и LogRunStart возвращаются без записи Failed.
func (r *Runner) execute(ctx context.Context, driver loader.Driver, datasets []medgen.Dataset, summary *Summary) error {
	if err := driver.Connect(ctx); err != nil {
		return err
	}
	defer driver.Close(ctx)

	logID, err := driver.LogRunStart(ctx, loader.RunStart{
		RunID:          summary.RunID,
		PackageVersion: r.version,
		Mode:           summary.Mode,
	})
	if err != nil {
		return err
	}

	if err := r.processDatasets(ctx, driver, datasets, logID, summary); err != nil {
		r.finishFailed(ctx, logID, err)
		return err
	}

	if err := driver.Cleanup(ctx, datasets); err != nil {
		r.finishFailed(ctx, logID, err)
		return err
	}

	if err := driver.LogRunFinish(ctx, logID, loader.StatusSuccess, ""); err != nil {
		// Терминальный статус уже определен; сбой audit-записи
		// логируется и не роняет запуск
		log.Error().Err(err).Msg("could not write Success audit row")
	}
	return nil
}

// processDatasets обрабатывает датасеты в порядке зависимостей
func (r *Runner) processDatasets(ctx context.Context, driver loader.Driver, datasets []medgen.Dataset, logID int64, summary *Summary) error {
	for _, ds := range datasets {
		started := time.Now()

		result, err := r.processDataset(ctx, driver, ds)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
		result.Duration = time.Since(started)
		summary.Datasets = append(summary.Datasets, result)

		if err := driver.LogRunDetail(ctx, logID, loader.RunDetail{
			Dataset:      result.Dataset,
			RowsRead:     result.RowsRead,
			RowsInserted: result.RowsInserted,
			RowsUpdated:  result.RowsUpdated,
			RowsDeleted:  result.RowsDeleted,
			BytesLoaded:  result.BytesLoaded,
			Duration:     result.Duration,
		}); err != nil {
			log.Error().Err(err).Str("dataset", ds.Name).Msg("could not write audit detail row")
		}
	}
	return nil
}

// processDataset выполняет staging → bulk-load → CDC/apply для одного
// датасета
func (r *Runner) processDataset(ctx context.Context, driver loader.Driver, ds medgen.Dataset) (DatasetResult, error) {
	result := DatasetResult{Dataset: ds.Name}

	if err := driver.InitializeStaging(ctx, []medgen.Dataset{ds}); err != nil {
		return result, err
	}

	src, err := parser.OpenSource(ds, r.cfg.Source.DownloadDir)
	if err != nil {
		return result, &loader.LoadError{Table: ds.StagingTable(), Err: err}
	}
	defer src.Close()

	reader, err := parser.NewDatasetReader(ds, src, r.cfg.Load.MaxParseErrors)
	if err != nil {
		return result, &loader.ConfigError{Msg: err.Error()}
	}

	enc := encoder.New(ds, r.cfg.CaptureRaw())
	stream := encoder.NewStream(ctx, enc, reader)
	defer stream.Close()

	loaded, err := driver.BulkLoad(ctx, ds.StagingTable(), stream)
	if err != nil {
		// Превышение порога ошибок парсинга - ошибка данных, а не
		// загрузки: до применения изменений дело не дошло
		var tme *parser.TooManyErrors
		if errors.As(err, &tme) {
			return result, &loader.DataError{Dataset: ds.Name, Msg: tme.Error()}
		}
		return result, err
	}
	result.RowsRead = stream.Rows()
	result.BytesLoaded = stream.Bytes()

	log.Debug().
		Str("dataset", ds.Name).
		Int64("rows", loaded).
		Str("digest", fmt.Sprintf("%016x", stream.Digest())).
		Msg("staging loaded")

	if r.cfg.Mode() == loader.ModeDelta {
		if _, err := driver.ExecuteCDC(ctx, ds); err != nil {
			return result, err
		}
	}

	applied, err := driver.ApplyChanges(ctx, ds, r.cfg.Mode())
	if err != nil {
		return result, err
	}
	result.RowsInserted = applied.Inserted
	result.RowsUpdated = applied.Updated
	result.RowsDeleted = applied.Deleted

	return result, nil
}

// finishFailed записывает терминальный Failed через свежее подключение:
// исходная сессия после сбоя может быть отравлена прерванной транзакцией
func (r *Runner) finishFailed(ctx context.Context, logID int64, runErr error) {
	msg := fmt.Sprintf("%v\n\n%s", runErr, debug.Stack())

	fresh, err := loader.New(r.cfg.LoaderConfig())
	if err != nil {
		log.Error().Err(err).Msg("could not create driver for Failed audit row")
		return
	}
	if err := fresh.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("could not connect for Failed audit row")
		return
	}
	defer fresh.Close(ctx)

	if err := fresh.LogRunFinish(ctx, logID, loader.StatusFailed, msg); err != nil {
		log.Error().Err(err).Msg("could not write Failed audit row")
	}
}

// download скачивает исходные файлы выбранных датасетов.
// Возвращает версию выпуска с сервера.
func (r *Runner) download(ctx context.Context, datasets []medgen.Dataset) (string, error) {
	dl, err := downloader.New(downloader.Config{
		Host:        r.cfg.Source.FTPHost,
		Path:        r.cfg.Source.FTPPath,
		DownloadDir: r.cfg.Source.DownloadDir,
		Retry:       r.cfg.RetryConfig(),
	})
	if err != nil {
		return "", &loader.ConfigError{Msg: "downloader", Err: err}
	}

	if err := dl.Connect(ctx); err != nil {
		return "", &loader.ConnectionError{Msg: "ftp server unreachable", Err: err}
	}
	defer dl.Close()

	release := dl.FetchReleaseVersion(ctx)

	var manifest downloader.Manifest
	if r.cfg.VerifyChecksums() {
		manifest, err = dl.FetchManifest(ctx)
		if err != nil {
			return release, &loader.LoadError{Err: err}
		}
	}

	// Датасеты делят исходные файлы (MRCONSO кормит и concepts, и
	// names) - каждый файл скачивается один раз
	seen := make(map[string]bool)
	for _, ds := range datasets {
		if seen[ds.SourceFile] {
			continue
		}
		seen[ds.SourceFile] = true

		if _, err := dl.DownloadFile(ctx, ds.SourceFile, manifest); err != nil {
			return release, &loader.LoadError{Err: err}
		}
	}

	return release, nil
}

// publish отправляет терминальное состояние в настроенные каналы
// (очередь, Redis). Сбои логируются и глотаются.
func (r *Runner) publish(ctx context.Context, summary *Summary) {
	inserted, updated, deleted := summary.Totals()

	var errStr *string
	if summary.Err != nil {
		s := summary.Err.Error()
		errStr = &s
	}

	if r.cfg.Notify.Enabled() {
		event := brokers.RunEvent{
			RunID:          summary.RunID.String(),
			Pipeline:       r.cfg.Name,
			Mode:           string(summary.Mode),
			Status:         string(summary.Status),
			ReleaseVersion: summary.ReleaseVersion,
			StartedAt:      summary.StartedAt,
			FinishedAt:     summary.FinishedAt,
			DurationMs:     summary.Duration().Milliseconds(),
			RowsInserted:   inserted,
			RowsUpdated:    updated,
			RowsDeleted:    deleted,
			Error:          errStr,
		}
		if err := r.notify(ctx, event); err != nil {
			log.Error().Err(err).Msg("could not publish run event to broker")
		}
	}

	if r.cfg.ResultLog.Enabled() {
		pub := resultlog.NewRedisPublisher(r.cfg.ResultLog)
		defer pub.Close()

		result := resultlog.RunResult{
			RunID:        summary.RunID.String(),
			Pipeline:     r.cfg.Name,
			Mode:         string(summary.Mode),
			Status:       string(summary.Status),
			StartedAt:    summary.StartedAt,
			FinishedAt:   summary.FinishedAt,
			DurationMs:   summary.Duration().Milliseconds(),
			RowsInserted: inserted,
			RowsUpdated:  updated,
			RowsDeleted:  deleted,
			Error:        errStr,
		}
		if err := pub.Publish(ctx, result); err != nil {
			log.Error().Err(err).Msg("could not publish run result to redis")
		}
	}
}

// notify публикует run-событие в настроенный брокер
func (r *Runner) notify(ctx context.Context, event brokers.RunEvent) error {
	notifier, err := brokers.New(r.cfg.BrokerConfig())
	if err != nil {
		return err
	}
	if err := notifier.Connect(ctx); err != nil {
		return err
	}
	defer notifier.Close()

	return notifier.Publish(ctx, event)
}
