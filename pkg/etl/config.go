package etl

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruslano69/medgen-etl/pkg/brokers"
	"github.com/ruslano69/medgen-etl/pkg/loader"
	"github.com/ruslano69/medgen-etl/pkg/medgen"
	"github.com/ruslano69/medgen-etl/pkg/resultlog"
	"github.com/ruslano69/medgen-etl/pkg/retry"
)

// Config содержит полную конфигурацию зеркалирования MedGen
type Config struct {
	Name      string           `yaml:"name"`
	Source    SourceConfig     `yaml:"source"`
	Database  DatabaseConfig   `yaml:"database"`
	Load      LoadConfig       `yaml:"load"`
	Retry     RetryConfig      `yaml:"retry"`
	Notify    NotifyConfig     `yaml:"notify"`
	ResultLog resultlog.Config `yaml:"result_log"`
}

// SourceConfig определяет источник файлов MedGen
type SourceConfig struct {
	FTPHost     string `yaml:"ftp_host"`     // ftp.ncbi.nlm.nih.gov
	FTPPath     string `yaml:"ftp_path"`     // /pub/medgen/
	DownloadDir string `yaml:"download_dir"` // локальный каталог файлов

	// VerifyChecksums - сверять файлы с MD5-манифестом сервера
	// (по умолчанию включено)
	VerifyChecksums *bool `yaml:"verify_checksums"`

	// SkipDownload - грузить из файлов, уже лежащих в download_dir
	SkipDownload bool `yaml:"skip_download"`
}

// DatabaseConfig определяет целевую БД
type DatabaseConfig struct {
	DSN              string            `yaml:"dsn"`               // схема URI выбирает драйвер
	Schema           string            `yaml:"schema"`            // по умолчанию public
	StatementTimeout string            `yaml:"statement_timeout"` // "30m"; 0/пусто = без ограничения
	MaxConns         int               `yaml:"max_conns"`
	Options          map[string]string `yaml:"options"` // backend-специфичные (s3_bucket, iam_role, ...)
}

// LoadConfig определяет режим загрузки
type LoadConfig struct {
	Mode           string   `yaml:"mode"`             // full | delta
	Datasets       []string `yaml:"datasets"`         // пустой = все, в порядке зависимостей
	MaxParseErrors int      `yaml:"max_parse_errors"` // порог некорректных строк на файл
	CaptureRaw     *bool    `yaml:"capture_raw"`      // хранить исходную строку (по умолчанию включено)
}

// RetryConfig определяет повторы файловых операций загрузчика
type RetryConfig struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	InitialDelay string `yaml:"initial_delay"` // "2s"
	MaxDelay     string `yaml:"max_delay"`     // "60s"
}

// NotifyConfig определяет публикацию run-события в очередь (опционально)
type NotifyConfig struct {
	Type     string   `yaml:"type"` // kafka | rabbitmq | пусто = отключено
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Queue    string   `yaml:"queue"`
	VHost    string   `yaml:"vhost"`
	UseTLS   bool     `yaml:"use_tls"`
	Durable  bool     `yaml:"durable"`
}

// Enabled сообщает, включена ли публикация run-событий
func (n *NotifyConfig) Enabled() bool {
	return n.Type != "" && n.Type != "none"
}

// LoadConfigFile загружает конфигурацию из YAML файла
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults устанавливает значения по умолчанию для необязательных полей
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "medgen-mirror"
	}
	if c.Source.FTPHost == "" {
		c.Source.FTPHost = "ftp.ncbi.nlm.nih.gov"
	}
	if c.Source.FTPPath == "" {
		c.Source.FTPPath = "/pub/medgen/"
	}
	if c.Source.DownloadDir == "" {
		c.Source.DownloadDir = "."
	}
	if c.Load.Mode == "" {
		c.Load.Mode = string(loader.ModeFull)
	}
	if c.Load.MaxParseErrors == 0 {
		c.Load.MaxParseErrors = 100
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "2s"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "60s"
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	mode := loader.LoadMode(c.Load.Mode)
	if mode != loader.ModeFull && mode != loader.ModeDelta {
		return fmt.Errorf("load.mode must be 'full' or 'delta', got %q", c.Load.Mode)
	}

	if _, err := medgen.Select(c.Load.Datasets); err != nil {
		return fmt.Errorf("load.datasets: %w", err)
	}

	if c.Database.StatementTimeout != "" {
		if _, err := time.ParseDuration(c.Database.StatementTimeout); err != nil {
			return fmt.Errorf("database.statement_timeout: %w", err)
		}
	}
	for name, v := range map[string]string{
		"retry.initial_delay": c.Retry.InitialDelay,
		"retry.max_delay":     c.Retry.MaxDelay,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Notify.Enabled() {
		if _, err := brokers.New(c.BrokerConfig()); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	if err := c.ResultLog.Validate(); err != nil {
		return fmt.Errorf("result_log: %w", err)
	}

	return nil
}

// Mode возвращает режим загрузки
func (c *Config) Mode() loader.LoadMode {
	return loader.LoadMode(c.Load.Mode)
}

// CaptureRaw сообщает, хранить ли исходные строки файлов
func (c *Config) CaptureRaw() bool {
	return c.Load.CaptureRaw == nil || *c.Load.CaptureRaw
}

// VerifyChecksums сообщает, сверять ли файлы с манифестом
func (c *Config) VerifyChecksums() bool {
	return c.Source.VerifyChecksums == nil || *c.Source.VerifyChecksums
}

// LoaderConfig строит конфигурацию драйвера БД
func (c *Config) LoaderConfig() loader.Config {
	var timeout time.Duration
	if c.Database.StatementTimeout != "" {
		timeout, _ = time.ParseDuration(c.Database.StatementTimeout)
	}
	return loader.Config{
		DSN:              c.Database.DSN,
		Schema:           c.Database.Schema,
		StatementTimeout: timeout,
		MaxConns:         c.Database.MaxConns,
		Options:          c.Database.Options,
	}
}

// RetryConfig строит конфигурацию retry для загрузчика файлов
func (c *Config) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Retry.MaxAttempts
	cfg.InitialDelay, _ = time.ParseDuration(c.Retry.InitialDelay)
	cfg.MaxDelay, _ = time.ParseDuration(c.Retry.MaxDelay)
	return cfg
}

// BrokerConfig строит конфигурацию notify-брокера
func (c *Config) BrokerConfig() brokers.Config {
	return brokers.Config{
		Type:     c.Notify.Type,
		Brokers:  c.Notify.Brokers,
		Topic:    c.Notify.Topic,
		Host:     c.Notify.Host,
		Port:     c.Notify.Port,
		User:     c.Notify.User,
		Password: c.Notify.Password,
		Queue:    c.Notify.Queue,
		VHost:    c.Notify.VHost,
		UseTLS:   c.Notify.UseTLS,
		Durable:  c.Notify.Durable,
	}
}
