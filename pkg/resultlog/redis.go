package resultlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config определяет параметры публикации терминального состояния запуска
type Config struct {
	Type     string `yaml:"type"`     // Тип: redis (пустое = отключено)
	Address  string `yaml:"address"`  // Адрес Redis, например "127.0.0.1:6379"
	Name     string `yaml:"name"`     // Имя результата (ключ/канал), например "MEDGEN_MIRROR"
	Password string `yaml:"password"` // Пароль Redis (опционально)
	DB       int    `yaml:"db"`       // Индекс базы данных Redis (по умолчанию 0)
	TTL      int    `yaml:"ttl"`      // TTL ключа в секундах (по умолчанию 3600)
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Type == "" || c.Type == "none" {
		return nil
	}
	if c.Type != "redis" {
		return fmt.Errorf("unsupported type '%s', must be 'redis'", c.Type)
	}
	if c.Address == "" {
		return fmt.Errorf("address is required when type is 'redis'")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required when type is 'redis'")
	}
	return nil
}

// Enabled сообщает, включена ли публикация
func (c *Config) Enabled() bool {
	return c.Type == "redis"
}

// RunResult представляет терминальное состояние ETL запуска,
// публикуемое в Redis после записи audit-журнала.
//
// Redis-ключи:
//
//	SET  medgen:etl:<name>:state  <JSON>  EX <ttl>  — для GET-опроса оркестратора
//	PUB  medgen:etl:<name>                          — для event-driven маршрутизации
type RunResult struct {
	RunID        string    `json:"run_id"`
	Pipeline     string    `json:"pipeline"`
	ResultName   string    `json:"result_name"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"` // "Success" | "Failed"
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DurationMs   int64     `json:"duration_ms"`
	RowsInserted int64     `json:"rows_inserted"`
	RowsUpdated  int64     `json:"rows_updated"`
	RowsDeleted  int64     `json:"rows_deleted"`
	Error        *string   `json:"error,omitempty"`
}

// RedisPublisher публикует терминальное состояние запуска в Redis
type RedisPublisher struct {
	client *redis.Client
	config Config
}

// NewRedisPublisher создает новый Redis publisher на основе конфигурации
func NewRedisPublisher(config Config) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisPublisher{client: client, config: config}
}

// Publish публикует состояние запуска:
//   - SET medgen:etl:<name>:state <JSON> EX <ttl>  → для опроса (polling)
//   - PUBLISH medgen:etl:<name> <JSON>             → для подписки (pub/sub)
//
// Runner вызывает его после работы с БД при любом исходе (Success или
// Failed); запуск, упавший раньше (выбор датасетов, скачивание, создание
// драйвера), не публикуется.
func (p *RedisPublisher) Publish(ctx context.Context, result RunResult) error {
	result.ResultName = p.config.Name

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal run result: %w", err)
	}

	stateKey := fmt.Sprintf("medgen:etl:%s:state", p.config.Name)
	eventChannel := fmt.Sprintf("medgen:etl:%s", p.config.Name)

	ttl := p.config.TTL
	if ttl == 0 {
		ttl = 3600
	}

	if err := p.client.Set(ctx, stateKey, payload, time.Duration(ttl)*time.Second).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	if err := p.client.Publish(ctx, eventChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
