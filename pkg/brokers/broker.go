package brokers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunEvent - событие о завершении ETL запуска, публикуемое в очередь.
// Потребители (мониторинг, downstream-пайплайны) получают его после
// записи терминального статуса в audit-журнал.
type RunEvent struct {
	RunID          string    `json:"run_id"`
	Pipeline       string    `json:"pipeline"`
	Mode           string    `json:"mode"`
	Status         string    `json:"status"` // "Success" | "Failed"
	ReleaseVersion string    `json:"release_version,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMs     int64     `json:"duration_ms"`
	RowsInserted   int64     `json:"rows_inserted"`
	RowsUpdated    int64     `json:"rows_updated"`
	RowsDeleted    int64     `json:"rows_deleted"`
	Error          *string   `json:"error,omitempty"`
}

// Marshal сериализует событие в JSON
func (e RunEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Notifier - интерфейс публикации run-событий. Загрузчик только
// отправляет: потребление очереди - забота downstream-систем.
type Notifier interface {
	// Connect устанавливает соединение с брокером
	Connect(ctx context.Context) error

	// Close закрывает соединение с брокером
	Close() error

	// Publish отправляет событие о завершении запуска
	Publish(ctx context.Context, event RunEvent) error

	// GetBrokerType возвращает тип брокера (kafka, rabbitmq)
	GetBrokerType() string
}

// Config содержит параметры подключения к message broker
type Config struct {
	Type string // kafka, rabbitmq

	// Kafka
	Brokers []string // Список Kafka brokers (["localhost:9092"])
	Topic   string   // Имя Kafka topic

	// RabbitMQ
	Host     string
	Port     int
	User     string
	Password string
	Queue    string
	VHost    string // по умолчанию "/"
	UseTLS   bool   // amqps://
	Durable  bool   // очередь переживает перезапуск RabbitMQ
}

// New создает новый Notifier на основе конфигурации
func New(cfg Config) (Notifier, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafka(cfg)
	case "rabbitmq":
		return NewRabbitMQ(cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s (supported: kafka, rabbitmq)", cfg.Type)
	}
}
