package loader

import (
	"errors"
	"fmt"
	"strings"
)

// Таксономия ошибок загрузчика. Каждый вид соответствует своей стадии:
//
//	ConfigError     - плохой DSN, неизвестная схема, отсутствующая опция; не ретраится
//	ConnectionError - транспортный сбой; ретраится только вне транзакции
//	LoadError       - сбой bulk-load, CDC или apply (протокол, constraint, таймаут)
//	DataError       - нарушение инварианта данных (дубликаты бизнес-ключей и т.п.)
//	AuditError      - сбой записи метаданных; никогда не маскирует исход запуска

// ConfigError - некорректная конфигурация
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError - сбой на уровне транспорта или аутентификации
type ConnectionError struct {
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection: %s: %v", e.Msg, e.Err)
	}
	return "connection: " + e.Msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// LoadError - сбой bulk-load или применения изменений.
// TimedOut выставляется, когда причиной стал statement timeout.
type LoadError struct {
	Table    string
	TimedOut bool
	Err      error
}

func (e *LoadError) Error() string {
	kind := "load"
	if e.TimedOut {
		kind = "load (timed out)"
	}
	if e.Table != "" {
		return fmt.Sprintf("%s: table %s: %v", kind, e.Table, e.Err)
	}
	return fmt.Sprintf("%s: %v", kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// DataError - нарушение инварианта данных, обнаруженное CDC.
// Keys содержит до 10 значений бизнес-ключа для диагностики.
type DataError struct {
	Dataset string
	Msg     string
	Keys    []string
}

func (e *DataError) Error() string {
	msg := fmt.Sprintf("data: dataset %s: %s", e.Dataset, e.Msg)
	if len(e.Keys) > 0 {
		msg += " (offending keys: " + strings.Join(e.Keys, "; ") + ")"
	}
	return msg
}

// AuditError - сбой записи audit-метаданных
type AuditError struct {
	Op  string
	Err error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit: %s: %v", e.Op, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }

// IsTimeout сообщает, была ли ошибка вызвана statement timeout
func IsTimeout(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.TimedOut
}
