package loader

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// DriverConstructor - функция-конструктор драйвера.
// Возвращает неподключенный драйвер; Connect вызывает оркестратор.
type DriverConstructor func(cfg Config) (Driver, error)

// registration - зарегистрированный бэкенд
type registration struct {
	constructor     DriverConstructor
	requiredOptions []string
}

// Factory - фабрика драйверов. Управляет регистрацией бэкендов и
// выбором драйвера по схеме connection string.
type Factory struct {
	registry map[string]registration
	mu       sync.RWMutex
}

// NewFactory создает новую фабрику драйверов
func NewFactory() *Factory {
	return &Factory{registry: make(map[string]registration)}
}

// Register регистрирует конструктор драйвера для схемы DSN.
// requiredOptions - опции Config.Options, без которых бэкенд не работает
// (например, s3_bucket для warehouse-бэкенда).
func (f *Factory) Register(scheme string, constructor DriverConstructor, requiredOptions ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry[scheme] = registration{constructor: constructor, requiredOptions: requiredOptions}
}

// Schemes возвращает зарегистрированные схемы (отсортированы)
func (f *Factory) Schemes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	schemes := make([]string, 0, len(f.registry))
	for s := range f.registry {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// New выбирает драйвер по схеме cfg.DSN, проверяет обязательные опции
// и создает неподключенный драйвер. Неизвестная схема → ConfigError.
func (f *Factory) New(cfg Config) (Driver, error) {
	scheme, err := schemeOf(cfg.DSN)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	reg, ok := f.registry[scheme]
	f.mu.RUnlock()

	if !ok {
		return nil, &ConfigError{
			Msg: fmt.Sprintf("unsupported database scheme %q (supported: %s)",
				scheme, strings.Join(f.Schemes(), ", ")),
		}
	}

	var missing []string
	for _, opt := range reg.requiredOptions {
		if cfg.Option(opt) == "" {
			missing = append(missing, opt)
		}
	}
	if len(missing) > 0 {
		return nil, &ConfigError{
			Msg: fmt.Sprintf("scheme %q requires options: %s", scheme, strings.Join(missing, ", ")),
		}
	}

	return reg.constructor(cfg)
}

// schemeOf извлекает схему из connection string
func schemeOf(dsn string) (string, error) {
	if dsn == "" {
		return "", &ConfigError{Msg: "database DSN is empty"}
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return "", &ConfigError{Msg: "could not parse database DSN", Err: err}
	}
	if u.Scheme == "" {
		return "", &ConfigError{Msg: "database DSN has no scheme"}
	}
	return strings.ToLower(u.Scheme), nil
}

// ========== Глобальная фабрика ==========

var globalFactory = NewFactory()

// Register регистрирует драйвер в глобальной фабрике.
// Вызывается из init() пакетов конкретных драйверов.
func Register(scheme string, constructor DriverConstructor, requiredOptions ...string) {
	globalFactory.Register(scheme, constructor, requiredOptions...)
}

// Schemes возвращает схемы глобальной фабрики
func Schemes() []string {
	return globalFactory.Schemes()
}

// New создает драйвер через глобальную фабрику.
// Основной путь создания драйверов в приложении.
func New(cfg Config) (Driver, error) {
	return globalFactory.New(cfg)
}
