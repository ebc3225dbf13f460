// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DISPATCH_"

// Loader загружает конфигурацию из нескольких источников с приоритетом:
// defaults < config file < environment variables
type Loader struct {
	k          *koanf.Koanf
	configPath string
	envPrefix  string
}

// LoaderOption настраивает Loader
type LoaderOption func(*Loader)

// WithConfigPaths задаёт явный путь к конфигурационному файлу
func WithConfigPaths(path string) LoaderOption {
	return func(l *Loader) {
		l.configPath = path
	}
}

// WithEnvPrefix переопределяет префикс переменных окружения
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// NewLoader создаёт новый Loader с применёнными опциями
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load загружает конфигурацию: defaults -> файл -> env
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// loadDefaults заполняет koanf значениями по умолчанию, соответствующими
// каждому значению, перечисленному в спецификации.
func (l *Loader) loadDefaults() error {
	defaults := map[string]interface{}{
		"app.name":        "dispatch-svc",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		"http.port":                 8080,
		"http.read_timeout":         "10s",
		"http.write_timeout":        "10s",
		"http.shutdown_timeout":     "15s",
		"http.cors.enabled":         true,
		"http.cors.allowed_origins": []string{"*"},
		"http.cors.allowed_methods": []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		"http.cors.allowed_headers": []string{"*"},
		"http.cors.max_age":         300,

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.file_path":   "",
		"log.max_size":    100,
		"log.max_backups": 5,
		"log.max_age":     30,
		"log.compress":    true,

		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "dispatch",
		"metrics.subsystem": "",

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "dispatch-svc",
		"tracing.sample_rate":  0.1,

		"database.driver":             "postgres",
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "dispatch",
		"database.username":           "dispatch",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  "1h",
		"database.conn_max_idle_time": "15m",
		"database.migrations_path":    "migrations",
		"database.auto_migrate":       false,

		"cache.enabled":     true,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.password":    "",
		"cache.db":          0,
		"cache.default_ttl": "5m",

		"rate_limit.enabled":          false,
		"rate_limit.requests":         100,
		"rate_limit.window":           "1m",
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       20,
		"rate_limit.cleanup_interval": "1m",
		"rate_limit.redis_addr":       "",

		"audit.enabled":      true,
		"audit.backend":      "stdout",
		"audit.file_path":    "",
		"audit.max_size":     100,
		"audit.max_backups":  5,
		"audit.max_age":      30,
		"audit.compress":     true,
		"audit.buffer_size":  1000,
		"audit.flush_period": "5s",

		// спец §6 — пороги и параметры ядра dispatch
		"dispatch.response_time_alert_ms":         5000,
		"dispatch.memory_alert_bytes":             134217728,
		"dispatch.cache_base_minutes":             5,
		"dispatch.spatial_grid_degrees":           0.01,
		"dispatch.driver_liveness_minutes":         10,
		"dispatch.availability_heartbeat_minutes":  5,

		"dispatch.resource_limits.active_dispatch": 100,
		"dispatch.resource_limits.heap_bytes":      536870912,
		"dispatch.resource_limits.cpu_pct":         90,
		"dispatch.resource_limits.db_conns":        20,

		"dispatch.circuit.max_failures":     5,
		"dispatch.circuit.reset_timeout_ms": 30000,
		"dispatch.circuit.retries":          3,
		"dispatch.circuit.base_delay_ms":    1000,

		"dispatch.scheduler.max_concurrent_jobs": 5,
		"dispatch.scheduler.tick_ms":             1000,

		"dispatch.threat.action_thresholds.low":     30,
		"dispatch.threat.action_thresholds.medium":  50,
		"dispatch.threat.action_thresholds.high":    75,
		"dispatch.threat.action_thresholds.suspend": 95,

		"notifier.slack_bot_token": "",
		"notifier.webhook_url":     "",
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile ищет config.yaml в нескольких стандартных местах
func (l *Loader) loadConfigFile() error {
	path := l.configPath
	if path == "" {
		candidates := []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/dispatch/config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	if path == "" {
		// Нет конфигурационного файла - используем только defaults и env
		return nil
	}

	if _, err := os.Stat(path); err != nil {
		if l.configPath != "" {
			return fmt.Errorf("config file not found: %s", path)
		}
		return nil
	}

	return l.k.Load(file.Provider(path), yaml.Parser())
}

// loadEnv загружает переменные окружения с префиксом DISPATCH_
func (l *Loader) loadEnv() error {
	prefix := l.envPrefix
	if prefix == "" {
		prefix = envPrefix
	}

	return l.k.Load(env.Provider(prefix, ".", func(s string) string {
		// DISPATCH_HTTP_PORT -> http.port; a key whose own name holds an
		// underscore (DISPATCH_HTTP_READ_TIMEOUT -> http.read_timeout) is
		// matched against the keys already loaded from the defaults.
		name := strings.ToLower(strings.TrimPrefix(s, prefix))
		for _, key := range l.k.Keys() {
			if strings.ReplaceAll(key, ".", "_") == name {
				return key
			}
		}
		return strings.ReplaceAll(name, "_", ".")
	}), nil)
}

// MustLoad загружает конфигурацию и паникует при ошибке. Используется в main().
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load - удобная функция для загрузки конфигурации без явного создания Loader.
func Load(opts ...LoaderOption) (*Config, error) {
	return NewLoader(opts...).Load()
}

// LoadWithServiceDefaults загружает конфигурацию и подставляет имя сервиса
// и порт по умолчанию, если они не заданы явно другим источником.
func LoadWithServiceDefaults(serviceName string, defaultPort int) (*Config, error) {
	l := NewLoader()
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	overrides := map[string]interface{}{
		"app.name":             serviceName,
		"http.port":            defaultPort,
		"tracing.service_name": serviceName,
	}
	if err := l.k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load service defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
