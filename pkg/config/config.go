// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config - главная структура конфигурации dispatch-svc
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Audit     AuditConfig     `koanf:"audit"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Notifier  NotifierConfig  `koanf:"notifier"`
}

// NotifierConfig - адаптеры C11 (каналы доставки уведомлений)
type NotifierConfig struct {
	SlackBotToken string `koanf:"slack_bot_token"`
	WebhookURL    string `koanf:"webhook_url"`
}

// AppConfig - общие настройки приложения
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig - настройки HTTP сервера dispatch-svc
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig - настройки CORS
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig - настройки логирования
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`   // путь к файлу логов
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"` // количество бэкапов
	MaxAge     int    `koanf:"max_age"`     // дней
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig - настройки Prometheus метрик
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig - настройки OpenTelemetry
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig - настройки базы данных (audit sink)
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN возвращает строку подключения
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig - настройки кэширования (C2/C3)
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// Address возвращает адрес кэша
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig конфигурация rate limiting
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig конфигурация аудит лога
type AuditConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, file, postgres
	FilePath    string        `koanf:"file_path"`
	MaxSize     int           `koanf:"max_size"`    // MB до ротации
	MaxBackups  int           `koanf:"max_backups"` // количество бэкапов
	MaxAge      int           `koanf:"max_age"`     // дней
	Compress    bool          `koanf:"compress"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// DispatchConfig holds every tunable named in spec §6.
type DispatchConfig struct {
	ResponseTimeAlertMs      int64         `koanf:"response_time_alert_ms"`
	MemoryAlertBytes         int64         `koanf:"memory_alert_bytes"`
	CacheBaseMinutes         int           `koanf:"cache_base_minutes"`
	SpatialGridDegrees       float64       `koanf:"spatial_grid_degrees"`
	DriverLivenessMinutes    int           `koanf:"driver_liveness_minutes"`
	AvailabilityHeartbeatMin int           `koanf:"availability_heartbeat_minutes"`
	ResourceLimits           ResourceLimitsConfig `koanf:"resource_limits"`
	Circuit                  CircuitConfig        `koanf:"circuit"`
	Scheduler                SchedulerConfig      `koanf:"scheduler"`
	Threat                   ThreatConfig         `koanf:"threat"`
}

// ResourceLimitsConfig - лимиты C8
type ResourceLimitsConfig struct {
	ActiveDispatch int64 `koanf:"active_dispatch"`
	HeapBytes      int64 `koanf:"heap_bytes"`
	CPUPercent     int64 `koanf:"cpu_pct"`
	DBConns        int64 `koanf:"db_conns"`
}

// CircuitConfig - настройки circuit breaker C7
type CircuitConfig struct {
	MaxFailures    int           `koanf:"max_failures"`
	ResetTimeoutMs int           `koanf:"reset_timeout_ms"`
	Retries        int           `koanf:"retries"`
	BaseDelayMs    int           `koanf:"base_delay_ms"`
}

// SchedulerConfig - настройки планировщика C10
type SchedulerConfig struct {
	MaxConcurrentJobs int `koanf:"max_concurrent_jobs"`
	TickMs            int `koanf:"tick_ms"`
}

// ThreatConfig - пороги threat meter C9
type ThreatConfig struct {
	ActionThresholds ThreatThresholds `koanf:"action_thresholds"`
}

// ThreatThresholds holds the four action thresholds from spec §6.
type ThreatThresholds struct {
	Low      float64 `koanf:"low"`
	Medium   float64 `koanf:"medium"`
	High     float64 `koanf:"high"`
	Suspend  float64 `koanf:"suspend"`
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be between 1 and 65535, got %d", c.HTTP.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Dispatch.Scheduler.MaxConcurrentJobs <= 0 {
		errs = append(errs, "dispatch.scheduler.max_concurrent_jobs must be positive")
	}

	if c.Dispatch.Circuit.MaxFailures <= 0 {
		errs = append(errs, "dispatch.circuit.max_failures must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment проверяет режим разработки
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction проверяет продакшн режим
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
