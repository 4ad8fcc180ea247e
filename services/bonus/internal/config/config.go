package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
)

// Env представляет окружение приложения
type Env string

const (
	// EnvLocal - локальное окружение (для разработки на хосте)
	EnvLocal Env = "local"
	// EnvDocker - Docker окружение (для запуска в контейнерах)
	EnvDocker Env = "docker"
)

func (e Env) pick(local, docker string) string {
	if e == EnvDocker {
		return docker
	}
	return local
}

// Storage - тип хранилища бонусных балансов
type Storage string

const (
	StorageMemory Storage = "memory"
	StorageRedis  Storage = "redis"
)

// Config содержит конфигурацию Bonus Service
type Config struct {
	AppEnv          Env
	HTTPAddr        string
	ShutdownTimeout time.Duration

	Storage   Storage
	RedisAddr string

	AccrualRate float64

	// Consumer
	RetryMaxAttempts int
	RetryBackoffBase time.Duration
	HandleTimeout    time.Duration
	ConsumerWorkers  int

	RabbitMQ rabbitmq.Config

	// Consul
	ConsulAddr    string
	AdvertiseHost string

	// OpenTelemetry
	OTelEnabled       bool
	OTelEndpoint      string
	OTelSamplingRatio float64
}

// Load загружает конфигурацию из переменных окружения
// Читает APP_ENV и устанавливает дефолты в зависимости от окружения
func Load() (Config, error) {
	cfg := Config{}

	appEnvStr := getString("APP_ENV", string(EnvLocal))
	appEnv := Env(appEnvStr)
	if appEnv != EnvLocal && appEnv != EnvDocker {
		return Config{}, fmt.Errorf("invalid APP_ENV: %s (must be 'local' or 'docker')", appEnvStr)
	}
	cfg.AppEnv = appEnv

	cfg.HTTPAddr = getString("HTTP_ADDR", appEnv.pick("127.0.0.1:8006", "0.0.0.0:8006"))

	var err error
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	cfg.Storage = Storage(getString("BONUS_STORAGE", string(StorageMemory)))
	cfg.RedisAddr = getString("BONUS_REDIS_ADDR", appEnv.pick("127.0.0.1:6379", "redis:6379"))

	if cfg.AccrualRate, err = parseFloat(os.Getenv("BONUS_ACCRUAL_RATE"), 0.01); err != nil {
		return Config{}, fmt.Errorf("invalid BONUS_ACCRUAL_RATE: %w", err)
	}

	if cfg.RetryMaxAttempts, err = parseInt(os.Getenv("BONUS_RETRY_MAX_ATTEMPTS"), 3); err != nil {
		return Config{}, fmt.Errorf("invalid BONUS_RETRY_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RetryBackoffBase, err = getDuration("BONUS_RETRY_BACKOFF_BASE", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HandleTimeout, err = getDuration("BONUS_HANDLE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ConsumerWorkers, err = parseInt(os.Getenv("BONUS_CONSUMER_WORKERS"), 1); err != nil {
		return Config{}, fmt.Errorf("invalid BONUS_CONSUMER_WORKERS: %w", err)
	}

	if cfg.RabbitMQ, err = rabbitmq.LoadEnv(string(appEnv)); err != nil {
		return Config{}, fmt.Errorf("invalid rabbitmq config: %w", err)
	}

	cfg.ConsulAddr = getString("CONSUL_ADDR", "")
	cfg.AdvertiseHost = getString("SERVICE_ADVERTISE_HOST", appEnv.pick("127.0.0.1", "bonus-service"))

	cfg.OTelEnabled = getBool("OTEL_ENABLED", false)
	cfg.OTelEndpoint = getString("OTEL_EXPORTER_OTLP_ENDPOINT", appEnv.pick("127.0.0.1:4317", "otel-collector:4317"))
	cfg.OTelSamplingRatio = getFloat64("OTEL_SAMPLING_RATIO", 1.0)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("BONUS_REDIS_ADDR is required when BONUS_STORAGE=redis")
		}
	default:
		return fmt.Errorf("invalid BONUS_STORAGE: %s (must be 'memory' or 'redis')", c.Storage)
	}
	if c.AccrualRate <= 0 || c.AccrualRate > 1 {
		return fmt.Errorf("BONUS_ACCRUAL_RATE must be in (0, 1]")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("BONUS_RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("BONUS_RETRY_BACKOFF_BASE must be positive")
	}
	if c.HandleTimeout <= 0 {
		return fmt.Errorf("BONUS_HANDLE_TIMEOUT must be positive")
	}
	if c.ConsumerWorkers < 1 {
		return fmt.Errorf("BONUS_CONSUMER_WORKERS must be >= 1")
	}
	if c.OTelSamplingRatio < 0 || c.OTelSamplingRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATIO must be in [0, 1]")
	}
	return nil
}

// Log выводит конфигурацию в лог (с маскировкой паролей)
func (c Config) Log() {
	log.Printf("Config loaded:")
	log.Printf("  APP_ENV: %s", c.AppEnv)
	log.Printf("  HTTP_ADDR: %s", c.HTTPAddr)
	log.Printf("  BONUS_STORAGE: %s", c.Storage)
	if c.Storage == StorageRedis {
		log.Printf("  BONUS_REDIS_ADDR: %s", c.RedisAddr)
	}
	log.Printf("  BONUS_ACCRUAL_RATE: %.4f", c.AccrualRate)
	log.Printf("  BONUS_RETRY_MAX_ATTEMPTS: %d", c.RetryMaxAttempts)
	log.Printf("  BONUS_RETRY_BACKOFF_BASE: %s", c.RetryBackoffBase)
	log.Printf("  BONUS_HANDLE_TIMEOUT: %s", c.HandleTimeout)
	log.Printf("  BONUS_CONSUMER_WORKERS: %d", c.ConsumerWorkers)
	log.Printf("  RABBITMQ_URL: %s", maskURL(c.RabbitMQ.URL))
	log.Printf("  RABBITMQ_QUEUE: %s", c.RabbitMQ.Queue)
	log.Printf("  RABBITMQ_DLQ: %s", c.RabbitMQ.DLQ)
	log.Printf("  RABBITMQ_PREFETCH: %d", c.RabbitMQ.Prefetch)
	log.Printf("  CONSUL_ADDR: %s", c.ConsulAddr)
	log.Printf("  OTEL_ENABLED: %t", c.OTelEnabled)
	log.Printf("  SHUTDOWN_TIMEOUT: %s", c.ShutdownTimeout)
}

func getString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getFloat64(key string, defaultValue float64) float64 {
	f, err := parseFloat(os.Getenv(key), defaultValue)
	if err != nil {
		return defaultValue
	}
	return f
}

func parseFloat(s string, defaultValue float64) (float64, error) {
	if s == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseInt(s string, defaultValue int) (int, error) {
	if s == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(s)
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// maskURL скрывает пароль в amqp:// адресе
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	return u.Redacted()
}
