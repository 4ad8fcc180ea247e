package rabbitmq

import (
	"github.com/caarlos0/env/v10"
)

// LoadEnv загружает конфигурацию из переменных окружения поверх DefaultConfig(appEnv)
// Использует пакет caarlos0/env/v10 для парсинга env-тегов
func LoadEnv(appEnv string) (Config, error) {
	cfg := DefaultConfig(appEnv)
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
