// Package config содержит логику чтения конфигурации сервиса paymart.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса paymart.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	GatewayAddress   string        `env:"GATEWAY_ADDRESS"`
	GatewaySecretKey string        `env:"GATEWAY_SECRET_KEY"`
	WebhookSecret    string        `env:"WEBHOOK_SECRET"`
	MailRelayAddress string        `env:"MAIL_RELAY_ADDRESS"`
	SessionSecret    string        `env:"SESSION_SECRET"`
	ReminderInterval time.Duration `env:"REMINDER_INTERVAL" envDefault:"24h"`
}

// Parse считывает конфигурацию из .env-файла, флагов командной строки и
// переменных окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env используется только в локальной разработке, его отсутствие не ошибка.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envMailRelayAddress := cfg.MailRelayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.MailRelayAddress, "m", "", "mail relay address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envMailRelayAddress != "" {
		cfg.MailRelayAddress = envMailRelayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	return cfg, nil
}
