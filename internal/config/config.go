// Package config содержит логику чтения конфигурации бота продажи лицензий.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultPollInterval   = 20 * time.Second
	defaultPaymentTimeout = 10 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Config содержит параметры конфигурации бота.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	TelegramToken         string        `env:"TELEGRAM_BOT_TOKEN"`
	WebhookURL            string        `env:"WEBHOOK_URL"`
	WebhookSecret         string        `env:"WEBHOOK_SECRET"`
	PaymentGatewayAddress string        `env:"PAYMENT_GATEWAY_ADDRESS"`
	PaymentAPIKey         string        `env:"PAYMENT_API_KEY"`
	RedisAddress          string        `env:"REDIS_ADDRESS"`
	AMQPURL               string        `env:"AMQP_URL"`
	CatalogPath           string        `env:"CATALOG_PATH"`
	AdminContact          string        `env:"ADMIN_CONTACT"`
	PollInterval          time.Duration `env:"POLL_INTERVAL"`
	PaymentTimeout        time.Duration `env:"PAYMENT_TIMEOUT"`
	SweepInterval         time.Duration `env:"SWEEP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TelegramToken, "t", "", "telegram bot token")
	flag.StringVar(&cfg.WebhookURL, "w", "", "public webhook base URL, long polling when empty")
	flag.StringVar(&cfg.WebhookSecret, "s", "", "webhook path secret")
	flag.StringVar(&cfg.PaymentGatewayAddress, "p", "", "payment gateway address")
	flag.StringVar(&cfg.PaymentAPIKey, "k", "", "payment gateway API key")
	flag.StringVar(&cfg.RedisAddress, "R", "", "redis address for conversation state")
	flag.StringVar(&cfg.AMQPURL, "m", "", "RabbitMQ URL for order events")
	flag.StringVar(&cfg.CatalogPath, "c", "", "path to catalog YAML")
	flag.StringVar(&cfg.AdminContact, "admin", "", "admin contact shown to users")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", defaultPollInterval, "payment status poll interval")
	flag.DurationVar(&cfg.PaymentTimeout, "payment-timeout", defaultPaymentTimeout, "payment code lifetime")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", defaultSweepInterval, "expiry sweeper interval")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.TelegramToken, fromEnv.TelegramToken)
	override(&cfg.WebhookURL, fromEnv.WebhookURL)
	override(&cfg.WebhookSecret, fromEnv.WebhookSecret)
	override(&cfg.PaymentGatewayAddress, fromEnv.PaymentGatewayAddress)
	override(&cfg.PaymentAPIKey, fromEnv.PaymentAPIKey)
	override(&cfg.RedisAddress, fromEnv.RedisAddress)
	override(&cfg.AMQPURL, fromEnv.AMQPURL)
	override(&cfg.CatalogPath, fromEnv.CatalogPath)
	override(&cfg.AdminContact, fromEnv.AdminContact)
	override(&cfg.PollInterval, fromEnv.PollInterval)
	override(&cfg.PaymentTimeout, fromEnv.PaymentTimeout)
	override(&cfg.SweepInterval, fromEnv.SweepInterval)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	return cfg, nil
}

func override[T comparable](dst *T, fromEnv T) {
	var zero T
	if fromEnv != zero {
		*dst = fromEnv
	}
}

// Validate проверяет, что заданы обязательные параметры.
func (c *Config) Validate() error {
	var errs []error
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("telegram bot token is required"))
	}
	if c.PaymentGatewayAddress == "" {
		errs = append(errs, errors.New("payment gateway address is required"))
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		errs = append(errs, errors.New("webhook secret is required in webhook mode"))
	}
	if c.PollInterval <= 0 || c.PaymentTimeout <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("intervals must be positive"))
	}
	return errors.Join(errs...)
}
