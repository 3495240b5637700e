// Package config содержит логику чтения конфигурации сервиса заказов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса заказов.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayAddress string `env:"GATEWAY_ADDRESS"`

	GatewayAPIKey       string `env:"GATEWAY_API_KEY"`
	GatewayWebhookToken string `env:"GATEWAY_WEBHOOK_TOKEN"`
	AdminAPIToken       string `env:"ADMIN_API_TOKEN"`
	AuthSecret          string `env:"AUTH_SECRET"`

	// InvoiceTTL — срок жизни неоплаченного счёта.
	InvoiceTTL time.Duration `env:"INVOICE_TTL" envDefault:"24h"`

	// Параметры фоновой сверки статусов с платёжным шлюзом.
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	ReconcileGrace      time.Duration `env:"RECONCILE_GRACE" envDefault:"5m"`
	ReconcileMinRecheck time.Duration `env:"RECONCILE_MIN_RECHECK" envDefault:"2m"`
	ReconcileBatchSize  int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`

	// Диапазон и число попыток подбора уникальной надбавки к сумме перевода.
	UniquePriceMin      int64 `env:"UNIQUE_PRICE_MIN" envDefault:"1"`
	UniquePriceMax      int64 `env:"UNIQUE_PRICE_MAX" envDefault:"999"`
	UniquePriceAttempts int   `env:"UNIQUE_PRICE_ATTEMPTS" envDefault:"10"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")

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

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.UniquePriceMin < 0 || cfg.UniquePriceMax < cfg.UniquePriceMin {
		return nil, fmt.Errorf("invalid unique price range: [%d, %d]", cfg.UniquePriceMin, cfg.UniquePriceMax)
	}
	if cfg.UniquePriceAttempts <= 0 {
		return nil, fmt.Errorf("unique price attempts must be positive")
	}

	return cfg, nil
}
