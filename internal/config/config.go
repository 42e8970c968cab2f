// Package config содержит логику чтения конфигурации сервиса printapic.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса printapic.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	ProviderAddress string `env:"PROVIDER_ADDRESS"`
	ProviderKey     string `env:"BFL_KEY"`
	AuthSecret      string `env:"AUTH_SECRET"`
	EditWorkers     int    `env:"EDIT_WORKERS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProviderAddress := cfg.ProviderAddress
	envProviderKey := cfg.ProviderKey
	envAuthSecret := cfg.AuthSecret
	envEditWorkers := cfg.EditWorkers

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProviderAddress, "p", "https://api.bfl.ml", "image edit provider address")
	flag.StringVar(&cfg.ProviderKey, "k", "", "image edit provider API key")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth tokens")
	flag.IntVar(&cfg.EditWorkers, "w", 4, "number of background edit workers")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProviderAddress != "" {
		cfg.ProviderAddress = envProviderAddress
	}
	if envProviderKey != "" {
		cfg.ProviderKey = envProviderKey
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envEditWorkers != 0 {
		cfg.EditWorkers = envEditWorkers
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.EditWorkers <= 0 {
		cfg.EditWorkers = 4
	}

	return cfg, nil
}
