// Package server exposes the ceremony flows over an HTTP JSON surface.
package server

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls the HTTP listener.
type Config struct {
	Addr            string        `env:"KEYGATE_HTTP_ADDR"             envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"KEYGATE_HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// LoadConfigFromEnv returns server configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{Addr: ":8080", ShutdownTimeout: 5 * time.Second}
	}
	return cfg
}
