package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// envConfig holds the defaults that the environment supplies for command
// line flags.
type envConfig struct {
	Cargo           string        `env:"INCRREPLAY_CARGO" envDefault:"Cargo.toml"`
	CargoBin        string        `env:"INCRREPLAY_CARGO_BIN" envDefault:"cargo"`
	WorkDir         string        `env:"INCRREPLAY_WORK_DIR" envDefault:"incr"`
	Live            bool          `env:"INCRREPLAY_LIVE"`
	LogLevel        string        `env:"INCRREPLAY_LOG_LEVEL" envDefault:"info"`
	CheckoutSpacing time.Duration `env:"INCRREPLAY_CHECKOUT_SPACING" envDefault:"1s"`
	RustFlags       string        `env:"RUSTFLAGS"`
}

func loadEnvConfig() (envConfig, error) {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return envConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
