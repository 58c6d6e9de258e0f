package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// applyEnv overrides secret fields from SWATCH_* environment variables.
// Only fields tagged with `env` are touched, so YAML values survive when the
// variable is unset.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}
