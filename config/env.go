package config

import (
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "TEAMPOINTS_"

// loadFromEnv overlays environment variables onto cfg. Unset variables leave
// the current value alone, so defaults and file values survive.
func loadFromEnv(cfg *Config) error {
	return loadFromEnvWith(cfg, nil)
}

// loadFromEnvWith reads from environ instead of the process environment when
// environ is non-nil.
func loadFromEnvWith(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	return env.ParseWithOptions(cfg, opts)
}
