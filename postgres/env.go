package postgres

import (
	"fmt"

	"github.com/caarlos0/env/v6"
)

// EnvConfig holds the connection settings read from the environment.
type EnvConfig struct {
	Host     string  `env:"DATABASE_HOST"     envDefault:"localhost"`
	Port     int     `env:"DATABASE_PORT"     envDefault:"5432"`
	User     string  `env:"DATABASE_USERNAME,required"`
	Password string  `env:"DATABASE_PASSWORD"`
	Database string  `env:"DATABASE_NAME,required"`
	SSLMode  SSLMode `env:"DATABASE_SSLMODE"  envDefault:"disable"`
}

// LoadEnv reads DATABASE_HOST, DATABASE_PORT, DATABASE_USERNAME,
// DATABASE_PASSWORD, DATABASE_NAME and DATABASE_SSLMODE.
func LoadEnv() (*EnvConfig, error) {
	return loadEnv(env.Options{})
}

func loadEnv(opts env.Options) (*EnvConfig, error) {
	cfg := &EnvConfig{}

	if err := env.Parse(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse database environment: %w", err)
	}

	return cfg, nil
}

// Options converts the config into pool options. Extra options are applied
// after the environment ones.
func (c *EnvConfig) Options(extra ...Option) []Option {
	opts := []Option{
		WithHost(c.Host),
		WithPort(c.Port),
		WithUser(c.User),
		WithPassword(c.Password),
		WithDatabase(c.Database),
		WithSSLMode(c.SSLMode),
	}

	return append(opts, extra...)
}
