package config

import (
	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is the process configuration, populated from the environment
// with an optional .env overlay for local development.
type Config struct {
	AppEnv             string `env:"APP_ENV,default=development"`
	GoogleCloudProject string `env:"GOOGLE_CLOUD_PROJECT"`

	// UseMemoryStore switches persistence to the in-memory store, for
	// local development and tests.
	UseMemoryStore bool `env:"USE_MEMORY_STORE,default=false"`

	// ForecastModel selects the primary forecaster: "weighted" or
	// "regression". The weighted baseline always backs regression up.
	ForecastModel  string `env:"FORECAST_MODEL,default=weighted"`
	ForecastMonths int    `env:"FORECAST_MONTHS,default=6"`
	ForecastTopK   int    `env:"FORECAST_TOP_K,default=8"`

	SafeToSpendDays   int     `env:"SAFE_TO_SPEND_DAYS,default=14"`
	SafeToSpendBuffer float64 `env:"SAFE_TO_SPEND_BUFFER,default=100"`

	InsightLookbackDays int `env:"INSIGHT_LOOKBACK_DAYS,default=30"`
}

// Load reads the optional .env file at path (ignored when missing), then
// unmarshals the process environment.
func Load(path string) (*Config, error) {
	if path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal environment")
	}
	if cfg.ForecastModel != "weighted" && cfg.ForecastModel != "regression" {
		return nil, errors.Errorf("unknown forecast model %q", cfg.ForecastModel)
	}
	return &cfg, nil
}

// Reload re-reads the environment into the receiver in place. Callers
// holding a *Config see the new values; there is no implicit refresh.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}
	*c = *fresh
	return nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool { return c.AppEnv == "production" }
