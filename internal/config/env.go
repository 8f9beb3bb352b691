package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds deploy-time overrides. Zero values leave the file's value alone.
type envOverrides struct {
	Addr              string        `env:"RIDE_SIGNIN_ADDR"`
	BaseURL           string        `env:"RIDE_SIGNIN_BASE_URL"`
	ProductionHost    string        `env:"RIDE_SIGNIN_PRODUCTION_HOST"`
	AllowedOrigins    []string      `env:"RIDE_SIGNIN_ALLOWED_ORIGINS" envSeparator:","`
	InstitutionSuffix string        `env:"RIDE_SIGNIN_INSTITUTION_SUFFIX"`
	StorageBackend    string        `env:"RIDE_SIGNIN_STORAGE"`
	RedisAddr         string        `env:"RIDE_SIGNIN_REDIS_ADDR"`
	SQLitePath        string        `env:"RIDE_SIGNIN_SQLITE_PATH"`
	MaxAttempts       int           `env:"RIDE_SIGNIN_MAX_ATTEMPTS"`
	AttemptTimeout    time.Duration `env:"RIDE_SIGNIN_ATTEMPT_TIMEOUT"`
	Window            time.Duration `env:"RIDE_SIGNIN_WINDOW"`
	LogLevel          string        `env:"RIDE_SIGNIN_LOG_LEVEL"`
	LogFormat         string        `env:"RIDE_SIGNIN_LOG_FORMAT"`
}

// ApplyEnv overlays RIDE_SIGNIN_* environment variables onto cfg
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&cfg.Server.Addr, o.Addr)
	setString(&cfg.Server.BaseURL, o.BaseURL)
	setString(&cfg.Server.ProductionHost, o.ProductionHost)
	if len(o.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = o.AllowedOrigins
	}
	setString(&cfg.Auth.InstitutionSuffix, o.InstitutionSuffix)
	if o.StorageBackend != "" {
		cfg.Storage.Backend = StorageBackend(o.StorageBackend)
	}
	setString(&cfg.Storage.RedisAddr, o.RedisAddr)
	setString(&cfg.Storage.SQLitePath, o.SQLitePath)
	if o.MaxAttempts > 0 {
		cfg.SignIn.MaxAttempts = o.MaxAttempts
	}
	if o.AttemptTimeout > 0 {
		cfg.SignIn.AttemptTimeout = o.AttemptTimeout
	}
	if o.Window > 0 {
		cfg.SignIn.Window = o.Window
	}
	setString(&cfg.Logging.Level, o.LogLevel)
	setString(&cfg.Logging.Format, o.LogFormat)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
