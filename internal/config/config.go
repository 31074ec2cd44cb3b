// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/obs"
	"qazna.org/identity/internal/ratelimit"
	"qazna.org/identity/internal/store/pg"
)

const minSecretLen = 32

// Config is the identity service configuration.
type Config struct {
	Env      string `env:"IDENTITY_ENV" envDefault:"development"`
	LogLevel string `env:"IDENTITY_LOG_LEVEL" envDefault:"info"`

	HTTPAddr string `env:"IDENTITY_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"IDENTITY_GRPC_ADDR" envDefault:":9090"`

	Store        string        `env:"IDENTITY_STORE" envDefault:"pg"`
	PGDSN        string        `env:"IDENTITY_PG_DSN"`
	PGMaxOpen    int           `env:"IDENTITY_PG_MAX_OPEN_CONNS" envDefault:"50"`
	PGMaxIdle    int           `env:"IDENTITY_PG_MAX_IDLE_CONNS" envDefault:"25"`
	PGConnMaxAge time.Duration `env:"IDENTITY_PG_CONN_MAX_LIFETIME" envDefault:"15m"`

	AccessSecret string        `env:"IDENTITY_ACCESS_SECRET"`
	AccessTTL    time.Duration `env:"IDENTITY_ACCESS_TTL" envDefault:"15m"`
	Issuer       string        `env:"IDENTITY_ISSUER" envDefault:"qazna-identity"`

	RefreshSecret string        `env:"IDENTITY_REFRESH_SECRET"`
	RefreshTTL    time.Duration `env:"IDENTITY_REFRESH_TTL" envDefault:"720h"`

	OTPSecret      string        `env:"IDENTITY_OTP_SECRET"`
	OTPTTL         time.Duration `env:"IDENTITY_OTP_TTL" envDefault:"10m"`
	OTPMaxAttempts int           `env:"IDENTITY_OTP_MAX_ATTEMPTS" envDefault:"5"`
	OTPDigits      int           `env:"IDENTITY_OTP_DIGITS" envDefault:"6"`

	PasswordMinLength int           `env:"IDENTITY_PASSWORD_MIN_LENGTH" envDefault:"8"`
	HashWorkers       int           `env:"IDENTITY_HASH_WORKERS"`
	MutationTimeout   time.Duration `env:"IDENTITY_MUTATION_TIMEOUT" envDefault:"5s"`

	RedisAddr   string        `env:"IDENTITY_REDIS_ADDR"`
	LoginRate   int           `env:"IDENTITY_LOGIN_RATE" envDefault:"10"`
	OTPRate     int           `env:"IDENTITY_OTP_RATE" envDefault:"5"`
	HTTPRate    int           `env:"IDENTITY_HTTP_RATE" envDefault:"100"`
	RateWindow  time.Duration `env:"IDENTITY_RATE_WINDOW" envDefault:"1m"`
	MaxBodySize int64         `env:"IDENTITY_MAX_BODY_BYTES" envDefault:"1048576"`

	OTelEndpoint string `env:"IDENTITY_OTEL_ENDPOINT"`
	OTelInsecure bool   `env:"IDENTITY_OTEL_INSECURE" envDefault:"true"`

	AllowedOrigins []string `env:"IDENTITY_ALLOWED_ORIGINS" envSeparator:","`

	// Peers allowed to set X-Forwarded-For, as addresses or CIDR ranges.
	TrustedProxies []string `env:"IDENTITY_TRUSTED_PROXIES" envSeparator:","`

	// Tenants registered as active when running on the memory store.
	DevTenants []string `env:"IDENTITY_DEV_TENANTS" envSeparator:","`
}

// Load reads an optional .env file, then parses the environment. Variables
// already set in the process take precedence over the file.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects missing or weak secrets and inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	for name, secret := range map[string]string{
		"IDENTITY_ACCESS_SECRET":  c.AccessSecret,
		"IDENTITY_REFRESH_SECRET": c.RefreshSecret,
		"IDENTITY_OTP_SECRET":     c.OTPSecret,
	} {
		if len(secret) < minSecretLen {
			errs = append(errs, fmt.Errorf("%s must be at least %d bytes", name, minSecretLen))
		}
	}
	switch c.Store {
	case "pg":
		if strings.TrimSpace(c.PGDSN) == "" {
			errs = append(errs, errors.New("IDENTITY_PG_DSN is required when IDENTITY_STORE=pg"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("IDENTITY_STORE must be pg or memory, got %q", c.Store))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.OTPTTL <= 0 {
		errs = append(errs, errors.New("token and code TTLs must be positive"))
	}
	if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New("IDENTITY_ACCESS_TTL must be shorter than IDENTITY_REFRESH_TTL"))
	}
	if c.OTPDigits < 4 || c.OTPDigits > 10 {
		errs = append(errs, fmt.Errorf("IDENTITY_OTP_DIGITS must be between 4 and 10, got %d", c.OTPDigits))
	}
	if c.OTPMaxAttempts <= 0 {
		errs = append(errs, errors.New("IDENTITY_OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.LoginRate <= 0 || c.OTPRate <= 0 || c.HTTPRate <= 0 || c.RateWindow <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	return errors.Join(errs...)
}

// Production reports whether the process runs in production.
func (c Config) Production() bool { return c.Env == "production" }

// Auth converts the settings into the engine configuration.
func (c Config) Auth() auth.Config {
	pw := auth.DefaultPasswordConfig()
	if c.PasswordMinLength > 0 {
		pw.MinLength = c.PasswordMinLength
	}
	if c.HashWorkers > 0 {
		pw.Workers = c.HashWorkers
	}
	return auth.Config{
		Password: pw,
		Access: auth.AccessConfig{
			Secret: []byte(c.AccessSecret),
			TTL:    c.AccessTTL,
			Issuer: c.Issuer,
		},
		Refresh: auth.RefreshConfig{
			Secret: []byte(c.RefreshSecret),
			TTL:    c.RefreshTTL,
		},
		OTP: auth.OTPConfig{
			Secret:      []byte(c.OTPSecret),
			TTL:         c.OTPTTL,
			MaxAttempts: c.OTPMaxAttempts,
			Digits:      c.OTPDigits,
		},
		MutationTimeout: c.MutationTimeout,
	}
}

// Log returns the logger settings.
func (c Config) Log(service string) obs.LogConfig {
	return obs.LogConfig{Level: c.LogLevel, Environment: c.Env, Service: service}
}

// Tracing returns the exporter settings.
func (c Config) Tracing(service, version string) obs.TracingConfig {
	return obs.TracingConfig{
		Endpoint:       c.OTelEndpoint,
		ServiceName:    service,
		ServiceVersion: version,
		Insecure:       c.OTelInsecure,
	}
}

// Pool returns the database pool settings.
func (c Config) Pool() pg.PoolConfig {
	return pg.PoolConfig{
		MaxOpenConns:    c.PGMaxOpen,
		MaxIdleConns:    c.PGMaxIdle,
		ConnMaxLifetime: c.PGConnMaxAge,
	}
}

// LoginLimit, OTPLimit and HTTPLimit size the throttles.
func (c Config) LoginLimit() ratelimit.Config {
	return ratelimit.Config{Requests: c.LoginRate, Window: c.RateWindow}
}

func (c Config) OTPLimit() ratelimit.Config {
	return ratelimit.Config{Requests: c.OTPRate, Window: c.RateWindow}
}

func (c Config) HTTPLimit() ratelimit.Config {
	return ratelimit.Config{Requests: c.HTTPRate, Window: c.RateWindow}
}
