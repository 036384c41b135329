// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
// It is read once at startup; components receive copies of the values they need.
type Config struct {
	// HTTPAddr is the address the HTTP (cookie/API) server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC admin plane listens on (e.g. :9090). Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN holding users, sessions, and audit logs.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// JWTSecret is the HS256 shared secret. Ignored when JWT_PRIVATE_KEY is set.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// TokenTTLRaw is the token lifetime (e.g. "24h"). Must not exceed SESSION_TTL.
	TokenTTLRaw string `mapstructure:"TOKEN_TTL"`
	// SessionTTLRaw is the server-side session lifetime (e.g. "24h").
	SessionTTLRaw string `mapstructure:"SESSION_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	CookieName   string `mapstructure:"COOKIE_NAME"`
	CookiePath   string `mapstructure:"COOKIE_PATH"`
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`
	CookieSecure bool   `mapstructure:"COOKIE_SECURE"`
	// CookieSameSite is "lax" or "strict".
	CookieSameSite string `mapstructure:"COOKIE_SAMESITE"`

	// StoreTimeoutRaw bounds every single store call (e.g. "2s").
	StoreTimeoutRaw string `mapstructure:"STORE_TIMEOUT"`
	// StoreRetryBackoffRaw is the pause before the one retry of a failed store call.
	StoreRetryBackoffRaw string `mapstructure:"STORE_RETRY_BACKOFF"`
	// SweepIntervalRaw is how often expired sessions are deleted. "0" disables the in-process sweeper.
	SweepIntervalRaw string `mapstructure:"SWEEP_INTERVAL"`
	// RoleCacheSize is the number of users whose roles are cached by the validator. 0 disables caching.
	RoleCacheSize int `mapstructure:"ROLE_CACHE_SIZE"`
	// RoleCacheTTLRaw is how long cached roles stay fresh.
	RoleCacheTTLRaw string `mapstructure:"ROLE_CACHE_TTL"`

	// RedisURL enables failed-login throttling when set (e.g. redis://localhost:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// LoginMaxAttempts is the number of failed logins allowed per identifier within LOGIN_COOLDOWN.
	LoginMaxAttempts int `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	// LoginCooldownRaw is the window for failed login counting.
	LoginCooldownRaw string `mapstructure:"LOGIN_COOLDOWN"`

	// CORSAllowedOrigins is a comma-separated list of origins allowed to call the API with credentials.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// Seed-only: the account created by cmd/seed.
	AdminUsername string `mapstructure:"ADMIN_USERNAME"`
	AdminPassword string `mapstructure:"ADMIN_PASSWORD"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "nicknamer")
	v.SetDefault("JWT_AUDIENCE", "nicknamer-api")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("COOKIE_NAME", "auth_token")
	v.SetDefault("COOKIE_PATH", "/")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("COOKIE_SAMESITE", "lax")
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("STORE_RETRY_BACKOFF", "50ms")
	v.SetDefault("SWEEP_INTERVAL", "10m")
	v.SetDefault("ROLE_CACHE_SIZE", 1024)
	v.SetDefault("ROLE_CACHE_TTL", "30s")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_COOLDOWN", "15m")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("ADMIN_USERNAME", "")
	v.SetDefault("ADMIN_PASSWORD", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set together")
	}
	durations := []struct {
		key       string
		raw       string
		allowZero bool
	}{
		{"TOKEN_TTL", c.TokenTTLRaw, false},
		{"SESSION_TTL", c.SessionTTLRaw, false},
		{"STORE_TIMEOUT", c.StoreTimeoutRaw, false},
		{"STORE_RETRY_BACKOFF", c.StoreRetryBackoffRaw, false},
		{"SWEEP_INTERVAL", c.SweepIntervalRaw, true},
		{"ROLE_CACHE_TTL", c.RoleCacheTTLRaw, false},
		{"LOGIN_COOLDOWN", c.LoginCooldownRaw, false},
	}
	for _, d := range durations {
		if err := checkDuration(d.raw, d.allowZero); err != nil {
			return fmt.Errorf("config: %s %w", d.key, err)
		}
	}
	if c.TokenTTL() > c.SessionTTL() {
		return errors.New("config: TOKEN_TTL must not exceed SESSION_TTL")
	}
	switch strings.ToLower(c.CookieSameSite) {
	case "lax", "strict":
	default:
		return errors.New("config: COOKIE_SAMESITE must be lax or strict")
	}
	if !strings.HasPrefix(c.CookiePath, "/") {
		return errors.New("config: COOKIE_PATH must start with /")
	}
	if c.Env == "production" && !c.CookieSecure {
		return errors.New("config: COOKIE_SECURE must not be false when APP_ENV=production")
	}
	if c.LoginMaxAttempts <= 0 {
		c.LoginMaxAttempts = 5
	}
	return nil
}

// HasSigningKey reports whether either an HS256 secret or an asymmetric key pair is configured.
func (c *Config) HasSigningKey() bool {
	return c.JWTSecret != "" || (c.JWTPrivateKey != "" && c.JWTPublicKey != "")
}

// TokenTTL parses TokenTTLRaw. Returns 24h if unset or invalid.
func (c *Config) TokenTTL() time.Duration {
	return parseDuration(c.TokenTTLRaw, 24*time.Hour)
}

// SessionTTL parses SessionTTLRaw. Returns 24h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 24*time.Hour)
}

// StoreTimeout parses StoreTimeoutRaw. Returns 2s if unset or invalid.
func (c *Config) StoreTimeout() time.Duration {
	return parseDuration(c.StoreTimeoutRaw, 2*time.Second)
}

// StoreRetryBackoff parses StoreRetryBackoffRaw. Returns 50ms if unset or invalid.
func (c *Config) StoreRetryBackoff() time.Duration {
	return parseDuration(c.StoreRetryBackoffRaw, 50*time.Millisecond)
}

// SweepInterval parses SweepIntervalRaw. Returns 0 (disabled) when set to "0".
func (c *Config) SweepInterval() time.Duration {
	if strings.TrimSpace(c.SweepIntervalRaw) == "0" {
		return 0
	}
	return parseDuration(c.SweepIntervalRaw, 10*time.Minute)
}

// RoleCacheTTL parses RoleCacheTTLRaw. Returns 30s if unset or invalid.
func (c *Config) RoleCacheTTL() time.Duration {
	return parseDuration(c.RoleCacheTTLRaw, 30*time.Second)
}

// LoginCooldown parses LoginCooldownRaw. Returns 15m if unset or invalid.
func (c *Config) LoginCooldown() time.Duration {
	return parseDuration(c.LoginCooldownRaw, 15*time.Minute)
}

// SameSite returns the http.SameSite mode for the session cookie.
func (c *Config) SameSite() http.SameSite {
	if strings.EqualFold(c.CookieSameSite, "strict") {
		return http.SameSiteStrictMode
	}
	return http.SameSiteLaxMode
}

// CORSOrigins returns the allowed origins from the comma-separated config.
func (c *Config) CORSOrigins() []string {
	if c == nil || c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// checkDuration accepts an empty raw value (the default applies) or a positive Go duration.
func checkDuration(raw string, allowZero bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || (allowZero && raw == "0") {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("is not a valid duration: %q", raw)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %q", raw)
	}
	return nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
