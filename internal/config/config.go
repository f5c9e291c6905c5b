// Package config loads runtime settings from the environment (optionally
// seeded from a .env file), applies defaults and sanitizes the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"net/url"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// DevSecretKey signs tokens when SECRET_KEY is unset. Only acceptable for
// local development.
const DevSecretKey = "livechat-dev-secret-change-me"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// HTTPRateLimitConfig defines per-client-IP request limiting.
// X-Forwarded-For is only honoured when the direct peer is one of
// TrustedProxies.
type HTTPRateLimitConfig struct {
	RPS            float64
	Burst          int
	TrustedProxies []string
}

// Config holds the server configuration.
type Config struct {
	Port              string        `env:"SERVER_PORT,default=:8000"`
	RawAllowedOrigins string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefill   time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	HTTPRateLimitRPS  int           `env:"HTTP_RATE_LIMIT_RPS,default=10"`
	HTTPRateBurst     int           `env:"HTTP_RATE_LIMIT_BURST,default=20"`
	RawTrustedProxies string        `env:"TRUSTED_PROXIES"`
	DatabasePath      string        `env:"DATABASE_PATH,default=chat.db"`
	SecretKey         string        `env:"SECRET_KEY"`
	Algorithm         string        `env:"ALGORITHM,default=HS256"`
	TokenExpireMins   int           `env:"ACCESS_TOKEN_EXPIRE_MINUTES,default=30"`
	CacheTTL          time.Duration `env:"CACHE_TTL,default=1h"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`

	AllowedOrigins  []string
	AllowAllOrigins bool
	RateLimit       RateLimitConfig
	HTTPRateLimit   HTTPRateLimitConfig
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Sanitize(Config{
		Port:              ":8000",
		RawAllowedOrigins: "http://localhost:5173,http://localhost:5174",
		MaxMessageSize:    4096,
		RateLimitBurst:    5,
		RateLimitRefill:   time.Second,
		HTTPRateLimitRPS:  10,
		HTTPRateBurst:     20,
		DatabasePath:      "chat.db",
		Algorithm:         "HS256",
		TokenExpireMins:   30,
		CacheTTL:          time.Hour,
		LogLevel:          "info",
	})
}

// Load reads .env (if present) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.RawAllowedOrigins == "" {
		cfg.RawAllowedOrigins = Default().RawAllowedOrigins
	}
	return Sanitize(cfg), nil
}

// Sanitize fills zero or invalid values with defaults and normalizes the
// allowed origin list.
func Sanitize(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8000"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 5
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = time.Second
	}
	if cfg.HTTPRateLimitRPS <= 0 {
		cfg.HTTPRateLimitRPS = 10
	}
	if cfg.HTTPRateBurst <= 0 {
		cfg.HTTPRateBurst = 20
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "chat.db"
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	if cfg.TokenExpireMins <= 0 {
		cfg.TokenExpireMins = 30
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.RateLimit = RateLimitConfig{Burst: cfg.RateLimitBurst, RefillInterval: cfg.RateLimitRefill}
	cfg.HTTPRateLimit = HTTPRateLimitConfig{
		RPS:            float64(cfg.HTTPRateLimitRPS),
		Burst:          cfg.HTTPRateBurst,
		TrustedProxies: normalizeProxies(splitList(cfg.RawTrustedProxies)),
	}
	cfg.AllowedOrigins, cfg.AllowAllOrigins = NormalizeOrigins(splitList(cfg.RawAllowedOrigins))
	return cfg
}

// TokenTTL is the lifetime of issued access tokens.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenExpireMins) * time.Minute
}

// Secret returns the token signing key, falling back to DevSecretKey.
func (c Config) Secret() []byte {
	if c.SecretKey == "" {
		return []byte(DevSecretKey)
	}
	return []byte(c.SecretKey)
}

// SlogLevel parses LogLevel, defaulting to info on unknown values.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// normalizeProxies keeps the entries that parse as IP addresses, in
// canonical form.
func normalizeProxies(entries []string) []string {
	var proxies []string
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			slog.Warn("Ignoring invalid trusted proxy in configuration", "proxy", entry)
			continue
		}
		proxies = append(proxies, addr.Unmap().String())
	}
	return proxies
}

// NormalizeOrigins lowercases scheme and host of every valid origin and
// drops invalid ones. A "*" entry allows every origin.
func NormalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}
	normalized := make([]string, 0, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		normalizedOrigin, ok := NormalizeOrigin(trimmed)
		if !ok {
			slog.Warn("Ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		normalized = append(normalized, normalizedOrigin)
	}
	return normalized, allowAll
}

// NormalizeOrigin reduces origin to lowercase scheme://host.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
