package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable the gateway reads from the environment.
type Config struct {
	AppEnv  string
	AppName string
	AppPort string

	LogLevel string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	JWTSecret      string
	AuthURL        string
	AllowAnonymous bool

	DispatchURL       string
	DispatchAPIPrefix string
	UpstreamTimeout   time.Duration

	AllowedOrigins []string

	RateLimitWindow    time.Duration
	RateLimitMax       int
	RateLimitFailOpen  bool
	RateLimitOverrides map[string]int

	SendBufferSize int
}

// Load reads configuration from the environment, applying defaults that
// match the deployment compose files.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            envOr("APP_ENV", "development"),
		AppName:           envOr("APP_NAME", "dispatch-gateway"),
		AppPort:           envOr("APP_PORT", "4004"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		RedisHost:         envOr("REDIS_HOST", "localhost"),
		RedisPort:         envOr("REDIS_PORT", "6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AuthURL:           envOr("MS_AUTH_URL", "http://localhost:8003"),
		DispatchURL:       envOr("MS_DESPACHO_URL", "http://localhost:8001"),
		DispatchAPIPrefix: envOr("MS_DESPACHO_API_ENDPOINT", "/api/v1"),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = envInt("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = envInt("REDIS_MIN_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = envInt("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = envDuration("UPSTREAM_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.SendBufferSize, err = envInt("SEND_BUFFER_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.AllowAnonymous, err = envBool("ALLOW_ANONYMOUS", false); err != nil {
		return nil, err
	}
	// Fail-open keeps the realtime path available when the counter store is
	// down, trading strict quota enforcement for availability.
	if cfg.RateLimitFailOpen, err = envBool("RATE_LIMIT_FAIL_OPEN", true); err != nil {
		return nil, err
	}

	cfg.AllowedOrigins = splitList(envOr("ALLOWED_ORIGINS", "*"))

	if cfg.RateLimitOverrides, err = parseOverrides(os.Getenv("RATE_LIMIT_OVERRIDES")); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" && !cfg.AllowAnonymous {
		return nil, fmt.Errorf("JWT_SECRET is required unless ALLOW_ANONYMOUS=true")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseOverrides reads per-scope rate limits in the form
// "location-update=3,dispatch:create=10".
func parseOverrides(v string) (map[string]int, error) {
	out := make(map[string]int)
	if v == "" {
		return out, nil
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_OVERRIDES entry %q", pair)
		}
		n, err := strconv.Atoi(pair[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_OVERRIDES entry %q: %w", pair, err)
		}
		out[pair[:idx]] = n
	}
	return out, nil
}
