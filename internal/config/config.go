// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded into the
// process environment first when present.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENROUTER_API_KEY becomes
// openrouter_api_key in YAML.
//
// OPENROUTER_API_KEY is the only required setting. Redis is optional unless
// CACHE_MODE=redis or RPM_LIMIT is set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/portfolio-gateway/internal/chat"
	"github.com/nulpointcorp/portfolio-gateway/internal/upstream"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Upstream UpstreamConfig
	Chat     ChatConfig

	// ContentPath points at a YAML knowledge base. Empty uses the embedded
	// default.
	ContentPath string

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	Redis RedisConfig

	// Cache controls system prompt memoization.
	Cache CacheConfig

	// RateLimit controls per-client request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// UpstreamConfig describes the OpenAI-compatible completion API.
type UpstreamConfig struct {
	APIKey  string
	BaseURL string

	// Referer and Title are sent as HTTP-Referer and X-Title.
	Referer string
	Title   string

	MaxTokens   int
	Temperature float64
}

// ChatConfig controls model selection and the timeout ladder.
type ChatConfig struct {
	PrimaryModel   string
	FallbackModels []string
	AllowedModels  []string

	TotalTimeout      time.Duration
	ConnectTimeout    time.Duration
	FirstTokenTimeout time.Duration
	StallTimeout      time.Duration

	MaxOutputChars int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the prompt cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  : Redis-backed cache (requires REDIS_URL).
	//   "memory" : in-process TTL cache.
	//   "none"   : disabled.
	// Default: "memory".
	Mode string

	// TTL is the lifetime of a memoized system prompt. Default: 1h.
	TTL time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per client IP.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// ModelPolicy returns the model selection settings for the chat engine.
func (c *Config) ModelPolicy() chat.ModelPolicy {
	return chat.ModelPolicy{
		Primary:   c.Chat.PrimaryModel,
		Fallbacks: c.Chat.FallbackModels,
		Allowed:   c.Chat.AllowedModels,
	}
}

// Timeouts returns the configured timeout ladder.
func (c *Config) Timeouts() chat.Timeouts {
	return chat.Timeouts{
		Total:      c.Chat.TotalTimeout,
		Connect:    c.Chat.ConnectTimeout,
		FirstToken: c.Chat.FirstTokenTimeout,
		Stall:      c.Chat.StallTimeout,
	}
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("OPENROUTER_BASE_URL", upstream.DefaultBaseURL)
	v.SetDefault("CHAT_MAX_TOKENS", upstream.DefaultMaxTokens)
	v.SetDefault("CHAT_TEMPERATURE", upstream.DefaultTemperature)

	v.SetDefault("CHAT_PRIMARY_MODEL", chat.DefaultPrimaryModel)
	v.SetDefault("CHAT_TOTAL_TIMEOUT", chat.DefaultTotalTimeout.String())
	v.SetDefault("CHAT_CONNECT_TIMEOUT", chat.DefaultConnectTimeout.String())
	v.SetDefault("CHAT_FIRST_TOKEN_TIMEOUT", chat.DefaultFirstTokenTimeout.String())
	v.SetDefault("CHAT_STALL_TIMEOUT", chat.DefaultStallTimeout.String())
	v.SetDefault("CHAT_MAX_OUTPUT_CHARS", chat.DefaultMaxOutputChars)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			APIKey:      strings.TrimSpace(v.GetString("OPENROUTER_API_KEY")),
			BaseURL:     v.GetString("OPENROUTER_BASE_URL"),
			Referer:     v.GetString("OPENROUTER_REFERER"),
			Title:       v.GetString("OPENROUTER_TITLE"),
			MaxTokens:   v.GetInt("CHAT_MAX_TOKENS"),
			Temperature: v.GetFloat64("CHAT_TEMPERATURE"),
		},

		Chat: ChatConfig{
			PrimaryModel:      v.GetString("CHAT_PRIMARY_MODEL"),
			FallbackModels:    chat.ParseModelList(v.GetString("CHAT_FALLBACK_MODELS")),
			AllowedModels:     chat.ParseModelList(v.GetString("CHAT_ALLOWED_MODELS")),
			TotalTimeout:      v.GetDuration("CHAT_TOTAL_TIMEOUT"),
			ConnectTimeout:    v.GetDuration("CHAT_CONNECT_TIMEOUT"),
			FirstTokenTimeout: v.GetDuration("CHAT_FIRST_TOKEN_TIMEOUT"),
			StallTimeout:      v.GetDuration("CHAT_STALL_TIMEOUT"),
			MaxOutputChars:    v.GetInt("CHAT_MAX_OUTPUT_CHARS"),
		},

		ContentPath: v.GetString("CONTENT_PATH"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Upstream.APIKey == "" {
		return errors.New("config: OPENROUTER_API_KEY is required")
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid OPENROUTER_BASE_URL %q", c.Upstream.BaseURL)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	for name, d := range map[string]time.Duration{
		"CHAT_TOTAL_TIMEOUT":       c.Chat.TotalTimeout,
		"CHAT_CONNECT_TIMEOUT":     c.Chat.ConnectTimeout,
		"CHAT_FIRST_TOKEN_TIMEOUT": c.Chat.FirstTokenTimeout,
		"CHAT_STALL_TIMEOUT":       c.Chat.StallTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", name)
		}
	}
	if c.Chat.ConnectTimeout > c.Chat.TotalTimeout {
		return fmt.Errorf("config: CHAT_CONNECT_TIMEOUT must not exceed CHAT_TOTAL_TIMEOUT")
	}

	if c.Chat.MaxOutputChars < 1 {
		return fmt.Errorf("config: CHAT_MAX_OUTPUT_CHARS must be ≥ 1, got %d", c.Chat.MaxOutputChars)
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return fmt.Errorf("config: CHAT_TEMPERATURE must be within [0, 2], got %v", c.Upstream.Temperature)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
