package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port       string
	InstanceID string

	// Security
	AllowedOrigins []string
	JWTSecret      string
	AllowGuests    bool

	// Rate Limiting
	RateLimitWS     rate.Limit
	RateLimitBurst  int
	CursorRateLimit rate.Limit
	CursorBurst     int

	// Logging
	LogLevel string

	// WebSocket
	MaxMessageSize int64
	PongWait       time.Duration
	SendBuffer     int
	ResyncInterval time.Duration

	// Redis (optional, enables multi-instance relay)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	RedisPrefix   string
	RedisTTL      time.Duration
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:            "8080",
		AllowedOrigins:  []string{"http://localhost:4000", "http://localhost:5173"},
		AllowGuests:     true,
		RateLimitWS:     domain.DefaultRateLimitWS,
		RateLimitBurst:  10,
		CursorRateLimit: domain.DefaultCursorRateLimit,
		CursorBurst:     10,
		LogLevel:        "info", // Options: debug, info, warn, error, silent
		MaxMessageSize:  domain.MaxMessageSize,
		PongWait:        domain.PongWait,
		SendBuffer:      domain.SendBufferSize,
		ResyncInterval:  domain.ResyncInterval,
		RedisChannel:    "presence:events",
		RedisPrefix:     "presence",
		RedisTTL:        domain.RegistryEntryTTL,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Invalid values keep their defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	// Server
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		cfg.InstanceID = id
	}

	// Security
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	cfg.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	if v := os.Getenv("ALLOW_GUESTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowGuests = b
		}
	}

	// Rate Limiting
	if val := getEnvInt("RATE_LIMIT_WS", 0); val > 0 {
		cfg.RateLimitWS = rate.Limit(val)
	}
	if val := getEnvInt("RATE_LIMIT_BURST", 0); val > 0 {
		cfg.RateLimitBurst = val
	}
	if val := getEnvInt("CURSOR_RATE_LIMIT", 0); val > 0 {
		cfg.CursorRateLimit = rate.Limit(val)
	}
	if val := getEnvInt("CURSOR_BURST", 0); val > 0 {
		cfg.CursorBurst = val
	}

	// Logging
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	// WebSocket
	if val := getEnvInt("MAX_MESSAGE_SIZE", 0); val > 0 {
		cfg.MaxMessageSize = int64(val)
	}
	if val := getEnvInt("SEND_BUFFER", 0); val > 0 {
		cfg.SendBuffer = val
	}
	cfg.PongWait = getEnvDuration("PONG_WAIT", cfg.PongWait)
	cfg.ResyncInterval = getEnvDuration("RESYNC_INTERVAL", cfg.ResyncInterval)

	// Redis
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if val := getEnvInt("REDIS_DB", -1); val >= 0 {
		cfg.RedisDB = val
	}
	if ch := os.Getenv("REDIS_CHANNEL"); ch != "" {
		cfg.RedisChannel = ch
	}
	if p := os.Getenv("REDIS_PREFIX"); p != "" {
		cfg.RedisPrefix = p
	}
	// Entries must expire; zero keeps the default
	if ttl := getEnvDuration("REDIS_TTL", cfg.RedisTTL); ttl > 0 {
		cfg.RedisTTL = ttl
	}

	return cfg
}

// AuthEnabled reports whether join tokens are verified
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// RedisEnabled reports whether presence is shared through Redis
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// parseOrigins parses comma-separated origins
func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("5s") or plain seconds ("5").
// Zero is kept so a feature can be switched off.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
