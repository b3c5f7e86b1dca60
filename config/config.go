package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/room4-2/live-relay/gemini"
)

// Config holds all server configuration
type Config struct {
	Port           int
	GeminiAPIKey   string
	GeminiModel    string
	GeminiEndpoint string // Live API WebSocket endpoint (override for testing)
	RedisURL       string // Empty disables the session mirror
	RedisPassword  string
	MaxSessions    int
	SessionTTL     time.Duration // Expiry of mirrored session keys in Redis
	AllowedOrigins []string
	SetupTimeout   time.Duration // Bound on the Gemini setup handshake
	WriteTimeout   time.Duration
	LogLevel       string
	LogFormat      string // "text" or "json"
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:           8080,
		GeminiModel:    gemini.DefaultModel,
		GeminiEndpoint: gemini.DefaultEndpoint,
		MaxSessions:    100,
		SessionTTL:     30 * time.Minute,
		AllowedOrigins: []string{"*"},
		SetupTimeout:   10 * time.Second,
		WriteTimeout:   10 * time.Second,
		LogLevel:       "info",
		LogFormat:      "text",
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	var err error
	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}

	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	if endpoint := os.Getenv("GEMINI_ENDPOINT"); endpoint != "" {
		config.GeminiEndpoint = endpoint
	}

	config.RedisURL = os.Getenv("REDIS_URL")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}

	// SESSION_TTL is in minutes
	if config.SessionTTL, err = durationEnv("SESSION_TTL", config.SessionTTL, time.Minute); err != nil {
		return nil, err
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = nil
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}

	// SETUP_TIMEOUT and WRITE_TIMEOUT are in seconds
	if config.SetupTimeout, err = durationEnv("SETUP_TIMEOUT", config.SetupTimeout, time.Second); err != nil {
		return nil, err
	}
	if config.WriteTimeout, err = durationEnv("WRITE_TIMEOUT", config.WriteTimeout, time.Second); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch format {
		case "text", "json":
			config.LogFormat = format
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'text' or 'json'")
		}
	}

	return config, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, def, unit time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return time.Duration(v) * unit, nil
}
