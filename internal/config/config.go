package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the device bridge.
type Config struct {
	Env                      string
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin    bool
	AllowQueryUser    bool
	DebugAudioDir     string
	LogLevel          string
	LogFormat         string
	JWTSecret         string
	ContextHistory    int
	PersistQueueSize  int
	RedactTranscripts bool
	DefaultProvider   string
	ConnectTimeout    time.Duration

	GeminiAPIKey       string
	GeminiWSURL        string
	GeminiModel        string
	GeminiDefaultVoice string

	XAIAPIKey        string
	XAIRealtimeURL   string
	GrokDefaultVoice string

	HumeAPIKey string
	HumeWSURL  string

	DatabaseURL            string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	StoreFixturesPath      string
}

// IsProduction gates debug-only behavior such as raw audio capture.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads a local .env file when present, then environment variables, and
// applies safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Env:                    envOrDefault("APP_ENV", "development"),
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		DebugAudioDir:          envOrDefault("APP_DEBUG_AUDIO_DIR", ".debug-audio"),
		LogLevel:               strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("LOG_FORMAT", "")),
		JWTSecret:              stringsTrimSpace("JWT_SECRET"),
		DefaultProvider:        strings.ToLower(envOrDefault("DEFAULT_PROVIDER", "gemini")),
		GeminiAPIKey:           stringsTrimSpace("GEMINI_API_KEY"),
		GeminiWSURL:            envOrDefault("GEMINI_WS_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		GeminiModel:            envOrDefault("GEMINI_MODEL", "models/gemini-2.5-flash-native-audio-preview-09-2025"),
		GeminiDefaultVoice:     envOrDefault("GEMINI_DEFAULT_VOICE", "Puck"),
		XAIAPIKey:              stringsTrimSpace("XAI_API_KEY"),
		XAIRealtimeURL:         envOrDefault("XAI_REALTIME_URL", "wss://api.x.ai/v1/realtime"),
		GrokDefaultVoice:       envOrDefault("GROK_DEFAULT_VOICE", "Ara"),
		HumeAPIKey:             stringsTrimSpace("HUME_API_KEY"),
		HumeWSURL:              envOrDefault("HUME_WS_URL", "wss://api.hume.ai/v0/evi/chat"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		SupabaseURL:            stringsTrimSpace("SUPABASE_URL"),
		SupabaseServiceRoleKey: stringsTrimSpace("SUPABASE_SERVICE_ROLE_KEY"),
		StoreFixturesPath:      stringsTrimSpace("STORE_FIXTURES_PATH"),
		ContextHistory:         8,
		PersistQueueSize:       1024,
		ShutdownTimeout:        15 * time.Second,
		// Devices stream silence-free audio; five idle minutes means the device is gone.
		SessionInactivityTimeout: 5 * time.Minute,
		ConnectTimeout:           10 * time.Second,
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("UPSTREAM_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowQueryUser, err = boolFromEnv("APP_ALLOW_QUERY_USER", cfg.AllowQueryUser)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactTranscripts, err = boolFromEnv("PERSIST_REDACT_PII", cfg.RedactTranscripts)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextHistory, err = intFromEnv("CONTEXT_HISTORY_TURNS", cfg.ContextHistory)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistQueueSize, err = intFromEnv("PERSIST_QUEUE_SIZE", cfg.PersistQueueSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ContextHistory < 0 {
		return Config{}, fmt.Errorf("CONTEXT_HISTORY_TURNS must be >= 0")
	}
	if cfg.PersistQueueSize <= 0 {
		return Config{}, fmt.Errorf("PERSIST_QUEUE_SIZE must be positive")
	}
	switch cfg.DefaultProvider {
	case "gemini", "grok", "hume":
	default:
		return Config{}, fmt.Errorf("DEFAULT_PROVIDER must be one of gemini, grok, hume")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey == "" {
		return Config{}, fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required when SUPABASE_URL is set")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
