package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want :8000", cfg.BindAddr)
	}
	if cfg.DefaultProvider != "gemini" {
		t.Fatalf("DefaultProvider = %q, want gemini", cfg.DefaultProvider)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 10s", cfg.ConnectTimeout)
	}
	if cfg.GrokDefaultVoice != "Ara" || cfg.GeminiDefaultVoice != "Puck" {
		t.Fatalf("default voices = %q/%q", cfg.GrokDefaultVoice, cfg.GeminiDefaultVoice)
	}
	if cfg.XAIRealtimeURL != "wss://api.x.ai/v1/realtime" {
		t.Fatalf("XAIRealtimeURL = %q", cfg.XAIRealtimeURL)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want text in development", cfg.LogFormat)
	}
	if cfg.PersistQueueSize != 1024 || cfg.ContextHistory != 8 {
		t.Fatalf("queue/history = %d/%d", cfg.PersistQueueSize, cfg.ContextHistory)
	}
}

func TestLoadProductionDefaultsToJSONLogs(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.IsProduction() || cfg.LogFormat != "json" {
		t.Fatalf("production=%v format=%q", cfg.IsProduction(), cfg.LogFormat)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DEFAULT_PROVIDER", "Hume")
	t.Setenv("UPSTREAM_CONNECT_TIMEOUT", "3s")
	t.Setenv("APP_ALLOW_QUERY_USER", "yes")
	t.Setenv("XAI_API_KEY", "  xai-key \n")
	t.Setenv("PERSIST_REDACT_PII", "on")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultProvider != "hume" {
		t.Fatalf("DefaultProvider = %q, want hume", cfg.DefaultProvider)
	}
	if cfg.ConnectTimeout != 3*time.Second {
		t.Fatalf("ConnectTimeout = %v", cfg.ConnectTimeout)
	}
	if !cfg.AllowQueryUser {
		t.Fatalf("AllowQueryUser = false")
	}
	if cfg.XAIAPIKey != "xai-key" {
		t.Fatalf("XAIAPIKey = %q, want trimmed", cfg.XAIAPIKey)
	}
	if !cfg.RedactTranscripts {
		t.Fatalf("RedactTranscripts = false")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"UPSTREAM_CONNECT_TIMEOUT":       "soon",
		"DEFAULT_PROVIDER":               "openai",
		"APP_ALLOW_ANY_ORIGIN":           "maybe",
		"PERSIST_QUEUE_SIZE":             "0",
		"PERSIST_REDACT_PII":             "sometimes",
		"LOG_FORMAT":                     "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func TestLoadRequiresSupabaseKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SUPABASE_SERVICE_ROLE_KEY") {
		t.Fatalf("Load() error = %v, want missing key error", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_ALLOW_QUERY_USER",
		"APP_DEBUG_AUDIO_DIR",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"JWT_SECRET",
		"DEFAULT_PROVIDER",
		"UPSTREAM_CONNECT_TIMEOUT",
		"CONTEXT_HISTORY_TURNS",
		"PERSIST_QUEUE_SIZE",
		"PERSIST_REDACT_PII",
		"GEMINI_API_KEY",
		"GEMINI_WS_URL",
		"GEMINI_MODEL",
		"GEMINI_DEFAULT_VOICE",
		"XAI_API_KEY",
		"XAI_REALTIME_URL",
		"GROK_DEFAULT_VOICE",
		"HUME_API_KEY",
		"HUME_WS_URL",
		"DATABASE_URL",
		"SUPABASE_URL",
		"SUPABASE_SERVICE_ROLE_KEY",
		"STORE_FIXTURES_PATH",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
