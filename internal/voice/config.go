package voice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voicebridge/internal/store"
)

var (
	ErrConnectTimeout  = errors.New("upstream connect timeout")
	ErrMissingAPIKey   = errors.New("provider api key not configured")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrClosed          = errors.New("adapter closed")
)

// ProviderConfig is fixed for the lifetime of one session.
type ProviderConfig struct {
	APIKey           string
	URL              string
	Model            string
	Voice            string
	SystemPrompt     string
	FirstMessage     string
	InputSampleRate  int
	OutputSampleRate int
	InputEncoding    string
	FallbackVolume   int
	ConnectTimeout   time.Duration
}

// ProviderDefaults are the process-wide values for one provider.
type ProviderDefaults struct {
	APIKey string
	URL    string
	Model  string
	Voice  string
}

// Settings holds provider defaults from configuration.
type Settings struct {
	DefaultProvider Kind
	ConnectTimeout  time.Duration
	Gemini          ProviderDefaults
	Grok            ProviderDefaults
	Hume            ProviderDefaults
}

const (
	deviceInputRate   = 16000
	deviceOutputRate  = 24000
	defaultFirstGreet = "Say hello to the user in one short sentence."
)

// KindFor picks the personality's provider, falling back to the default.
func (s Settings) KindFor(p *store.Personality) (Kind, error) {
	if p != nil && strings.TrimSpace(p.Provider) != "" {
		return ParseKind(p.Provider)
	}
	if s.DefaultProvider == "" {
		return KindGemini, nil
	}
	return ParseKind(string(s.DefaultProvider))
}

// Resolve builds the session configuration for kind.
func (s Settings) Resolve(kind Kind, p *store.Personality, systemPrompt string) (ProviderConfig, error) {
	var (
		def      ProviderDefaults
		fallback int
	)
	switch kind {
	case KindGemini:
		def, fallback = s.Gemini, 100
	case KindGrok:
		def, fallback = s.Grok, 100
	case KindHume:
		def, fallback = s.Hume, 70
	default:
		return ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	if strings.TrimSpace(def.APIKey) == "" {
		return ProviderConfig{}, fmt.Errorf("%s: %w", kind, ErrMissingAPIKey)
	}

	cfg := ProviderConfig{
		APIKey:           def.APIKey,
		URL:              def.URL,
		Model:            def.Model,
		Voice:            def.Voice,
		SystemPrompt:     systemPrompt,
		FirstMessage:     defaultFirstGreet,
		InputSampleRate:  deviceInputRate,
		OutputSampleRate: deviceOutputRate,
		InputEncoding:    "pcm_s16le",
		FallbackVolume:   fallback,
		ConnectTimeout:   s.ConnectTimeout,
	}
	if p != nil {
		if v := strings.TrimSpace(p.Voice); v != "" {
			cfg.Voice = v
		}
		if m := strings.TrimSpace(p.FirstMessage); m != "" {
			cfg.FirstMessage = m
		}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return cfg, nil
}
