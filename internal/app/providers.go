package app

import (
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/voice"
)

func providerSettings(cfg config.Config) voice.Settings {
	return voice.Settings{
		DefaultProvider: voice.Kind(cfg.DefaultProvider),
		ConnectTimeout:  cfg.ConnectTimeout,
		Gemini: voice.ProviderDefaults{
			APIKey: cfg.GeminiAPIKey,
			URL:    cfg.GeminiWSURL,
			Model:  cfg.GeminiModel,
			Voice:  cfg.GeminiDefaultVoice,
		},
		Grok: voice.ProviderDefaults{
			APIKey: cfg.XAIAPIKey,
			URL:    cfg.XAIRealtimeURL,
			Voice:  cfg.GrokDefaultVoice,
		},
		Hume: voice.ProviderDefaults{
			APIKey: cfg.HumeAPIKey,
			URL:    cfg.HumeWSURL,
		},
	}
}
