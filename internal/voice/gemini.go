package voice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/voicebridge/internal/protocol"
)

const (
	defaultGeminiURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultGeminiModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"
)

// Gemini adapts a device to the Gemini Live bidirectional API.
type Gemini struct {
	*bridge
}

func NewGemini(cfg ProviderConfig, deps Deps) (*Gemini, error) {
	b, err := newBridge(KindGemini, cfg, deps, geminiDialect{})
	if err != nil {
		return nil, err
	}
	return &Gemini{bridge: b}, nil
}

type geminiDialect struct{}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiSetup struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName,omitempty"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction   geminiContent `json:"systemInstruction"`
		RealtimeInputConfig struct {
			AutomaticActivityDetection struct {
				Disabled               bool   `json:"disabled"`
				EndOfSpeechSensitivity string `json:"endOfSpeechSensitivity"`
				SilenceDurationMs      int    `json:"silenceDurationMs"`
			} `json:"automaticActivityDetection"`
		} `json:"realtimeInputConfig"`
		InputAudioTranscription  struct{} `json:"inputAudioTranscription"`
		OutputAudioTranscription struct{} `json:"outputAudioTranscription"`
	} `json:"setup"`
}

type geminiRealtimeInput struct {
	RealtimeInput struct {
		Audio          *geminiInlineData `json:"audio,omitempty"`
		AudioStreamEnd bool              `json:"audioStreamEnd,omitempty"`
	} `json:"realtimeInput"`
}

type geminiClientContent struct {
	ClientContent struct {
		Turns        []geminiContent `json:"turns"`
		TurnComplete bool            `json:"turnComplete"`
	} `json:"clientContent"`
}

type geminiTranscription struct {
	Text string `json:"text"`
}

type geminiServerEvent struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		InputTranscription  *geminiTranscription `json:"inputTranscription"`
		OutputTranscription *geminiTranscription `json:"outputTranscription"`
		Interrupted         bool                 `json:"interrupted"`
		ModelTurn           *geminiContent       `json:"modelTurn"`
		GenerationComplete  bool                 `json:"generationComplete"`
		TurnComplete        bool                 `json:"turnComplete"`
	} `json:"serverContent"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway"`
}

func (geminiDialect) endpoint(cfg ProviderConfig) (string, http.Header) {
	base := cfg.URL
	if base == "" {
		base = defaultGeminiURL
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "key=" + url.QueryEscape(cfg.APIKey), http.Header{}
}

func (geminiDialect) open(b *bridge) error {
	var setup geminiSetup
	s := &setup.Setup
	s.Model = b.cfg.Model
	if s.Model == "" {
		s.Model = defaultGeminiModel
	}
	s.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = b.cfg.Voice
	s.SystemInstruction = geminiContent{Parts: []geminiPart{{Text: b.cfg.SystemPrompt}}}
	vad := &s.RealtimeInputConfig.AutomaticActivityDetection
	vad.EndOfSpeechSensitivity = "END_SENSITIVITY_LOW"
	vad.SilenceDurationMs = 100
	if err := b.send(setup); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	if strings.TrimSpace(b.cfg.FirstMessage) == "" {
		return nil
	}
	var first geminiClientContent
	first.ClientContent.Turns = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: b.cfg.FirstMessage}}}}
	first.ClientContent.TurnComplete = true
	if err := b.send(first); err != nil {
		return fmt.Errorf("send first message: %w", err)
	}
	return nil
}

func (geminiDialect) forward(b *bridge, msg protocol.DeviceMessage) error {
	switch msg.Kind {
	case protocol.FrameAudio:
		var in geminiRealtimeInput
		in.RealtimeInput.Audio = &geminiInlineData{
			MimeType: fmt.Sprintf("audio/pcm;rate=%d", b.cfg.InputSampleRate),
			Data:     base64.StdEncoding.EncodeToString(msg.Audio),
		}
		return b.send(in)
	case protocol.FrameInstruction:
		switch msg.Instruction {
		case protocol.InstructionEndOfSpeech:
			var in geminiRealtimeInput
			in.RealtimeInput.AudioStreamEnd = true
			return b.send(in)
		case protocol.InstructionInterrupt:
			// Gemini detects barge-in on its own; only local playback is dropped.
			return b.pk.Reset()
		}
	}
	return nil
}

func (geminiDialect) handle(b *bridge, raw []byte) error {
	var ev geminiServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode gemini event: %w", err)
	}

	if ev.SetupComplete != nil {
		b.sessionCreatedOnce()
	}
	if ev.GoAway != nil {
		b.log.Warn("gemini requested disconnect", "time_left", ev.GoAway.TimeLeft)
	}

	sc := ev.ServerContent
	if sc == nil {
		return nil
	}
	if sc.InputTranscription != nil {
		b.turn.input.WriteString(sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil {
		b.turn.output.WriteString(sc.OutputTranscription.Text)
	}
	if sc.Interrupted {
		b.interrupt()
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MimeType, "audio/pcm") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return fmt.Errorf("decode gemini audio: %w", err)
			}
			b.pushAudio(pcm)
		}
	}
	if sc.GenerationComplete {
		b.flushAudio()
	}
	if sc.TurnComplete {
		b.completeTurn()
	}
	return nil
}
