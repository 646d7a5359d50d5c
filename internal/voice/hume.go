package voice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/protocol"
)

const (
	defaultHumeURL = "wss://api.hume.ai/v0/evi/chat"

	humeGainDB  = 6.0
	humeCeiling = 0.89
)

// Hume adapts a device to the Hume EVI chat API. EVI returns WAV chunks that are
// resampled and boosted before packetizing.
type Hume struct {
	*bridge
}

func NewHume(cfg ProviderConfig, deps Deps) (*Hume, error) {
	b, err := newBridge(KindHume, cfg, deps, humeDialect{})
	if err != nil {
		return nil, err
	}
	return &Hume{bridge: b}, nil
}

type humeDialect struct{}

type humeSessionSettings struct {
	Type  string `json:"type"`
	Audio struct {
		Encoding   string `json:"encoding"`
		Channels   int    `json:"channels"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type humeUserInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type humeAudioInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// humeEvent carries every server event. message is an object for chat messages
// and a plain string on errors.
type humeEvent struct {
	Type     string          `json:"type"`
	Data     string          `json:"data"`
	Message  json.RawMessage `json:"message"`
	FromText bool            `json:"from_text"`
	Code     string          `json:"code"`
	Reason   string          `json:"reason"`
	ChatID   string          `json:"chat_id"`
}

type humeChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (e humeEvent) chatContent() string {
	var m humeChatMessage
	if err := json.Unmarshal(e.Message, &m); err != nil {
		return ""
	}
	return m.Content
}

func (e humeEvent) errorText() string {
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil && s != "" {
		return s
	}
	if e.Code != "" {
		return e.Code
	}
	return "provider error"
}

func (humeDialect) endpoint(cfg ProviderConfig) (string, http.Header) {
	base := cfg.URL
	if base == "" {
		base = defaultHumeURL
	}
	q := url.Values{}
	q.Set("api_key", cfg.APIKey)
	if cfg.Voice != "" {
		q.Set("config_id", cfg.Voice)
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode(), http.Header{}
}

func (humeDialect) open(b *bridge) error {
	settings := humeSessionSettings{Type: "session_settings", SystemPrompt: b.cfg.SystemPrompt}
	settings.Audio.Encoding = "linear16"
	settings.Audio.Channels = 1
	settings.Audio.SampleRate = b.cfg.InputSampleRate
	if err := b.send(settings); err != nil {
		return fmt.Errorf("send session_settings: %w", err)
	}
	if strings.TrimSpace(b.cfg.FirstMessage) == "" {
		return nil
	}
	if err := b.send(humeUserInput{Type: "user_input", Text: b.cfg.FirstMessage}); err != nil {
		return fmt.Errorf("send first message: %w", err)
	}
	return nil
}

func (humeDialect) forward(b *bridge, msg protocol.DeviceMessage) error {
	switch msg.Kind {
	case protocol.FrameAudio:
		return b.send(humeAudioInput{Type: "audio_input", Data: base64.StdEncoding.EncodeToString(msg.Audio)})
	case protocol.FrameInstruction:
		// EVI runs its own turn detection.
		b.log.Debug("ignoring device instruction", "instruction", msg.Instruction)
	}
	return nil
}

func (humeDialect) handle(b *bridge, raw []byte) error {
	var ev humeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode hume event: %w", err)
	}

	switch ev.Type {
	case "chat_metadata", "session_created":
		b.sessionCreatedOnce()
	case "audio_output":
		pcm, err := decodeHumeAudio(ev.Data, b.cfg.OutputSampleRate)
		if err != nil {
			return err
		}
		b.pushAudio(pcm)
	case "assistant_message":
		b.turn.output.WriteString(ev.chatContent())
	case "user_message":
		if !ev.FromText {
			b.turn.input.WriteString(ev.chatContent())
		}
	case "user_interruption":
		b.interrupt()
	case "assistant_end":
		b.completeTurn()
	case "session_ended":
		b.log.Info("hume session ended", "reason", ev.Reason)
		b.endSession()
	case "error":
		b.failTurn(ev.errorText())
	default:
		b.log.Debug("ignoring hume event", "type", ev.Type)
	}
	return nil
}

// decodeHumeAudio turns a base64 WAV chunk into boosted mono PCM at outRate.
func decodeHumeAudio(data string, outRate int) ([]byte, error) {
	wav, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode hume audio: %w", err)
	}
	pcm, format, err := audio.ExtractPCM(wav)
	if err != nil {
		return nil, fmt.Errorf("hume audio: %w", err)
	}
	// Resample always copies, so boosting never touches the decoded buffer.
	pcm = audio.Resample(audio.Mono(pcm, format.Channels), format.SampleRate, outRate)
	audio.BoostLimit(pcm, humeGainDB, humeCeiling)
	return pcm, nil
}
