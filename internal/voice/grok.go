package voice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/store"
)

const defaultGrokURL = "wss://api.x.ai/v1/realtime"

// Grok adapts a device to the xAI realtime API.
type Grok struct {
	*bridge
}

func NewGrok(cfg ProviderConfig, deps Deps) (*Grok, error) {
	b, err := newBridge(KindGrok, cfg, deps, grokDialect{})
	if err != nil {
		return nil, err
	}
	return &Grok{bridge: b}, nil
}

type grokDialect struct{}

type grokEvent struct {
	Type string `json:"type"`
}

type grokAudioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type grokSessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		Voice         string `json:"voice,omitempty"`
		Instructions  string `json:"instructions"`
		TurnDetection struct {
			Type string `json:"type"`
		} `json:"turn_detection"`
		Audio struct {
			Input struct {
				Format grokAudioFormat `json:"format"`
			} `json:"input"`
			Output struct {
				Format grokAudioFormat `json:"format"`
			} `json:"output"`
		} `json:"audio"`
	} `json:"session"`
}

type grokContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type grokItemCreate struct {
	Type string `json:"type"`
	Item struct {
		Type    string            `json:"type"`
		Role    string            `json:"role"`
		Content []grokContentPart `json:"content"`
	} `json:"item"`
}

type grokAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type grokServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (grokDialect) endpoint(cfg ProviderConfig) (string, http.Header) {
	u := cfg.URL
	if u == "" {
		u = defaultGrokURL
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.APIKey)
	return u, h
}

func (grokDialect) open(b *bridge) error {
	update := grokSessionUpdate{Type: "session.update"}
	update.Session.Voice = b.cfg.Voice
	update.Session.Instructions = b.cfg.SystemPrompt
	update.Session.TurnDetection.Type = "server_vad"
	update.Session.Audio.Input.Format = grokAudioFormat{Type: "audio/pcm", Rate: b.cfg.InputSampleRate}
	update.Session.Audio.Output.Format = grokAudioFormat{Type: "audio/pcm", Rate: b.cfg.OutputSampleRate}
	if err := b.send(update); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}

	if b.cfg.FirstMessage == "" {
		return nil
	}
	item := grokItemCreate{Type: "conversation.item.create"}
	item.Item.Type = "message"
	item.Item.Role = "user"
	item.Item.Content = []grokContentPart{{Type: "input_text", Text: b.cfg.FirstMessage}}
	if err := b.send(item); err != nil {
		return fmt.Errorf("send first message: %w", err)
	}
	return b.send(grokEvent{Type: "response.create"})
}

func (grokDialect) forward(b *bridge, msg protocol.DeviceMessage) error {
	switch msg.Kind {
	case protocol.FrameAudio:
		return b.send(grokAppend{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(msg.Audio),
		})
	case protocol.FrameInstruction:
		switch msg.Instruction {
		case protocol.InstructionEndOfSpeech:
			for _, t := range []string{"input_audio_buffer.commit", "response.create", "input_audio_buffer.clear"} {
				if err := b.send(grokEvent{Type: t}); err != nil {
					return fmt.Errorf("send %s: %w", t, err)
				}
			}
		case protocol.InstructionInterrupt:
			return b.send(grokEvent{Type: "input_audio_buffer.clear"})
		}
	}
	return nil
}

func (grokDialect) handle(b *bridge, raw []byte) error {
	var ev grokServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode grok event: %w", err)
	}

	switch ev.Type {
	case "session.created":
		b.sessionCreatedOnce()
	case "response.created":
		b.beginTurn()
	case "response.output_audio.delta", "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return fmt.Errorf("decode grok audio: %w", err)
		}
		b.pushAudio(pcm)
	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		b.turn.output.WriteString(ev.Delta)
	case "conversation.item.input_audio_transcription.completed":
		b.record(store.RoleUser, ev.Transcript)
	case "input_audio_buffer.committed":
		b.sendJSON(protocol.NewServerMessage(protocol.MsgAudioCommitted))
	case "response.done":
		b.completeTurn()
	case "error":
		detail := "provider error"
		if ev.Error != nil && ev.Error.Message != "" {
			detail = ev.Error.Message
		}
		b.failTurn(detail)
	default:
		b.log.Debug("ignoring grok event", "type", ev.Type)
	}
	return nil
}
