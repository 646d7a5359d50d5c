package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ServerMsg identifies the control events sent to the device.
type ServerMsg string

const (
	MsgResponseCreated  ServerMsg = "RESPONSE.CREATED"
	MsgResponseComplete ServerMsg = "RESPONSE.COMPLETE"
	MsgResponseError    ServerMsg = "RESPONSE.ERROR"
	MsgSessionCreated   ServerMsg = "SESSION.CREATED"
	MsgSessionEnd       ServerMsg = "SESSION.END"
	MsgAudioCommitted   ServerMsg = "AUDIO.COMMITTED"
)

const (
	TypeServer      = "server"
	TypeInstruction = "instruction"
)

// Instruction values a device may send in a text frame.
const (
	InstructionEndOfSpeech = "end_of_speech"
	InstructionInterrupt   = "INTERRUPT"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyFrame      = errors.New("empty frame")
)

// ServerMessage is the only JSON shape the device receives.
type ServerMessage struct {
	Type          string    `json:"type"`
	Msg           ServerMsg `json:"msg"`
	VolumeControl *int      `json:"volume_control,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func NewServerMessage(msg ServerMsg) ServerMessage {
	return ServerMessage{Type: TypeServer, Msg: msg}
}

// ResponseCreated carries the playback volume the device should apply for the turn.
func ResponseCreated(volume int) ServerMessage {
	m := NewServerMessage(MsgResponseCreated)
	m.VolumeControl = &volume
	return m
}

func ResponseError(detail string) ServerMessage {
	m := NewServerMessage(MsgResponseError)
	m.Error = detail
	return m
}

// FrameKind distinguishes the two websocket frame families a device sends.
type FrameKind int

const (
	FrameAudio FrameKind = iota + 1
	FrameInstruction
)

// DeviceMessage is one inbound device frame. Audio carries PCM16LE mono at
// 16 kHz; Instruction carries the parsed instruction text.
type DeviceMessage struct {
	Kind        FrameKind
	Audio       []byte
	Instruction string
}

func AudioFrame(pcm []byte) DeviceMessage {
	return DeviceMessage{Kind: FrameAudio, Audio: pcm}
}

func InstructionFrame(msg string) DeviceMessage {
	return DeviceMessage{Kind: FrameInstruction, Instruction: msg}
}

type instructionEnvelope struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// ParseDeviceText decodes a text frame. Only {"type":"instruction"} payloads are
// accepted; everything else yields ErrUnsupportedType and is ignored by callers.
func ParseDeviceText(raw []byte) (DeviceMessage, error) {
	if len(raw) == 0 {
		return DeviceMessage{}, ErrEmptyFrame
	}
	var env instructionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return DeviceMessage{}, fmt.Errorf("invalid device frame: %w", err)
	}
	if env.Type != TypeInstruction || env.Msg == "" {
		return DeviceMessage{}, ErrUnsupportedType
	}
	return InstructionFrame(env.Msg), nil
}
