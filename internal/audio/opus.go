package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacket bounds a single encoded packet; libopus never emits more than this
// for one frame.
const maxOpusPacket = 4000

// FrameEncoder turns one fixed-size PCM frame into one compressed packet.
type FrameEncoder interface {
	Encode(pcm []int16, out []byte) (int, error)
	Reset() error
	Close() error
}

// OpusEncoder is a mono Opus VoIP encoder with a fixed bitrate.
type OpusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	channels   int
	bitrate    int
}

func NewOpusEncoder(sampleRate, channels, bitrate int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	e := &OpusEncoder{enc: enc, sampleRate: sampleRate, channels: channels, bitrate: bitrate}
	if err := e.applyBitrate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OpusEncoder) Encode(pcm []int16, out []byte) (int, error) {
	if e.enc == nil {
		return 0, fmt.Errorf("opus encoder closed")
	}
	return e.enc.Encode(pcm, out)
}

// Reset clears codec history (OPUS_RESET_STATE) so the next packet does not
// depend on audio encoded before the reset.
func (e *OpusEncoder) Reset() error {
	if e.enc == nil {
		return nil
	}
	if err := e.enc.Reset(); err != nil {
		return fmt.Errorf("reset opus encoder: %w", err)
	}
	if e.bitrate <= 0 {
		return nil
	}
	if got, err := e.enc.Bitrate(); err == nil && got == e.bitrate {
		return nil
	}
	return e.applyBitrate()
}

// Bitrate reports the bitrate the codec is currently configured with.
func (e *OpusEncoder) Bitrate() (int, error) {
	if e.enc == nil {
		return 0, fmt.Errorf("opus encoder closed")
	}
	return e.enc.Bitrate()
}

func (e *OpusEncoder) Close() error {
	e.enc = nil
	return nil
}

func (e *OpusEncoder) applyBitrate() error {
	if e.bitrate <= 0 {
		return nil
	}
	if err := e.enc.SetBitrate(e.bitrate); err != nil {
		return fmt.Errorf("set opus bitrate %d: %w", e.bitrate, err)
	}
	return nil
}

// OpusDecoder turns device-bound packets back into PCM16LE. The device simulator
// uses it to play back what a real device would hear.
type OpusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

// NewOpusDecoder sizes its scratch buffer for the longest legal Opus frame (120 ms).
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, buf: make([]int16, sampleRate*channels*120/1000)}, nil
}

// Decode returns the PCM16LE bytes of one packet.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("decode opus packet: %w", err)
	}
	return SamplesToBytes(d.buf[:n]), nil
}
