package audio

import (
	"fmt"
	"time"
)

// PacketizerConfig fixes the frame geometry for one session.
type PacketizerConfig struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
	Bitrate       int
}

// DefaultPacketizerConfig is the device playback format: 24 kHz mono, 120 ms frames,
// 12 kbps.
func DefaultPacketizerConfig() PacketizerConfig {
	return PacketizerConfig{
		SampleRate:    24000,
		Channels:      1,
		FrameDuration: 120 * time.Millisecond,
		Bitrate:       12000,
	}
}

// FrameSamples is the per-channel sample count of one frame.
func (c PacketizerConfig) FrameSamples() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// FrameBytes is the PCM16 byte length of one frame.
func (c PacketizerConfig) FrameBytes() int {
	return c.FrameSamples() * c.Channels * 2
}

// Packetizer buffers PCM16LE and emits one encoded packet per complete frame.
// It is not safe for concurrent use; one goroutine owns it.
type Packetizer struct {
	cfg        PacketizerConfig
	enc        FrameEncoder
	sink       func(packet []byte) error
	frameBytes int
	carry      []byte
	samples    []int16
	out        []byte
	closed     bool
}

// NewPacketizer builds a Packetizer backed by a real Opus encoder.
func NewPacketizer(cfg PacketizerConfig, sink func(packet []byte) error) (*Packetizer, error) {
	enc, err := NewOpusEncoder(cfg.SampleRate, cfg.Channels, cfg.Bitrate)
	if err != nil {
		return nil, err
	}
	return NewPacketizerWithEncoder(cfg, enc, sink), nil
}

func NewPacketizerWithEncoder(cfg PacketizerConfig, enc FrameEncoder, sink func(packet []byte) error) *Packetizer {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	frameBytes := cfg.FrameBytes()
	return &Packetizer{
		cfg:        cfg,
		enc:        enc,
		sink:       sink,
		frameBytes: frameBytes,
		carry:      make([]byte, 0, frameBytes*2),
		samples:    make([]int16, frameBytes/2),
		out:        make([]byte, maxOpusPacket),
	}
}

// Push appends pcm and emits every complete frame in order. Any remainder is kept
// for the next call.
func (p *Packetizer) Push(pcm []byte) error {
	if p.closed || len(pcm) == 0 {
		return nil
	}
	p.carry = append(p.carry, pcm...)

	off := 0
	for len(p.carry)-off >= p.frameBytes {
		if err := p.emit(p.carry[off : off+p.frameBytes]); err != nil {
			p.carry = append(p.carry[:0], p.carry[off+p.frameBytes:]...)
			return err
		}
		off += p.frameBytes
	}
	if off > 0 {
		p.carry = append(p.carry[:0], p.carry[off:]...)
	}
	return nil
}

// Flush zero-pads and emits a trailing partial frame, if any. With reset the encoder
// starts the next stream from a clean state.
func (p *Packetizer) Flush(reset bool) error {
	if p.closed {
		return nil
	}
	var err error
	if len(p.carry) > 0 {
		frame := make([]byte, p.frameBytes)
		copy(frame, p.carry)
		p.carry = p.carry[:0]
		err = p.emit(frame)
	}
	if reset {
		if rerr := p.enc.Reset(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// Reset drops buffered audio and encoder history without emitting anything.
func (p *Packetizer) Reset() error {
	if p.closed {
		return nil
	}
	p.carry = p.carry[:0]
	return p.enc.Reset()
}

// Buffered reports the number of PCM bytes waiting for a full frame.
func (p *Packetizer) Buffered() int {
	return len(p.carry)
}

func (p *Packetizer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.carry = nil
	return p.enc.Close()
}

func (p *Packetizer) emit(frame []byte) error {
	for i := range p.samples {
		p.samples[i] = int16(uint16(frame[i*2]) | uint16(frame[i*2+1])<<8)
	}
	n, err := p.enc.Encode(p.samples, p.out)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if n <= 0 {
		return nil
	}
	packet := make([]byte, n)
	copy(packet, p.out[:n])
	return p.sink(packet)
}
