package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidWAV     = errors.New("invalid wav container")
	ErrUnsupportedWAV = errors.New("unsupported wav encoding")
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Format describes the PCM layout found in a WAV fmt chunk.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ExtractPCM returns the linear PCM payload of a 16-bit PCM WAV buffer.
// The returned slice aliases wav. A malformed container yields ErrInvalidWAV and a
// non-16-bit or non-PCM encoding yields ErrUnsupportedWAV; callers drop the chunk.
func ExtractPCM(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format  Format
		haveFmt bool
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			tag := binary.LittleEndian.Uint16(wav[body : body+2])
			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(wav[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(wav[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(wav[body+14 : body+16])),
			}
			if tag == wavFormatExtensible {
				// cbSize(2) validBits(2) channelMask(4) then the subformat GUID whose first
				// two bytes carry the real format tag.
				if size < 40 || body+26 > len(wav) {
					return nil, Format{}, fmt.Errorf("%w: short extensible fmt chunk", ErrInvalidWAV)
				}
				tag = binary.LittleEndian.Uint16(wav[body+24 : body+26])
			}
			if tag != wavFormatPCM {
				return nil, Format{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedWAV, tag)
			}
			if format.BitsPerSample != 16 {
				return nil, Format{}, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedWAV, format.BitsPerSample)
			}
			if format.Channels <= 0 || format.SampleRate <= 0 {
				return nil, Format{}, fmt.Errorf("%w: bad channel count or sample rate", ErrInvalidWAV)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			// Streaming encoders write 0xFFFFFFFF or a stale length; take what is there.
			if size < 0 || end > len(wav) || end < body {
				end = len(wav)
			}
			blockAlign := format.Channels * 2
			n := (end - body) / blockAlign * blockAlign
			return wav[body : body+n], format, nil
		}

		next := body + size
		if size%2 == 1 {
			next++
		}
		if next <= off || next > len(wav) {
			break
		}
		off = next
	}
	if !haveFmt {
		return nil, Format{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	return nil, Format{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) []byte {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	dataSize := uint32(len(pcm))

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*numChannels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(numChannels*bitsPerSample/8))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)
	return buf.Bytes()
}
