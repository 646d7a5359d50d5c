package audio

import (
	"encoding/binary"
	"math"
)

// Resample converts PCM16LE mono from one fixed rate to another by linear
// interpolation at integer source positions. Output holds floor(n*to/from) samples,
// so 48 kHz -> 24 kHz is an exact 2:1 decimation.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	n := len(pcm) / 2
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		out := make([]byte, n*2)
		copy(out, pcm)
		return out
	}

	outLen := n * toRate / fromRate
	out := make([]byte, outLen*2)
	for i := 0; i < outLen; i++ {
		num := i * fromRate
		idx := num / toRate
		rem := num % toRate

		s0 := sampleAt(pcm, idx)
		v := s0
		if rem != 0 && idx+1 < n {
			s1 := sampleAt(pcm, idx+1)
			v = s0 + (s1-s0)*rem/toRate
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func sampleAt(pcm []byte, i int) int {
	return int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
}

// BoostLimit scales PCM16LE samples in buf by gainDB and clamps each one to
// ceiling*32767. It mutates buf; the caller keeps ownership.
func BoostLimit(buf []byte, gainDB, ceiling float64) {
	if ceiling <= 0 || ceiling > 1 {
		ceiling = 1
	}
	gain := math.Pow(10, gainDB/20)
	limit := math.Floor(ceiling * math.MaxInt16)

	for i := 0; i+1 < len(buf); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(buf[i:])))
		v := math.Round(s * gain)
		if v > limit {
			v = limit
		} else if v < -limit {
			v = -limit
		}
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(v)))
	}
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Mono keeps the first channel of interleaved PCM16LE.
func Mono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := 2 * channels
	out := make([]byte, 0, len(pcm)/channels)
	for i := 0; i+stride <= len(pcm); i += stride {
		out = append(out, pcm[i], pcm[i+1])
	}
	return out
}
