package audio

import (
	"math"
	"testing"
)

func TestResampleDecimatesByTwo(t *testing.T) {
	in := []int16{0, 10, 20, 30, 40, 50, 60}
	out := BytesToSamples(Resample(SamplesToBytes(in), 48000, 24000))

	want := []int16{0, 20, 40}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestResampleOutputLength(t *testing.T) {
	tests := []struct {
		n, from, to, want int
	}{
		{n: 4800, from: 48000, to: 24000, want: 2400},
		{n: 1600, from: 16000, to: 24000, want: 2400},
		{n: 3, from: 16000, to: 24000, want: 4},
		{n: 0, from: 48000, to: 24000, want: 0},
		{n: 10, from: 24000, to: 24000, want: 10},
	}
	for _, tc := range tests {
		out := Resample(make([]byte, tc.n*2), tc.from, tc.to)
		if got := len(out) / 2; got != tc.want {
			t.Fatalf("Resample(%d samples, %d->%d) = %d samples, want %d", tc.n, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	out := BytesToSamples(Resample(SamplesToBytes([]int16{0, 300}), 16000, 24000))
	// positions 0, 2/3
	if len(out) != 3 || out[0] != 0 || out[1] != 200 || out[2] != 300 {
		t.Fatalf("out = %v", out)
	}
}

func TestBoostLimitNeverExceedsCeiling(t *testing.T) {
	in := []int16{0, 100, -100, 20000, -20000, math.MaxInt16, math.MinInt16}
	buf := SamplesToBytes(in)
	BoostLimit(buf, 6, 0.89)

	limit := int(math.Floor(0.89 * math.MaxInt16))
	out := BytesToSamples(buf)
	for i, s := range out {
		v := int(s)
		if v > limit || v < -limit {
			t.Fatalf("out[%d] = %d exceeds ceiling %d", i, v, limit)
		}
		if in[i] > 0 && s < 0 || in[i] < 0 && s > 0 {
			t.Fatalf("out[%d] wrapped sign: %d -> %d", i, in[i], s)
		}
	}
	if out[0] != 0 {
		t.Fatalf("silence changed: %d", out[0])
	}
	// +6 dB is roughly x2.
	if out[1] < 198 || out[1] > 201 {
		t.Fatalf("boosted 100 -> %d, want ~200", out[1])
	}
	if int(out[3]) != limit || int(out[4]) != -limit {
		t.Fatalf("loud samples not clamped: %d %d", out[3], out[4])
	}
}

func TestBoostLimitOddLengthLeavesTrailingByte(t *testing.T) {
	buf := append(SamplesToBytes([]int16{1000}), 0x7f)
	BoostLimit(buf, 6, 0.89)
	if buf[2] != 0x7f {
		t.Fatalf("trailing byte modified")
	}
}

func TestMonoKeepsFirstChannel(t *testing.T) {
	stereo := SamplesToBytes([]int16{1, -1, 2, -2, 3, -3})
	got := BytesToSamples(Mono(stereo, 2))
	want := []int16{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
	mono := SamplesToBytes([]int16{7, 8})
	if string(Mono(mono, 1)) != string(mono) {
		t.Fatalf("expected mono input to pass through")
	}
}
