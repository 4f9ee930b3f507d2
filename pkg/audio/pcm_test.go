package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/parleyvoice/parley/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDecodePCM16(t *testing.T) {
	in := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got := audio.DecodePCM16(in)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16_OddTrailingByte(t *testing.T) {
	in := append(samplesToBytes([]int16{1000, -1000}), 0x7f)
	got := audio.DecodePCM16(in)
	if len(got) != 2 {
		t.Fatalf("expected trailing odd byte to be dropped, got %d samples", len(got))
	}
}

func TestDecodePCM16_Empty(t *testing.T) {
	if got := audio.DecodePCM16(nil); len(got) != 0 {
		t.Errorf("expected no samples from empty input, got %d", len(got))
	}
	if got := audio.DecodePCM16([]byte{0x01}); len(got) != 0 {
		t.Errorf("expected no samples from a single byte, got %d", len(got))
	}
}

func TestEncodePCM16_RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 12345, -12345, 32767, -32768}
	decoded := audio.DecodePCM16(samplesToBytes(samples))
	encoded := audio.EncodePCM16(decoded)
	again := audio.DecodePCM16(encoded)
	if len(again) != len(decoded) {
		t.Fatalf("length mismatch: got %d, want %d", len(again), len(decoded))
	}
	for i := range decoded {
		diff := again[i] - decoded[i]
		if diff < 0 {
			diff = -diff
		}
		// One quantization step of tolerance.
		if diff > 1.0/32768.0 {
			t.Errorf("sample %d: got %v, want %v", i, again[i], decoded[i])
		}
	}
}

func TestEncodePCM16_Clamping(t *testing.T) {
	out := audio.EncodePCM16([]float32{2.0, -2.0})
	got := int16(binary.LittleEndian.Uint16(out))
	if got != 32767 {
		t.Errorf("positive overflow: got %d, want 32767", got)
	}
	got = int16(binary.LittleEndian.Uint16(out[2:]))
	if got != -32767 {
		t.Errorf("negative overflow: got %d, want -32767", got)
	}
}

func TestFrameDuration(t *testing.T) {
	f := audio.Frame{Samples: make([]float32, 24000), SampleRate: 24000}
	if got := f.Duration().Seconds(); got != 1.0 {
		t.Errorf("got %v seconds, want 1", got)
	}
	empty := audio.Frame{SampleRate: 0}
	if got := empty.Duration(); got != 0 {
		t.Errorf("zero sample rate: got %v, want 0", got)
	}
}
