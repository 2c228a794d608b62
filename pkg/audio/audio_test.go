package audio

import (
	"math"
	"testing"
	"time"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Data: make([]byte, 320), SampleRate: 8000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Fatalf("duration: got %v, want 20ms", got)
	}
	if got := (Frame{}).Duration(); got != 0 {
		t.Fatalf("zero frame duration: got %v", got)
	}
}

func TestFrameBytes(t *testing.T) {
	cases := []struct {
		rate, ms, want int
	}{
		{8000, 20, 320},
		{16000, 20, 640},
		{8000, 10, 160},
		{48000, 30, 2880},
	}
	for _, c := range cases {
		if got := FrameBytes(c.rate, c.ms); got != c.want {
			t.Errorf("FrameBytes(%d, %d) = %d, want %d", c.rate, c.ms, got, c.want)
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	in := pcmFromSamples([]int16{100, -100, 2000, -2000})
	out := ResampleMono16(in, 8000, 8000)
	if len(out) != len(in) {
		t.Fatalf("identity resample changed length: %d -> %d", len(in), len(out))
	}
}

func TestResampleUpsampleLength(t *testing.T) {
	in := make([]byte, 320) // 160 samples, 20ms at 8kHz
	out := ResampleMono16(in, 8000, 16000)
	if len(out) != 640 {
		t.Fatalf("8k->16k: got %d bytes, want 640", len(out))
	}
}

func TestResamplePreservesConstantSignal(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 1234
	}
	out := samplesFromPCM(ResampleMono16(pcmFromSamples(samples), 8000, 24000))
	for i, s := range out {
		if s != 1234 {
			t.Fatalf("sample %d: got %d, want 1234", i, s)
		}
	}
}

func TestResampleSineRoughShape(t *testing.T) {
	// A 400 Hz tone upsampled 8k->16k must keep its peak amplitude within a
	// few percent; linear interpolation only smooths between neighbours.
	const n = 800
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(10000 * math.Sin(2*math.Pi*400*float64(i)/8000))
	}
	out := samplesFromPCM(ResampleMono16(pcmFromSamples(samples), 8000, 16000))

	var peak int16
	for _, s := range out {
		if s > peak {
			peak = s
		}
	}
	if peak < 9500 || peak > 10100 {
		t.Fatalf("peak after resample: got %d, want ~10000", peak)
	}
}

func TestUlawRoundtripMonotone(t *testing.T) {
	// G.711 is lossy; verify the decoded value stays within the quantisation
	// step of the original for a sweep of magnitudes.
	for _, v := range []int16{0, 1, 7, 95, 300, 1000, 8000, 20000, 32000} {
		enc := encodeUlaw(v)
		dec := decodeUlaw(enc)
		diff := int32(v) - int32(dec)
		if diff < 0 {
			diff = -diff
		}
		// Quantisation step grows with magnitude; 1/16 of magnitude + slack.
		limit := int32(v)/16 + 40
		if diff > limit {
			t.Errorf("ulaw roundtrip %d -> %d (diff %d > %d)", v, dec, diff, limit)
		}
		// Sign must be preserved.
		if neg := decodeUlaw(encodeUlaw(-v)); v != 0 && neg > 0 {
			t.Errorf("ulaw sign lost for -%d: got %d", v, neg)
		}
	}
}

func TestAlawRoundtripMonotone(t *testing.T) {
	for _, v := range []int16{0, 16, 96, 300, 1000, 8000, 20000, 32000} {
		enc := encodeAlaw(v)
		dec := decodeAlaw(enc)
		diff := int32(v) - int32(dec)
		if diff < 0 {
			diff = -diff
		}
		limit := int32(v)/16 + 80
		if diff > limit {
			t.Errorf("alaw roundtrip %d -> %d (diff %d > %d)", v, dec, diff, limit)
		}
	}
}

func TestG711PayloadHelpers(t *testing.T) {
	pcm := pcmFromSamples([]int16{0, 1000, -1000, 30000})
	if got := len(EncodeUlaw(pcm)); got != 4 {
		t.Fatalf("EncodeUlaw length: got %d, want 4", got)
	}
	if got := len(DecodeUlaw(EncodeUlaw(pcm))); got != len(pcm) {
		t.Fatalf("DecodeUlaw length: got %d, want %d", got, len(pcm))
	}
	if got := len(DecodeAlaw(EncodeAlaw(pcm))); got != len(pcm) {
		t.Fatalf("DecodeAlaw length: got %d, want %d", got, len(pcm))
	}
}
