package whisper

import "testing"

func TestPcmToFloat32(t *testing.T) {
	// 0, max positive, min negative as little-endian int16.
	pcm := []byte{0x00, 0x00, 0xff, 0x7f, 0x00, 0x80}
	samples := pcmToFloat32(pcm)
	if len(samples) != 3 {
		t.Fatalf("len = %d, want 3", len(samples))
	}
	if samples[0] != 0 {
		t.Errorf("samples[0] = %g, want 0", samples[0])
	}
	if samples[1] != 32767.0/32768.0 {
		t.Errorf("samples[1] = %g, want %g", samples[1], 32767.0/32768.0)
	}
	if samples[2] != -1.0 {
		t.Errorf("samples[2] = %g, want -1", samples[2])
	}
}

func TestPcmToFloat32OddTrailingByte(t *testing.T) {
	samples := pcmToFloat32([]byte{0x00, 0x01, 0x7f})
	if len(samples) != 1 {
		t.Fatalf("len = %d, want 1 (trailing byte ignored)", len(samples))
	}
}

func TestPcmToFloat32Empty(t *testing.T) {
	if got := pcmToFloat32(nil); len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}
