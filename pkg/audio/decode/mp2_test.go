// ABOUTME: Tests for the layer I and II decoder
// ABOUTME: Covers output length, non-silent output, header rejection and table selection
package decode

import (
	"errors"
	"testing"

	"github.com/Resonate-Protocol/passthru-go/internal/iec/iectest"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
)

func newTestMP2(t *testing.T) *MP2 {
	t.Helper()
	d, err := NewMP2(audio.Format{Codec: audio.CodecMPEG, SampleRate: 48000, Channels: 2, BitDepth: 16})
	if err != nil {
		t.Fatalf("NewMP2: %v", err)
	}
	return d
}

func TestNewMP2RejectsCodec(t *testing.T) {
	if _, err := NewMP2(audio.Format{Codec: audio.CodecAC3}); err == nil {
		t.Error("expected an error for AC-3")
	}
}

func TestMP2Decode(t *testing.T) {
	tests := []struct {
		name    string
		frame   func(byte) []byte
		samples int
	}{
		{"layer II", iectest.MPEGLayer2Tone, 1152},
		{"layer I", iectest.MPEGLayer1Tone, 384},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestMP2(t)
			defer d.Close()

			var loud int
			for i := 0; i < 4; i++ {
				out, err := d.Decode(tt.frame(byte(i)))
				if err != nil {
					t.Fatalf("frame %d: %v", i, err)
				}
				if len(out) != tt.samples*2 {
					t.Fatalf("frame %d: %d samples, want %d", i, len(out), tt.samples*2)
				}
				for j := 0; j < len(out); j += 2 {
					if out[j] != out[j+1] {
						t.Fatalf("mono frame decoded to different channels at %d", j)
					}
					if out[j] > audio.Max24Bit || out[j] < audio.Min24Bit {
						t.Fatalf("sample %d out of range", out[j])
					}
					if out[j]>>8 != 0 {
						loud++
					}
				}
			}
			if loud == 0 {
				t.Error("decoded output is silent")
			}
		})
	}
}

func TestMP2SilentFrame(t *testing.T) {
	// a header with every allocation zero decodes to exact silence
	frame := make([]byte, 384)
	copy(frame, iectest.MPEGHeader(2, 8, 1, false))

	d := newTestMP2(t)
	out, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestMP2DecodeErrors(t *testing.T) {
	d := newTestMP2(t)

	if _, err := d.Decode(iectest.MPEGHeader(3, 9, 1, false)); !errors.Is(err, ErrUnsupportedLayer) {
		t.Errorf("layer III: err = %v", err)
	}
	if _, err := d.Decode([]byte{0x0B, 0x77, 0, 0}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("no sync: err = %v", err)
	}
	if _, err := d.Decode(iectest.MPEGHeader(2, 15, 1, false)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("bad bitrate: err = %v", err)
	}
	if _, err := d.Decode(iectest.MPEGLayer2Tone(0)[:20]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("truncated: err = %v", err)
	}
}

func TestMP2AllocTableSelection(t *testing.T) {
	tests := []struct {
		channels, bitrate, rate int
		want                    *allocTable
	}{
		{1, 8, 1, allocA},  // 128k mono at 48k
		{1, 8, 0, allocB},  // 128k mono at 44.1k
		{1, 2, 1, allocC},  // 48k mono at 48k
		{1, 2, 2, allocD},  // 48k mono at 32k
		{2, 10, 1, allocA}, // 192k stereo at 48k
		{2, 12, 0, allocB}, // 256k stereo at 44.1k
		{2, 4, 1, allocC},  // 64k stereo at 48k
	}

	for _, tt := range tests {
		got := allocByRate[rateClass[tt.channels-1][tt.bitrate-1]][tt.rate]
		if got != tt.want {
			t.Errorf("channels %d bitrate %d rate %d: sblimit %d, want %d",
				tt.channels, tt.bitrate, tt.rate, got.sblimit, tt.want.sblimit)
		}
	}

	if allocA.sblimit != 27 || allocB.sblimit != 30 || allocC.sblimit != 8 || allocD.sblimit != 12 || allocLSF.sblimit != 30 {
		t.Error("unexpected subband limits")
	}
}

func TestRequantize(t *testing.T) {
	tests := []struct {
		code, levels int
		want         float64
	}{
		{0, 3, -2.0 / 3},
		{1, 3, 0},
		{2, 3, 2.0 / 3},
		{0, 5, -0.8},
		{15, 31, 0},
		{0, 65535, -65534.0 / 65535},
	}
	for _, tt := range tests {
		if got := requantize(tt.code, tt.levels); got != tt.want {
			t.Errorf("requantize(%d, %d) = %v, want %v", tt.code, tt.levels, got, tt.want)
		}
	}
}
