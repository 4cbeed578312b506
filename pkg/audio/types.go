// ABOUTME: Audio type definitions
// ABOUTME: Defines output formats and sample conversion helpers
package audio

import "time"

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// Codec names carried in Format.Codec
const (
	CodecPCM  = "pcm"
	CodecAC3  = "ac3"
	CodecDTS  = "dts"
	CodecMPEG = "mpeg"
	CodecLPCM = "lpcm"
)

// Format describes what is written to an output device
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int

	// Passthrough is set when the data is IEC 61937 bursts rather than audio
	Passthrough bool
}

// FrameSize returns bytes per sample frame (all channels)
func (f Format) FrameSize() int {
	bits := f.BitDepth
	if bits == 0 {
		bits = 16
	}
	ch := f.Channels
	if ch == 0 {
		ch = 2
	}
	return ch * bits / 8
}

// Frames converts a byte count into sample frames
func (f Format) Frames(bytes int) int {
	return bytes / f.FrameSize()
}

// Duration returns the play time of n sample frames
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	// Left-shift to position 16-bit value in upper bits
	return int32(sample) << 8
}
