// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format and sample conversion functions
// Package audio provides the types shared by decoders and output devices.
//
// Format describes what is written to a device: either linear PCM or
// IEC 61937 bursts carrying a compressed stream (Passthrough set). Both
// travel as stereo 16-bit frames.
//
// Example:
//
//	format := audio.Format{
//	    Codec:       audio.CodecAC3,
//	    SampleRate:  48000,
//	    Channels:    2,
//	    BitDepth:    16,
//	    Passthrough: true,
//	}
//	frames := format.Frames(6144) // 1536
package audio
