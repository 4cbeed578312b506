// ABOUTME: Audio output package for playing audio
// ABOUTME: Provides the Device and Session interfaces with oto and simulated backends
// Package output provides playback devices.
//
// A Device opens a Session for one stream. Sessions take interleaved
// stereo 16-bit frames, which is also how IEC 61937 bursts travel, and
// expose the queue state the pump needs for pacing.
//
// Example:
//
//	dev := output.NewOto()
//	s, err := dev.Open(format, 1536, 10)
//	n, err := s.Write(burst)
package output
