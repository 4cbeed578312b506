// ABOUTME: Streaming decoder interface used by the MPEG audio framer
// ABOUTME: Frames go in one at a time and interleaved 24-bit samples come out
package decode

// Decoder turns compressed frames into interleaved stereo samples, left-justified in 24 bits.
// A decoder may lag its input, so one call can return fewer samples than the frame holds.
type Decoder interface {
	Decode(frame []byte) ([]int32, error)
	Close() error
}

var _ Decoder = (*MPEG)(nil)
