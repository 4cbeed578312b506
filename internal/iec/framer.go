// ABOUTME: Framer interface and the per-session set of format framers
// ABOUTME: One instance of each variant is owned by a Set and reset on discontinuity
package iec

import (
	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

// Kind identifies a framer variant
type Kind int

const (
	KindAC3 Kind = iota
	KindDTS
	KindMPEG
	KindLPCM
)

func (k Kind) String() string {
	switch k {
	case KindAC3:
		return "AC3"
	case KindDTS:
		return "DTS"
	case KindMPEG:
		return "MPEG"
	case KindLPCM:
		return "LPCM"
	default:
		return "unknown"
	}
}

// Framer turns an elementary stream into device frames.
type Framer interface {
	Kind() Kind

	// Count reports, without consuming, whether a frame ends within p
	Count(p []byte) bool

	// Frame consumes input from c and returns the next complete frame,
	// or an empty Frame when more input is needed
	Frame(c *cursor.Cursor) Frame

	// Special builds a synthetic frame of the current burst size
	Special(s Special) Frame

	// Last returns the most recently emitted frame for repeats
	Last() Frame

	SetErr()
	ClearErr()

	// Reset drops all scanning state and the clock
	Reset()

	// Clear drops the frame being assembled, the last frame and the
	// clock. Boundary counting on the producer side is left alone.
	Clear()

	BurstSize() int
	SampleRate() int

	// Audio reports whether frames are linear PCM rather than bursts
	Audio() bool

	Clock() *sync.ClockSync
	Track() byte
	IsDVD() bool
	SetTrack(track byte, dvd bool)
}

// Config selects framer behavior
type Config struct {
	MPEGMode MPEGMode
}

// Set owns one framer of each kind for a pipeline session
type Set struct {
	AC3  *AC3
	DTS  *DTS
	MPEG *MPEG
	LPCM *LPCM
}

// NewSet creates the framers, each with its own clock synchronizer
func NewSet(clock sync.Clock, ref sync.STCSource, cfg Config) *Set {
	return &Set{
		AC3:  NewAC3(sync.NewClockSync(clock, ref)),
		DTS:  NewDTS(sync.NewClockSync(clock, ref)),
		MPEG: NewMPEG(sync.NewClockSync(clock, ref), cfg.MPEGMode),
		LPCM: NewLPCM(sync.NewClockSync(clock, ref)),
	}
}

// ByKind returns the framer for k
func (s *Set) ByKind(k Kind) Framer {
	switch k {
	case KindAC3:
		return s.AC3
	case KindDTS:
		return s.DTS
	case KindMPEG:
		return s.MPEG
	case KindLPCM:
		return s.LPCM
	}
	return nil
}

// All returns every framer in the set
func (s *Set) All() []Framer {
	return []Framer{s.AC3, s.DTS, s.MPEG, s.LPCM}
}

// SetReference points every framer's clock at ref
func (s *Set) SetReference(ref sync.STCSource) {
	for _, f := range s.All() {
		f.Clock().SetReference(ref)
	}
}

// Close releases decoder resources
func (s *Set) Close() {
	s.MPEG.Close()
}
