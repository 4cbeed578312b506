// ABOUTME: Disc linear PCM framer
// ABOUTME: Collects fixed-size blocks of big-endian 16-bit stereo and swaps them to device order
package iec

import (
	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

const (
	// LPCMBurstSize is 1536 stereo 16-bit sample frames
	LPCMBurstSize = 6144

	// lpcmCountSize is the amount of payload treated as a boundary crossing
	lpcmCountSize = 768
)

// LPCM frames disc linear PCM
type LPCM struct {
	base
	acc []byte
}

// NewLPCM creates a linear PCM framer
func NewLPCM(clock *sync.ClockSync) *LPCM {
	return &LPCM{
		base: base{kind: KindLPCM, burst: LPCMBurstSize, rate: 48000, audio: true, clock: clock},
		acc:  make([]byte, 0, LPCMBurstSize),
	}
}

// SetSampleRate records the rate announced in the sub-stream header
func (l *LPCM) SetSampleRate(rate int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate
}

// Count reports whether p holds enough samples to wake the consumer
func (l *LPCM) Count(p []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(p) >= lpcmCountSize
}

// Frame returns the next block of PCM in device byte order
func (l *LPCM) Frame(c *cursor.Cursor) Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.acc) < LPCMBurstSize {
		w, ok := c.Window(1)
		if !ok {
			return Frame{}
		}
		k := min(LPCMBurstSize-len(l.acc), len(w))
		l.acc = append(l.acc, w[:k]...)
		c.Advance(k)
	}

	out := make([]byte, LPCMBurstSize)
	swab(out, l.acc)
	l.acc = l.acc[:0]
	return l.emitPCM(out)
}

// Clear drops buffered samples
func (l *LPCM) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acc = l.acc[:0]
	l.base.clear()
}

// Reset drops buffered samples
func (l *LPCM) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acc = l.acc[:0]
	l.base.reset()
}
