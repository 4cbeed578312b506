// ABOUTME: Device time reference derived from transport stream PCR values
// ABOUTME: Extrapolates the last program clock reference with the wall clock
package sync

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoReference is returned before the first PCR arrives
	ErrNoReference = errors.New("no clock reference received")

	// ErrStaleReference is returned when PCRs stopped arriving
	ErrStaleReference = errors.New("clock reference is stale")
)

// pcrStaleAfter is how long a PCR is extrapolated before it is considered lost
const pcrStaleAfter = 5 * time.Second

// PCRClock implements STCSource from program clock references
type PCRClock struct {
	mu    sync.Mutex
	clock Clock
	base  uint64 // 90 kHz ticks
	at    time.Time
	valid bool
	count int64
}

// NewPCRClock creates a PCR-driven reference
func NewPCRClock(clock Clock) *PCRClock {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PCRClock{clock: clock}
}

// Update records a 27 MHz PCR value
func (p *PCRClock) Update(pcr27 uint64) {
	p.mu.Lock()
	p.base = (pcr27 / 300) & ptsMask
	p.at = p.clock.Now()
	p.valid = true
	p.count++
	p.mu.Unlock()
}

// Reset forgets the last reference
func (p *PCRClock) Reset() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}

// STC returns the extrapolated reference in 90 kHz ticks
func (p *PCRClock) STC() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid {
		return 0, ErrNoReference
	}
	elapsed := p.clock.Now().Sub(p.at)
	if elapsed > pcrStaleAfter {
		return 0, ErrStaleReference
	}
	return Add(p.base, elapsed.Microseconds()*TicksPerMS/1000), nil
}

// Count returns the number of PCR updates received
func (p *PCRClock) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// ParsePCR extracts the 27 MHz PCR from a TS packet's adaptation field.
func ParsePCR(pkt []byte) (uint64, bool) {
	if len(pkt) < 12 || pkt[0] != 0x47 {
		return 0, false
	}
	afc := (pkt[3] & 0x30) >> 4
	if afc != 2 && afc != 3 {
		return 0, false
	}
	if pkt[4] < 7 || pkt[5]&0x10 == 0 {
		return 0, false
	}
	b := pkt[6:12]
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4])>>7
	ext := uint64(b[4]&0x01)<<8 | uint64(b[5])
	return base*300 + ext, true
}
