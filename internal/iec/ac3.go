// ABOUTME: AC-3 (Dolby Digital) framer
// ABOUTME: Sizes frames from the bit-rate and sample-rate code table and wraps them in bursts
package iec

import (
	"log"

	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

const (
	ac3Magic     = 0x0B77
	ac3HeaderLen = 6

	// AC3BurstSize carries 1536 samples of stereo 16-bit
	AC3BurstSize = 6144
)

var ac3Rates = [3]int{48000, 44100, 32000}

var ac3Bitrates = [19]int{
	32, 40, 48, 56, 64, 80, 96, 112, 128, 160,
	192, 224, 256, 320, 384, 448, 512, 576, 640,
}

// 16-bit words per frame at 44.1 kHz without padding
var ac3Words44 = [19]int{
	69, 87, 104, 121, 139, 174, 208, 243, 278, 348,
	417, 487, 557, 696, 835, 975, 1114, 1253, 1393,
}

type ac3Info struct {
	size  int
	rate  int
	bsmod byte
}

// ac3FrameSize returns the frame size in bytes for a frame size code and sample rate code
func ac3FrameSize(frmsizecod, fscod int) int {
	if fscod > 2 || frmsizecod < 0 || frmsizecod >= 2*len(ac3Bitrates) {
		return 0
	}
	br := ac3Bitrates[frmsizecod>>1]
	switch fscod {
	case 0:
		return 4 * br
	case 1:
		return 2 * (ac3Words44[frmsizecod>>1] + frmsizecod&1)
	default:
		return 6 * br
	}
}

func parseAC3(h []byte) (ac3Info, bool) {
	fscod := int(h[4] >> 6)
	size := ac3FrameSize(int(h[4]&0x3F), fscod)
	if size == 0 {
		return ac3Info{}, false
	}
	// bsid above 10 is E-AC-3 or unknown
	if h[5]>>3 > 10 {
		return ac3Info{}, false
	}
	return ac3Info{size: size, rate: ac3Rates[fscod], bsmod: h[5] & 0x07}, true
}

// AC3 frames an AC-3 elementary stream
type AC3 struct {
	base
	sc   scanner
	cnt  counter
	info ac3Info
}

// NewAC3 creates an AC-3 framer
func NewAC3(clock *sync.ClockSync) *AC3 {
	a := &AC3{
		base: base{kind: KindAC3, burst: AC3BurstSize, rate: 48000, clock: clock},
		sc:   newScanner(ac3Magic, 0xFFFF, 2, 4096),
	}
	a.cnt = counter{magic: ac3Magic, mask: 0xFFFF, syncLen: 2, hdrLen: ac3HeaderLen, parse: func(h []byte) (int, bool) {
		info, ok := parseAC3(h)
		return info.size, ok
	}}
	return a
}

// Count reports whether an AC-3 frame ends within p
func (a *AC3) Count(p []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cnt.count(p)
}

// Frame returns the next AC-3 burst
func (a *AC3) Frame(c *cursor.Cursor) Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if !a.sc.synced() && !a.sc.sync(c) {
			return Frame{}
		}
		if a.info.size == 0 {
			if !a.sc.fill(c, ac3HeaderLen) {
				return Frame{}
			}
			info, ok := parseAC3(a.sc.acc)
			if !ok {
				log.Printf("AC3: invalid frame header %#x %#x, resync", a.sc.acc[4], a.sc.acc[5])
				a.sc.resync()
				continue
			}
			a.info = info
			a.rate = info.rate
		}
		if !a.sc.fill(c, a.info.size) {
			return Frame{}
		}

		f := a.emit(typeAC3|uint16(a.info.bsmod)<<8, a.sc.acc[:a.info.size], AC3BurstSize)
		a.sc.done()
		a.info = ac3Info{}
		return f
	}
}

// Clear drops the frame in progress
func (a *AC3) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sc.reset()
	a.info = ac3Info{}
	a.base.clear()
}

// Reset drops all scanning state
func (a *AC3) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sc.reset()
	a.cnt.reset()
	a.info = ac3Info{}
	a.base.reset()
}
