// ABOUTME: DTS coherent acoustics framer
// ABOUTME: Reads frame length and block count from the core header and wraps frames in bursts
package iec

import (
	"log"

	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

const (
	dtsMagic     = 0x7FFE8001
	dtsHeaderLen = 10
)

type dtsInfo struct {
	size  int
	burst int
	pc    uint16
	rate  int
}

func dtsRate(sfreq byte) int {
	switch sfreq {
	case 3:
		return 32000
	case 8:
		return 44100
	case 13:
		return 48000
	}
	return 0
}

func parseDTS(h []byte) (dtsInfo, bool) {
	nblks := (int(h[4]&0x01)<<6 | int(h[5]>>2)) + 1
	fsize := (int(h[5]&0x03)<<12 | int(h[6])<<4 | int(h[7]>>4)) + 1
	rate := dtsRate((h[8] >> 2) & 0x0F)

	var pc uint16
	samples := nblks * 32
	switch samples {
	case 512:
		pc = typeDTS1
	case 1024:
		pc = typeDTS2
	case 2048:
		pc = typeDTS3
	default:
		return dtsInfo{}, false
	}

	burst := samples * 4
	if fsize < 96 || fsize > burst-HeaderSize || rate == 0 {
		return dtsInfo{}, false
	}
	return dtsInfo{size: fsize, burst: burst, pc: pc, rate: rate}, true
}

// DTS frames a DTS elementary stream
type DTS struct {
	base
	sc   scanner
	cnt  counter
	info dtsInfo
}

// NewDTS creates a DTS framer
func NewDTS(clock *sync.ClockSync) *DTS {
	d := &DTS{
		base: base{kind: KindDTS, burst: 2048, rate: 48000, clock: clock},
		sc:   newScanner(dtsMagic, 0xFFFFFFFF, 4, 8192),
	}
	d.cnt = counter{magic: dtsMagic, mask: 0xFFFFFFFF, syncLen: 4, hdrLen: dtsHeaderLen, parse: func(h []byte) (int, bool) {
		info, ok := parseDTS(h)
		if ok {
			d.burst = info.burst
			d.rate = info.rate
		}
		return info.size, ok
	}}
	return d
}

// Count reports whether a DTS frame ends within p
func (d *DTS) Count(p []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cnt.count(p)
}

// Frame returns the next DTS burst
func (d *DTS) Frame(c *cursor.Cursor) Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if !d.sc.synced() && !d.sc.sync(c) {
			return Frame{}
		}
		if d.info.size == 0 {
			if !d.sc.fill(c, dtsHeaderLen) {
				return Frame{}
			}
			info, ok := parseDTS(d.sc.acc)
			if !ok {
				log.Printf("DTS: invalid frame header, resync")
				d.sc.resync()
				continue
			}
			d.info = info
			d.burst = info.burst
			d.rate = info.rate
		}
		if !d.sc.fill(c, d.info.size) {
			return Frame{}
		}

		f := d.emit(d.info.pc, d.sc.acc[:d.info.size], d.info.burst)
		d.sc.done()
		d.info = dtsInfo{}
		return f
	}
}

// Clear drops the frame in progress
func (d *DTS) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sc.reset()
	d.info = dtsInfo{}
	d.base.clear()
}

// Reset drops all scanning state
func (d *DTS) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sc.reset()
	d.cnt.reset()
	d.info = dtsInfo{}
	d.burst = 2048
	d.base.reset()
}
