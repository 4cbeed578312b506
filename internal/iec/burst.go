// ABOUTME: IEC 61937 burst container shared by all framers
// ABOUTME: Burst preamble, byte swapping, special frames and sync scanning helpers
package iec

import (
	"encoding/binary"
	gosync "sync"

	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

// Burst preamble sync words
const (
	syncPa = 0xF872
	syncPb = 0x4E1F

	// HeaderSize is the preamble length in bytes
	HeaderSize = 8

	errorFlag = 0x80
)

// Burst data types (Pc low bits)
const (
	typeNull   = 0
	typeAC3    = 1
	typePause  = 3
	typeMPEG1  = 4 // MPEG-1 layer I
	typeMPEG23 = 5 // MPEG-1 layer II/III and MPEG-2 without extension
	typeDTS1   = 11
	typeDTS2   = 12
	typeDTS3   = 13
)

// Frame is one unit handed to the device
type Frame struct {
	Burst []byte
	Size  int // bytes in Burst
	Pay   int // payload bytes carried
}

// Empty reports whether no frame is available yet
func (f Frame) Empty() bool {
	return f.Size == 0
}

// Special selects one of the synthetic frames
type Special int

const (
	// Wait is a pause burst the receiver uses to lock onto the format
	Wait Special = iota
	// Wait2 is the wait frame used when the output is linear PCM
	Wait2
	// Stop tells the receiver the stream ended
	Stop
	// Silent is a burst-sized block of zero samples
	Silent
)

func (s Special) String() string {
	switch s {
	case Wait:
		return "wait"
	case Wait2:
		return "wait2"
	case Stop:
		return "stop"
	default:
		return "silent"
	}
}

// writeHeader fills the burst preamble, little-endian as the device expects.
func writeHeader(b []byte, pc uint16, bits int) {
	binary.LittleEndian.PutUint16(b[0:], syncPa)
	binary.LittleEndian.PutUint16(b[2:], syncPb)
	binary.LittleEndian.PutUint16(b[4:], pc)
	binary.LittleEndian.PutUint16(b[6:], uint16(bits))
}

// swab copies big-endian 16-bit words from src into dst in device order.
// An odd trailing byte becomes the high byte of a final word.
func swab(dst, src []byte) {
	n := len(src) &^ 1
	for i := 0; i < n; i += 2 {
		dst[i] = src[i+1]
		dst[i+1] = src[i]
	}
	if n < len(src) {
		dst[n] = 0
		dst[n+1] = src[n]
	}
}

// base holds what every framer shares. mu guards everything below it;
// the producer counts while the consumer frames.
type base struct {
	mu gosync.Mutex

	kind  Kind
	burst int
	rate  int
	track byte
	dvd   bool
	err   bool
	audio bool
	last  Frame
	clock *sync.ClockSync
}

func (b *base) Kind() Kind             { return b.kind }
func (b *base) Clock() *sync.ClockSync { return b.clock }

func (b *base) BurstSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.burst
}

func (b *base) SampleRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

func (b *base) Track() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.track
}

func (b *base) IsDVD() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dvd
}

func (b *base) Audio() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio
}

func (b *base) Last() Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *base) SetTrack(track byte, dvd bool) {
	b.mu.Lock()
	b.track, b.dvd = track, dvd
	b.mu.Unlock()
}

// SetErr marks following bursts, and the last one, with the error flag
func (b *base) SetErr() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = true
	if !b.audio && b.last.Size >= HeaderSize {
		b.last.Burst[4] |= errorFlag
	}
}

// ClearErr removes the error flag
func (b *base) ClearErr() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = false
	if !b.audio && b.last.Size >= HeaderSize {
		b.last.Burst[4] &^= errorFlag
	}
}

// reset clears per-stream state shared by all variants
func (b *base) reset() {
	b.err = false
	b.last = Frame{}
	b.clock.Reset()
}

// clear drops the last frame and restarts synchronization
func (b *base) clear() {
	b.err = false
	b.last = Frame{}
	b.clock.Reset()
}

// emit wraps payload into a burst of the given size
func (b *base) emit(pc uint16, payload []byte, size int) Frame {
	if size < HeaderSize+len(payload) {
		size = (HeaderSize + len(payload) + 1) &^ 1
	}
	buf := make([]byte, size)
	if b.err {
		pc |= errorFlag
	}
	writeHeader(buf, pc, len(payload)*8)
	swab(buf[HeaderSize:], payload)
	b.last = Frame{Burst: buf, Size: size, Pay: len(payload)}
	return b.last
}

// emitPCM hands out linear PCM already in device byte order
func (b *base) emitPCM(pcm []byte) Frame {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	b.last = Frame{Burst: buf, Size: len(buf), Pay: len(buf)}
	return b.last
}

// Special builds a synthetic frame of the current burst size
func (b *base) Special(s Special) Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.burst
	buf := make([]byte, size)
	f := Frame{Burst: buf, Size: size}

	if b.audio || s == Wait2 || s == Silent {
		return f
	}

	switch s {
	case Wait:
		// Pause burst; payload is the gap length in sample frames
		writeHeader(buf, typePause, 32)
		binary.LittleEndian.PutUint16(buf[HeaderSize:], uint16(size/4))
		f.Pay = 4
	case Stop:
		writeHeader(buf, typeNull, 0)
	}
	return f
}

// scanner assembles one frame from cursor input: sync search, then
// header, then body. It keeps its state across calls so parsing can stop
// on shortage and resume exactly where it left off.
type scanner struct {
	magic   uint32
	mask    uint32
	syncLen int
	reg     uint32
	seen    int
	pending []byte
	acc     []byte
}

func newScanner(magic, mask uint32, syncLen, capacity int) scanner {
	return scanner{magic: magic, mask: mask, syncLen: syncLen, acc: make([]byte, 0, capacity)}
}

func (s *scanner) reset() {
	s.reg = 0
	s.seen = 0
	s.pending = s.pending[:0]
	s.acc = s.acc[:0]
}

// synced reports whether a sync word has been found for the current frame
func (s *scanner) synced() bool {
	return len(s.acc) > 0
}

func (s *scanner) next(c *cursor.Cursor) (byte, bool) {
	if len(s.pending) > 0 {
		b := s.pending[0]
		s.pending = s.pending[1:]
		return b, true
	}
	return c.Read8()
}

// sync consumes input until the sync word is found
func (s *scanner) sync(c *cursor.Cursor) bool {
	for {
		b, ok := s.next(c)
		if !ok {
			return false
		}
		s.reg = s.reg<<8 | uint32(b)
		s.seen++
		if s.seen >= s.syncLen && s.reg&s.mask == s.magic {
			s.acc = s.acc[:0]
			for i := s.syncLen - 1; i >= 0; i-- {
				s.acc = append(s.acc, byte(s.reg>>(8*i)))
			}
			s.reg = 0
			s.seen = 0
			return true
		}
	}
}

// fill reads until the frame holds n bytes
func (s *scanner) fill(c *cursor.Cursor, n int) bool {
	for len(s.acc) < n {
		if len(s.pending) > 0 {
			k := min(n-len(s.acc), len(s.pending))
			s.acc = append(s.acc, s.pending[:k]...)
			s.pending = s.pending[k:]
			continue
		}
		w, ok := c.Window(1)
		if !ok {
			return false
		}
		k := min(n-len(s.acc), len(w))
		s.acc = append(s.acc, w[:k]...)
		c.Advance(k)
	}
	return true
}

// resync drops the candidate frame and rescans everything after its first byte
func (s *scanner) resync() {
	rest := make([]byte, 0, len(s.acc)+len(s.pending))
	if len(s.acc) > 1 {
		rest = append(rest, s.acc[1:]...)
	}
	rest = append(rest, s.pending...)
	s.pending = rest
	s.acc = s.acc[:0]
	s.reg = 0
	s.seen = 0
}

// done starts the next frame
func (s *scanner) done() {
	s.acc = s.acc[:0]
}

// counter follows frame boundaries in raw payload without consuming it.
type counter struct {
	magic   uint32
	mask    uint32
	syncLen int
	hdrLen  int
	parse   func(hdr []byte) (int, bool)

	reg   uint32
	seen  int
	hdr   []byte
	found int
	size  int
}

func (k *counter) reset() {
	k.reg = 0
	k.seen = 0
	k.hdr = k.hdr[:0]
	k.found = 0
	k.size = 0
}

// count reports whether the end of a frame lies within p
func (k *counter) count(p []byte) bool {
	crossed := false
	for i := 0; i < len(p); {
		if k.size > 0 {
			n := min(k.size-k.found, len(p)-i)
			k.found += n
			i += n
			if k.found >= k.size {
				crossed = true
				k.reset()
			}
			continue
		}

		b := p[i]
		i++
		if len(k.hdr) == 0 {
			k.reg = k.reg<<8 | uint32(b)
			k.seen++
			if k.seen >= k.syncLen && k.reg&k.mask == k.magic {
				for j := k.syncLen - 1; j >= 0; j-- {
					k.hdr = append(k.hdr, byte(k.reg>>(8*j)))
				}
				k.reg = 0
				k.seen = 0
			}
			continue
		}

		k.hdr = append(k.hdr, b)
		if len(k.hdr) < k.hdrLen {
			continue
		}
		size, ok := k.parse(k.hdr)
		if !ok || size <= len(k.hdr) {
			k.hdr = k.hdr[:0]
			continue
		}
		k.size = size
		k.found = len(k.hdr)
	}
	return crossed
}
