// ABOUTME: Replay input for the stream selector
// ABOUTME: Takes complete PES packets from a program stream and detects broadcast, disc and MPEG audio
package selector

import (
	"encoding/binary"
	"log"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

// Play takes one complete PES packet
func (s *Selector) Play(pes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings.Test(control.Clear) {
		return
	}
	if !s.settings.Test(control.Active) {
		if s.stream != nil {
			s.drop()
		}
		return
	}
	if s.pesSkip > 0 {
		s.pesSkip--
		s.stats.Skipped++
		return
	}
	if s.settings.Test(control.Mute) || s.settings.Test(control.Live) {
		s.rb.Flush()
		if s.settings.Test(control.Mute) {
			s.boundary = false
			if s.stream != nil {
				s.wasMuted = true
			}
		}
		return
	}

	if len(pes) < 10 {
		s.stats.Broken++
		return
	}
	s.stats.Packets++

	magic := binary.BigEndian.Uint32(pes)
	length := int(binary.BigEndian.Uint16(pes[4:])) + 6
	flags := binary.BigEndian.Uint16(pes[6:])
	off := int(pes[8]) + 9

	if flags&0xC000 != 0x8000 {
		s.stats.Broken++
		return
	}
	hasPTS := flags&0x0080 != 0 && off >= 14
	aligned := flags&0x00C0 != 0 || flags&0x0400 != 0
	var pts uint64
	if hasPTS {
		pts = sync.ParsePTS(pes[9:14])
	}
	if off >= len(pes) {
		return
	}

	curr := s.stream
	switch {
	case magic == ps1Magic:
		id := substreamID(pes[off])
		if curr != nil && curr.Kind() == iec.KindMPEG {
			s.discontinuity("private stream 1 while MPEG audio is active")
			return
		}
		if !s.boundary {
			// Start only at a boundary: the payload begins with a
			// sync word or a sub-stream header
			if !aligned {
				return
			}
			f, o, ok := s.scanPS1(pes, off, id)
			if !ok {
				return
			}
			if !s.gate(f, hasPTS) {
				return
			}
			s.boundary = true
			curr, off = f, o
		} else if curr != nil {
			if curr.IsDVD() {
				o, ok := s.offsetToDVD(pes, off, id, curr)
				if !ok {
					s.discontinuity("sub-stream %#x on %s track %#x", id, curr.Kind(), curr.Track())
					return
				}
				off = o
			} else if id != 0xBD {
				s.discontinuity("sub-stream %#x on broadcast %s", id, curr.Kind())
				return
			}
		}

	case magic >= 0x1C0 && magic <= 0x1DF:
		if !s.settings.Test(control.MP2Enable) {
			return
		}
		track := byte(magic&0xFF) - 0xC0 + 1
		if curr != nil && (curr.Kind() != iec.KindMPEG || curr.Track() != track) {
			s.discontinuity("MPEG audio track %d", track)
			return
		}
		if !s.boundary {
			if !aligned {
				return
			}
			f, o, ok := s.digestMP2(pes, off)
			if !ok {
				return
			}
			f.SetTrack(track, false)
			if !s.gate(f, hasPTS) {
				return
			}
			s.boundary = true
			curr, off = f, o
		}

	default:
		return
	}

	if curr == nil {
		return
	}
	end := min(length, len(pes))
	if off >= end {
		return
	}
	payload := pes[off:end]
	wake := curr.Count(payload)

	if !s.synchronize(curr, hasPTS, pts) {
		return
	}
	if !s.rb.Store(payload, wake) {
		s.pesSkip = pesSkipAfterDrop
	}
}

// substreamID is the id a private stream 1 packet is filed under: the
// disc sub-stream byte, or 0xBD for broadcast payloads
func substreamID(b byte) byte {
	if b >= 0x80 && b <= 0xAF {
		return b
	}
	return 0xBD
}

func lpcmRate(m byte) int {
	switch m & 0x30 {
	case 0x00:
		return 48000
	case 0x20:
		return 44100
	case 0x30:
		return 32000
	default:
		// 96 kHz
		return 0
	}
}

// scanPS1 identifies a private stream 1 payload at off and returns the
// framer and the offset of its first frame. An active stream is kept.
func (s *Selector) scanPS1(pes []byte, off int, id byte) (iec.Framer, int, bool) {
	if s.stream != nil {
		if s.stream.IsDVD() {
			o, ok := s.offsetToDVD(pes, off, id, s.stream)
			return s.stream, o, ok
		}
		return s.stream, off, true
	}

	rest := pes[off:]
	if len(rest) < 4 {
		return nil, off, false
	}
	ub := rest[0]
	ptr := int(binary.BigEndian.Uint16(rest[2:]))

	switch {
	case ub >= 0x80 && ub <= 0x87:
		o := max(ptr, 1) + 3
		if o+2 > len(rest) || id != ub {
			return nil, off, false
		}
		if binary.BigEndian.Uint16(rest[o:]) != ac3Magic {
			return nil, off, false
		}
		return s.choose(iec.KindAC3, true, discTrack(ub)), off + o, true

	case ub == 0x0B:
		if binary.BigEndian.Uint16(rest) != ac3Magic {
			return nil, off, false
		}
		return s.choose(iec.KindAC3, false, broadcastTrack), off, true

	case ub >= 0x88 && ub <= 0x8F:
		o := max(ptr, 1) + 3
		if o+4 > len(rest) || id != ub {
			return nil, off, false
		}
		if binary.BigEndian.Uint32(rest[o:]) != dtsMagic {
			return nil, off, false
		}
		return s.choose(iec.KindDTS, true, discTrack(ub)), off + o, true

	case ub == 0x7F:
		if binary.BigEndian.Uint32(rest) != dtsMagic {
			return nil, off, false
		}
		return s.choose(iec.KindDTS, false, broadcastTrack), off, true

	case ub >= 0xA0 && ub <= 0xA7:
		// id, frames, pointer, emphasis, quantization/rate/channels, range
		if len(rest) < 7 || id != ub {
			return nil, off, false
		}
		m := rest[5]
		if ptr == 3 && binary.BigEndian.Uint32(rest[1:]) == 0 && m == 0 {
			log.Printf("Selector: LPCM sub-stream without header, ignored")
			return nil, off, false
		}
		rate := lpcmRate(m)
		if rate == 0 || m&0xC0 != 0 || m&0x07 > 1 {
			log.Printf("Selector: unsupported LPCM format %#x", m)
			return nil, off, false
		}
		f := s.choose(iec.KindLPCM, true, discTrack(ub))
		s.set.LPCM.SetSampleRate(rate)
		return f, off + 7, true
	}

	// Broadcast audio that is not aligned to the PES payload
	for i := 1; i+2 <= len(rest); i++ {
		if binary.BigEndian.Uint16(rest[i:]) == ac3Magic {
			return s.choose(iec.KindAC3, false, broadcastTrack), off + i, true
		}
		if i+4 <= len(rest) && binary.BigEndian.Uint32(rest[i:]) == dtsMagic {
			return s.choose(iec.KindDTS, false, broadcastTrack), off + i, true
		}
	}
	return nil, off, false
}

// offsetToDVD checks that a disc packet continues the active stream and
// returns the offset past its sub-stream header
func (s *Selector) offsetToDVD(pes []byte, off int, id byte, curr iec.Framer) (int, bool) {
	rest := pes[off:]
	if len(rest) < 4 {
		return off, false
	}
	ub := rest[0]
	if id != ub || !sameSubstream(curr, ub) {
		return off, false
	}

	switch {
	case ub >= 0xA0 && ub <= 0xA7:
		if len(rest) < 7 {
			return off, false
		}
		m := rest[5]
		ptr := int(binary.BigEndian.Uint16(rest[2:]))
		if ptr == 3 && binary.BigEndian.Uint32(rest[1:]) == 0 && m == 0 {
			return off, false
		}
		if lpcmRate(m) != curr.SampleRate() {
			return off, false
		}
		return off + 7, true
	default:
		return off + 4, true
	}
}

// digestMP2 finds the first MPEG audio header in the payload. An active
// stream is kept.
func (s *Selector) digestMP2(pes []byte, off int) (iec.Framer, int, bool) {
	rest := pes[off:]
	for i := 0; i+3 <= len(rest); i++ {
		if rest[i] != 0xFF || rest[i+1]&0xE0 != 0xE0 || !iec.ValidMPEGHeader(rest[i+1]) {
			continue
		}
		rate := iec.MPEGHeaderRate(rest[i:])
		if rate == 0 {
			continue
		}
		f := s.stream
		if f == nil {
			f = s.choose(iec.KindMPEG, false, 0)
		}
		s.set.MPEG.SetSampleRate(rate)
		return f, off + i, true
	}
	return nil, off, false
}
