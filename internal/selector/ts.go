// ABOUTME: Live transport stream input for the stream selector
// ABOUTME: Filters TS packets, reassembles PES headers and detects the audio format
package selector

import (
	"log"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

const (
	tsPayloadStart = 0x40
	tsAdaptation   = 0x20
	tsPayload      = 0x10
)

// Receive takes one transport stream packet
func (s *Selector) Receive(pkt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settings.Test(control.Clear) {
		return
	}
	if len(pkt) != TSPacketSize || pkt[0] != tsSync {
		s.stats.Broken++
		log.Printf("Selector: broken TS packet (%d bytes)", len(pkt))
		return
	}

	pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
	s.capturePCR(pid, pkt)

	if !s.settings.Test(control.Active) {
		return
	}
	if s.pid == 0 && !s.lockPID(pid, pkt) {
		return
	}
	if pid != s.pid {
		return
	}
	s.stats.Packets++

	if s.tsSkip > 0 {
		s.tsSkip--
		s.stats.Skipped++
		return
	}

	if s.settings.Test(control.Mute) {
		s.paystart = false
		if s.stream != nil {
			s.wasMuted = true
		}
		s.resetScan(true)
		return
	}

	start := pkt[1]&tsPayloadStart != 0
	if !s.paystart {
		if !start {
			return
		}
		s.paystart = true
	}
	if start && s.found > 0 {
		// the previous PES lost its tail
		s.resetScan(false)
	}

	if pkt[3]&tsPayload == 0 {
		return
	}
	off := 4
	if pkt[3]&tsAdaptation != 0 {
		off += int(pkt[4]) + 1
		if off >= TSPacketSize {
			return
		}
	}

	if !s.scan(pkt[off:], start) {
		s.tsSkip = tsSkipAfterDrop
	}
}

func (s *Selector) capturePCR(pid uint16, pkt []byte) {
	if s.pcr == nil {
		return
	}
	want := s.cfg.PCRPID
	if want == 0 {
		want = s.pid
	}
	if want == 0 || pid != want {
		return
	}
	if pcr, ok := sync.ParsePCR(pkt); ok {
		s.pcr.Update(pcr)
		s.stats.PCRs++
	}
}

// lockPID adopts pid when pkt starts an audio PES
func (s *Selector) lockPID(pid uint16, pkt []byte) bool {
	if pkt[1]&tsPayloadStart == 0 || pkt[3]&tsPayload == 0 {
		return false
	}
	off := 4
	if pkt[3]&tsAdaptation != 0 {
		off += int(pkt[4]) + 1
	}
	if off+4 > len(pkt) {
		return false
	}
	if pkt[off] != 0 || pkt[off+1] != 0 || pkt[off+2] != 1 {
		return false
	}
	id := pkt[off+3]
	mpeg := id >= 0xC0 && id <= 0xDF && s.settings.Test(control.MP2Enable)
	if id != 0xBD && !mpeg {
		return false
	}
	s.pid = pid
	log.Printf("Selector: locked onto PID %d (stream id %#x)", pid, id)
	return true
}

// resetScan restarts the PES header scan. With err set the stream
// boundary is lost and an unpublished candidate is forgotten.
func (s *Selector) resetScan(err bool) {
	s.found = 0
	s.paklen = 0
	s.ptsoff = 0
	s.subfnd = 0
	s.suboff = 0
	s.hdrLen = 9
	s.pts = [5]byte{}
	s.syncword = 0xFFFFFFFF
	s.submagic = 0xFFFFFFFF
	s.subID = 0xFF
	s.lead = nil
	s.subDone = false
	if err {
		s.boundary = false
		s.cand = nil
	}
}

// scan consumes one packet payload. It returns false when the ring
// buffer could not take everything.
func (s *Selector) scan(p []byte, wakeup bool) bool {
	ok := true

	for {
		curr := s.current()

		if s.found < s.hdrLen {
			switch s.found {
			case 0, 1, 2, 3:
				// no packet start and no stream: nothing to follow
				if !wakeup && curr == nil {
					s.resetScan(true)
					return ok
				}
				if !s.findStart(&p, curr) {
					return ok
				}
				s.found = 4
				fallthrough
			case 4:
				if len(p) == 0 {
					return ok
				}
				s.paklen = int(p[0]) << 8
				p = p[1:]
				s.found++
				fallthrough
			case 5:
				if len(p) == 0 {
					return ok
				}
				s.paklen |= int(p[0])
				s.paklen += 6
				p = p[1:]
				s.found++
				fallthrough
			case 6:
				if len(p) == 0 {
					return ok
				}
				if p[0]&0xC0 != 0x80 {
					s.resetScan(true)
					s.stats.Broken++
					log.Printf("Selector: broken PES header")
					continue
				}
				if p[0]&0x04 != 0 {
					s.boundary = true
				}
				p = p[1:]
				s.found++
				fallthrough
			case 7:
				if len(p) == 0 {
					return ok
				}
				s.pts = [5]byte{}
				s.setPTS = false
				if p[0]&0xC0 != 0 {
					s.hdrLen = 14
					s.boundary = true
				} else {
					s.hdrLen = 9
				}
				p = p[1:]
				s.found++
				fallthrough
			case 8:
				if len(p) == 0 {
					return ok
				}
				s.ptsoff = int(p[0])
				p = p[1:]
				s.found++
				if s.hdrLen <= 9 {
					break
				}
				fallthrough
			case 9, 10, 11, 12, 13:
				for s.found < 14 {
					if len(p) == 0 {
						return ok
					}
					s.pts[s.found-9] = p[0]
					p = p[1:]
					s.found++
					s.ptsoff--
				}
				s.setPTS = true
			}
		}

		// Start only where a frame or sub-stream begins
		if !s.boundary {
			s.resetScan(true)
			return ok
		}

		for s.ptsoff > 0 {
			if len(p) == 0 {
				return ok
			}
			n := min(len(p), s.ptsoff)
			p = p[n:]
			s.found += n
			s.ptsoff -= n
		}

		if curr == nil {
			var more bool
			if s.ps1 {
				curr, more = s.detectPS1(&p)
			} else {
				curr, more = s.detectMPEG(&p)
			}
			if curr == nil {
				if !more {
					s.resetScan(true)
				}
				return ok
			}
			s.cand = curr
		} else if s.ps1 && curr.IsDVD() && !s.subDone {
			if len(p) == 0 {
				return ok
			}
			id := p[0]
			if !sameSubstream(curr, id) {
				s.discontinuity("sub-stream %#x on %s track %#x", id, curr.Kind(), curr.Track())
				return ok
			}
			s.subDone = true
			s.suboff = 4
		}

		if !s.streaming || s.stream != curr {
			if !s.setPTS {
				s.resetScan(true)
				return ok
			}
			s.publish(curr)
		} else if s.wasMuted {
			if !s.setPTS {
				s.resetScan(true)
				return ok
			}
			s.wasMuted = false
		}

		for s.suboff > 0 {
			if len(p) == 0 {
				return ok
			}
			n := min(len(p), s.suboff)
			p = p[n:]
			s.found += n
			s.suboff -= n
		}

		if !s.synchronize(curr, s.setPTS, sync.ParsePTS(s.pts[:])) {
			s.resetScan(true)
			return ok
		}
		s.setPTS = false

		if len(s.lead) > 0 {
			if !s.rb.Store(s.lead, curr.Count(s.lead)) {
				ok = false
			}
			s.lead = nil
		}

		for s.found < s.paklen {
			if len(p) == 0 {
				return ok
			}
			n := min(len(p), s.paklen-s.found)
			s.found += n
			wake := curr.Count(p[:n])
			if !s.rb.Store(p[:n], wake) {
				ok = false
			}
			p = p[n:]
		}

		// More than one PES may end or start in this packet
		if s.paklen > 0 && s.found >= s.paklen {
			s.resetScan(false)
			if len(p) == 0 {
				return ok
			}
			continue
		}
		return ok
	}
}

// findStart looks for a private stream 1 or MPEG audio start code
func (s *Selector) findStart(p *[]byte, curr iec.Framer) bool {
	b := *p
	defer func() { *p = b }()

	for len(b) > 0 {
		s.syncword = s.syncword<<8 | uint32(b[0])
		b = b[1:]

		switch {
		case s.syncword == ps1Magic:
			if curr != nil && curr.Kind() == iec.KindMPEG {
				return false
			}
			s.ps1 = true
			return true
		case s.syncword >= 0x1C0 && s.syncword <= 0x1DF:
			if !s.settings.Test(control.MP2Enable) {
				return false
			}
			if curr != nil && curr.Kind() != iec.KindMPEG {
				return false
			}
			s.ps1 = false
			return true
		}
	}
	return false
}

// detectPS1 identifies the private stream 1 payload. Broadcast sync
// words are checked before disc sub-stream headers. It returns more=true
// when the packet ended before a decision.
func (s *Selector) detectPS1(p *[]byte) (iec.Framer, bool) {
	b := *p
	defer func() { *p = b }()

	for s.subfnd < 4 {
		if len(b) == 0 {
			return nil, true
		}
		c := b[0]
		b = b[1:]
		s.found++

		switch s.subfnd {
		case 0:
			s.subID = c
			s.submagic = uint32(c)
		case 2:
			s.submagic = s.submagic<<8 | uint32(c)
			s.suboff = int(c) << 8
		case 3:
			s.submagic = s.submagic<<8 | uint32(c)
			s.suboff |= int(c)
		default:
			s.submagic = s.submagic<<8 | uint32(c)
		}
		s.subfnd++

		if s.subfnd >= 2 && s.submagic&0xFFFF == ac3Magic {
			s.suboff = 0
			s.lead = []byte{0x0B, 0x77}
			return s.choose(iec.KindAC3, false, broadcastTrack), false
		}
		if s.subfnd == 4 {
			switch {
			case s.submagic == dtsMagic:
				s.suboff = 0
				s.lead = []byte{0x7F, 0xFE, 0x80, 0x01}
				return s.choose(iec.KindDTS, false, broadcastTrack), false
			case s.subID >= 0x80 && s.subID <= 0x87:
				s.suboff = max(s.suboff, 1) - 1
				s.subDone = true
				return s.choose(iec.KindAC3, true, discTrack(s.subID)), false
			case s.subID >= 0x88 && s.subID <= 0x8F:
				s.suboff = max(s.suboff, 1) - 1
				s.subDone = true
				return s.choose(iec.KindDTS, true, discTrack(s.subID)), false
			}
			s.suboff = 0
		}
	}

	// Broadcast audio that is not aligned to the PES payload
	for s.found+2 <= s.paklen {
		if len(b) == 0 {
			return nil, true
		}
		s.submagic = s.submagic<<8 | uint32(b[0])
		b = b[1:]
		s.subfnd++
		s.found++
		if s.submagic&0xFFFF == ac3Magic {
			s.lead = []byte{0x0B, 0x77}
			return s.choose(iec.KindAC3, false, broadcastTrack), false
		}
		if s.found+4 <= s.paklen && s.submagic == dtsMagic {
			s.lead = []byte{0x7F, 0xFE, 0x80, 0x01}
			return s.choose(iec.KindDTS, false, broadcastTrack), false
		}
	}
	return nil, false
}

// detectMPEG looks for the first MPEG audio header of the payload. The
// stream is taken even when this packet holds none; the framer scans on.
func (s *Selector) detectMPEG(p *[]byte) (iec.Framer, bool) {
	b := *p
	defer func() { *p = b }()

	track := byte(s.syncword&0xFF) - 0xC0 + 1
	for s.found+2 <= s.paklen {
		if len(b) == 0 {
			return nil, true
		}
		s.submagic = s.submagic<<8 | uint32(b[0])
		b = b[1:]
		s.subfnd++
		s.found++

		if s.subfnd < 2 || s.submagic&0xFFE0 != 0xFFE0 || !iec.ValidMPEGHeader(byte(s.submagic)) {
			continue
		}
		s.lead = []byte{0xFF, byte(s.submagic)}
		f := s.choose(iec.KindMPEG, false, track)
		if len(b) > 0 {
			if rate := iec.MPEGHeaderRate([]byte{0xFF, byte(s.submagic), b[0]}); rate > 0 {
				s.set.MPEG.SetSampleRate(rate)
			}
		}
		return f, false
	}
	return s.choose(iec.KindMPEG, false, track), false
}

func discTrack(id byte) byte {
	return id&0x1F + 0x21
}

// sameSubstream checks a disc sub-stream id against the active stream
func sameSubstream(f iec.Framer, id byte) bool {
	var k iec.Kind
	switch {
	case id >= 0x80 && id <= 0x87:
		k = iec.KindAC3
	case id >= 0x88 && id <= 0x8F:
		k = iec.KindDTS
	case id >= 0xA0 && id <= 0xA7:
		k = iec.KindLPCM
	default:
		return false
	}
	return f.Kind() == k && f.Track() == discTrack(id)
}
