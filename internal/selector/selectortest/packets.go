// ABOUTME: PES and transport stream packet builders for tests
// ABOUTME: Wraps elementary stream payloads the way a broadcast or disc muxer would
package selectortest

import (
	"encoding/binary"

	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

// PES stream ids
const (
	PrivateStream1 = 0xBD
	MPEGAudio      = 0xC0
)

// PESOptions controls the optional header fields
type PESOptions struct {
	PTS     uint64
	HasPTS  bool
	Aligned bool
}

// PES builds one PES packet around payload
func PES(streamID byte, opts PESOptions, payload []byte) []byte {
	var hdr []byte
	flags := []byte{0x80, 0x00}
	if opts.Aligned {
		flags[0] |= 0x04
	}
	if opts.HasPTS {
		flags[1] |= 0x80
		pts := sync.EncodePTS(opts.PTS, 0x2)
		hdr = pts[:]
	}

	length := 3 + len(hdr) + len(payload)
	p := make([]byte, 0, 6+length)
	p = append(p, 0x00, 0x00, 0x01, streamID)
	p = binary.BigEndian.AppendUint16(p, uint16(length))
	p = append(p, flags...)
	p = append(p, byte(len(hdr)))
	p = append(p, hdr...)
	return append(p, payload...)
}

// DiscAudio prefixes payload with a disc sub-stream header. ptr is the
// first access unit pointer, 1 when a frame starts right after the header.
func DiscAudio(subID byte, frames byte, ptr uint16, payload []byte) []byte {
	p := []byte{subID, frames, 0, 0}
	binary.BigEndian.PutUint16(p[2:], ptr)
	return append(p, payload...)
}

// LPCMHeader is the 7-byte disc LPCM sub-stream header. info carries the
// quantization, rate and channel bits.
func LPCMHeader(subID byte, info byte) []byte {
	return []byte{subID, 1, 0, 4, 0, info, 0x80}
}

// Muxer splits PES packets into transport stream packets on one PID
type Muxer struct {
	PID uint16
	cc  byte
}

// Packets returns the TS packets carrying pes, stuffing the last one
// through its adaptation field
func (m *Muxer) Packets(pes []byte) [][]byte {
	var out [][]byte
	first := true
	for len(pes) > 0 {
		pkt := m.header(first)
		space := 184
		if len(pes) < space {
			stuff := space - len(pes)
			pkt[3] |= 0x20
			pkt = append(pkt, byte(stuff-1))
			if stuff > 1 {
				pkt = append(pkt, 0x00)
				for i := 2; i < stuff; i++ {
					pkt = append(pkt, 0xFF)
				}
			}
			space = len(pes)
		}
		pkt = append(pkt, pes[:space]...)
		pes = pes[space:]
		out = append(out, pkt)
		first = false
	}
	return out
}

// PCRPacket returns an adaptation-only packet carrying pcr27 (27 MHz)
func (m *Muxer) PCRPacket(pcr27 uint64) []byte {
	pkt := []byte{0x47, byte(m.PID>>8) & 0x1F, byte(m.PID), 0x20 | m.cc&0x0F}
	base := pcr27 / 300
	ext := pcr27 % 300
	pkt = append(pkt, 183, 0x10,
		byte(base>>25), byte(base>>17), byte(base>>9), byte(base>>1),
		byte(base<<7)|0x7E|byte(ext>>8), byte(ext))
	for len(pkt) < 188 {
		pkt = append(pkt, 0xFF)
	}
	return pkt
}

func (m *Muxer) header(start bool) []byte {
	b1 := byte(m.PID>>8) & 0x1F
	if start {
		b1 |= 0x40
	}
	h := []byte{0x47, b1, byte(m.PID), 0x10 | m.cc&0x0F}
	m.cc++
	return h
}
