// ABOUTME: Synthetic elementary stream frames for tests
// ABOUTME: Builds valid AC-3, DTS and MPEG audio frames with patterned bodies
package iectest

// fillBody writes a pattern that never forms a sync word
func fillBody(b []byte, seed byte) {
	for i := range b {
		b[i] = 0x40 | (seed+byte(i))&0x0F
	}
}

// AC3Frame builds one AC-3 frame of size bytes for the given codes.
// The caller supplies the size matching the code table.
func AC3Frame(fscod, frmsizecod int, bsmod byte, size int, seed byte) []byte {
	f := make([]byte, size)
	fillBody(f, seed)
	f[0], f[1] = 0x0B, 0x77
	f[4] = byte(fscod)<<6 | byte(frmsizecod)
	f[5] = 8<<3 | bsmod&0x07
	return f
}

// AC3Frame48k192 is a 48 kHz, 192 kbps frame (768 bytes)
func AC3Frame48k192(seed byte) []byte {
	return AC3Frame(0, 20, 0, 768, seed)
}

// DTSFrame builds a DTS core frame with the given block count, frame size
// and sample frequency code (13 = 48 kHz).
func DTSFrame(nblks, fsize int, sfreq byte, seed byte) []byte {
	f := make([]byte, fsize)
	fillBody(f, seed)
	f[0], f[1], f[2], f[3] = 0x7F, 0xFE, 0x80, 0x01
	n := nblks - 1
	s := fsize - 1
	f[4] = 0xFC&f[4] | byte(n>>6)&0x01
	f[5] = byte(n&0x3F)<<2 | byte(s>>12)&0x03
	f[6] = byte(s >> 4)
	f[7] = byte(s&0x0F)<<4 | f[7]&0x0F
	f[8] = sfreq << 2
	return f
}

// MPEGHeader returns the 4 header bytes of an MPEG-1 frame.
// layer is 1..3, bitrate and rate are table indexes.
func MPEGHeader(layer int, bitrateIdx, rateIdx byte, padding bool) []byte {
	h := []byte{0xFF, 0xF8 | byte(4-layer)<<1 | 1, bitrateIdx<<4 | rateIdx<<2, 0xC4}
	if padding {
		h[2] |= 0x02
	}
	return h
}

// MPEGFrame builds an MPEG-1 frame of size bytes with the given header fields
func MPEGFrame(layer int, bitrateIdx, rateIdx byte, padding bool, size int, seed byte) []byte {
	f := make([]byte, size)
	fillBody(f, seed)
	copy(f, MPEGHeader(layer, bitrateIdx, rateIdx, padding))
	return f
}

// MPEGLayer2At128k is a 48 kHz, 128 kbps layer II frame (384 bytes)
func MPEGLayer2At128k(seed byte) []byte {
	return MPEGFrame(2, 8, 1, false, 384, seed)
}

// bitWriter packs big-endian bit fields into a zeroed buffer
type bitWriter struct {
	b   []byte
	pos int
}

func (w *bitWriter) put(v, n int) {
	for i := n - 1; i >= 0; i-- {
		if v>>uint(i)&1 != 0 {
			w.b[w.pos>>3] |= 0x80 >> uint(w.pos&7)
		}
		w.pos++
	}
}

// toneSamples writes 5-bit codes for the two lowest subbands
func toneSamples(w *bitWriter, n int, seed byte) {
	for i := 0; i < n; i++ {
		for sb := 0; sb < 2; sb++ {
			w.put((i*7+int(seed)+sb*11)%31, 5)
		}
	}
}

// MPEGLayer2Tone is a 48 kHz, 128 kbps mono layer II frame (384 bytes)
// with signal in the two lowest subbands
func MPEGLayer2Tone(seed byte) []byte {
	f := make([]byte, 384)
	copy(f, MPEGHeader(2, 8, 1, false))
	w := &bitWriter{b: f, pos: 32}

	// allocation: 27 subbands at 4, 4, 3 and 2 bits; code 4 selects 31 levels
	for sb := 0; sb < 27; sb++ {
		nbal := 2
		switch {
		case sb < 11:
			nbal = 4
		case sb < 23:
			nbal = 3
		}
		alloc := 0
		if sb < 2 {
			alloc = 4
		}
		w.put(alloc, nbal)
	}
	w.put(2, 2) // one scale factor per frame
	w.put(2, 2)
	w.put(3, 6)
	w.put(3, 6)

	toneSamples(w, 36, seed)
	return f
}

// MPEGLayer1Tone is a 48 kHz, 128 kbps mono layer I frame (128 bytes)
// with signal in the two lowest subbands
func MPEGLayer1Tone(seed byte) []byte {
	f := make([]byte, 128)
	copy(f, MPEGHeader(1, 4, 1, false))
	w := &bitWriter{b: f, pos: 32}

	// allocation code 4 means 5-bit samples
	for sb := 0; sb < 32; sb++ {
		alloc := 0
		if sb < 2 {
			alloc = 4
		}
		w.put(alloc, 4)
	}
	w.put(3, 6)
	w.put(3, 6)

	toneSamples(w, 12, seed)
	return f
}

// Concat joins frames into one stream
func Concat(frames ...[]byte) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
