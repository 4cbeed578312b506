// ABOUTME: MPEG audio framer
// ABOUTME: Passes frames through as bursts or decodes all three layers to 16-bit PCM
package iec

import (
	"encoding/binary"
	"log"

	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/decode"
)

const (
	mpegMagic     = 0xFFE0
	mpegHeaderLen = 4

	// MPEGPCMSize is one decoded 1152-sample stereo 16-bit frame
	MPEGPCMSize = 1152 * 4
)

// MPEGMode selects how MPEG audio reaches the device
type MPEGMode int

const (
	// MPEGDither decodes to PCM with noise-shaped dither
	MPEGDither MPEGMode = iota
	// MPEGRound decodes to PCM with plain rounding
	MPEGRound
	// MPEGPassthrough wraps frames in bursts without decoding
	MPEGPassthrough
)

func (m MPEGMode) String() string {
	switch m {
	case MPEGRound:
		return "round"
	case MPEGPassthrough:
		return "passthrough"
	default:
		return "dither"
	}
}

var mpegSampleRates = [3]int{44100, 48000, 32000}

var mpegBitrates = [5][15]int{
	// MPEG-1
	{0, 32000, 64000, 96000, 128000, 160000, 192000, 224000, 256000, 288000, 320000, 352000, 384000, 416000, 448000}, // layer I
	{0, 32000, 48000, 56000, 64000, 80000, 96000, 112000, 128000, 160000, 192000, 224000, 256000, 320000, 384000},    // layer II
	{0, 32000, 40000, 48000, 56000, 64000, 80000, 96000, 112000, 128000, 160000, 192000, 224000, 256000, 320000},     // layer III
	// MPEG-2 LSF
	{0, 32000, 48000, 56000, 64000, 80000, 96000, 112000, 128000, 144000, 160000, 176000, 192000, 224000, 256000}, // layer I
	{0, 8000, 16000, 24000, 32000, 40000, 48000, 56000, 64000, 80000, 96000, 112000, 128000, 144000, 160000},      // layer II and III
}

type mpegInfo struct {
	rate    int
	layer   int
	ext     bool
	lsf     bool
	size    int
	burst   int
	samples int
}

// ValidMPEGHeader checks the layer and version bits of a candidate header
func ValidMPEGHeader(b1 byte) bool {
	ext := b1&0x10 == 0
	lsf := b1&0x08 == 0
	layer := 4 - int(b1&0x06)>>1
	return layer != 4 && !(!lsf && ext)
}

// MPEGHeaderRate returns the sample rate of a header starting at h[0],
// or 0 if h is too short or not a usable header.
func MPEGHeaderRate(h []byte) int {
	if len(h) < 3 || h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
		return 0
	}
	info, ok := parseMPEG(h)
	if !ok {
		return 0
	}
	return info.rate
}

func parseMPEG(h []byte) (mpegInfo, bool) {
	var info mpegInfo
	info.ext = h[1]&0x10 == 0
	info.lsf = h[1]&0x08 == 0
	info.layer = 4 - int(h[1]&0x06)>>1

	if info.layer == 4 || (!info.lsf && info.ext) {
		return info, false
	}

	idx := int(h[2]&0x0C) >> 2
	if idx == 3 {
		return info, false
	}
	info.rate = mpegSampleRates[idx]
	if info.lsf {
		info.rate /= 2
		if info.ext {
			info.rate /= 2
		}
	}

	idx = int(h[2]&0xF0) >> 4
	if idx == 0x0F {
		return info, false
	}
	var bitrate int
	if info.lsf {
		bitrate = mpegBitrates[3+info.layer>>1][idx]
	} else {
		bitrate = mpegBitrates[info.layer-1][idx]
	}
	// Free format is not framed
	if bitrate == 0 {
		return info, false
	}

	padding := int(h[2]&0x02) >> 1
	if info.layer == 1 {
		info.size = 4 * (12*bitrate/info.rate + padding)
		info.burst = 1536
		info.samples = 384
	} else {
		slots := 144
		if info.layer == 3 && info.lsf {
			slots = 72
		}
		info.size = slots*bitrate/info.rate + padding
		info.burst = 32 * slots
		info.samples = 8 * slots
	}
	return info, true
}

// MPEG frames MPEG-1/2 audio layers I to III
type MPEG struct {
	base
	sc   scanner
	cnt  counter
	info mpegInfo
	mode MPEGMode

	dec      decode.Decoder
	decLayer int
	quant    [2]decode.Requantizer
	pcm      []byte
}

// NewMPEG creates an MPEG audio framer
func NewMPEG(clock *sync.ClockSync, mode MPEGMode) *MPEG {
	m := &MPEG{
		base: base{kind: KindMPEG, clock: clock},
		sc:   newScanner(mpegMagic, 0xFFE0, 2, 2048),
	}
	m.cnt = counter{magic: mpegMagic, mask: 0xFFE0, syncLen: 2, hdrLen: mpegHeaderLen, parse: func(h []byte) (int, bool) {
		info, ok := parseMPEG(h)
		return info.size, ok
	}}
	m.setMode(mode)
	return m
}

// SetMode switches between passthrough and decoding. Takes effect on the
// next frame; callers reset the framer when changing mode mid-stream.
func (m *MPEG) SetMode(mode MPEGMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setMode(mode)
}

func (m *MPEG) setMode(mode MPEGMode) {
	m.mode = mode
	m.audio = mode != MPEGPassthrough
	if m.audio {
		m.burst = MPEGPCMSize
	} else {
		m.burst = 32 * 144
	}
	switch mode {
	case MPEGRound:
		m.quant = [2]decode.Requantizer{decode.Round{}, decode.Round{}}
	default:
		m.quant = [2]decode.Requantizer{decode.NewDither(), decode.NewDither()}
	}
}

// Mode returns the output mode
func (m *MPEG) Mode() MPEGMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetSampleRate fixes the expected rate; frames at other rates are rejected
func (m *MPEG) SetSampleRate(rate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = rate
}

// Count reports whether an MPEG audio frame ends within p
func (m *MPEG) Count(p []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cnt.count(p)
}

// Frame returns the next burst, or the next PCM block in decode mode
func (m *MPEG) Frame(c *cursor.Cursor) Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.audio && len(m.pcm) >= MPEGPCMSize {
			f := m.emitPCM(m.pcm[:MPEGPCMSize])
			m.pcm = append(m.pcm[:0], m.pcm[MPEGPCMSize:]...)
			return f
		}

		if !m.sc.synced() && !m.sc.sync(c) {
			return Frame{}
		}
		if m.info.size == 0 {
			if !m.sc.fill(c, mpegHeaderLen) {
				return Frame{}
			}
			info, ok := parseMPEG(m.sc.acc)
			if !ok {
				log.Printf("MPEG: invalid frame header % x, resync", m.sc.acc[:mpegHeaderLen])
				m.sc.resync()
				continue
			}
			if m.rate != 0 && info.rate != m.rate {
				log.Printf("MPEG: sample rate %d does not match stream rate %d, resync", info.rate, m.rate)
				m.sc.resync()
				continue
			}
			m.info = info
			m.rate = info.rate
		}
		if !m.sc.fill(c, m.info.size) {
			return Frame{}
		}

		frame := m.sc.acc[:m.info.size]
		info := m.info
		m.info = mpegInfo{}

		if !m.audio {
			pc := uint16(typeMPEG23)
			if info.layer == 1 {
				pc = typeMPEG1
			}
			m.burst = info.burst
			f := m.emit(pc, frame, info.burst)
			m.sc.done()
			return f
		}

		m.decodeFrame(frame, info)
		m.sc.done()
	}
}

// decodeFrame appends the PCM for one frame to the pending output
func (m *MPEG) decodeFrame(frame []byte, info mpegInfo) {
	if m.dec != nil && (m.decLayer == 3) != (info.layer == 3) {
		m.close()
	}
	if m.dec == nil {
		dec, err := newDecoder(info)
		if err != nil {
			log.Printf("MPEG: %v", err)
			return
		}
		m.dec = dec
		m.decLayer = info.layer
	}

	samples, err := m.dec.Decode(frame)
	if err != nil {
		log.Printf("MPEG: restarting decoder: %v", err)
		m.close()
		return
	}

	var b [2]byte
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[:], uint16(m.quant[i&1].Sample(s)))
		m.pcm = append(m.pcm, b[0], b[1])
	}
}

// newDecoder picks go-mp3 for layer III and the subband decoder for layers I and II
func newDecoder(info mpegInfo) (decode.Decoder, error) {
	format := audio.Format{Codec: audio.CodecMPEG, SampleRate: info.rate, Channels: 2, BitDepth: 16}
	if info.layer == 3 {
		return decode.NewMPEG(format)
	}
	return decode.NewMP2(format)
}

// Clear drops the frame in progress and pending PCM
func (m *MPEG) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sc.reset()
	m.info = mpegInfo{}
	m.pcm = m.pcm[:0]
	m.base.clear()
}

// Reset drops all scanning and decoder state
func (m *MPEG) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sc.reset()
	m.cnt.reset()
	m.info = mpegInfo{}
	m.pcm = m.pcm[:0]
	m.rate = 0
	m.close()
	m.setMode(m.mode)
	m.base.reset()
}

// Close stops the decoder if one is running
func (m *MPEG) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.close()
}

func (m *MPEG) close() {
	if m.dec != nil {
		m.dec.Close()
		m.dec = nil
	}
}
