// ABOUTME: Requantizers from 24-bit samples to 16-bit output
// ABOUTME: Plain rounding or noise-shaped dither with error feedback
package decode

import "github.com/Resonate-Protocol/passthru-go/pkg/audio"

// scaleBits is the number of bits dropped going from 24 to 16
const scaleBits = 8

// Requantizer reduces one channel's samples to 16 bits
type Requantizer interface {
	Sample(s int32) int16
}

// Prng advances the linear congruential generator used for dither noise
func Prng(state uint32) uint32 {
	return state*0x0019660d + 0x3c6ef35f
}

// Round requantizes by rounding to nearest
type Round struct{}

// Sample rounds and clips s
func (Round) Sample(s int32) int16 {
	s += 1 << (scaleBits - 1)
	if s > audio.Max24Bit {
		s = audio.Max24Bit
	} else if s < audio.Min24Bit {
		s = audio.Min24Bit
	}
	return int16(s >> scaleBits)
}

// Dither requantizes with triangular noise and error feedback.
// Keep one per channel.
type Dither struct {
	err    [3]int32
	random uint32
}

// NewDither creates a dither state
func NewDither() *Dither {
	return &Dither{}
}

// Sample dithers, clips and quantizes s
func (d *Dither) Sample(s int32) int16 {
	const mask = int32(1)<<scaleBits - 1

	s += d.err[0] - d.err[1] + d.err[2]
	d.err[2] = d.err[1]
	d.err[1] = d.err[0] >> 1

	// bias
	out := s + 1<<(scaleBits-1)

	random := Prng(d.random)
	out += int32(random)&mask - int32(d.random)&mask
	d.random = random

	if out > audio.Max24Bit {
		out = audio.Max24Bit
		if s > audio.Max24Bit {
			s = audio.Max24Bit
		}
	} else if out < audio.Min24Bit {
		out = audio.Min24Bit
		if s < audio.Min24Bit {
			s = audio.Min24Bit
		}
	}

	out &^= mask
	d.err[0] = s - out
	return int16(out >> scaleBits)
}
