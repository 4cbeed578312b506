// ABOUTME: MPEG audio layer I and II decoder
// ABOUTME: Dequantizes subband samples and runs the polyphase synthesis filterbank
package decode

import (
	"errors"
	"fmt"
	"math"

	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
)

var (
	// ErrInvalidFrame is returned for frames the decoder cannot parse
	ErrInvalidFrame = errors.New("invalid MPEG audio frame")

	// ErrUnsupportedLayer is returned for layer III frames
	ErrUnsupportedLayer = errors.New("unsupported MPEG audio layer")
)

var (
	synthMatrix  [64][32]float64
	scaleFactors [64]float64
)

func init() {
	for i := 0; i < 64; i++ {
		for k := 0; k < 32; k++ {
			synthMatrix[i][k] = math.Cos(float64((16+i)*(2*k+1)) * math.Pi / 64)
		}
	}
	// index 63 is reserved and stays 0
	for i := 0; i < 63; i++ {
		scaleFactors[i] = 2 * math.Pow(2, -float64(i)/3)
	}
}

// MP2 decodes MPEG-1 and MPEG-2 audio layers I and II.
// Every frame decodes on its own, so output does not lag input.
type MP2 struct {
	v       [2][1024]float64
	samples [2][36][32]float64
}

// NewMP2 creates a layer I/II decoder
func NewMP2(format audio.Format) (*MP2, error) {
	if format.Codec != audio.CodecMPEG {
		return nil, fmt.Errorf("invalid codec for MP2 decoder: %s", format.Codec)
	}
	return &MP2{}, nil
}

type mp2Header struct {
	layer     int
	lsf       bool
	bitrate   int
	rate      int
	channels  int
	bound     int
	protected bool
}

func parseMP2Header(b []byte) (mp2Header, error) {
	var h mp2Header
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return h, ErrInvalidFrame
	}
	h.lsf = b[1]&0x08 == 0
	h.layer = 4 - int(b[1]&0x06)>>1
	h.protected = b[1]&0x01 == 0
	h.bitrate = int(b[2] >> 4)
	h.rate = int(b[2]&0x0C) >> 2

	switch {
	case h.layer == 4 || h.bitrate == 0 || h.bitrate == 15 || h.rate == 3:
		return h, ErrInvalidFrame
	case h.layer == 3:
		return h, ErrUnsupportedLayer
	}

	mode := int(b[3] >> 6)
	h.channels = 2
	if mode == 3 {
		h.channels = 1
	}
	h.bound = 32
	if mode == 1 {
		h.bound = (int(b[3]&0x30)>>4 + 1) * 4
	}
	return h, nil
}

// bitReader reads big-endian bit fields; reads past the end return zeros
type bitReader struct {
	b    []byte
	pos  int
	over bool
}

func (r *bitReader) read(n int) int {
	v := 0
	for i := 0; i < n; i++ {
		idx := r.pos >> 3
		bit := 0
		if idx < len(r.b) {
			bit = int(r.b[idx]>>(7-uint(r.pos&7))) & 1
		} else {
			r.over = true
		}
		v = v<<1 | bit
		r.pos++
	}
	return v
}

// requantize maps a code of a levels-step quantizer onto (-1, 1)
func requantize(code, levels int) float64 {
	return float64(2*code-(levels-1)) / float64(levels)
}

// Decode decodes one frame to interleaved stereo samples, left-justified in 24 bits.
// Mono frames are duplicated to both channels.
func (d *MP2) Decode(frame []byte) ([]int32, error) {
	h, err := parseMP2Header(frame)
	if err != nil {
		return nil, err
	}

	r := &bitReader{b: frame, pos: 32}
	if h.protected {
		r.pos += 16
	}

	d.samples = [2][36][32]float64{}
	var n int
	if h.layer == 1 {
		n = d.layer1(r, h)
	} else {
		n = d.layer2(r, h)
	}
	if r.over {
		return nil, fmt.Errorf("%w: truncated at bit %d", ErrInvalidFrame, r.pos)
	}

	out := make([]int32, 0, n*32*2)
	var pcm [2][32]float64
	for t := 0; t < n; t++ {
		for ch := 0; ch < h.channels; ch++ {
			d.synthesize(ch, &d.samples[ch][t], &pcm[ch])
		}
		if h.channels == 1 {
			pcm[1] = pcm[0]
		}
		for i := 0; i < 32; i++ {
			out = append(out, toSample(pcm[0][i]), toSample(pcm[1][i]))
		}
	}
	return out, nil
}

// layer1 reads 12 samples per subband and returns the sample count per subband
func (d *MP2) layer1(r *bitReader, h mp2Header) int {
	var alloc [2][32]int
	var scf [2][32]float64

	for sb := 0; sb < 32; sb++ {
		for ch := 0; ch < h.channels; ch++ {
			if sb < h.bound || ch == 0 {
				alloc[ch][sb] = r.read(4)
			} else {
				alloc[ch][sb] = alloc[0][sb]
			}
		}
	}
	for sb := 0; sb < 32; sb++ {
		for ch := 0; ch < h.channels; ch++ {
			if alloc[ch][sb] != 0 {
				scf[ch][sb] = scaleFactors[r.read(6)]
			}
		}
	}

	for t := 0; t < 12; t++ {
		for sb := 0; sb < 32; sb++ {
			var q float64
			for ch := 0; ch < h.channels; ch++ {
				if sb < h.bound || ch == 0 {
					q = 0
					// 15 is forbidden and read as silence
					if a := alloc[ch][sb]; a != 0 && a != 15 {
						bits := a + 1
						q = requantize(r.read(bits), 1<<bits-1)
					}
				}
				d.samples[ch][t][sb] = q * scf[ch][sb]
			}
		}
	}
	return 12
}

// layer2 reads 36 samples per subband in 12 granules of three
func (d *MP2) layer2(r *bitReader, h mp2Header) int {
	table := allocLSF
	if !h.lsf {
		table = allocByRate[rateClass[h.channels-1][h.bitrate-1]][h.rate]
	}
	sblimit := table.sblimit
	bound := min(h.bound, sblimit)

	var alloc [2][32]uint8
	for sb := 0; sb < sblimit; sb++ {
		nbal := int(table.nbal[sb])
		for ch := 0; ch < h.channels; ch++ {
			if sb < bound || ch == 0 {
				alloc[ch][sb] = allocRows[table.row[sb]][r.read(nbal)]
			} else {
				alloc[ch][sb] = alloc[0][sb]
			}
		}
	}

	var scfsi [2][32]int
	for sb := 0; sb < sblimit; sb++ {
		for ch := 0; ch < h.channels; ch++ {
			if alloc[ch][sb] != 0 {
				scfsi[ch][sb] = r.read(2)
			}
		}
	}

	var scf [2][32][3]float64
	for sb := 0; sb < sblimit; sb++ {
		for ch := 0; ch < h.channels; ch++ {
			if alloc[ch][sb] == 0 {
				continue
			}
			s := &scf[ch][sb]
			switch scfsi[ch][sb] {
			case 0:
				s[0] = scaleFactors[r.read(6)]
				s[1] = scaleFactors[r.read(6)]
				s[2] = scaleFactors[r.read(6)]
			case 1:
				s[0] = scaleFactors[r.read(6)]
				s[1] = s[0]
				s[2] = scaleFactors[r.read(6)]
			case 2:
				s[0] = scaleFactors[r.read(6)]
				s[1], s[2] = s[0], s[0]
			case 3:
				s[0] = scaleFactors[r.read(6)]
				s[1] = scaleFactors[r.read(6)]
				s[2] = s[1]
			}
		}
	}

	for gr := 0; gr < 12; gr++ {
		part := gr / 4
		for sb := 0; sb < sblimit; sb++ {
			var q [3]float64
			for ch := 0; ch < h.channels; ch++ {
				if sb < bound || ch == 0 {
					q = readTriplet(r, alloc[ch][sb])
				}
				for k := 0; k < 3; k++ {
					d.samples[ch][gr*3+k][sb] = q[k] * scf[ch][sb][part]
				}
			}
		}
	}
	return 36
}

// readTriplet reads three consecutive samples of one subband
func readTriplet(r *bitReader, class uint8) [3]float64 {
	var q [3]float64
	if class == 0 {
		return q
	}
	c := quantClasses[class-1]
	if c.grouped {
		code := r.read(c.bits)
		for k := 0; k < 3; k++ {
			q[k] = requantize(code%c.levels, c.levels)
			code /= c.levels
		}
		return q
	}
	for k := 0; k < 3; k++ {
		q[k] = requantize(r.read(c.bits), c.levels)
	}
	return q
}

// synthesize turns 32 subband samples into 32 output samples
func (d *MP2) synthesize(ch int, s *[32]float64, out *[32]float64) {
	v := &d.v[ch]
	copy(v[64:], v[:1024-64])
	for i := 0; i < 64; i++ {
		var sum float64
		for k := 0; k < 32; k++ {
			sum += synthMatrix[i][k] * s[k]
		}
		v[i] = sum
	}
	for j := 0; j < 32; j++ {
		var sum float64
		for i := 0; i < 8; i++ {
			sum += v[i*128+j]*synthWindow[i*64+j] + v[i*128+96+j]*synthWindow[i*64+32+j]
		}
		out[j] = sum
	}
}

func toSample(x float64) int32 {
	s := math.Round(x * (audio.Max24Bit + 1))
	if s > audio.Max24Bit {
		return audio.Max24Bit
	}
	if s < audio.Min24Bit {
		return audio.Min24Bit
	}
	return int32(s)
}

// Close releases nothing; layer I/II decoding keeps no goroutines
func (d *MP2) Close() error {
	return nil
}

var _ Decoder = (*MP2)(nil)
