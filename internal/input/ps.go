// ABOUTME: Program stream source for the replay path
// ABOUTME: Splits an MPEG program stream into audio PES packets
package input

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

const (
	packStart  = 0xBA
	endCode    = 0xB9
	systemCode = 0xBB
)

// PSReader returns the audio PES packets of a program stream
type PSReader struct {
	r *bufio.Reader

	// Resyncs counts start code losses
	Resyncs int
	Packets int
}

// NewPSReader reads from r
func NewPSReader(r io.Reader) *PSReader {
	return &PSReader{r: bufio.NewReaderSize(r, 1<<20)}
}

// Next returns the next private stream 1 or MPEG audio packet, start
// code included. It returns io.EOF at the end code or end of input.
func (p *PSReader) Next() ([]byte, error) {
	for {
		id, err := p.startCode()
		if err != nil {
			return nil, err
		}

		switch {
		case id == endCode:
			return nil, io.EOF
		case id == packStart:
			if err := p.skipPack(); err != nil {
				return nil, err
			}
		case id < systemCode:
			// not a system start code
			p.Resyncs++
		default:
			var l [2]byte
			if _, err := io.ReadFull(p.r, l[:]); err != nil {
				return nil, eof(err)
			}
			n := int(binary.BigEndian.Uint16(l[:]))

			if id != 0xBD && (id < 0xC0 || id > 0xDF) {
				if _, err := p.r.Discard(n); err != nil {
					return nil, eof(err)
				}
				continue
			}

			pes := make([]byte, 6+n)
			copy(pes, []byte{0, 0, 1, id, l[0], l[1]})
			if _, err := io.ReadFull(p.r, pes[6:]); err != nil {
				return nil, eof(err)
			}
			p.Packets++
			return pes, nil
		}
	}
}

// startCode scans for 00 00 01 and returns the byte after it
func (p *PSReader) startCode() (byte, error) {
	var code uint32 = 0xFFFFFFFF
	skipped := -4
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return 0, eof(err)
		}
		code = code<<8 | uint32(b)
		skipped++
		if code&0xFFFFFF00 == 0x00000100 {
			if skipped > 0 {
				p.Resyncs++
			}
			return byte(code), nil
		}
	}
}

// skipPack skips an MPEG-1 or MPEG-2 pack header after its start code
func (p *PSReader) skipPack() error {
	b, err := p.r.Peek(1)
	if err != nil {
		return eof(err)
	}
	if b[0]&0xC0 == 0x40 {
		var h [10]byte
		if _, err := io.ReadFull(p.r, h[:]); err != nil {
			return eof(err)
		}
		_, err = p.r.Discard(int(h[9] & 0x07))
		return eof(err)
	}
	_, err = p.r.Discard(8)
	return eof(err)
}

func eof(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// PSFile replays a program stream file
type PSFile struct {
	path string
}

// Live reports false
func (f *PSFile) Live() bool { return false }

func (f *PSFile) String() string { return "ps:" + f.path }

// Run feeds every audio packet, backing off while the sink is busy
func (f *PSFile) Run(ctx context.Context, sink Sink) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.path, err)
	}
	defer file.Close()

	r := NewPSReader(file)
	for {
		if err := throttle(ctx, sink); err != nil {
			return err
		}
		pes, err := r.Next()
		if errors.Is(err, io.EOF) {
			log.Printf("Input: %s ended after %d packets (%d resyncs)", f, r.Packets, r.Resyncs)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f, err)
		}
		sink.Play(pes)
	}
}
