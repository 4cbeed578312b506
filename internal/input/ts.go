// ABOUTME: Transport stream packetizer and file source
// ABOUTME: Splits a byte stream into 188-byte packets, resynchronizing on the sync byte
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

const (
	packetSize = 188
	syncByte   = 0x47

	// readSize is one read from a file or socket, 7 packets per SRT payload
	readSize = 1316 * 10
)

// Packetizer cuts arbitrary chunks into whole transport stream packets
type Packetizer struct {
	buf []byte

	// Resyncs counts how often the sync byte was lost
	Resyncs int
}

// Write appends p and calls emit for every complete packet. The packet
// slice is only valid during the call.
func (z *Packetizer) Write(p []byte, emit func(pkt []byte)) {
	z.buf = append(z.buf, p...)

	i := 0
	for len(z.buf)-i >= packetSize {
		if z.buf[i] != syncByte || !z.aligned(i) {
			z.Resyncs++
			i = z.resync(i + 1)
			continue
		}
		emit(z.buf[i : i+packetSize])
		i += packetSize
	}
	z.buf = append(z.buf[:0], z.buf[i:]...)
}

// aligned checks the next sync byte when it is already buffered
func (z *Packetizer) aligned(i int) bool {
	next := i + packetSize
	return next >= len(z.buf) || z.buf[next] == syncByte
}

func (z *Packetizer) resync(i int) int {
	for i < len(z.buf) && z.buf[i] != syncByte {
		i++
	}
	return i
}

// Reset drops buffered bytes
func (z *Packetizer) Reset() {
	z.buf = z.buf[:0]
}

// TSFile reads a transport stream from a file or stdin
type TSFile struct {
	name string
	path string
	r    io.Reader
}

// Live reports true
func (f *TSFile) Live() bool { return true }

func (f *TSFile) String() string { return "ts:" + f.name }

// Run reads until EOF, backing off while the sink is busy
func (f *TSFile) Run(ctx context.Context, sink Sink) error {
	r := f.r
	if r == nil {
		file, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.path, err)
		}
		defer file.Close()
		r = file
	}

	br := bufio.NewReaderSize(r, readSize)
	buf := make([]byte, readSize)
	var z Packetizer
	var packets int64

	for {
		if err := throttle(ctx, sink); err != nil {
			return err
		}
		n, err := br.Read(buf)
		if n > 0 {
			z.Write(buf[:n], func(pkt []byte) {
				sink.Receive(pkt)
				packets++
			})
		}
		if errors.Is(err, io.EOF) {
			log.Printf("Input: %s ended after %d packets (%d resyncs)", f, packets, z.Resyncs)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f, err)
		}
	}
}
