// ABOUTME: Input sources feeding the stream selector
// ABOUTME: Picks a transport stream or program stream reader from an input address
package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsupported is returned for addresses no source can read
var ErrUnsupported = errors.New("unsupported input")

// busyWait is how long file sources back off while the sink is full
const busyWait = 10 * time.Millisecond

// Sink takes what a source reads
type Sink interface {
	// Receive takes one 188-byte transport stream packet
	Receive(pkt []byte)

	// Play takes one complete PES packet
	Play(pes []byte)

	// Busy reports that the sink would rather not take more input now
	Busy() bool
}

// Source reads one input until it ends or ctx is cancelled
type Source interface {
	Run(ctx context.Context, sink Sink) error

	// Live reports whether the source is a transport stream
	Live() bool

	String() string
}

// Open returns the source for addr:
//
//	-                 transport stream on stdin
//	udp://host:port   transport stream datagrams, multicast groups joined
//	srt://host:port   transport stream from an SRT listener
//	ps:path           program stream file
//	path              transport stream file, or program stream for .vob .mpg .ps
func Open(addr string) (Source, error) {
	switch {
	case addr == "":
		return nil, fmt.Errorf("%w: empty address", ErrUnsupported)
	case addr == "-":
		return &TSFile{name: "stdin", r: os.Stdin}, nil
	case strings.HasPrefix(addr, "udp://"):
		return NewUDP(strings.TrimPrefix(addr, "udp://")), nil
	case strings.HasPrefix(addr, "srt://"):
		return NewSRT(strings.TrimPrefix(addr, "srt://")), nil
	case strings.HasPrefix(addr, "ps:"):
		return &PSFile{path: strings.TrimPrefix(addr, "ps:")}, nil
	case strings.Contains(addr, "://"):
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, addr)
	}

	switch strings.ToLower(filepath.Ext(addr)) {
	case ".vob", ".mpg", ".mpeg", ".ps":
		return &PSFile{path: addr}, nil
	}
	return &TSFile{name: addr, path: addr}, nil
}

// throttle waits while the sink is busy
func throttle(ctx context.Context, sink Sink) error {
	for sink.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyWait):
		}
	}
	return nil
}
