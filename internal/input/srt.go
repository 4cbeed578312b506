// ABOUTME: SRT transport stream source
// ABOUTME: Dials an SRT listener as caller and packetizes the received stream
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	// srtLatency is the SRT receive latency in nanoseconds (120ms)
	srtLatency = 120_000_000

	srtDialTimeout = 10 * time.Second
)

// SRT pulls a transport stream from an SRT listener
type SRT struct {
	addr string

	// StreamID is sent to the listener, empty for none
	StreamID string
}

// NewSRT creates a caller for addr
func NewSRT(addr string) *SRT {
	return &SRT{addr: addr}
}

// Live reports true
func (s *SRT) Live() bool { return true }

func (s *SRT) String() string { return "srt://" + s.addr }

// Run dials and reads until the connection ends or ctx is cancelled
func (s *SRT) Run(ctx context.Context, sink Sink) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency
	if s.StreamID != "" {
		cfg.StreamID = s.StreamID
	}

	ch := make(chan srtDial, 1)
	go func() {
		conn, err := srtgo.Dial(s.addr, cfg)
		ch <- srtDial{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	var conn *srtgo.Conn
	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial %s failed: %w", s.addr, res.err)
		}
		conn = res.conn
	case <-timer.C:
		go closeLate(ch)
		return fmt.Errorf("SRT dial %s timed out after %s", s.addr, srtDialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return ctx.Err()
	}

	log.Printf("Input: connected to %s", s)

	// Unblock the read on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, readSize)
	var z Packetizer
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			z.Write(buf[:n], sink.Receive)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				log.Printf("Input: %s closed by peer", s)
				return nil
			}
			return fmt.Errorf("SRT read from %s failed: %w", s.addr, err)
		}
	}
}

type srtDial struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial finished after we gave up
func closeLate(ch <-chan srtDial) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
