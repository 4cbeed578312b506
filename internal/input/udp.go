// ABOUTME: UDP transport stream source
// ABOUTME: Receives unicast or multicast datagrams of whole TS packets
package input

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// readTimeout bounds one socket read so cancellation is noticed
const readTimeout = 500 * time.Millisecond

// UDP receives transport stream datagrams
type UDP struct {
	addr string
}

// NewUDP creates a source listening on addr. Multicast groups are joined
// on the default interface.
func NewUDP(addr string) *UDP {
	return &UDP{addr: addr}
}

// Live reports true
func (u *UDP) Live() bool { return true }

func (u *UDP) String() string { return "udp://" + u.addr }

// Run receives until ctx is cancelled
func (u *UDP) Run(ctx context.Context, sink Sink) error {
	ua, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", u.addr, err)
	}

	var conn *net.UDPConn
	if ua.IP != nil && ua.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, ua)
	} else {
		conn, err = net.ListenUDP("udp", ua)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", u.addr, err)
	}
	defer conn.Close()
	log.Printf("Input: listening on %s", u)

	return u.read(ctx, conn, sink)
}

func (u *UDP) read(ctx context.Context, conn net.PacketConn, sink Sink) error {
	buf := make([]byte, 65536)
	var z Packetizer

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from %s: %w", u, err)
		}

		// A datagram holds whole packets
		z.Reset()
		z.Write(buf[:n], sink.Receive)
	}
}
