package sock

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/packet"
	"golang.org/x/net/ipv4"
)

var ErrRawClosed = errors.New("raw sender closed")

// RawSender writes prebuilt IPv4/TCP frames straight to the wire. It carries
// the decoys that must never reach the TUN or the real socket's stream.
type RawSender struct {
	mu     sync.Mutex
	conn   net.PacketConn
	rc     *ipv4.RawConn
	closed bool
}

// NewRawSender needs CAP_NET_RAW.
func NewRawSender(p Protector) (*RawSender, error) {
	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("raw socket: %w", err)
	}

	if p != nil {
		ipc, ok := conn.(*net.IPConn)
		if ok {
			sc, err := ipc.SyscallConn()
			if err == nil {
				err = Control(p)("ip4", "", sc)
			}
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("protect raw socket: %w", err)
			}
		}
	}

	rc, err := ipv4.NewRawConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}
	return &RawSender{conn: conn, rc: rc}, nil
}

// Inject sends one frame produced by packet.Encode.
func (s *RawSender) Inject(frame []byte) error {
	if len(frame) < packet.IPv4HeaderLen {
		return packet.ErrTooShort
	}
	h, err := ipv4.ParseHeader(frame)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrRawClosed
	}
	log.Tracef("Injecting %s", packet.Describe(frame))
	return s.rc.WriteTo(h, frame[h.Len:], nil)
}

func (s *RawSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rc.Close()
}
