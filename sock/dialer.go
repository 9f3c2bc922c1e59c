package sock

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Dialer opens protected outbound sockets for the relay.
type Dialer struct {
	protector Protector
}

func NewDialer(p Protector) *Dialer {
	if p == nil {
		p = NopProtector{}
	}
	return &Dialer{protector: p}
}

// DialTCP connects to dst. The connect timeout comes from ctx.
func (d *Dialer) DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	nd := net.Dialer{Control: Control(d.protector)}
	conn, err := nd.DialContext(ctx, "tcp4", dst.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// each Write must leave as its own segment for splits to survive
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set nodelay: %w", err)
		}
	}
	return conn, nil
}

// ListenUDP opens an unconnected datagram socket on an ephemeral port.
func (d *Dialer) ListenUDP(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: Control(d.protector)}
	return lc.ListenPacket(ctx, "udp4", "0.0.0.0:0")
}
