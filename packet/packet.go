// Package packet decodes raw IPv4 frames read from the TUN device and encodes
// the TCP/UDP frames written back to it.
package packet

import (
	"errors"
	"fmt"
	"net/netip"
)

type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// TCP flags
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

const (
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20
	UDPHeaderLen  = 8
	DefaultTTL    = 64
)

var (
	ErrUndecodable      = errors.New("undecodable frame")
	ErrTooShort         = fmt.Errorf("%w: too short", ErrUndecodable)
	ErrNotIPv4          = fmt.Errorf("%w: not ipv4", ErrUndecodable)
	ErrBadLength        = fmt.Errorf("%w: declared length exceeds frame", ErrUndecodable)
	ErrFragment         = fmt.Errorf("%w: ip fragment", ErrUndecodable)
	ErrUnsupportedProto = fmt.Errorf("%w: unsupported protocol", ErrUndecodable)
)

// View is the decoded form of one frame. Payload aliases the frame passed to
// Decode; copy it before the frame buffer is reused.
type View struct {
	Version   uint8
	HeaderLen int
	TotalLen  int
	ID        uint16
	TTL       uint8
	Proto     Proto
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16

	// TCP only
	DataOffset int
	Flags      uint8
	Seq        uint32
	Ack        uint32
	Window     uint16

	Payload []byte
}

func (v *View) Source() netip.AddrPort      { return netip.AddrPortFrom(v.Src, v.SrcPort) }
func (v *View) Destination() netip.AddrPort { return netip.AddrPortFrom(v.Dst, v.DstPort) }

// Has reports whether every bit of f is set.
func (v *View) Has(f uint8) bool { return v.Flags&f == f }

func FlagString(f uint8) string {
	names := []struct {
		bit  uint8
		name string
	}{
		{FlagSYN, "S"}, {FlagACK, "."}, {FlagPSH, "P"}, {FlagFIN, "F"}, {FlagRST, "R"}, {FlagURG, "U"},
	}
	out := make([]byte, 0, 6)
	for _, n := range names {
		if f&n.bit != 0 {
			out = append(out, n.name...)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return string(out)
}
