package packet

import (
	"encoding/binary"
	"net/netip"
)

// Segment describes one frame to be written to the TUN device.
type Segment struct {
	Proto   Proto
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Urgent  uint16
	TTL     uint8 // 0 means DefaultTTL
	ID      uint16
	Payload []byte
}

// Encode builds a checksummed IPv4 frame. It returns nil when an address is
// not IPv4 or the frame would not fit in 64KiB.
func Encode(s Segment) []byte {
	src, dst := s.Src.Addr().Unmap(), s.Dst.Addr().Unmap()
	if !src.Is4() || !dst.Is4() {
		return nil
	}

	thl := TCPHeaderLen
	if s.Proto == ProtoUDP {
		thl = UDPHeaderLen
	}
	total := IPv4HeaderLen + thl + len(s.Payload)
	if total > 0xffff {
		return nil
	}

	ttl := s.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	b := make([]byte, total)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], s.ID)
	binary.BigEndian.PutUint16(b[6:8], 0x4000) // DF
	b[8] = ttl
	b[9] = byte(s.Proto)
	s4, d4 := src.As4(), dst.As4()
	copy(b[12:16], s4[:])
	copy(b[16:20], d4[:])

	seg := b[IPv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], s.Src.Port())
	binary.BigEndian.PutUint16(seg[2:4], s.Dst.Port())

	if s.Proto == ProtoUDP {
		binary.BigEndian.PutUint16(seg[4:6], uint16(thl+len(s.Payload)))
	} else {
		binary.BigEndian.PutUint32(seg[4:8], s.Seq)
		binary.BigEndian.PutUint32(seg[8:12], s.Ack)
		seg[12] = byte(thl/4) << 4
		seg[13] = s.Flags
		binary.BigEndian.PutUint16(seg[14:16], s.Window)
		binary.BigEndian.PutUint16(seg[18:20], s.Urgent)
	}
	copy(seg[thl:], s.Payload)

	FixIPv4Checksum(b)
	FixTransportChecksum(b)
	return b
}
