package packet

import (
	"encoding/binary"
	"net/netip"
)

// Decode parses an IPv4 frame carrying TCP or UDP. It never panics; every
// failure wraps ErrUndecodable.
func Decode(frame []byte) (View, error) {
	var v View

	if len(frame) < IPv4HeaderLen {
		return v, ErrTooShort
	}
	v.Version = frame[0] >> 4
	if v.Version != 4 {
		return v, ErrNotIPv4
	}

	ihl := int(frame[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(frame[2:4]))
	if ihl < IPv4HeaderLen || ihl > len(frame) || total < ihl || total > len(frame) {
		return v, ErrBadLength
	}

	// MF set or non-zero offset
	if binary.BigEndian.Uint16(frame[6:8])&0x3fff != 0 {
		return v, ErrFragment
	}

	v.HeaderLen = ihl
	v.TotalLen = total
	v.ID = binary.BigEndian.Uint16(frame[4:6])
	v.TTL = frame[8]
	v.Proto = Proto(frame[9])
	v.Src = netip.AddrFrom4([4]byte(frame[12:16]))
	v.Dst = netip.AddrFrom4([4]byte(frame[16:20]))

	seg := frame[ihl:total]

	switch v.Proto {
	case ProtoTCP:
		if len(seg) < TCPHeaderLen {
			return v, ErrTooShort
		}
		off := int(seg[12]>>4) * 4
		if off < TCPHeaderLen || off > len(seg) {
			return v, ErrBadLength
		}
		v.SrcPort = binary.BigEndian.Uint16(seg[0:2])
		v.DstPort = binary.BigEndian.Uint16(seg[2:4])
		v.Seq = binary.BigEndian.Uint32(seg[4:8])
		v.Ack = binary.BigEndian.Uint32(seg[8:12])
		v.DataOffset = off
		v.Flags = seg[13] & 0x3f
		v.Window = binary.BigEndian.Uint16(seg[14:16])
		v.Payload = seg[off:]

	case ProtoUDP:
		if len(seg) < UDPHeaderLen {
			return v, ErrTooShort
		}
		ulen := int(binary.BigEndian.Uint16(seg[4:6]))
		if ulen < UDPHeaderLen || ulen > len(seg) {
			return v, ErrBadLength
		}
		v.SrcPort = binary.BigEndian.Uint16(seg[0:2])
		v.DstPort = binary.BigEndian.Uint16(seg[2:4])
		v.Payload = seg[UDPHeaderLen:ulen]

	default:
		return v, ErrUnsupportedProto
	}

	return v, nil
}
