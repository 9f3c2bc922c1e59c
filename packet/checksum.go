package packet

import "encoding/binary"

func sum16(b []byte, acc uint32) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		acc += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		acc += uint32(b[len(b)-1]) << 8
	}
	return acc
}

func fold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// Checksum returns the internet checksum of b seeded with initial. Run over
// data that already carries a correct checksum it returns 0.
func Checksum(b []byte, initial uint32) uint16 {
	return ^fold(sum16(b, initial))
}

// pseudoHeader sums the IPv4 pseudo header used by TCP and UDP.
func pseudoHeader(ip []byte, proto Proto, length int) uint32 {
	var acc uint32
	acc = sum16(ip[12:20], acc)
	acc += uint32(proto)
	acc += uint32(length)
	return acc
}

// FixIPv4Checksum rewrites the header checksum of the IPv4 header at the
// start of frame.
func FixIPv4Checksum(frame []byte) {
	ihl := int(frame[0]&0x0f) * 4
	frame[10], frame[11] = 0, 0
	binary.BigEndian.PutUint16(frame[10:12], Checksum(frame[:ihl], 0))
}

// FixTransportChecksum rewrites the TCP or UDP checksum of frame.
func FixTransportChecksum(frame []byte) {
	ihl := int(frame[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(frame[2:4]))
	seg := frame[ihl:total]
	proto := Proto(frame[9])

	switch proto {
	case ProtoTCP:
		seg[16], seg[17] = 0, 0
		c := Checksum(seg, pseudoHeader(frame, proto, len(seg)))
		binary.BigEndian.PutUint16(seg[16:18], c)
	case ProtoUDP:
		seg[6], seg[7] = 0, 0
		c := Checksum(seg, pseudoHeader(frame, proto, len(seg)))
		if c == 0 {
			c = 0xffff
		}
		binary.BigEndian.PutUint16(seg[6:8], c)
	}
}

// IPv4Valid reports whether the IPv4 header checksum of frame verifies.
func IPv4Valid(frame []byte) bool {
	if len(frame) < IPv4HeaderLen {
		return false
	}
	ihl := int(frame[0]&0x0f) * 4
	if ihl < IPv4HeaderLen || ihl > len(frame) {
		return false
	}
	return Checksum(frame[:ihl], 0) == 0
}

// TransportValid reports whether the TCP or UDP checksum of frame verifies.
// A zero UDP checksum means "not computed" and is accepted.
func TransportValid(frame []byte) bool {
	v, err := Decode(frame)
	if err != nil {
		return false
	}
	seg := frame[v.HeaderLen:v.TotalLen]
	if v.Proto == ProtoUDP && seg[6] == 0 && seg[7] == 0 {
		return true
	}
	return Checksum(seg, pseudoHeader(frame, v.Proto, len(seg))) == 0
}
