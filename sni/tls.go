package sni

import (
	"github.com/daniellavrushin/b4tun/log"
)

const (
	tlsRecordHandshake      uint8 = 0x16
	tlsHandshakeClientHello uint8 = 0x01
)

const (
	tlsExtServerName uint16 = 0
	tlsExtALPN       uint16 = 16
)

// Hello is what the relay needs from a ClientHello. SNIOffset is the offset
// of the hostname inside the chunk passed to ParseClientHello, -1 if absent.
type Hello struct {
	SNI       string
	SNIOffset int
	ALPN      []string
	ECH       bool
}

// IsClientHello reports whether chunk starts with a TLS handshake record
// carrying a ClientHello.
func IsClientHello(chunk []byte) bool {
	return len(chunk) >= 6 && chunk[0] == tlsRecordHandshake && chunk[5] == tlsHandshakeClientHello
}

func isValidSNIChar(b byte) bool {
	if (b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9') ||
		b == '-' || b == '.' || b == '_' {
		return true
	}
	return b >= 128
}

func validateSNI(sni string) bool {
	if len(sni) == 0 {
		return false
	}
	for i := 0; i < len(sni); i++ {
		if !isValidSNIChar(sni[i]) {
			log.Tracef("Invalid SNI char at position %d: 0x%02x in %q", i, sni[i], sni)
			return false
		}
	}
	if sni != "localhost" && !contains(sni, '.') {
		return false
	}
	return true
}

func contains(s string, char byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == char {
			return true
		}
	}
	return false
}

// ParseClientHello parses the ClientHello at the start of chunk. Truncated
// records are parsed as far as they go, since the first write of a flow may
// not carry the whole hello.
func ParseClientHello(chunk []byte) (Hello, bool) {
	h := Hello{SNIOffset: -1}
	if !IsClientHello(chunk) {
		return h, false
	}

	recLen := int(chunk[3])<<8 | int(chunk[4])
	if 5+recLen > len(chunk) {
		recLen = len(chunk) - 5
	}
	rec := chunk[5 : 5+recLen]
	if len(rec) < 4 {
		return h, false
	}

	hl := int(rec[1])<<16 | int(rec[2])<<8 | int(rec[3])
	if 4+hl > len(rec) {
		hl = len(rec) - 4
	}

	// chunk offset of the ClientHello body
	base := 5 + 4
	parseClientHelloBody(rec[4:4+hl], base, &h)

	if h.SNI != "" && !validateSNI(h.SNI) {
		log.Tracef("TLS: Invalid SNI extracted: %q", h.SNI)
		h.SNI, h.SNIOffset = "", -1
	}
	if h.SNI == "" && h.ECH {
		log.Tracef("TLS: ECH present, no clear SNI")
	}
	return h, true
}

// ParseSNI is a shorthand returning only the server name.
func ParseSNI(chunk []byte) (string, bool) {
	h, ok := ParseClientHello(chunk)
	if !ok || h.SNI == "" {
		return "", false
	}
	return h.SNI, true
}

func parseClientHelloBody(ch []byte, base int, h *Hello) {
	p := 0
	n := len(ch)

	// version + random
	p += 2 + 32
	if p+1 > n {
		return
	}

	sidLen := int(ch[p])
	p += 1 + sidLen
	if p+2 > n {
		return
	}

	csLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2 + csLen
	if p+1 > n {
		return
	}

	cmLen := int(ch[p])
	p += 1 + cmLen
	if p+2 > n {
		return
	}

	extLen := int(ch[p])<<8 | int(ch[p+1])
	p += 2
	if p+extLen > n {
		extLen = n - p
	}
	if extLen <= 0 {
		return
	}

	exts := ch[p : p+extLen]
	extBase := base + p

	q := 0
	for q+4 <= len(exts) {
		et := uint16(exts[q])<<8 | uint16(exts[q+1])
		el := int(exts[q+2])<<8 | int(exts[q+3])
		q += 4
		if q+el > len(exts) {
			break
		}
		ed := exts[q : q+el]

		switch {
		case et == tlsExtServerName:
			if name, off := extractSNIFromExtension(ed); name != "" {
				h.SNI = name
				h.SNIOffset = extBase + q + off
			}
		case et == tlsExtALPN:
			h.ALPN = extractALPNFromExtension(ed)
		case et == 0xfe0d || et == 0xfe0e || et == 0xfe0f:
			h.ECH = true
		}
		q += el
	}
}

// extractSNIFromExtension returns the host_name entry and its offset in ed.
func extractSNIFromExtension(ed []byte) (string, int) {
	if len(ed) < 2 {
		return "", 0
	}

	listLen := int(ed[0])<<8 | int(ed[1])
	if listLen <= 0 || 2+listLen > len(ed) {
		return "", 0
	}

	r := 2
	listEnd := 2 + listLen

	for r+3 <= listEnd {
		nameType := ed[r]
		nameLen := int(ed[r+1])<<8 | int(ed[r+2])
		r += 3

		if nameLen <= 0 || r+nameLen > listEnd {
			break
		}

		if nameType == 0 {
			name := ed[r : r+nameLen]
			for i, b := range name {
				if !isValidSNIChar(b) {
					if i > 0 {
						return string(name[:i]), r
					}
					return "", 0
				}
			}
			return string(name), r
		}

		r += nameLen
	}

	return "", 0
}

func extractALPNFromExtension(ed []byte) []string {
	var alpns []string

	if len(ed) < 2 {
		return alpns
	}

	listLen := int(ed[0])<<8 | int(ed[1])
	if listLen <= 0 || 2+listLen > len(ed) {
		return alpns
	}

	r := 2
	listEnd := 2 + listLen

	for r < listEnd {
		protoLen := int(ed[r])
		r++

		if protoLen <= 0 || r+protoLen > listEnd {
			break
		}

		alpns = append(alpns, string(ed[r:r+protoLen]))
		r += protoLen
	}

	return alpns
}
