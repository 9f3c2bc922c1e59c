package bypass

import (
	"crypto/rand"
	"encoding/binary"
)

const decoyHost = "www.google.com"

func fakePayload(reason Reason, host string) []byte {
	if reason == ReasonHTTP {
		return []byte("GET / HTTP/1.1\r\nHost: " + decoyHost + "\r\n\r\n")
	}
	return FakeClientHello(decoyHost)
}

// FakeClientHello builds a plausible TLS 1.3 ClientHello for serverName,
// padded so it spans a typical first segment.
func FakeClientHello(serverName string) []byte {
	var body []byte
	body = append(body, 0x03, 0x03) // legacy_version TLS 1.2

	random := make([]byte, 32)
	rand.Read(random)
	body = append(body, random...)

	sid := make([]byte, 32)
	rand.Read(sid)
	body = append(body, byte(len(sid)))
	body = append(body, sid...)

	suites := []uint16{0x1301, 0x1302, 0x1303, 0xc02b, 0xc02f, 0xc02c, 0xc030, 0xcca9, 0xcca8}
	body = binary.BigEndian.AppendUint16(body, uint16(len(suites)*2))
	for _, s := range suites {
		body = binary.BigEndian.AppendUint16(body, s)
	}
	body = append(body, 0x01, 0x00) // null compression

	var exts []byte
	name := []byte(serverName)
	exts = appendExt(exts, 0x0000, func(b []byte) []byte {
		b = binary.BigEndian.AppendUint16(b, uint16(len(name)+3))
		b = append(b, 0x00)
		b = binary.BigEndian.AppendUint16(b, uint16(len(name)))
		return append(b, name...)
	})
	exts = appendExt(exts, 0x000a, func(b []byte) []byte { // supported_groups
		return append(b, 0x00, 0x04, 0x00, 0x1d, 0x00, 0x17)
	})
	exts = appendExt(exts, 0x0010, func(b []byte) []byte { // alpn
		return append(b, 0x00, 0x0c, 0x02, 'h', '2', 0x08, 'h', 't', 't', 'p', '/', '1', '.', '1')
	})
	exts = appendExt(exts, 0x002b, func(b []byte) []byte { // supported_versions
		return append(b, 0x04, 0x03, 0x04, 0x03, 0x03)
	})
	exts = appendExt(exts, 0x0033, func(b []byte) []byte { // key_share x25519
		key := make([]byte, 32)
		rand.Read(key)
		b = append(b, 0x00, 0x24, 0x00, 0x1d, 0x00, 0x20)
		return append(b, key...)
	})
	if pad := 512 - (len(body) + 2 + len(exts) + 4); pad > 4 {
		exts = appendExt(exts, 0x0015, func(b []byte) []byte {
			return append(b, make([]byte, pad-4)...)
		})
	}

	body = binary.BigEndian.AppendUint16(body, uint16(len(exts)))
	body = append(body, exts...)

	hs := []byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	rec := []byte{0x16, 0x03, 0x01}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(hs)))
	return append(rec, hs...)
}

func appendExt(b []byte, typ uint16, data func([]byte) []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, typ)
	lenAt := len(b)
	b = append(b, 0, 0)
	b = data(b)
	binary.BigEndian.PutUint16(b[lenAt:], uint16(len(b)-lenAt-2))
	return b
}
