package sni

import (
	"bytes"
	"strings"
)

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
	[]byte("DELETE "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

// IsHTTPRequest reports whether chunk starts with an HTTP/1.x request method.
func IsHTTPRequest(chunk []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(chunk, m) {
			return true
		}
	}
	return false
}

// HostHeader finds the Host header in an HTTP request. offset is the index
// of the header name ("Host:") within chunk, -1 if absent.
func HostHeader(chunk []byte) (host string, offset int) {
	offset = IndexFold(chunk, []byte("\nhost:"))
	if offset < 0 {
		return "", -1
	}
	offset++

	rest := chunk[offset+len("host:"):]
	if end := bytes.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	host = strings.TrimSpace(string(rest))
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(host), offset
}

// IndexFold is an ASCII case-insensitive bytes.Index.
func IndexFold(s, sep []byte) int {
	n := len(sep)
	for i := 0; i+n <= len(s); i++ {
		if bytes.EqualFold(s[i:i+n], sep) {
			return i
		}
	}
	return -1
}
