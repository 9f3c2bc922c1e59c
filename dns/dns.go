// Package dns inspects DNS queries crossing the UDP relay.
package dns

import (
	"strconv"
	"strings"

	mdns "github.com/miekg/dns"
)

const Port = 53

// Question is the first question of a DNS query.
type Question struct {
	ID   uint16
	Name string
	Type string
}

// IsDNS reports whether a datagram between the two ports is DNS traffic.
func IsDNS(srcPort, dstPort uint16) bool {
	return srcPort == Port || dstPort == Port
}

// ParseQuery decodes payload as a DNS query. Responses and messages without
// a question are rejected.
func ParseQuery(payload []byte) (Question, bool) {
	var m mdns.Msg
	if err := m.Unpack(payload); err != nil {
		return Question{}, false
	}
	if m.Response || len(m.Question) == 0 {
		return Question{}, false
	}
	q := m.Question[0]
	qtype, ok := mdns.TypeToString[q.Qtype]
	if !ok {
		qtype = "TYPE" + strconv.Itoa(int(q.Qtype))
	}
	return Question{
		ID:   m.Id,
		Name: strings.TrimSuffix(strings.ToLower(q.Name), "."),
		Type: qtype,
	}, true
}

// ParseQueryDomain returns only the queried name.
func ParseQueryDomain(payload []byte) (string, bool) {
	q, ok := ParseQuery(payload)
	if !ok || q.Name == "" {
		return "", false
	}
	return q.Name, true
}
