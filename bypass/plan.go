// Package bypass decides how the first chunk of a TCP flow is delivered to
// the real socket and performs that delivery. Every strategy resegments or
// retimes the chunk; none of them drops or duplicates application bytes.
package bypass

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/sni"
)

type Reason string

const (
	ReasonNone Reason = ""
	ReasonTLS  Reason = "tls"
	ReasonHTTP Reason = "http"
)

type DecoyKind int

const (
	DecoyNone DecoyKind = iota
	DecoyFake
	DecoyOOB
)

func (d DecoyKind) String() string {
	switch d {
	case DecoyFake:
		return "fake"
	case DecoyOOB:
		return "oob"
	}
	return "none"
}

// Flow is what the planner knows about the connection.
type Flow struct {
	Dst netip.AddrPort
}

// Plan is the delivery schedule for one chunk.
type Plan struct {
	Reason   Reason
	Strategy string
	Host     string

	// Payload is the chunk to deliver. It differs from the input only when
	// the Host header was case-mangled.
	Payload []byte
	Mangled bool

	// Cuts are ascending offsets into Payload, each strictly inside it.
	Cuts []int

	DelayMin time.Duration
	DelayMax time.Duration

	Decoy        DecoyKind
	DecoyTTL     uint8
	DecoyRepeats int
}

// Active reports whether the plan does anything beyond one plain write.
func (p Plan) Active() bool {
	return p.Reason != ReasonNone && (len(p.Cuts) > 0 || p.Mangled || p.Decoy != DecoyNone)
}

// Fragments returns the consecutive writes of the plan.
func (p Plan) Fragments() [][]byte {
	return splitAt(p.Payload, p.Cuts)
}

func (p Plan) String() string {
	if p.Reason == ReasonNone {
		return "passthrough"
	}
	s := fmt.Sprintf("%s %s frags=%d", p.Reason, p.Strategy, len(p.Cuts)+1)
	if p.Host != "" {
		s += " host=" + p.Host
	}
	if p.Mangled {
		s += " mangled"
	}
	if p.Decoy != DecoyNone {
		s += fmt.Sprintf(" decoy=%s ttl=%d x%d", p.Decoy, p.DecoyTTL, p.DecoyRepeats)
	}
	if p.DelayMax > 0 {
		s += fmt.Sprintf(" delay=%v-%v", p.DelayMin, p.DelayMax)
	}
	return s
}

// Policy is the planner for one configuration snapshot.
type Policy struct {
	cfg     config.BypassConfig
	targets *sni.Matcher
}

func NewPolicy(cfg config.BypassConfig) *Policy {
	return &Policy{cfg: cfg, targets: sni.NewMatcher(cfg.Targets)}
}

func (p *Policy) Config() config.BypassConfig { return p.cfg }

// Plan decides how chunk, the first payload of a flow, is delivered. It has
// no side effects and does not modify chunk.
func (p *Policy) Plan(chunk []byte, flow Flow) Plan {
	cfg := &p.cfg
	pass := Plan{Payload: chunk}

	switch {
	case flow.Dst.Port() == 443 && sni.IsClientHello(chunk):
		if !cfg.TLS {
			return pass
		}
		h, _ := sni.ParseClientHello(chunk)
		if !p.targets.Allows(flow.Dst.Addr(), h.SNI) {
			return pass
		}
		plan := p.base(ReasonTLS, chunk, h.SNI)
		plan.Cuts = p.cuts(len(chunk), h.SNIOffset, len(h.SNI))
		return plan

	case flow.Dst.Port() == 80 || sni.IsHTTPRequest(chunk):
		if !cfg.HTTP {
			return pass
		}
		host, off := sni.HostHeader(chunk)
		if !p.targets.Allows(flow.Dst.Addr(), host) {
			return pass
		}
		plan := p.base(ReasonHTTP, chunk, host)
		valueOff := -1
		if off >= 0 {
			valueOff = sni.IndexFold(chunk[off:], []byte(host)) + off
			if valueOff < off {
				valueOff = -1
			}
		}
		if cfg.MangleHost && off >= 0 {
			plan.Payload = MangleHost(chunk, off)
			plan.Mangled = true
		}
		plan.Cuts = p.cuts(len(chunk), valueOff, len(host))
		return plan
	}

	return pass
}

func (p *Policy) base(reason Reason, chunk []byte, host string) Plan {
	cfg := &p.cfg
	plan := Plan{
		Reason:   reason,
		Strategy: cfg.Strategy,
		Host:     host,
		Payload:  chunk,
		DelayMin: time.Duration(cfg.DelayMinMs) * time.Millisecond,
		DelayMax: time.Duration(max(cfg.DelayMaxMs, cfg.DelayMinMs)) * time.Millisecond,
	}
	switch cfg.Strategy {
	case config.StrategyFake:
		plan.Decoy = DecoyFake
	case config.StrategyOOB:
		plan.Decoy = DecoyOOB
	}
	if plan.Decoy != DecoyNone {
		plan.DecoyTTL = cfg.FakeTTL
		plan.DecoyRepeats = max(cfg.FakeRepeats, 1)
	}
	return plan
}

// cuts resolves split offsets for a chunk of length n. hostOff/hostLen
// locate the SNI or Host value, hostOff < 0 if unknown.
func (p *Policy) cuts(n, hostOff, hostLen int) []int {
	cfg := &p.cfg
	if cfg.Strategy == config.StrategyNone || n < 2 {
		return nil
	}

	pos := cfg.SplitPosition
	if pos <= 0 {
		pos = 1
	}
	if cfg.MiddleSNI && hostOff >= 0 && hostLen > 0 {
		pos = hostOff + hostLen/2
	}
	if pos >= n {
		pos = n / 2
	}

	positions := []int{pos}
	if cfg.Strategy == config.StrategyMultisplit {
		frags := max(cfg.FragmentCount, 2)
		rest := n - pos
		for i := 1; i < frags-1; i++ {
			positions = append(positions, pos+i*rest/(frags-1))
		}
	}
	return normalizeCuts(positions, n)
}

func normalizeCuts(positions []int, n int) []int {
	sort.Ints(positions)
	out := positions[:0]
	prev := -1
	for _, c := range positions {
		if c != prev && c > 0 && c < n {
			out = append(out, c)
			prev = c
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitAt cuts data at ascending offsets.
func splitAt(data []byte, cuts []int) [][]byte {
	if len(cuts) == 0 {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, len(cuts)+1)
	start := 0
	for _, c := range cuts {
		if c > start && c < len(data) {
			chunks = append(chunks, data[start:c])
			start = c
		}
	}
	return append(chunks, data[start:])
}

// MangleHost returns a copy of chunk with the header name at off rewritten
// to "hoSt:".
func MangleHost(chunk []byte, off int) []byte {
	out := append([]byte(nil), chunk...)
	if off >= 0 && off+5 <= len(out) {
		copy(out[off:], "hoSt:")
	}
	return out
}
