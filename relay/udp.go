package relay

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/dns"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/packet"
)

const quicPort = 443

type udpSession struct {
	key    FlowKey
	r      *Relay
	conn   net.PacketConn
	target netip.AddrPort
	idle   time.Duration

	lastSeen atomic.Int64
	closed   atomic.Bool
}

func (s *udpSession) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *udpSession) seen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (r *Relay) handleUDP(cfg *config.Config, v *packet.View) {
	if cfg.Bypass.BlockQUIC && v.DstPort == quicPort {
		log.Bypassf("Dropped QUIC datagram %s -> %s", v.Source(), v.Destination())
		r.metrics.RecordDrop("quic")
		return
	}

	key := keyOf(v)
	r.mu.Lock()
	s := r.udp[key]
	r.mu.Unlock()

	if s == nil {
		var err error
		if s, err = r.openUDP(cfg, key); err != nil {
			log.Tracef("Dropping %s: %v", key, err)
			return
		}
	}

	if s.target != key.Dst {
		if q, ok := dns.ParseQuery(v.Payload); ok {
			log.Bypassf("DNS redirect: %s %s -> %s", q.Name, q.Type, s.target)
		}
	} else if dns.IsDNS(v.SrcPort, v.DstPort) && log.Enabled(log.LevelTrace) {
		if q, ok := dns.ParseQuery(v.Payload); ok {
			log.Tracef("DNS %s %s -> %s", q.Name, q.Type, s.target)
		}
	}

	s.touch()
	if _, err := s.conn.WriteTo(v.Payload, net.UDPAddrFromAddrPort(s.target)); err != nil {
		log.Tracef("UDP %s write: %v", key, err)
	}
}

func (r *Relay) openUDP(cfg *config.Config, key FlowKey) (*udpSession, error) {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrClosed
	case len(r.udp) >= cfg.Relay.MaxUDPSessions:
		r.mu.Unlock()
		r.metrics.RecordDrop("udp_table_full")
		return nil, fmt.Errorf("%d udp sessions: %w", cfg.Relay.MaxUDPSessions, ErrTableFull)
	}
	r.mu.Unlock()

	conn, err := r.dialer.ListenUDP(r.ctx)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	target := key.Dst
	if resolver, ok := cfg.Resolver(); ok && dns.IsDNS(key.Src.Port(), key.Dst.Port()) {
		target = netip.AddrPortFrom(resolver, key.Dst.Port())
	}
	s := &udpSession{
		key:    key,
		r:      r,
		conn:   conn,
		target: target,
		idle:   cfg.UDPIdleTimeout(),
	}
	s.touch()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = closeErr(conn)
		return nil, ErrClosed
	}
	if cur := r.udp[key]; cur != nil {
		r.mu.Unlock()
		_ = closeErr(conn)
		return cur, nil
	}
	r.udp[key] = s
	r.mu.Unlock()

	r.metrics.SessionOpened("udp")
	if target != key.Dst {
		log.Tracef("New UDP session %s via %s", key, target)
	} else {
		log.Tracef("New UDP session %s", key)
	}

	r.wg.Add(1)
	go s.reader()
	return s, nil
}

// reader relays replies back to the client and tears the session down once
// it has been idle for the configured timeout.
func (s *udpSession) reader() {
	defer s.r.wg.Done()

	buf := make([]byte, 0xffff)
	for {
		_ = s.conn.SetReadDeadline(s.seen().Add(s.idle))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			switch {
			case s.closed.Load():
			case errors.Is(err, os.ErrDeadlineExceeded):
				if time.Since(s.seen()) < s.idle {
					continue
				}
				_ = s.close("idle")
			default:
				log.Tracef("UDP %s read: %v", s.key, err)
				_ = s.close("read failed")
			}
			return
		}

		if ua, ok := from.(*net.UDPAddr); ok {
			src := ua.AddrPort()
			if src.Addr().Unmap() != s.target.Addr() || src.Port() != s.target.Port() {
				continue
			}
		}
		s.touch()

		seg := packet.Segment{
			Proto:   packet.ProtoUDP,
			Src:     s.key.Dst,
			Dst:     s.key.Src,
			Payload: buf[:n],
		}
		if err := s.r.out.Write(seg); err != nil {
			log.Tracef("UDP %s reply: %v", s.key, err)
		}
	}
}

func (s *udpSession) close(why string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.r.mu.Lock()
	if s.r.udp[s.key] == s {
		delete(s.r.udp, s.key)
	}
	s.r.mu.Unlock()
	s.r.metrics.SessionClosed("udp")
	log.Tracef("UDP session %s closed: %s", s.key, why)
	return closeErr(s.conn)
}
