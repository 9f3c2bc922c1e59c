package relay

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/packet"
	"github.com/google/uuid"
)

type tcpState int

const (
	stateSynReceived tcpState = iota
	stateConnecting
	stateEstablished
	// first chunk handed to the socket
	stateStreaming
	stateFinWait
	stateClosed
)

func (s tcpState) String() string {
	switch s {
	case stateSynReceived:
		return "SYN_RECEIVED"
	case stateConnecting:
		return "CONNECTING"
	case stateEstablished:
		return "ESTABLISHED"
	case stateStreaming:
		return "STREAMING"
	case stateFinWait:
		return "FIN_WAIT"
	case stateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("tcpState(%d)", int(s))
}

var errBadTransition = errors.New("invalid tcp state transition")

var tcpEdges = map[tcpState][]tcpState{
	stateSynReceived: {stateConnecting, stateClosed},
	stateConnecting:  {stateEstablished, stateClosed},
	stateEstablished: {stateStreaming, stateFinWait, stateClosed},
	stateStreaming:   {stateFinWait, stateClosed},
	stateFinWait:     {stateClosed},
}

func canTransition(from, to tcpState) bool {
	for _, s := range tcpEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	tcpWindow = 65535
	// how long a half-closed session lingers to absorb the final ACK
	finLinger = 5 * time.Second
)

func (r *Relay) handleTCP(cfg *config.Config, v *packet.View) {
	key := keyOf(v)

	r.mu.Lock()
	s := r.tcp[key]
	r.mu.Unlock()

	if s != nil {
		s.handle(v)
		return
	}

	switch {
	case v.Has(packet.FlagRST):
	case v.Has(packet.FlagSYN) && !v.Has(packet.FlagACK):
		if err := r.openTCP(cfg, key, v); err != nil {
			log.Tracef("Rejecting %s: %v", key, err)
			r.resetFor(v)
		}
	default:
		log.Tracef("Segment for unknown flow %s [%s], resetting", key, packet.FlagString(v.Flags))
		r.resetFor(v)
	}
}

// resetFor answers v with a reset, seq/ack chosen so the client accepts it.
func (r *Relay) resetFor(v *packet.View) {
	seg := packet.Segment{
		Proto:  packet.ProtoTCP,
		Src:    v.Destination(),
		Dst:    v.Source(),
		Window: 0,
	}
	if v.Has(packet.FlagACK) {
		seg.Seq = v.Ack
		seg.Flags = packet.FlagRST
	} else {
		seg.Ack = v.Seq + uint32(len(v.Payload))
		if v.Has(packet.FlagSYN) {
			seg.Ack++
		}
		if v.Has(packet.FlagFIN) {
			seg.Ack++
		}
		seg.Flags = packet.FlagRST | packet.FlagACK
	}
	if err := r.out.Write(seg); err != nil {
		log.Tracef("reset to %s: %v", v.Source(), err)
	}
}

func (r *Relay) openTCP(cfg *config.Config, key FlowKey, v *packet.View) error {
	isn := rand.Uint32()
	s := &tcpSession{
		id:        uuid.NewString(),
		key:       key,
		r:         r,
		cfg:       cfg,
		policy:    r.policyFor(cfg),
		state:     stateSynReceived,
		clientISN: v.Seq,
		clientNxt: v.Seq + 1,
		serverISN: isn,
		serverNxt: isn + 1,
		writeq:    make(chan []byte, max(cfg.Relay.PendingQueue, 1)),
	}
	s.touch()

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case len(r.tcp) >= cfg.Relay.MaxTCPSessions:
		r.mu.Unlock()
		r.metrics.RecordDrop("tcp_table_full")
		return fmt.Errorf("%d tcp sessions: %w", cfg.Relay.MaxTCPSessions, ErrTableFull)
	}
	r.tcp[key] = s
	r.mu.Unlock()

	r.metrics.SessionOpened("tcp")
	log.Tracef("[%s] New TCP session %s", s.short(), key)

	s.mu.Lock()
	s.synAckLocked()
	s.setStateLocked(stateConnecting)
	s.mu.Unlock()

	r.wg.Add(1)
	go s.connect()
	return nil
}
