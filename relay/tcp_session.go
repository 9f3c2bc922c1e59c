package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/b4tun/bypass"
	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/packet"
)

type tcpSession struct {
	id     string
	key    FlowKey
	r      *Relay
	cfg    *config.Config
	policy *bypass.Policy

	lastSeen atomic.Int64

	mu         sync.Mutex
	state      tcpState
	conn       net.Conn
	cancelDial context.CancelFunc
	clientISN  uint32
	clientNxt  uint32 // next sequence expected from the client
	serverISN  uint32
	serverNxt  uint32 // next sequence sent to the client
	pending    [][]byte
	finPending bool
	clientFin  bool
	writeq     chan []byte
	writeqShut bool
	linger     *time.Timer
}

func (s *tcpSession) short() string { return s.id[:8] }

func (s *tcpSession) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *tcpSession) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

func (s *tcpSession) setStateLocked(next tcpState) bool {
	prev := s.state
	if !canTransition(prev, next) {
		log.Debugf("[%s] %v: %s -> %s", s.short(), errBadTransition, prev, next)
		return false
	}
	s.state = next
	log.Tracef("[%s] %s -> %s", s.short(), prev, next)
	if fn := s.r.onTransition; fn != nil {
		fn(s, prev, next)
	}
	return true
}

func (s *tcpSession) sendLocked(flags uint8, payload []byte) {
	seg := packet.Segment{
		Proto:   packet.ProtoTCP,
		Src:     s.key.Dst,
		Dst:     s.key.Src,
		Seq:     s.serverNxt,
		Ack:     s.clientNxt,
		Flags:   flags,
		Window:  tcpWindow,
		Payload: payload,
	}
	if err := s.r.out.Write(seg); err != nil {
		log.Tracef("[%s] %v", s.short(), err)
	}
}

func (s *tcpSession) synAckLocked() {
	seg := packet.Segment{
		Proto:  packet.ProtoTCP,
		Src:    s.key.Dst,
		Dst:    s.key.Src,
		Seq:    s.serverISN,
		Ack:    s.clientISN + 1,
		Flags:  packet.FlagSYN | packet.FlagACK,
		Window: tcpWindow,
	}
	if err := s.r.out.Write(seg); err != nil {
		log.Tracef("[%s] %v", s.short(), err)
	}
}

// handle processes one client segment for a live session.
func (s *tcpSession) handle(v *packet.View) {
	s.touch()

	if v.Has(packet.FlagRST) {
		log.Tracef("[%s] Client reset", s.short())
		_ = s.abort(false, "client reset")
		return
	}

	s.mu.Lock()
	if v.Has(packet.FlagSYN) && !v.Has(packet.FlagACK) {
		if s.state < stateFinWait {
			s.synAckLocked()
		}
		s.mu.Unlock()
		return
	}

	switch s.state {
	case stateSynReceived, stateConnecting:
		s.queueLocked(v)
		s.mu.Unlock()
	case stateEstablished, stateStreaming:
		s.receiveLocked(v)
		s.mu.Unlock()
	case stateFinWait:
		done := s.finWaitLocked(v)
		s.mu.Unlock()
		if done {
			s.release("closed")
		}
	default:
		s.mu.Unlock()
	}
}

// queueLocked holds in-order data until the real socket is up. Nothing is
// acknowledged, so anything dropped here is retransmitted by the client.
func (s *tcpSession) queueLocked(v *packet.View) {
	if len(v.Payload) > 0 && v.Seq == s.clientNxt {
		if len(s.pending) >= s.cfg.Relay.PendingQueue {
			s.r.metrics.RecordDrop("tcp_pending_full")
			return
		}
		s.pending = append(s.pending, bytes.Clone(v.Payload))
		s.clientNxt += uint32(len(v.Payload))
	}
	if v.Has(packet.FlagFIN) && v.Seq+uint32(len(v.Payload)) == s.clientNxt {
		s.finPending = true
	}
}

func (s *tcpSession) receiveLocked(v *packet.View) {
	payload := v.Payload
	if len(payload) > 0 {
		end := v.Seq + uint32(len(payload))
		switch {
		case v.Seq == s.clientNxt:
		case seqLT(v.Seq, s.clientNxt) && seqLT(s.clientNxt, end):
			payload = payload[s.clientNxt-v.Seq:]
		case !seqLT(s.clientNxt, end):
			// retransmission of data already taken
			s.sendLocked(packet.FlagACK, nil)
			return
		default:
			// gap: repeat the last ACK
			s.sendLocked(packet.FlagACK, nil)
			return
		}

		select {
		case s.writeq <- bytes.Clone(payload):
			s.clientNxt += uint32(len(payload))
			if !v.Has(packet.FlagFIN) {
				s.sendLocked(packet.FlagACK, nil)
			}
		default:
			s.r.metrics.RecordDrop("tcp_backpressure")
			return
		}
	}

	if v.Has(packet.FlagFIN) && v.Seq+uint32(len(v.Payload)) == s.clientNxt {
		s.clientNxt++
		s.clientFin = true
		s.closeWriteLocked()
	}
}

// closeWriteLocked answers a client FIN: FIN+ACK, then the writer drains and
// closes the socket.
func (s *tcpSession) closeWriteLocked() {
	s.sendLocked(packet.FlagFIN|packet.FlagACK, nil)
	s.serverNxt++
	s.setStateLocked(stateFinWait)
	s.shutWriterLocked()
	s.armLingerLocked()
}

func (s *tcpSession) finWaitLocked(v *packet.View) (done bool) {
	if len(v.Payload) > 0 && !s.clientFin {
		// data after the server went away
		s.sendLocked(packet.FlagRST|packet.FlagACK, nil)
		return true
	}
	if v.Has(packet.FlagFIN) && !s.clientFin {
		s.clientNxt = v.Seq + uint32(len(v.Payload)) + 1
		s.clientFin = true
		s.sendLocked(packet.FlagACK, nil)
		return true
	}
	return s.clientFin && v.Has(packet.FlagACK) && v.Ack == s.serverNxt
}

func (s *tcpSession) armLingerLocked() {
	if s.linger == nil {
		s.linger = time.AfterFunc(finLinger, func() { s.release("linger expired") })
	}
}

func (s *tcpSession) shutWriterLocked() {
	if !s.writeqShut {
		s.writeqShut = true
		close(s.writeq)
	}
}

// connect dials the destination and starts relaying once it is up.
func (s *tcpSession) connect() {
	defer s.r.wg.Done()

	ctx, cancel := context.WithTimeout(s.r.ctx, s.cfg.ConnectTimeout())
	defer cancel()
	s.mu.Lock()
	s.cancelDial = cancel
	s.mu.Unlock()

	conn, err := s.r.dialer.DialTCP(ctx, s.key.Dst)
	if err != nil {
		log.Tracef("[%s] Connect %s failed: %v", s.short(), s.key.Dst, err)
		_ = s.abort(true, "connect failed")
		return
	}

	s.mu.Lock()
	if s.state != stateConnecting {
		s.mu.Unlock()
		_ = closeErr(conn)
		return
	}
	s.conn = conn
	s.cancelDial = nil
	s.setStateLocked(stateEstablished)

	s.r.wg.Add(2)
	go s.writer(conn)
	go s.reader(conn)

	if len(s.pending) > 0 {
		// one chunk so the bypass planner sees the whole first flight
		s.writeq <- bytes.Join(s.pending, nil)
		s.pending = nil
		s.sendLocked(packet.FlagACK, nil)
	}
	if s.finPending {
		s.clientNxt++
		s.clientFin = true
		s.closeWriteLocked()
	}
	s.mu.Unlock()
}

func (s *tcpSession) writer(conn net.Conn) {
	defer s.r.wg.Done()
	defer closeErr(conn)

	first := true
	for chunk := range s.writeq {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))

		var err error
		if first {
			first = false
			err = s.writeFirst(conn, chunk)
		} else {
			_, err = conn.Write(chunk)
		}
		if err != nil {
			if !s.localClose() {
				log.Tracef("[%s] Write to %s: %v", s.short(), s.key.Dst, err)
				_ = s.abort(true, "write failed")
			}
			return
		}
	}
}

func (s *tcpSession) writeFirst(conn net.Conn, chunk []byte) error {
	plan := s.policy.Plan(chunk, bypass.Flow{Dst: s.key.Dst})

	s.mu.Lock()
	if s.state == stateEstablished {
		s.setStateLocked(stateStreaming)
	}
	s.mu.Unlock()

	if plan.Active() {
		log.Bypassf("[%s] %s -> %s: %s", s.short(), s.key.Src, s.key.Dst, plan)
		s.r.metrics.RecordBypass(string(plan.Reason), plan.Strategy, plan.Host)
	}

	ep := bypass.Endpoints{Remote: s.key.Dst}
	if la, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		ep.Local = la.AddrPort()
	}
	_, err := bypass.Apply(conn, plan, s.r.inj, ep)
	return err
}

func (s *tcpSession) reader(conn net.Conn) {
	defer s.r.wg.Done()

	timeout := s.cfg.ReadTimeout()
	buf := make([]byte, s.cfg.Relay.MaxSegment)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := conn.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err == nil {
			continue
		}

		switch {
		case s.localClose():
		case errors.Is(err, os.ErrDeadlineExceeded):
			if s.idle() < timeout {
				continue
			}
			log.Tracef("[%s] Idle for %v, resetting", s.short(), timeout)
			_ = s.abort(true, "idle")
		case errors.Is(err, io.EOF):
			s.remoteClosed()
		default:
			log.Tracef("[%s] Read from %s: %v", s.short(), s.key.Dst, err)
			_ = s.abort(true, "read failed")
		}
		return
	}
}

// deliver segments data from the socket into frames of at most MaxSegment.
func (s *tcpSession) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateEstablished && s.state != stateStreaming {
		return
	}
	mss := s.cfg.Relay.MaxSegment
	for len(data) > 0 {
		n := min(len(data), mss)
		s.sendLocked(packet.FlagPSH|packet.FlagACK, data[:n])
		s.serverNxt += uint32(n)
		data = data[n:]
	}
}

func (s *tcpSession) remoteClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateEstablished && s.state != stateStreaming {
		return
	}
	log.Tracef("[%s] %s closed", s.short(), s.key.Dst)
	s.sendLocked(packet.FlagFIN|packet.FlagACK, nil)
	s.serverNxt++
	s.setStateLocked(stateFinWait)
	s.shutWriterLocked()
	s.armLingerLocked()
}

// localClose reports whether teardown was started on this side, in which
// case socket errors are expected.
func (s *tcpSession) localClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateFinWait || s.state == stateClosed
}

// abort closes the session and its socket immediately, optionally
// resetting the client.
func (s *tcpSession) abort(rst bool, why string) error {
	return s.teardown(rst, true, why)
}

// release forgets a session whose FIN exchange is over. The writer still
// owns the socket and closes it once drained.
func (s *tcpSession) release(why string) {
	_ = s.teardown(false, false, why)
}

func (s *tcpSession) teardown(rst, closeConn bool, why string) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	if rst {
		s.sendLocked(packet.FlagRST|packet.FlagACK, nil)
	}
	s.setStateLocked(stateClosed)
	s.shutWriterLocked()
	if s.linger != nil {
		s.linger.Stop()
	}
	conn, cancel := s.conn, s.cancelDial
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.r.removeTCP(s)
	log.Tracef("[%s] Session %s closed: %s", s.short(), s.key, why)
	if !closeConn {
		return nil
	}
	return closeErr(conn)
}

func (r *Relay) removeTCP(s *tcpSession) {
	r.mu.Lock()
	if r.tcp[s.key] == s {
		delete(r.tcp, s.key)
	}
	r.mu.Unlock()
	r.metrics.SessionClosed("tcp")
}
