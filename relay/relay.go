// Package relay terminates the TCP and UDP flows read from a TUN device and
// carries them over real host sockets, running the first chunk of every TCP
// flow through the bypass engine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/daniellavrushin/b4tun/bypass"
	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/metrics"
	"github.com/daniellavrushin/b4tun/packet"
)

var (
	ErrTableFull = errors.New("session table full")
	ErrClosed    = errors.New("relay closed")
)

// ConfigSource yields the configuration in force. config.Store is the
// production implementation.
type ConfigSource interface {
	Snapshot() *config.Config
}

// Dialer opens the real sockets sessions are relayed over. They must not be
// routed back into the interface; sock.Dialer protects them.
type Dialer interface {
	DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error)
	ListenUDP(ctx context.Context) (net.PacketConn, error)
}

type Options struct {
	// Injector sends fake and oob decoys. Without one those strategies
	// degrade to a plain split.
	Injector bypass.Injector
	Metrics  *metrics.Collector
	Trace    Tracer
}

type Relay struct {
	dev     io.Reader
	out     *Output
	cfg     ConfigSource
	dialer  Dialer
	inj     bypass.Injector
	metrics *metrics.Collector
	trace   Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tcp    map[FlowKey]*tcpSession
	udp    map[FlowKey]*udpSession
	closed bool

	policyMu  sync.Mutex
	policySrc *config.Config
	policy    *bypass.Policy

	onTransition func(s *tcpSession, from, to tcpState)
}

func New(dev io.ReadWriter, cfg ConfigSource, dialer Dialer, opts Options) *Relay {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		dev:     dev,
		out:     NewOutput(dev, m, opts.Trace),
		cfg:     cfg,
		dialer:  dialer,
		inj:     opts.Injector,
		metrics: m,
		trace:   opts.Trace,
		ctx:     ctx,
		cancel:  cancel,
		tcp:     make(map[FlowKey]*tcpSession),
		udp:     make(map[FlowKey]*udpSession),
	}
}

// Run reads frames from the interface until it fails or is closed. When ctx
// is done the relay is closed; the caller closes the device to unblock the
// pending read.
func (r *Relay) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	buf := make([]byte, 0xffff)
	for {
		n, err := r.dev.Read(buf)
		if err != nil {
			if r.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read interface: %w", err)
		}
		if n == 0 {
			continue
		}
		r.handleFrame(buf[:n])
	}
}

func (r *Relay) handleFrame(frame []byte) {
	r.metrics.RecordOut(len(frame))
	if r.trace != nil {
		if err := r.trace.WriteFrame(frame); err != nil {
			log.Debugf("trace write: %v", err)
		}
	}

	v, err := packet.Decode(frame)
	if err != nil {
		r.metrics.RecordDrop("undecodable")
		log.Tracef("Dropping frame of %d bytes: %v", len(frame), err)
		return
	}
	if log.Enabled(log.LevelDebug) {
		log.Debugf("tun -> %s", packet.Describe(frame))
	}

	cfg := r.cfg.Snapshot()
	switch v.Proto {
	case packet.ProtoTCP:
		r.handleTCP(cfg, &v)
	case packet.ProtoUDP:
		r.handleUDP(cfg, &v)
	}
}

// policyFor returns the bypass policy of a snapshot, rebuilt only when the
// snapshot changes.
func (r *Relay) policyFor(cfg *config.Config) *bypass.Policy {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	if r.policySrc != cfg || r.policy == nil {
		r.policy = bypass.NewPolicy(cfg.Bypass)
		r.policySrc = cfg
	}
	return r.policy
}

// Sessions reports the number of live TCP and UDP sessions.
func (r *Relay) Sessions() (tcp, udp int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tcp), len(r.udp)
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close resets every TCP session, closes every UDP session and waits briefly
// for session goroutines to finish. It is safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	tcps := make([]*tcpSession, 0, len(r.tcp))
	for _, s := range r.tcp {
		tcps = append(tcps, s)
	}
	udps := make([]*udpSession, 0, len(r.udp))
	for _, s := range r.udp {
		udps = append(udps, s)
	}
	r.mu.Unlock()

	r.cancel()

	var errs []error
	for _, s := range tcps {
		errs = append(errs, s.abort(true, "shutdown"))
	}
	for _, s := range udps {
		errs = append(errs, s.close("shutdown"))
	}

	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warnf("Timeout waiting for relay sessions to stop")
	}
	return errors.Join(errs...)
}

// closeErr drops the error of closing an already closed socket.
func closeErr(c io.Closer) error {
	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
