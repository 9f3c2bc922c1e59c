package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/packet"
	"github.com/stretchr/testify/require"
)

var (
	client = netip.MustParseAddrPort("10.66.0.2:40000")
	remote = netip.MustParseAddrPort("93.184.216.34:443")
)

// fakeDev is a TUN device backed by channels.
type fakeDev struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeDev() *fakeDev {
	return &fakeDev{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (d *fakeDev) Read(p []byte) (int, error) {
	select {
	case f := <-d.in:
		return copy(p, f), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *fakeDev) Write(p []byte) (int, error) {
	select {
	case d.out <- bytes.Clone(p):
		return len(p), nil
	case <-d.closed:
		return 0, io.ErrClosedPipe
	}
}

func (d *fakeDev) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDev) send(seg packet.Segment) {
	d.in <- packet.Encode(seg)
}

// next returns the next frame the relay wrote that satisfies match.
func (d *fakeDev) next(t *testing.T, match func(v packet.View) bool) packet.View {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-d.out:
			v, err := packet.Decode(f)
			require.NoError(t, err)
			require.True(t, packet.IPv4Valid(f))
			require.True(t, packet.TransportValid(f))
			if match == nil || match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("no matching frame from relay")
			return packet.View{}
		}
	}
}

func flagsAre(f uint8) func(v packet.View) bool {
	return func(v packet.View) bool { return v.Flags == f }
}

type accepted struct {
	dst  netip.AddrPort
	conn net.Conn
}

// pipeDialer hands the relay one end of a net.Pipe and the test the other.
type pipeDialer struct {
	block    bool
	accepted chan accepted
	udp      chan *fakePacketConn
	listens  int
	mu       sync.Mutex
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		accepted: make(chan accepted, 16),
		udp:      make(chan *fakePacketConn, 16),
	}
}

func (d *pipeDialer) DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, srv := net.Pipe()
	d.accepted <- accepted{dst: dst, conn: srv}
	return c, nil
}

func (d *pipeDialer) ListenUDP(context.Context) (net.PacketConn, error) {
	d.mu.Lock()
	d.listens++
	d.mu.Unlock()
	c := newFakePacketConn()
	d.udp <- c
	return c, nil
}

func (d *pipeDialer) listenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listens
}

func (d *pipeDialer) server(t *testing.T) accepted {
	t.Helper()
	select {
	case a := <-d.accepted:
		return a
	case <-time.After(3 * time.Second):
		t.Fatal("relay never dialed")
		return accepted{}
	}
}

type datagram struct {
	b    []byte
	addr netip.AddrPort
}

type fakePacketConn struct {
	writes  chan datagram
	replies chan datagram
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		writes:  make(chan datagram, 16),
		replies: make(chan datagram, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	dl := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		tm := time.NewTimer(d)
		defer tm.Stop()
		timeout = tm.C
	}

	select {
	case r := <-c.replies:
		return copy(b, r.b), net.UDPAddrFromAddrPort(r.addr), nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua := addr.(*net.UDPAddr)
	select {
	case c.writes <- datagram{b: bytes.Clone(b), addr: ua.AddrPort()}:
		return len(b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakePacketConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr { return &net.UDPAddr{} }

func (c *fakePacketConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *fakePacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakePacketConn) SetWriteDeadline(time.Time) error { return nil }

func testStore(mut func(c *config.Config)) *config.Store {
	c := config.NewConfig()
	c.Relay.ConnectTimeoutMs = 2000
	if mut != nil {
		mut(&c)
	}
	return config.NewStore(&c)
}

// startRelay runs a relay over a fake device until the test ends.
func startRelay(t *testing.T, store *config.Store, d Dialer, setup ...func(r *Relay)) (*Relay, *fakeDev) {
	t.Helper()
	dev := newFakeDev()
	r := New(dev, store, d, Options{})
	for _, fn := range setup {
		fn(r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		dev.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return r, dev
}

// handshake opens a TCP flow from src to dst and returns the server ISN.
func handshake(t *testing.T, dev *fakeDev, src, dst netip.AddrPort, isn uint32) uint32 {
	t.Helper()
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: src, Dst: dst, Seq: isn, Flags: packet.FlagSYN, Window: 65535})
	synAck := dev.next(t, func(v packet.View) bool {
		return v.Flags == packet.FlagSYN|packet.FlagACK && v.DstPort == src.Port()
	})
	require.Equal(t, isn+1, synAck.Ack)
	require.Equal(t, dst, synAck.Source())
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: src, Dst: dst, Seq: isn + 1, Ack: synAck.Seq + 1, Flags: packet.FlagACK, Window: 65535})
	return synAck.Seq
}

func clientHello(n int) []byte {
	b := make([]byte, n)
	b[0], b[1], b[2] = 0x16, 0x03, 0x01
	b[3], b[4] = byte((n-5)>>8), byte(n-5)
	b[5] = 0x01
	for i := 6; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

// gatedDialer holds every dial until gate is closed.
type gatedDialer struct {
	*pipeDialer
	gate chan struct{}
}

func (d *gatedDialer) DialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.pipeDialer.DialTCP(ctx, dst)
}

func pendingOf(r *Relay, key FlowKey) int {
	r.mu.Lock()
	s := r.tcp[key]
	r.mu.Unlock()
	if s == nil {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func writeqLen(r *Relay, key FlowKey) int {
	r.mu.Lock()
	s := r.tcp[key]
	r.mu.Unlock()
	if s == nil {
		return -1
	}
	return len(s.writeq)
}
