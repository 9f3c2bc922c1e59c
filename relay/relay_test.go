package relay

import (
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/packet"
	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to tcpState
		ok       bool
	}{
		{stateSynReceived, stateConnecting, true},
		{stateConnecting, stateEstablished, true},
		{stateEstablished, stateStreaming, true},
		{stateStreaming, stateFinWait, true},
		{stateFinWait, stateClosed, true},
		{stateEstablished, stateFinWait, true},
		{stateConnecting, stateClosed, true},
		{stateSynReceived, stateEstablished, false},
		{stateConnecting, stateStreaming, false},
		{stateStreaming, stateEstablished, false},
		{stateClosed, stateSynReceived, false},
		{stateClosed, stateClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}
}

func TestFlowKeyReverse(t *testing.T) {
	k := FlowKey{Src: client, Dst: remote, Proto: packet.ProtoTCP}
	assert.Equal(t, k, k.Reverse().Reverse())
	assert.Equal(t, remote, k.Reverse().Src)
	assert.Equal(t, "tcp 10.66.0.2:40000->93.184.216.34:443", k.String())
}

func TestSeqLT(t *testing.T) {
	assert.True(t, seqLT(1, 2))
	assert.False(t, seqLT(2, 2))
	assert.True(t, seqLT(0xfffffff0, 5))
	assert.False(t, seqLT(5, 0xfffffff0))
}

func TestTCPStateOrderAndSplit(t *testing.T) {
	store := testStore(func(c *config.Config) {
		c.Bypass.Strategy = config.StrategySplit
		c.Bypass.SplitPosition = 1
	})
	d := newPipeDialer()

	var mu sync.Mutex
	var states []tcpState
	r, dev := startRelay(t, store, d, func(r *Relay) {
		r.onTransition = func(_ *tcpSession, from, to tcpState) {
			mu.Lock()
			if len(states) == 0 {
				states = append(states, from)
			}
			states = append(states, to)
			mu.Unlock()
		}
	})

	isn := handshake(t, dev, client, remote, 1000)
	srv := d.server(t)
	assert.Equal(t, remote, srv.dst)

	hello := clientHello(300)
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 1001, Ack: isn + 1, Flags: packet.FlagPSH | packet.FlagACK, Window: 65535, Payload: hello})

	buf := make([]byte, 1024)
	n, err := srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n2, err := srv.conn.Read(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, 299, n2)
	assert.Equal(t, hello, buf[:n+n2])

	ack := dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 1301 })
	assert.Equal(t, isn+1, ack.Seq)

	mu.Lock()
	assert.Equal(t, []tcpState{stateSynReceived, stateConnecting, stateEstablished, stateStreaming}, states)
	mu.Unlock()

	snap := r.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.BypassActions["tls/split"])
	assert.Equal(t, int64(1), snap.TCPSessionsActive)
}

func TestTCPQueuedBeforeConnect(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Bypass.Strategy = config.StrategyNone })
	d := newPipeDialer()
	hold := make(chan struct{})
	gated := &gatedDialer{pipeDialer: d, gate: hold}
	r, dev := startRelay(t, store, gated)

	isn := handshake(t, dev, client, remote, 5000)
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 5001, Ack: isn + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte("hello ")})
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 5007, Ack: isn + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte("world")})
	key := FlowKey{Src: client, Dst: remote, Proto: packet.ProtoTCP}
	require.Eventually(t, func() bool { return pendingOf(r, key) == 2 }, time.Second, 5*time.Millisecond)
	close(hold)

	srv := d.server(t)
	buf := make([]byte, 64)
	n, err := srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 5012 })
}

func TestTCPPendingOverflowKeepsOrder(t *testing.T) {
	store := testStore(func(c *config.Config) {
		c.Bypass.Strategy = config.StrategyNone
		c.Relay.PendingQueue = 1
	})
	d := newPipeDialer()
	hold := make(chan struct{})
	r, dev := startRelay(t, store, &gatedDialer{pipeDialer: d, gate: hold})
	key := FlowKey{Src: client, Dst: remote, Proto: packet.ProtoTCP}

	isn := handshake(t, dev, client, remote, 1000)
	seg := func(seq uint32, data string) packet.Segment {
		return packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: seq, Ack: isn + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte(data)}
	}

	dev.send(seg(1001, "aa"))
	require.Eventually(t, func() bool { return pendingOf(r, key) == 1 }, time.Second, 5*time.Millisecond)
	dev.send(seg(1003, "bb"))
	require.Eventually(t, func() bool {
		return r.metrics.Snapshot().Drops["tcp_pending_full"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, pendingOf(r, key))

	close(hold)
	srv := d.server(t)
	buf := make([]byte, 16)
	n, err := srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "aa", string(buf[:n]))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 1003 })

	// the dropped segment was never acknowledged, so the client resends it
	dev.send(seg(1003, "bb"))
	n, err = srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "bb", string(buf[:n]))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 1005 })
}

func TestTCPWriterBackpressure(t *testing.T) {
	store := testStore(func(c *config.Config) {
		c.Bypass.Strategy = config.StrategyNone
		c.Relay.PendingQueue = 1
	})
	d := newPipeDialer()
	r, dev := startRelay(t, store, d)
	key := FlowKey{Src: client, Dst: remote, Proto: packet.ProtoTCP}

	isn := handshake(t, dev, client, remote, 1000)
	srv := d.server(t)
	seg := func(seq uint32, data string) packet.Segment {
		return packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: seq, Ack: isn + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte(data)}
	}

	// the writer takes "cc" and blocks on the unread socket
	dev.send(seg(1001, "cc"))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 1003 })
	require.Eventually(t, func() bool { return writeqLen(r, key) == 0 }, time.Second, 5*time.Millisecond)

	dev.send(seg(1003, "dd"))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 1005 })
	require.Equal(t, 1, writeqLen(r, key))

	dev.send(seg(1005, "ee"))
	require.Eventually(t, func() bool {
		return r.metrics.Snapshot().Drops["tcp_backpressure"] == 1
	}, time.Second, 5*time.Millisecond)

	buf := make([]byte, 4)
	_, err := io.ReadFull(srv.conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ccdd", string(buf))

	// "ee" was not taken, so its retransmission is forwarded, not re-ACKed
	dev.send(seg(1005, "ee"))
	_, err = io.ReadFull(srv.conn, buf[:2])
	require.NoError(t, err)
	assert.Equal(t, "ee", string(buf[:2]))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 1007 })
}

func TestTCPFinWhileConnecting(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Bypass.Strategy = config.StrategyNone })
	d := newPipeDialer()
	hold := make(chan struct{})
	r, dev := startRelay(t, store, &gatedDialer{pipeDialer: d, gate: hold})
	key := FlowKey{Src: client, Dst: remote, Proto: packet.ProtoTCP}

	isn := handshake(t, dev, client, remote, 100)
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 101, Ack: isn + 1, Flags: packet.FlagFIN | packet.FlagPSH | packet.FlagACK, Payload: []byte("bye")})
	require.Eventually(t, func() bool { return pendingOf(r, key) == 1 }, time.Second, 5*time.Millisecond)

	close(hold)
	srv := d.server(t)
	buf := make([]byte, 16)
	n, err := srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:n]))

	fin := dev.next(t, flagsAre(packet.FlagFIN|packet.FlagACK))
	assert.Equal(t, uint32(105), fin.Ack)
	assert.Equal(t, isn+1, fin.Seq)

	// the writer drains and closes the socket
	_, err = srv.conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 105, Ack: fin.Seq + 1, Flags: packet.FlagACK})
	require.Eventually(t, func() bool {
		n, _ := r.Sessions()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTCPServerDataSegmented(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Relay.MaxSegment = 100 })
	d := newPipeDialer()
	_, dev := startRelay(t, store, d)

	isn := handshake(t, dev, client, remote, 1)
	srv := d.server(t)

	reply := make([]byte, 250)
	for i := range reply {
		reply[i] = byte(i)
	}
	go srv.conn.Write(reply)

	var got []byte
	seq := isn + 1
	for len(got) < len(reply) {
		v := dev.next(t, flagsAre(packet.FlagPSH|packet.FlagACK))
		require.LessOrEqual(t, len(v.Payload), 100)
		require.Equal(t, seq, v.Seq)
		assert.Equal(t, uint32(2), v.Ack)
		seq += uint32(len(v.Payload))
		got = append(got, v.Payload...)
	}
	assert.Equal(t, reply, got)
}

func TestTCPDuplicateAndGap(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Bypass.Strategy = config.StrategyNone })
	d := newPipeDialer()
	_, dev := startRelay(t, store, d)

	isn := handshake(t, dev, client, remote, 100)
	srv := d.server(t)
	seg := func(seq uint32, data string) packet.Segment {
		return packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: seq, Ack: isn + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte(data)}
	}

	dev.send(seg(101, "abcd"))
	buf := make([]byte, 16)
	n, err := srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 105 })

	// duplicate is re-ACKed, not forwarded
	dev.send(seg(101, "abcd"))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 105 })

	// gap gets a duplicate ACK
	dev.send(seg(200, "zz"))
	dev.next(t, func(v packet.View) bool { return v.Flags == packet.FlagACK && v.Ack == 105 })

	// overlap forwards only the new tail
	dev.send(seg(103, "cdef"))
	n, err = srv.conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestTCPConnectTimeout(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Relay.ConnectTimeoutMs = 100 })
	d := newPipeDialer()
	d.block = true
	r, dev := startRelay(t, store, d)

	start := time.Now()
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 7, Flags: packet.FlagSYN})
	dev.next(t, flagsAre(packet.FlagSYN|packet.FlagACK))

	rst := dev.next(t, flagsAre(packet.FlagRST|packet.FlagACK))
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint32(8), rst.Ack)

	require.Eventually(t, func() bool {
		n, _ := r.Sessions()
		return n == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), r.metrics.Snapshot().TCPSessionsActive)
}

func TestTCPUnknownFlowReset(t *testing.T) {
	_, dev := startRelay(t, testStore(nil), newPipeDialer())

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 10, Ack: 777, Flags: packet.FlagACK, Payload: []byte("x")})
	rst := dev.next(t, nil)
	assert.Equal(t, packet.FlagRST, rst.Flags)
	assert.Equal(t, uint32(777), rst.Seq)

	// resets are never answered
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 10, Flags: packet.FlagRST})
	select {
	case f := <-dev.out:
		t.Fatalf("unexpected frame %s", packet.Describe(f))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTCPTableFull(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Relay.MaxTCPSessions = 1 })
	d := newPipeDialer()
	d.block = true
	r, dev := startRelay(t, store, d)

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 1, Flags: packet.FlagSYN})
	dev.next(t, flagsAre(packet.FlagSYN|packet.FlagACK))

	other := netip.MustParseAddrPort("10.66.0.2:40001")
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: other, Dst: remote, Seq: 50, Flags: packet.FlagSYN})
	rst := dev.next(t, func(v packet.View) bool { return v.DstPort == other.Port() })
	assert.Equal(t, packet.FlagRST|packet.FlagACK, rst.Flags)
	assert.Equal(t, uint32(51), rst.Ack)

	n, _ := r.Sessions()
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), r.metrics.Snapshot().Drops["tcp_table_full"])
}

func TestTCPRetransmittedSyn(t *testing.T) {
	d := newPipeDialer()
	d.block = true
	_, dev := startRelay(t, testStore(nil), d)

	syn := packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 42, Flags: packet.FlagSYN}
	dev.send(syn)
	first := dev.next(t, flagsAre(packet.FlagSYN|packet.FlagACK))
	dev.send(syn)
	again := dev.next(t, flagsAre(packet.FlagSYN|packet.FlagACK))
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, uint32(43), again.Ack)
}

func TestTCPClientFin(t *testing.T) {
	d := newPipeDialer()
	r, dev := startRelay(t, testStore(nil), d)

	isn := handshake(t, dev, client, remote, 300)
	srv := d.server(t)

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 301, Ack: isn + 1, Flags: packet.FlagFIN | packet.FlagACK})
	fin := dev.next(t, flagsAre(packet.FlagFIN|packet.FlagACK))
	assert.Equal(t, uint32(302), fin.Ack)

	_, err := srv.conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 302, Ack: fin.Seq + 1, Flags: packet.FlagACK})
	require.Eventually(t, func() bool {
		n, _ := r.Sessions()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTCPServerClose(t *testing.T) {
	d := newPipeDialer()
	r, dev := startRelay(t, testStore(nil), d)

	isn := handshake(t, dev, client, remote, 900)
	srv := d.server(t)
	require.NoError(t, srv.conn.Close())

	fin := dev.next(t, flagsAre(packet.FlagFIN|packet.FlagACK))
	assert.Equal(t, isn+1, fin.Seq)

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 901, Ack: fin.Seq + 1, Flags: packet.FlagFIN | packet.FlagACK})
	last := dev.next(t, flagsAre(packet.FlagACK))
	assert.Equal(t, uint32(902), last.Ack)
	require.Eventually(t, func() bool {
		n, _ := r.Sessions()
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTCPIdleReset(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Relay.ReadTimeoutSec = 1 })
	d := newPipeDialer()
	r, dev := startRelay(t, store, d)

	handshake(t, dev, client, remote, 500)
	srv := d.server(t)

	rst := dev.next(t, flagsAre(packet.FlagRST|packet.FlagACK))
	assert.Equal(t, uint32(501), rst.Ack)
	require.Eventually(t, func() bool {
		n, _ := r.Sessions()
		return n == 0
	}, time.Second, 10*time.Millisecond)

	_, err := srv.conn.Read(make([]byte, 8))
	assert.Error(t, err)
}

func TestTCPClientReset(t *testing.T) {
	d := newPipeDialer()
	r, dev := startRelay(t, testStore(nil), d)

	isn := handshake(t, dev, client, remote, 10)
	srv := d.server(t)
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: client, Dst: remote, Seq: 11, Ack: isn + 1, Flags: packet.FlagRST})

	_, err := srv.conn.Read(make([]byte, 8))
	assert.Error(t, err)
	n, _ := r.Sessions()
	assert.Equal(t, 0, n)
}

func TestTCPConcurrentIsolation(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Bypass.Strategy = config.StrategyNone })
	d := newPipeDialer()
	_, dev := startRelay(t, store, d)

	srcA := netip.MustParseAddrPort("10.66.0.2:50001")
	srcB := netip.MustParseAddrPort("10.66.0.2:50002")
	dstA := netip.MustParseAddrPort("198.51.100.1:8080")
	dstB := netip.MustParseAddrPort("198.51.100.2:9090")

	isnA := handshake(t, dev, srcA, dstA, 1)
	isnB := handshake(t, dev, srcB, dstB, 1)

	servers := map[netip.AddrPort]accepted{}
	for range 2 {
		a := d.server(t)
		servers[a.dst] = a
	}
	require.Len(t, servers, 2)

	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: srcA, Dst: dstA, Seq: 2, Ack: isnA + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte("AAAA")})
	dev.send(packet.Segment{Proto: packet.ProtoTCP, Src: srcB, Dst: dstB, Seq: 2, Ack: isnB + 1, Flags: packet.FlagACK | packet.FlagPSH, Payload: []byte("BBBB")})

	var wg sync.WaitGroup
	for dst, want := range map[netip.AddrPort]string{dstA: "AAAA", dstB: "BBBB"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 16)
			n, err := servers[dst].conn.Read(buf)
			assert.NoError(t, err)
			assert.Equal(t, want, string(buf[:n]))
			_, err = servers[dst].conn.Write([]byte("re:" + want))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := map[uint16]string{}
	for len(got) < 2 {
		v := dev.next(t, flagsAre(packet.FlagPSH|packet.FlagACK))
		got[v.DstPort] = string(v.Payload)
	}
	assert.Equal(t, "re:AAAA", got[srcA.Port()])
	assert.Equal(t, "re:BBBB", got[srcB.Port()])
}

func TestUDPBlockQUIC(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Bypass.BlockQUIC = true })
	d := newPipeDialer()
	r, dev := startRelay(t, store, d)

	dev.send(packet.Segment{Proto: packet.ProtoUDP, Src: client, Dst: netip.MustParseAddrPort("1.1.1.1:443"), Payload: []byte{0xc0, 0, 0, 0, 1}})
	require.Eventually(t, func() bool {
		return r.metrics.Snapshot().Drops["quic"] == 1
	}, time.Second, 10*time.Millisecond)
	_, n := r.Sessions()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, d.listenCount())
}

func TestUDPDNSRewrite(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Bypass.DNSResolver = "9.9.9.9" })
	d := newPipeDialer()
	_, dev := startRelay(t, store, d)

	actions := make(chan string, 8)
	log.AddHook(func(kind log.Kind, msg string) {
		if kind == log.KindBypass {
			select {
			case actions <- msg:
			default:
			}
		}
	})
	t.Cleanup(log.ResetHooks)

	m := new(mdns.Msg)
	m.SetQuestion("example.com.", mdns.TypeA)
	query, err := m.Pack()
	require.NoError(t, err)

	orig := netip.MustParseAddrPort("8.8.8.8:53")
	src := netip.MustParseAddrPort("10.66.0.2:5353")
	dev.send(packet.Segment{Proto: packet.ProtoUDP, Src: src, Dst: orig, Payload: query})

	var pc *fakePacketConn
	select {
	case pc = <-d.udp:
	case <-time.After(3 * time.Second):
		t.Fatal("no udp socket opened")
	}
	w := <-pc.writes
	assert.Equal(t, netip.MustParseAddrPort("9.9.9.9:53"), w.addr)
	assert.Equal(t, query, w.b)
	select {
	case msg := <-actions:
		assert.Contains(t, msg, "DNS redirect: example.com A -> 9.9.9.9:53")
	case <-time.After(time.Second):
		t.Fatal("resolver rewrite not reported as a bypass action")
	}

	// a stray sender is ignored
	pc.replies <- datagram{b: []byte("spoof"), addr: netip.MustParseAddrPort("6.6.6.6:53")}

	resp := new(mdns.Msg)
	resp.SetReply(m)
	answer, err := resp.Pack()
	require.NoError(t, err)
	pc.replies <- datagram{b: answer, addr: netip.MustParseAddrPort("9.9.9.9:53")}

	v := dev.next(t, nil)
	assert.Equal(t, packet.ProtoUDP, v.Proto)
	assert.Equal(t, orig, v.Source())
	assert.Equal(t, src, v.Destination())
	assert.Equal(t, answer, v.Payload)
}

func TestUDPPassThroughAndIdle(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Relay.UDPIdleTimeoutSec = 1 })
	d := newPipeDialer()
	r, dev := startRelay(t, store, d)

	dst := netip.MustParseAddrPort("203.0.113.9:3478")
	dev.send(packet.Segment{Proto: packet.ProtoUDP, Src: client, Dst: dst, Payload: []byte("ping")})
	pc := <-d.udp
	w := <-pc.writes
	assert.Equal(t, dst, w.addr)

	dev.send(packet.Segment{Proto: packet.ProtoUDP, Src: client, Dst: dst, Payload: []byte("ping2")})
	<-pc.writes
	assert.Equal(t, 1, d.listenCount())

	require.Eventually(t, func() bool {
		_, n := r.Sessions()
		return n == 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(0), r.metrics.Snapshot().UDPSessionsActive)
}

func TestUDPTableFull(t *testing.T) {
	store := testStore(func(c *config.Config) { c.Relay.MaxUDPSessions = 1 })
	d := newPipeDialer()
	r, dev := startRelay(t, store, d)

	dev.send(packet.Segment{Proto: packet.ProtoUDP, Src: client, Dst: netip.MustParseAddrPort("203.0.113.1:1000"), Payload: []byte("a")})
	dev.send(packet.Segment{Proto: packet.ProtoUDP, Src: client, Dst: netip.MustParseAddrPort("203.0.113.2:1000"), Payload: []byte("b")})

	require.Eventually(t, func() bool {
		return r.metrics.Snapshot().Drops["udp_table_full"] == 1
	}, time.Second, 10*time.Millisecond)
	_, n := r.Sessions()
	assert.Equal(t, 1, n)
}

func TestUndecodableCounted(t *testing.T) {
	r, dev := startRelay(t, testStore(nil), newPipeDialer())
	dev.in <- []byte{0x60, 0, 0, 0}
	dev.in <- []byte{0x45}

	require.Eventually(t, func() bool {
		return r.metrics.Snapshot().Drops["undecodable"] == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), r.metrics.Snapshot().PacketsOut)
}

func TestPolicyCachedPerSnapshot(t *testing.T) {
	store := testStore(nil)
	r := New(newFakeDev(), store, newPipeDialer(), Options{})

	p1 := r.policyFor(store.Snapshot())
	assert.Same(t, p1, r.policyFor(store.Snapshot()))

	next := store.Snapshot().Clone()
	next.Bypass.Strategy = config.StrategyMultisplit
	require.NoError(t, store.Update(next))

	p2 := r.policyFor(store.Snapshot())
	assert.NotSame(t, p1, p2)
	assert.Equal(t, config.StrategyMultisplit, p2.Config().Strategy)
	require.NoError(t, r.Close())
}

func TestCloseResetsSessions(t *testing.T) {
	d := newPipeDialer()
	r, dev := startRelay(t, testStore(nil), d)

	handshake(t, dev, client, remote, 1)
	d.server(t)
	require.NoError(t, r.Close())
	dev.next(t, flagsAre(packet.FlagRST|packet.FlagACK))

	n, _ := r.Sessions()
	assert.Equal(t, 0, n)
	require.NoError(t, r.Close())
}
