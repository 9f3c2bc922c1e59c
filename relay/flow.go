package relay

import (
	"fmt"
	"net/netip"

	"github.com/daniellavrushin/b4tun/packet"
)

// FlowKey identifies a flow as seen from the client: Src is the local
// application endpoint, Dst the remote one it is talking to.
type FlowKey struct {
	Src   netip.AddrPort
	Dst   netip.AddrPort
	Proto packet.Proto
}

func keyOf(v *packet.View) FlowKey {
	return FlowKey{Src: v.Source(), Dst: v.Destination(), Proto: v.Proto}
}

// Reverse returns the key of return traffic.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{Src: k.Dst, Dst: k.Src, Proto: k.Proto}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s->%s", k.Proto, k.Src, k.Dst)
}

// seqLT compares sequence numbers modulo 2^32.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
