package bypass

import (
	"io"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/packet"
)

// Injector puts a raw IPv4 frame on the wire, outside any socket's stream.
type Injector interface {
	Inject(frame []byte) error
}

// Endpoints are the real socket addresses decoys impersonate.
type Endpoints struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

var warnedNoInjector atomic.Bool

// Sleep is swapped out by tests.
var Sleep = time.Sleep

// ResolveDelay picks the pause between two writes: min when the range is
// empty, otherwise uniform in [min,max].
func ResolveDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Apply delivers plan.Payload to w. It is the single split-and-delay
// primitive every strategy runs through; decoys never touch w. The returned
// count is the number of payload bytes w accepted.
func Apply(w io.Writer, plan Plan, inj Injector, ep Endpoints) (int, error) {
	frags := plan.Fragments()

	decoy := plan.Decoy
	if decoy != DecoyNone && inj == nil {
		if warnedNoInjector.CompareAndSwap(false, true) {
			log.Warnf("No raw socket available, %s decoys degrade to a plain split", decoy)
		}
		decoy = DecoyNone
	}

	if decoy == DecoyFake {
		injectDecoys(inj, plan, ep, fakePayload(plan.Reason, plan.Host), 0)
	}

	total := 0
	for i, f := range frags {
		n, err := writeFull(w, f)
		total += n
		if err != nil {
			return total, err
		}
		if i == len(frags)-1 {
			break
		}
		if decoy == DecoyOOB && i == 0 {
			injectDecoys(inj, plan, ep, []byte{'x'}, packet.FlagURG)
		}
		if d := ResolveDelay(plan.DelayMin, plan.DelayMax); d > 0 {
			Sleep(d)
		}
	}
	return total, nil
}

func writeFull(w io.Writer, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := w.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func injectDecoys(inj Injector, plan Plan, ep Endpoints, payload []byte, extra uint8) {
	if !ep.Local.IsValid() || !ep.Remote.IsValid() {
		return
	}
	for r := 0; r < max(plan.DecoyRepeats, 1); r++ {
		seg := packet.Segment{
			Proto:   packet.ProtoTCP,
			Src:     ep.Local,
			Dst:     ep.Remote,
			Seq:     rand.Uint32(),
			Ack:     rand.Uint32(),
			Flags:   packet.FlagPSH | packet.FlagACK | extra,
			Window:  65535,
			TTL:     plan.DecoyTTL,
			ID:      uint16(rand.Uint32()),
			Payload: payload,
		}
		if extra&packet.FlagURG != 0 {
			seg.Urgent = uint16(len(payload))
		}
		frame := packet.Encode(seg)
		if frame == nil {
			return
		}
		if err := inj.Inject(frame); err != nil {
			// the real data still goes out
			log.Debugf("decoy inject to %s failed: %v", ep.Remote, err)
		}
	}
}
