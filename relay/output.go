package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/metrics"
	"github.com/daniellavrushin/b4tun/packet"
)

var errEncode = errors.New("segment cannot be encoded")

// Tracer receives a copy of every frame crossing the interface.
type Tracer interface {
	WriteFrame(frame []byte) error
}

// Output is the single serialized write path to the interface. Every
// engine goroutine writes through it so frames are never interleaved.
type Output struct {
	mu      sync.Mutex
	w       io.Writer
	metrics *metrics.Collector
	trace   Tracer
	ipID    atomic.Uint32
}

func NewOutput(w io.Writer, m *metrics.Collector, t Tracer) *Output {
	if m == nil {
		m = metrics.NewCollector()
	}
	return &Output{w: w, metrics: m, trace: t}
}

// Write encodes seg and puts it on the interface.
func (o *Output) Write(seg packet.Segment) error {
	if seg.ID == 0 {
		seg.ID = uint16(o.ipID.Add(1))
	}
	frame := packet.Encode(seg)
	if frame == nil {
		return fmt.Errorf("%s -> %s: %w", seg.Src, seg.Dst, errEncode)
	}
	return o.WriteFrame(frame)
}

func (o *Output) WriteFrame(frame []byte) error {
	o.mu.Lock()
	_, err := o.w.Write(frame)
	if err == nil && o.trace != nil {
		if terr := o.trace.WriteFrame(frame); terr != nil {
			log.Debugf("trace write: %v", terr)
		}
	}
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write interface: %w", err)
	}
	o.metrics.RecordIn(len(frame))
	if log.Enabled(log.LevelDebug) {
		log.Debugf("tun <- %s", packet.Describe(frame))
	}
	return nil
}
