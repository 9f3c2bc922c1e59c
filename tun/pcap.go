package tun

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	pcapSnapLen = 0xffff
	pcapBacklog = 4096
)

type capture struct {
	at     time.Time
	data   []byte
	length int
}

// PcapTrace records raw IP frames into a pcap stream without blocking the
// caller: frames are queued to a writer goroutine and dropped when the queue
// is full.
type PcapTrace struct {
	wc      io.WriteCloser
	snapLen int
	queue   chan capture
	done    chan error
	dropped atomic.Uint64
	stop    chan struct{}
	once    sync.Once
	err     error
}

// CreatePcap opens path for writing and starts a trace into it.
func CreatePcap(path string) (*PcapTrace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap %s: %w", path, err)
	}
	return NewPcapTrace(f, pcapSnapLen), nil
}

func NewPcapTrace(wc io.WriteCloser, snapLen int) *PcapTrace {
	t := &PcapTrace{
		wc:      wc,
		snapLen: snapLen,
		queue:   make(chan capture, pcapBacklog),
		done:    make(chan error, 1),
		stop:    make(chan struct{}),
	}
	go t.loop()
	return t
}

// WriteFrame queues a copy of frame.
func (t *PcapTrace) WriteFrame(frame []byte) error {
	n := min(len(frame), t.snapLen)
	c := capture{at: time.Now(), data: append([]byte(nil), frame[:n]...), length: len(frame)}
	select {
	case <-t.stop:
		return os.ErrClosed
	default:
	}
	select {
	case t.queue <- c:
	default:
		t.dropped.Add(1)
	}
	return nil
}

// Dropped is the number of frames lost to a full queue.
func (t *PcapTrace) Dropped() uint64 { return t.dropped.Load() }

func (t *PcapTrace) loop() {
	w := pcapgo.NewWriter(t.wc)
	if err := w.WriteFileHeader(uint32(t.snapLen), layers.LinkTypeRaw); err != nil {
		t.done <- fmt.Errorf("pcap header: %w", err)
		return
	}
	write := func(c capture) error {
		return w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     c.at,
			CaptureLength: len(c.data),
			Length:        c.length,
		}, c.data)
	}

	for {
		select {
		case c := <-t.queue:
			if err := write(c); err != nil {
				t.done <- err
				return
			}
		case <-t.stop:
			for {
				select {
				case c := <-t.queue:
					if err := write(c); err != nil {
						t.done <- err
						return
					}
				default:
					t.done <- nil
					return
				}
			}
		}
	}
}

// Close flushes queued frames and closes the underlying writer.
func (t *PcapTrace) Close() error {
	t.once.Do(func() {
		close(t.stop)
		t.err = errors.Join(<-t.done, t.wc.Close())
	})
	return t.err
}
