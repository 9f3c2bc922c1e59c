// Package sock creates the relay's real-network sockets. Every socket is
// "protected" so its traffic is routed around the TUN device instead of
// looping back into the relay.
package sock

import (
	"fmt"
	"syscall"

	"github.com/daniellavrushin/b4tun/log"
	"golang.org/x/sys/unix"
)

// Protector exempts one socket from the TUN route.
type Protector interface {
	Protect(fd uintptr) error
}

// MarkProtector tags sockets with SO_MARK; a policy rule routes the mark
// through the main table.
type MarkProtector struct {
	Mark uint32
}

func (p MarkProtector) Protect(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(p.Mark)); err != nil {
		return fmt.Errorf("SO_MARK %#x: %w", p.Mark, err)
	}
	return nil
}

// DeviceProtector pins sockets to a physical interface with SO_BINDTODEVICE.
type DeviceProtector struct {
	Device string
}

func (p DeviceProtector) Protect(fd uintptr) error {
	if err := unix.BindToDevice(int(fd), p.Device); err != nil {
		return fmt.Errorf("SO_BINDTODEVICE %s: %w", p.Device, err)
	}
	return nil
}

// NopProtector leaves sockets untouched. Used in tests and when the host
// routes relay traffic by other means.
type NopProtector struct{}

func (NopProtector) Protect(uintptr) error { return nil }

// Protectors applies each protector in order.
type Protectors []Protector

func (ps Protectors) Protect(fd uintptr) error {
	for _, p := range ps {
		if err := p.Protect(fd); err != nil {
			return err
		}
	}
	return nil
}

// NewProtector binds to device and marks when both are given, so policy
// routing still recognizes device-bound sockets.
func NewProtector(mark uint32, device string) Protector {
	switch {
	case device != "" && mark != 0:
		log.Tracef("Protecting relay sockets with mark %#x on %s", mark, device)
		return Protectors{MarkProtector{Mark: mark}, DeviceProtector{Device: device}}
	case device != "":
		log.Tracef("Protecting relay sockets by binding to %s", device)
		return DeviceProtector{Device: device}
	case mark != 0:
		log.Tracef("Protecting relay sockets with mark %#x", mark)
		return MarkProtector{Mark: mark}
	}
	log.Warnf("Relay sockets are not protected; make sure they do not route into the TUN")
	return NopProtector{}
}

// Control adapts p to net.Dialer.Control / net.ListenConfig.Control.
func Control(p Protector) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var perr error
		if err := c.Control(func(fd uintptr) {
			perr = p.Protect(fd)
		}); err != nil {
			return fmt.Errorf("control: %w", err)
		}
		return perr
	}
}
