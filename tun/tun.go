// Package tun owns the virtual interface: opening it, addressing it, routing
// host traffic into it and optionally tracing what crosses it.
package tun

import (
	"fmt"

	"github.com/daniellavrushin/b4tun/config"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/songgao/water"
)

// Device is an open TUN interface. Reads and writes carry one raw IPv4
// packet each.
type Device struct {
	*water.Interface
}

func Open(cfg config.TunConfig) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open tun %q: %w", cfg.Name, err)
	}
	log.Infof("Opened TUN interface %s", ifce.Name())
	return &Device{Interface: ifce}, nil
}
