package config

import (
	"time"

	"github.com/daniellavrushin/b4tun/log"
)

const (
	DefaultMTU        = 1500
	DefaultMaxSegment = 1400
	DefaultMark       = 1 << 15
)

var DefaultConfig = Config{
	Version: CurrentConfigVersion,

	Tun: TunConfig{
		Name:        "b4tun0",
		Address:     "10.66.0.1/24",
		MTU:         DefaultMTU,
		Mark:        DefaultMark,
		SetupRoutes: false,
		RouteTable:  166,
	},

	Relay: RelayConfig{
		ConnectTimeoutMs:  10000,
		ReadTimeoutSec:    300,
		WriteTimeoutSec:   30,
		UDPIdleTimeoutSec: 30,
		MaxTCPSessions:    4096,
		MaxUDPSessions:    1024,
		PendingQueue:      32,
		MaxSegment:        DefaultMaxSegment,
	},

	Bypass: BypassConfig{
		TLS:           true,
		HTTP:          true,
		Strategy:      StrategySplit,
		SplitPosition: 1,
		MiddleSNI:     false,
		FragmentCount: 4,
		DelayMinMs:    0,
		DelayMaxMs:    0,
		FakeTTL:       3,
		FakeRepeats:   1,
		MangleHost:    true,
		BlockQUIC:     false,
		DNSResolver:   "",
		Targets: TargetsConfig{
			IPs:     []string{},
			Domains: []string{},
		},
	},

	System: SystemConfig{
		Logging: Logging{
			Level:      log.LevelInfo,
			Instaflush: true,
			Syslog:     false,
		},
		WebServer: WebServerConfig{
			Port:        0,
			BindAddress: "127.0.0.1",
		},
	},
}

// NewConfig returns a deep copy of DefaultConfig.
func NewConfig() Config {
	return *DefaultConfig.Clone()
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Bypass.Targets.IPs = append([]string{}, c.Bypass.Targets.IPs...)
	out.Bypass.Targets.Domains = append([]string{}, c.Bypass.Targets.Domains...)
	return &out
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Relay.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Relay.ReadTimeoutSec) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Relay.WriteTimeoutSec) * time.Second
}

func (c *Config) UDPIdleTimeout() time.Duration {
	return time.Duration(c.Relay.UDPIdleTimeoutSec) * time.Second
}
