package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/daniellavrushin/b4tun/log"
	"gopkg.in/yaml.v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) SaveToFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return log.Errorf("failed to marshal config: %v", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return log.Errorf("failed to write config file: %v", err)
	}
	return nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return log.Errorf("failed to stat config file: %v", err)
	}
	if info.IsDir() {
		return log.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return log.Errorf("failed to parse config file: %v", err)
	}
	return nil
}

func (c *Config) ApplyLogLevel(level string) {
	c.System.Logging.Level = log.ParseLevel(level)
}

// Validate rejects values that cannot be repaired with a default.
func (c *Config) Validate() error {
	c.System.WebServer.IsEnabled = c.System.WebServer.Port > 0

	if c.System.WebServer.Port < 0 || c.System.WebServer.Port > 65535 {
		return fmt.Errorf("web-port must be between 0 and 65535")
	}

	if c.Tun.Name == "" {
		return fmt.Errorf("tun name must not be empty")
	}

	if c.Tun.Address != "" {
		p, err := netip.ParsePrefix(c.Tun.Address)
		if err != nil {
			return fmt.Errorf("invalid tun address %q: %w", c.Tun.Address, err)
		}
		if !p.Addr().Is4() {
			return fmt.Errorf("tun address %q is not IPv4", c.Tun.Address)
		}
	}

	return nil
}

// Normalize replaces inconsistent values with safe defaults. It never fails;
// it returns how many fields were rewritten.
func (c *Config) Normalize() int {
	fixed := 0
	fix := func(field string, bad, good any) {
		log.Warnf("config: %s=%v is invalid, using %v", field, bad, good)
		fixed++
	}
	def := &DefaultConfig

	if c.Tun.MTU < 576 || c.Tun.MTU > 65535 {
		fix("tun.mtu", c.Tun.MTU, DefaultMTU)
		c.Tun.MTU = DefaultMTU
	}

	maxSeg := min(DefaultMaxSegment, c.Tun.MTU-40)
	if c.Relay.MaxSegment <= 0 || c.Relay.MaxSegment > c.Tun.MTU-40 {
		fix("relay.max_segment", c.Relay.MaxSegment, maxSeg)
		c.Relay.MaxSegment = maxSeg
	}

	positive := []struct {
		name string
		v    *int
		def  int
	}{
		{"relay.connect_timeout_ms", &c.Relay.ConnectTimeoutMs, def.Relay.ConnectTimeoutMs},
		{"relay.read_timeout_sec", &c.Relay.ReadTimeoutSec, def.Relay.ReadTimeoutSec},
		{"relay.write_timeout_sec", &c.Relay.WriteTimeoutSec, def.Relay.WriteTimeoutSec},
		{"relay.udp_idle_timeout_sec", &c.Relay.UDPIdleTimeoutSec, def.Relay.UDPIdleTimeoutSec},
		{"relay.max_tcp_sessions", &c.Relay.MaxTCPSessions, def.Relay.MaxTCPSessions},
		{"relay.max_udp_sessions", &c.Relay.MaxUDPSessions, def.Relay.MaxUDPSessions},
		{"relay.pending_queue", &c.Relay.PendingQueue, def.Relay.PendingQueue},
		{"bypass.split_position", &c.Bypass.SplitPosition, def.Bypass.SplitPosition},
		{"bypass.fake_repeats", &c.Bypass.FakeRepeats, def.Bypass.FakeRepeats},
	}
	for _, p := range positive {
		if *p.v <= 0 {
			fix(p.name, *p.v, p.def)
			*p.v = p.def
		}
	}

	switch c.Bypass.Strategy {
	case StrategyNone, StrategySplit, StrategyMultisplit, StrategyFake, StrategyOOB:
	default:
		fix("bypass.strategy", c.Bypass.Strategy, StrategySplit)
		c.Bypass.Strategy = StrategySplit
	}

	if c.Bypass.FragmentCount < 2 || c.Bypass.FragmentCount > 64 {
		fix("bypass.fragment_count", c.Bypass.FragmentCount, def.Bypass.FragmentCount)
		c.Bypass.FragmentCount = def.Bypass.FragmentCount
	}

	if c.Bypass.DelayMinMs < 0 {
		fix("bypass.delay_min_ms", c.Bypass.DelayMinMs, 0)
		c.Bypass.DelayMinMs = 0
	}
	if c.Bypass.DelayMaxMs < c.Bypass.DelayMinMs {
		fix("bypass.delay_max_ms", c.Bypass.DelayMaxMs, c.Bypass.DelayMinMs)
		c.Bypass.DelayMaxMs = c.Bypass.DelayMinMs
	}

	if c.Bypass.FakeTTL == 0 {
		fix("bypass.fake_ttl", 0, def.Bypass.FakeTTL)
		c.Bypass.FakeTTL = def.Bypass.FakeTTL
	}
	if c.Bypass.FakeRepeats > 10 {
		fix("bypass.fake_repeats", c.Bypass.FakeRepeats, 10)
		c.Bypass.FakeRepeats = 10
	}

	if len(c.Bypass.Targets.IPs) > 0 {
		ips := make([]string, 0, len(c.Bypass.Targets.IPs))
		for _, ip := range c.Bypass.Targets.IPs {
			ip = strings.TrimSpace(ip)
			if ip == "" {
				continue
			}
			if !validTarget(ip) {
				fix("bypass.targets.ips", ip, "dropped")
				continue
			}
			ips = append(ips, ip)
		}
		c.Bypass.Targets.IPs = ips
	}

	// policy routing exempts relay sockets by their mark
	if c.Tun.SetupRoutes && c.Tun.Mark == 0 {
		fix("tun.mark", 0, DefaultMark)
		c.Tun.Mark = DefaultMark
	}

	if c.Bypass.DNSResolver != "" {
		if a, err := netip.ParseAddr(c.Bypass.DNSResolver); err != nil || !a.Is4() {
			fix("bypass.dns_resolver", c.Bypass.DNSResolver, `""`)
			c.Bypass.DNSResolver = ""
		}
	}

	return fixed
}

func validTarget(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// Resolver returns the configured DNS resolver, if any.
func (c *Config) Resolver() (netip.Addr, bool) {
	if c.Bypass.DNSResolver == "" {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(c.Bypass.DNSResolver)
	if err != nil || !a.Is4() {
		return netip.Addr{}, false
	}
	return a, true
}
