package config

import "github.com/spf13/cobra"

func (c *Config) BindFlags(cmd *cobra.Command) {
	// Config path
	cmd.Flags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to config file (.json, .yaml or .yml)")

	// Virtual interface
	cmd.Flags().StringVar(&c.Tun.Name, "tun", c.Tun.Name, "TUN interface name")
	cmd.Flags().StringVar(&c.Tun.Address, "tun-addr", c.Tun.Address, "Address assigned to the TUN interface (CIDR)")
	cmd.Flags().IntVar(&c.Tun.MTU, "mtu", c.Tun.MTU, "TUN MTU (default 1500)")
	cmd.Flags().Uint32Var(&c.Tun.Mark, "mark", c.Tun.Mark, "SO_MARK for relay sockets (default 32768, 0 disables)")
	cmd.Flags().StringVar(&c.Tun.BindDevice, "bind-device", c.Tun.BindDevice, "Bind relay sockets to this physical interface")
	cmd.Flags().BoolVar(&c.Tun.SetupRoutes, "setup-routes", c.Tun.SetupRoutes, "Install policy routing sending unmarked traffic into the TUN")
	cmd.Flags().IntVar(&c.Tun.RouteTable, "route-table", c.Tun.RouteTable, "Routing table used by --setup-routes")
	cmd.Flags().StringVar(&c.Tun.PcapPath, "pcap", c.Tun.PcapPath, "Write TUN traffic to this pcap file")

	// Relay
	cmd.Flags().IntVar(&c.Relay.ConnectTimeoutMs, "connect-timeout", c.Relay.ConnectTimeoutMs, "Outbound connect timeout in ms")
	cmd.Flags().IntVar(&c.Relay.ReadTimeoutSec, "read-timeout", c.Relay.ReadTimeoutSec, "Idle read timeout for TCP flows in seconds")
	cmd.Flags().IntVar(&c.Relay.WriteTimeoutSec, "write-timeout", c.Relay.WriteTimeoutSec, "Socket write timeout in seconds")
	cmd.Flags().IntVar(&c.Relay.UDPIdleTimeoutSec, "udp-idle-timeout", c.Relay.UDPIdleTimeoutSec, "UDP session idle timeout in seconds (default 30)")
	cmd.Flags().IntVar(&c.Relay.MaxTCPSessions, "max-tcp", c.Relay.MaxTCPSessions, "Maximum concurrent TCP sessions")
	cmd.Flags().IntVar(&c.Relay.MaxUDPSessions, "max-udp", c.Relay.MaxUDPSessions, "Maximum concurrent UDP sessions")
	cmd.Flags().IntVar(&c.Relay.PendingQueue, "pending-queue", c.Relay.PendingQueue, "Chunks buffered per flow while connecting")

	// Bypass
	cmd.Flags().BoolVar(&c.Bypass.TLS, "tls", c.Bypass.TLS, "Apply evasion to TLS ClientHello on port 443")
	cmd.Flags().BoolVar(&c.Bypass.HTTP, "http", c.Bypass.HTTP, "Apply evasion to plaintext HTTP requests")
	cmd.Flags().StringVar(&c.Bypass.Strategy, "strategy", c.Bypass.Strategy, "Evasion strategy (none|split|multisplit|fake|oob)")
	cmd.Flags().IntVar(&c.Bypass.SplitPosition, "split-pos", c.Bypass.SplitPosition, "Split offset in bytes (default 1)")
	cmd.Flags().BoolVar(&c.Bypass.MiddleSNI, "middle-sni", c.Bypass.MiddleSNI, "Split in the middle of the SNI hostname when present")
	cmd.Flags().IntVar(&c.Bypass.FragmentCount, "fragments", c.Bypass.FragmentCount, "Fragment count for multisplit")
	cmd.Flags().IntVar(&c.Bypass.DelayMinMs, "delay", c.Bypass.DelayMinMs, "Delay between fragments in ms")
	cmd.Flags().IntVar(&c.Bypass.DelayMaxMs, "delay-max", c.Bypass.DelayMaxMs, "Upper bound for a randomized delay in ms")
	cmd.Flags().Uint8Var(&c.Bypass.FakeTTL, "fake-ttl", c.Bypass.FakeTTL, "TTL for decoy packets")
	cmd.Flags().IntVar(&c.Bypass.FakeRepeats, "fake-repeats", c.Bypass.FakeRepeats, "Decoy packets per flow")
	cmd.Flags().BoolVar(&c.Bypass.MangleHost, "mangle-host", c.Bypass.MangleHost, "Rewrite the HTTP Host header token case")
	cmd.Flags().BoolVar(&c.Bypass.BlockQUIC, "block-quic", c.Bypass.BlockQUIC, "Drop UDP datagrams to port 443")
	cmd.Flags().StringVar(&c.Bypass.DNSResolver, "dns", c.Bypass.DNSResolver, "Redirect DNS queries to this resolver")
	cmd.Flags().StringSliceVar(&c.Bypass.Targets.IPs, "ip", c.Bypass.Targets.IPs, "Restrict evasion to these IPs/CIDRs")
	cmd.Flags().StringSliceVar(&c.Bypass.Targets.Domains, "sni-domains", c.Bypass.Targets.Domains, "Restrict evasion to these domains")

	// System
	cmd.Flags().BoolVarP(&c.System.Logging.Instaflush, "instaflush", "i", c.System.Logging.Instaflush, "Flush logs immediately")
	cmd.Flags().BoolVar(&c.System.Logging.Syslog, "syslog", c.System.Logging.Syslog, "Enable syslog output")
	cmd.Flags().StringVar(&c.System.Logging.ErrorFile, "error-file", c.System.Logging.ErrorFile, "Append errors to this file")
	cmd.Flags().IntVar(&c.System.WebServer.Port, "web-port", c.System.WebServer.Port, "Port for the local control endpoint (0 disables)")
	cmd.Flags().StringVar(&c.System.WebServer.BindAddress, "web-bind", c.System.WebServer.BindAddress, "Bind address for the local control endpoint")
}
