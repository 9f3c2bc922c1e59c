package config

import "github.com/daniellavrushin/b4tun/log"

const (
	StrategyNone       = "none"
	StrategySplit      = "split"
	StrategyMultisplit = "multisplit"
	StrategyFake       = "fake"
	StrategyOOB        = "oob"
)

type Config struct {
	ConfigPath string `json:"-" yaml:"-"`
	Version    int    `json:"version" yaml:"version"`

	Tun    TunConfig    `json:"tun" yaml:"tun"`
	Relay  RelayConfig  `json:"relay" yaml:"relay"`
	Bypass BypassConfig `json:"bypass" yaml:"bypass"`
	System SystemConfig `json:"system" yaml:"system"`
}

type TunConfig struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"` // CIDR assigned to the TUN link, e.g. "10.66.0.1/24"
	MTU     int    `json:"mtu" yaml:"mtu"`

	// Mark is the SO_MARK put on relay sockets so policy routing sends them
	// around the TUN. 0 disables marking.
	Mark uint32 `json:"mark" yaml:"mark"`
	// BindDevice pins relay sockets to a physical link (SO_BINDTODEVICE)
	// instead of marking them.
	BindDevice string `json:"bind_device" yaml:"bind_device"`

	SetupRoutes bool   `json:"setup_routes" yaml:"setup_routes"`
	RouteTable  int    `json:"route_table" yaml:"route_table"`
	PcapPath    string `json:"pcap_path" yaml:"pcap_path"`
}

type RelayConfig struct {
	ConnectTimeoutMs  int `json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	ReadTimeoutSec    int `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec   int `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	UDPIdleTimeoutSec int `json:"udp_idle_timeout_sec" yaml:"udp_idle_timeout_sec"`
	MaxTCPSessions    int `json:"max_tcp_sessions" yaml:"max_tcp_sessions"`
	MaxUDPSessions    int `json:"max_udp_sessions" yaml:"max_udp_sessions"`
	PendingQueue      int `json:"pending_queue" yaml:"pending_queue"` // chunks buffered per flow before connect completes
	MaxSegment        int `json:"max_segment" yaml:"max_segment"`     // payload cap of frames written to the TUN
}

type BypassConfig struct {
	TLS  bool `json:"tls" yaml:"tls"`
	HTTP bool `json:"http" yaml:"http"`

	Strategy      string `json:"strategy" yaml:"strategy"` // "none", "split", "multisplit", "fake", "oob"
	SplitPosition int    `json:"split_position" yaml:"split_position"`
	MiddleSNI     bool   `json:"middle_sni" yaml:"middle_sni"`
	FragmentCount int    `json:"fragment_count" yaml:"fragment_count"`
	DelayMinMs    int    `json:"delay_min_ms" yaml:"delay_min_ms"`
	DelayMaxMs    int    `json:"delay_max_ms" yaml:"delay_max_ms"`
	FakeTTL       uint8  `json:"fake_ttl" yaml:"fake_ttl"`
	FakeRepeats   int    `json:"fake_repeats" yaml:"fake_repeats"`
	MangleHost    bool   `json:"mangle_host" yaml:"mangle_host"`

	BlockQUIC   bool   `json:"block_quic" yaml:"block_quic"`
	DNSResolver string `json:"dns_resolver" yaml:"dns_resolver"`

	Targets TargetsConfig `json:"targets" yaml:"targets"`
}

// TargetsConfig restricts evasion to matching destinations. Both lists empty
// means every flow is a target.
type TargetsConfig struct {
	IPs     []string `json:"ips" yaml:"ips"`
	Domains []string `json:"domains" yaml:"domains"`
}

type SystemConfig struct {
	Logging   Logging         `json:"logging" yaml:"logging"`
	WebServer WebServerConfig `json:"web_server" yaml:"web_server"`
}

type Logging struct {
	Level      log.Level `json:"level" yaml:"level"`
	Instaflush bool      `json:"instaflush" yaml:"instaflush"`
	Syslog     bool      `json:"syslog" yaml:"syslog"`
	ErrorFile  string    `json:"error_file" yaml:"error_file"`
}

type WebServerConfig struct {
	Port        int    `json:"port" yaml:"port"`
	BindAddress string `json:"bind_address" yaml:"bind_address"`
	IsEnabled   bool   `json:"-" yaml:"-"`
}
