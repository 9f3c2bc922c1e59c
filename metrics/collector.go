package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/b4tun/log"
)

const (
	rateWindow   = 60
	recentEvents = 20
	topHosts     = 20
)

// Traffic directions are seen from the TUN device: "out" frames were read
// from it (locally originated), "in" frames were written back to it.
type Collector struct {
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64

	tcpTotal  atomic.Uint64
	tcpActive atomic.Int64
	udpTotal  atomic.Uint64
	udpActive atomic.Int64

	mu             sync.RWMutex
	bypassActions  map[string]uint64
	drops          map[string]uint64
	hosts          map[string]uint64
	events         []Event
	packetRate     []TimeSeriesPoint
	byteRate       []TimeSeriesPoint
	currentPPS     float64
	currentBPS     float64
	memory         MemoryStats
	goroutines     int
	startTime      time.Time
	lastUpdate     time.Time
	lastPacketSeen uint64
	lastByteSeen   uint64
}

type TimeSeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type MemoryStats struct {
	Allocated uint64 `json:"allocated"`
	System    uint64 `json:"system"`
	HeapInuse uint64 `json:"heap_inuse"`
	NumGC     uint32 `json:"num_gc"`
}

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Snapshot is a read-only copy of the counters.
type Snapshot struct {
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`

	TCPSessionsTotal  uint64 `json:"tcp_sessions_total"`
	TCPSessionsActive int64  `json:"tcp_sessions_active"`
	UDPSessionsTotal  uint64 `json:"udp_sessions_total"`
	UDPSessionsActive int64  `json:"udp_sessions_active"`

	BypassActions map[string]uint64 `json:"bypass_actions"`
	Drops         map[string]uint64 `json:"drops"`
	TopHosts      map[string]uint64 `json:"top_hosts"`

	CurrentPPS float64           `json:"current_pps"`
	CurrentBPS float64           `json:"current_bps"`
	PacketRate []TimeSeriesPoint `json:"packet_rate"`
	ByteRate   []TimeSeriesPoint `json:"byte_rate"`

	StartTime    time.Time   `json:"start_time"`
	Uptime       string      `json:"uptime"`
	MemoryUsage  MemoryStats `json:"memory_usage"`
	Goroutines   int         `json:"goroutines"`
	RecentEvents []Event     `json:"recent_events"`
}

func NewCollector() *Collector {
	now := time.Now()
	return &Collector{
		bypassActions: make(map[string]uint64),
		drops:         make(map[string]uint64),
		hosts:         make(map[string]uint64),
		events:        make([]Event, 0, recentEvents),
		packetRate:    make([]TimeSeriesPoint, 0, rateWindow),
		byteRate:      make([]TimeSeriesPoint, 0, rateWindow),
		startTime:     now,
		lastUpdate:    now,
	}
}

// Run refreshes rates once per second until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updateRates(time.Now())
			c.updateSystemStats()
		}
	}
}

func (c *Collector) updateRates(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := now.Sub(c.lastUpdate).Seconds()
	if duration <= 0 {
		return
	}

	packets := c.packetsIn.Load() + c.packetsOut.Load()
	bytes := c.bytesIn.Load() + c.bytesOut.Load()

	c.currentPPS = float64(packets-c.lastPacketSeen) / duration
	c.currentBPS = float64(bytes-c.lastByteSeen) / duration

	ms := now.UnixMilli()
	c.packetRate = appendPoint(c.packetRate, TimeSeriesPoint{Timestamp: ms, Value: c.currentPPS})
	c.byteRate = appendPoint(c.byteRate, TimeSeriesPoint{Timestamp: ms, Value: c.currentBPS})

	c.lastUpdate = now
	c.lastPacketSeen = packets
	c.lastByteSeen = bytes
}

func appendPoint(series []TimeSeriesPoint, p TimeSeriesPoint) []TimeSeriesPoint {
	series = append(series, p)
	if len(series) > rateWindow {
		series = series[len(series)-rateWindow:]
	}
	return series
}

func (c *Collector) updateSystemStats() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory = MemoryStats{
		Allocated: ms.Alloc,
		System:    ms.Sys,
		HeapInuse: ms.HeapInuse,
		NumGC:     ms.NumGC,
	}
	c.goroutines = runtime.NumGoroutine()
}

// RecordOut counts a frame read from the device.
func (c *Collector) RecordOut(n int) {
	c.packetsOut.Add(1)
	c.bytesOut.Add(uint64(n))
}

// RecordIn counts a frame written to the device.
func (c *Collector) RecordIn(n int) {
	c.packetsIn.Add(1)
	c.bytesIn.Add(uint64(n))
}

func (c *Collector) SessionOpened(proto string) {
	switch proto {
	case "tcp":
		c.tcpTotal.Add(1)
		c.tcpActive.Add(1)
	case "udp":
		c.udpTotal.Add(1)
		c.udpActive.Add(1)
	}
}

func (c *Collector) SessionClosed(proto string) {
	switch proto {
	case "tcp":
		c.tcpActive.Add(-1)
	case "udp":
		c.udpActive.Add(-1)
	}
}

// RecordBypass counts one evasion action, keyed "reason/strategy".
func (c *Collector) RecordBypass(reason, strategy, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bypassActions[reason+"/"+strategy]++
	if host != "" {
		c.hosts[host]++
		if len(c.hosts) > topHosts {
			c.pruneHosts()
		}
	}
}

func (c *Collector) RecordDrop(reason string) {
	c.mu.Lock()
	c.drops[reason]++
	c.mu.Unlock()
}

func (c *Collector) RecordEvent(level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append([]Event{{Timestamp: time.Now(), Level: level, Message: message}}, c.events...)
	if len(c.events) > recentEvents {
		c.events = c.events[:recentEvents]
	}
}

// LogHook feeds warnings, errors and bypass actions into the events ring.
func (c *Collector) LogHook() log.Hook {
	return func(kind log.Kind, msg string) {
		switch kind {
		case log.KindError, log.KindWarn, log.KindBypass:
			c.RecordEvent(string(kind), msg)
		}
	}
}

func (c *Collector) pruneHosts() {
	minCount := ^uint64(0)
	var minHost string
	for h, n := range c.hosts {
		if n < minCount {
			minCount, minHost = n, h
		}
	}
	delete(c.hosts, minHost)
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		PacketsIn:         c.packetsIn.Load(),
		PacketsOut:        c.packetsOut.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		TCPSessionsTotal:  c.tcpTotal.Load(),
		TCPSessionsActive: c.tcpActive.Load(),
		UDPSessionsTotal:  c.udpTotal.Load(),
		UDPSessionsActive: c.udpActive.Load(),
		BypassActions:     copyMap(c.bypassActions),
		Drops:             copyMap(c.drops),
		TopHosts:          copyMap(c.hosts),
		CurrentPPS:        c.currentPPS,
		CurrentBPS:        c.currentBPS,
		PacketRate:        smoothTimeSeriesData(c.packetRate, 3),
		ByteRate:          smoothTimeSeriesData(c.byteRate, 3),
		StartTime:         c.startTime,
		Uptime:            formatDuration(time.Since(c.startTime)),
		MemoryUsage:       c.memory,
		Goroutines:        c.goroutines,
		RecentEvents:      append([]Event{}, c.events...),
	}
	return s
}

func copyMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sortedKeys keeps exported label order stable.
func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func smoothTimeSeriesData(data []TimeSeriesPoint, windowSize int) []TimeSeriesPoint {
	if len(data) <= windowSize {
		return append([]TimeSeriesPoint{}, data...)
	}

	smoothed := make([]TimeSeriesPoint, len(data))
	for i := range data {
		sum := 0.0
		count := 0
		for j := max(0, i-windowSize/2); j <= min(len(data)-1, i+windowSize/2); j++ {
			sum += data[j].Value
			count++
		}
		smoothed[i] = TimeSeriesPoint{Timestamp: data[i].Timestamp, Value: sum / float64(count)}
	}
	return smoothed
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
