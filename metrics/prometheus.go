package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "b4tun"

// PrometheusCollector exports a Collector's snapshot on every scrape.
type PrometheusCollector struct {
	c *Collector

	packets        *prometheus.Desc
	bytes          *prometheus.Desc
	sessionsTotal  *prometheus.Desc
	sessionsActive *prometheus.Desc
	bypass         *prometheus.Desc
	drops          *prometheus.Desc
	goroutines     *prometheus.Desc
}

func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	return &PrometheusCollector{
		c: c,
		packets: prometheus.NewDesc(namespace+"_packets_total",
			"Frames crossing the TUN device", []string{"direction"}, nil),
		bytes: prometheus.NewDesc(namespace+"_bytes_total",
			"Bytes crossing the TUN device", []string{"direction"}, nil),
		sessionsTotal: prometheus.NewDesc(namespace+"_sessions_total",
			"Relay sessions created", []string{"proto"}, nil),
		sessionsActive: prometheus.NewDesc(namespace+"_sessions_active",
			"Relay sessions alive", []string{"proto"}, nil),
		bypass: prometheus.NewDesc(namespace+"_bypass_actions_total",
			"Evasion actions taken", []string{"action"}, nil),
		drops: prometheus.NewDesc(namespace+"_drops_total",
			"Frames or datagrams dropped", []string{"reason"}, nil),
		goroutines: prometheus.NewDesc(namespace+"_goroutines",
			"Goroutines at the last refresh", nil, nil),
	}
}

func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.packets
	ch <- p.bytes
	ch <- p.sessionsTotal
	ch <- p.sessionsActive
	ch <- p.bypass
	ch <- p.drops
	ch <- p.goroutines
}

func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(p.packets, s.PacketsIn, "in")
	counter(p.packets, s.PacketsOut, "out")
	counter(p.bytes, s.BytesIn, "in")
	counter(p.bytes, s.BytesOut, "out")
	counter(p.sessionsTotal, s.TCPSessionsTotal, "tcp")
	counter(p.sessionsTotal, s.UDPSessionsTotal, "udp")
	gauge(p.sessionsActive, float64(s.TCPSessionsActive), "tcp")
	gauge(p.sessionsActive, float64(s.UDPSessionsActive), "udp")
	for _, k := range sortedKeys(s.BypassActions) {
		counter(p.bypass, s.BypassActions[k], k)
	}
	for _, k := range sortedKeys(s.Drops) {
		counter(p.drops, s.Drops[k], k)
	}
	gauge(p.goroutines, float64(s.Goroutines))
}

// Registry returns a registry holding this collector and the Go runtime
// collectors.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(p)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
