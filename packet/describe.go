package packet

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Describe renders a one-line summary of frame for trace logs.
func Describe(frame []byte) string {
	p := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.DecodeOptions{NoCopy: true})

	if el := p.ErrorLayer(); el != nil {
		return fmt.Sprintf("undecodable (%d bytes): %v", len(frame), el.Error())
	}
	ipLayer := p.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return fmt.Sprintf("undecodable (%d bytes)", len(frame))
	}
	ip := ipLayer.(*layers.IPv4)

	if tcpLayer := p.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		var f uint8
		for _, b := range []struct {
			set bool
			bit uint8
		}{{tcp.FIN, FlagFIN}, {tcp.SYN, FlagSYN}, {tcp.RST, FlagRST}, {tcp.PSH, FlagPSH}, {tcp.ACK, FlagACK}, {tcp.URG, FlagURG}} {
			if b.set {
				f |= b.bit
			}
		}
		return fmt.Sprintf("TCP %s:%d > %s:%d [%s] seq=%d ack=%d win=%d ttl=%d len=%d",
			ip.SrcIP, uint16(tcp.SrcPort), ip.DstIP, uint16(tcp.DstPort), FlagString(f),
			tcp.Seq, tcp.Ack, tcp.Window, ip.TTL, len(tcp.Payload))
	}

	if udpLayer := p.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		return fmt.Sprintf("UDP %s:%d > %s:%d ttl=%d len=%d",
			ip.SrcIP, uint16(udp.SrcPort), ip.DstIP, uint16(udp.DstPort), ip.TTL, len(udp.Payload))
	}

	return fmt.Sprintf("IPv4 %s > %s proto=%s len=%d", ip.SrcIP, ip.DstIP, ip.Protocol, ip.Length)
}
