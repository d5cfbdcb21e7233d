package router

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UnreachableReason selects the ICMP destination-unreachable code,
// matching spec.md §8's three cases: no route (net unreachable), a
// resolvable route but exhausted ARP resolution (host unreachable), and
// a TCP/UDP payload with no listener (port unreachable).
type UnreachableReason int

const (
	UnreachableNet UnreachableReason = iota
	UnreachableHost
	UnreachablePort
)

func (r UnreachableReason) icmpCode() uint8 {
	switch r {
	case UnreachableHost:
		return layers.ICMPv4CodeHost
	case UnreachablePort:
		return layers.ICMPv4CodePort
	default:
		return layers.ICMPv4CodeNet
	}
}

func (r UnreachableReason) metricLabel() string {
	switch r {
	case UnreachableHost:
		return "host_unreachable"
	case UnreachablePort:
		return "port_unreachable"
	default:
		return "net_unreachable"
	}
}

// buildICMPv4Frame assembles an Ethernet/IPv4/ICMPv4 frame with the
// given ICMP type/code and payload, computing all lengths and
// checksums. Shared by every ICMP generator below; grounded on the
// layers.Ethernet/IPv4/ICMPv4 decode path in
// telemetry/enricher/internal/enricher/decode.go, used here in reverse
// (construction via gopacket.SerializeLayers instead of decode).
func buildICMPv4Frame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr, typ, code uint8, id, seq uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(srcIP.AsSlice()),
		DstIP:    net.IP(dstIP.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, code),
		Id:       id,
		Seq:      seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	frame := make([]byte, len(buf.Bytes()))
	copy(frame, buf.Bytes())
	return frame, nil
}

// BuildEchoReply answers an ICMP echo request, mirroring the request's
// identifier, sequence number and data, per spec.md §8's echo-reply
// case.
func BuildEchoReply(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr, id, seq uint16, data []byte) ([]byte, error) {
	return buildICMPv4Frame(srcMAC, dstMAC, srcIP, dstIP, layers.ICMPv4TypeEchoReply, 0, id, seq, data)
}

// BuildUnreachable constructs an ICMP destination-unreachable message.
// origIPHeaderAndData is the original IPv4 header plus the first 8
// bytes of its payload, per RFC 792.
func BuildUnreachable(reason UnreachableReason, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr, origIPHeaderAndData []byte) ([]byte, error) {
	return buildICMPv4Frame(srcMAC, dstMAC, srcIP, dstIP, layers.ICMPv4TypeDestinationUnreachable, reason.icmpCode(), 0, 0, origIPHeaderAndData)
}

// BuildTimeExceeded constructs an ICMP time-exceeded message for a
// packet whose TTL was decremented to zero in transit, per spec.md
// §8's forwarding-loop-prevention case.
func BuildTimeExceeded(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr, origIPHeaderAndData []byte) ([]byte, error) {
	return buildICMPv4Frame(srcMAC, dstMAC, srcIP, dstIP, layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded, 0, 0, origIPHeaderAndData)
}
