package router_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/joohan-lee/ctcp-with-bbr/internal/router"
)

func decodeICMP(t *testing.T, frame []byte) (*layers.Ethernet, *layers.IPv4, *layers.ICMPv4) {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	require.NotNil(t, ethLayer)
	require.NotNil(t, ipLayer)
	require.NotNil(t, icmpLayer)
	return ethLayer.(*layers.Ethernet), ipLayer.(*layers.IPv4), icmpLayer.(*layers.ICMPv4)
}

func TestBuildEchoReply(t *testing.T) {
	srcMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	srcIP := netip.MustParseAddr("10.0.0.1")
	dstIP := netip.MustParseAddr("10.0.0.2")

	frame, err := router.BuildEchoReply(srcMAC, dstMAC, srcIP, dstIP, 42, 7, []byte("ping"))
	require.NoError(t, err)

	eth, ip, icmp := decodeICMP(t, frame)
	require.Equal(t, layers.EthernetTypeIPv4, eth.EthernetType)
	require.Equal(t, srcMAC, eth.SrcMAC)
	require.Equal(t, dstMAC, eth.DstMAC)
	require.Equal(t, net.IP(srcIP.AsSlice()), ip.SrcIP)
	require.Equal(t, net.IP(dstIP.AsSlice()), ip.DstIP)
	require.Equal(t, layers.ICMPv4TypeEchoReply, icmp.TypeCode.Type())
	require.Equal(t, uint16(42), icmp.Id)
	require.Equal(t, uint16(7), icmp.Seq)
	require.Equal(t, []byte("ping"), icmp.Payload)
}

func TestBuildUnreachable(t *testing.T) {
	srcMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	srcIP := netip.MustParseAddr("10.0.0.1")
	dstIP := netip.MustParseAddr("10.0.0.2")
	origData := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0, 64, 6, 0, 0, 10, 0, 0, 2, 10, 0, 0, 1}

	for _, tc := range []struct {
		name string
		reason router.UnreachableReason
		code uint8
	}{
		{"net", router.UnreachableNet, layers.ICMPv4CodeNet},
		{"host", router.UnreachableHost, layers.ICMPv4CodeHost},
		{"port", router.UnreachablePort, layers.ICMPv4CodePort},
	} {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := router.BuildUnreachable(tc.reason, srcMAC, dstMAC, srcIP, dstIP, origData)
			require.NoError(t, err)

			_, _, icmp := decodeICMP(t, frame)
			require.Equal(t, layers.ICMPv4TypeDestinationUnreachable, icmp.TypeCode.Type())
			require.Equal(t, tc.code, icmp.TypeCode.Code())
			require.Equal(t, origData, icmp.Payload)
		})
	}
}

func TestBuildTimeExceeded(t *testing.T) {
	srcMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	srcIP := netip.MustParseAddr("10.0.0.1")
	dstIP := netip.MustParseAddr("10.0.0.2")
	origData := []byte{0x45, 0x00, 0x00, 0x14}

	frame, err := router.BuildTimeExceeded(srcMAC, dstMAC, srcIP, dstIP, origData)
	require.NoError(t, err)

	_, _, icmp := decodeICMP(t, frame)
	require.Equal(t, layers.ICMPv4TypeTimeExceeded, icmp.TypeCode.Type())
	require.Equal(t, layers.ICMPv4CodeTTLExceeded, icmp.TypeCode.Code())
}
