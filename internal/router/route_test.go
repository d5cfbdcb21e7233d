package router_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joohan-lee/ctcp-with-bbr/internal/router"
)

func TestRoutingTable_Lookup_LongestPrefixMatch(t *testing.T) {
	rt := router.NewRoutingTable(
		router.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Iface: "eth-wide"},
		router.Route{Prefix: netip.MustParsePrefix("10.0.1.0/24"), Iface: "eth-narrow"},
	)

	route, ok := rt.Lookup(netip.MustParseAddr("10.0.1.5"))
	require.True(t, ok)
	require.Equal(t, "eth-narrow", route.Iface)

	route, ok = rt.Lookup(netip.MustParseAddr("10.0.2.5"))
	require.True(t, ok)
	require.Equal(t, "eth-wide", route.Iface)
}

func TestRoutingTable_Lookup_NoMatch(t *testing.T) {
	rt := router.NewRoutingTable(router.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Iface: "eth0"})
	_, ok := rt.Lookup(netip.MustParseAddr("192.168.1.1"))
	require.False(t, ok)
}

func TestRoute_ResolveNextHop(t *testing.T) {
	dst := netip.MustParseAddr("10.0.1.5")

	indirect := router.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), NextHop: netip.MustParseAddr("192.168.1.1"), Iface: "eth0"}
	require.Equal(t, netip.MustParseAddr("192.168.1.1"), indirect.ResolveNextHop(dst))

	direct := router.Route{Prefix: netip.MustParsePrefix("10.0.1.0/24"), Iface: "eth1"}
	require.Equal(t, dst, direct.ResolveNextHop(dst))
}

func TestRoutingTable_Add(t *testing.T) {
	rt := router.NewRoutingTable()
	_, ok := rt.Lookup(netip.MustParseAddr("10.0.0.1"))
	require.False(t, ok)

	rt.Add(router.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Iface: "eth0"})
	route, ok := rt.Lookup(netip.MustParseAddr("10.0.0.1"))
	require.True(t, ok)
	require.Equal(t, "eth0", route.Iface)
}
