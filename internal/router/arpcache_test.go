package router_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/joohan-lee/ctcp-with-bbr/internal/router"
)

func testConfig() router.Config {
	return router.Config{
		ARPCacheCapacity: 2,
		ARPEntryTimeout:  15 * time.Second,
		ARPSweepInterval: time.Second,
		ARPMaxAttempts:   2,
		ARPRetryInterval: time.Second,
	}
}

func mac(s string) net.HardwareAddr {
	m, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func TestARPCache_InsertAndLookup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := router.NewARPCache(testConfig(), clock)

	ip := netip.MustParseAddr("10.0.0.1")
	_, ok := c.Lookup(ip)
	require.False(t, ok)

	c.Insert(ip, mac("aa:bb:cc:dd:ee:01"))
	got, ok := c.Lookup(ip)
	require.True(t, ok)
	require.Equal(t, mac("aa:bb:cc:dd:ee:01"), got)
}

func TestARPCache_EvictsOldestWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := router.NewARPCache(testConfig(), clock) // capacity 2

	ipA := netip.MustParseAddr("10.0.0.1")
	ipB := netip.MustParseAddr("10.0.0.2")
	ipC := netip.MustParseAddr("10.0.0.3")

	c.Insert(ipA, mac("aa:bb:cc:dd:ee:01"))
	clock.Advance(time.Second)
	c.Insert(ipB, mac("aa:bb:cc:dd:ee:02"))
	clock.Advance(time.Second)

	// cache is full; inserting a third entry must evict ipA, the oldest.
	c.Insert(ipC, mac("aa:bb:cc:dd:ee:03"))

	_, ok := c.Lookup(ipA)
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Lookup(ipB)
	require.True(t, ok)
	_, ok = c.Lookup(ipC)
	require.True(t, ok)
}

func TestARPCache_QueueRequestFlushesOnInsert(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := router.NewARPCache(testConfig(), clock)

	ip := netip.MustParseAddr("10.0.0.1")
	c.QueueRequest(ip, "eth0", []byte("frame-1"))
	c.QueueRequest(ip, "eth1", []byte("frame-2"))

	packets := c.Insert(ip, mac("aa:bb:cc:dd:ee:01"))
	require.Len(t, packets, 2)
	require.Equal(t, "eth0", packets[0].Iface)
	require.Equal(t, []byte("frame-1"), packets[0].Frame)
	require.Equal(t, "eth1", packets[1].Iface)
	require.Equal(t, []byte("frame-2"), packets[1].Frame)
}

func TestARPCache_Sweep_RetriesThenExhausts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig() // ARPMaxAttempts=2, ARPRetryInterval=1s
	c := router.NewARPCache(cfg, clock)

	ip := netip.MustParseAddr("10.0.0.9")
	c.QueueRequest(ip, "eth0", []byte("frame"))

	toRequest, toExhaust := c.Sweep(clock.Now())
	require.Len(t, toRequest, 1, "first sweep should send the initial request")
	require.Empty(t, toExhaust)

	// sweeping again before the retry interval elapses changes nothing.
	toRequest, toExhaust = c.Sweep(clock.Now())
	require.Empty(t, toRequest)
	require.Empty(t, toExhaust)

	clock.Advance(cfg.ARPRetryInterval)
	toRequest, toExhaust = c.Sweep(clock.Now())
	require.Len(t, toRequest, 1, "second attempt should be sent after the retry interval")
	require.Empty(t, toExhaust)

	clock.Advance(cfg.ARPRetryInterval)
	toRequest, toExhaust = c.Sweep(clock.Now())
	require.Empty(t, toRequest)
	require.Len(t, toExhaust, 1, "request should exhaust after ARPMaxAttempts")
	require.Equal(t, "eth0", toExhaust[0].Packets[0].Iface)
}

func TestARPCache_Sweep_ExpiresStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	c := router.NewARPCache(cfg, clock)

	ip := netip.MustParseAddr("10.0.0.5")
	c.Insert(ip, mac("aa:bb:cc:dd:ee:05"))
	_, ok := c.Lookup(ip)
	require.True(t, ok)

	clock.Advance(cfg.ARPEntryTimeout)
	c.Sweep(clock.Now())

	_, ok = c.Lookup(ip)
	require.False(t, ok, "entry should have aged out")
}
