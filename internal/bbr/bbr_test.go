package bbr_test

import (
	"testing"

	"github.com/joohan-lee/ctcp-with-bbr/internal/bbr"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := bbr.New(500)
	require.Equal(t, bbr.ModeStartup, m.Mode())
	require.Equal(t, uint64(500_000), m.MinRTTMicros())
	require.Equal(t, uint64(0), m.MaxBandwidth())
}

func TestOnSend_TracksAppLimited(t *testing.T) {
	m := bbr.New(500)

	rs := m.OnSend()
	require.False(t, rs.IsAppLimited)
	require.Equal(t, uint32(0), rs.DeliveredAtSend)

	m.SetAppLimited(1440)
	rs = m.OnSend()
	require.True(t, rs.IsAppLimited)
}

func TestOnAck_CwndStaysAtOrAboveMinTarget(t *testing.T) {
	m := bbr.New(500)
	cwnd := uint32(10)
	sendUs := int64(0)

	for i := 0; i < 50; i++ {
		rs := m.OnSend()
		ackUs := sendUs + 20_000 // 20ms RTT
		_, _, newCwnd := m.OnAck(rs, sendUs, ackUs, cwnd*1440, int(cwnd), cwnd)
		require.GreaterOrEqual(t, newCwnd, uint32(4), "cwnd must never drop below bbr_cwnd_min_target")
		cwnd = newCwnd
		sendUs = ackUs
	}
}

func TestOnAck_GrowsCwndDuringSlowStart(t *testing.T) {
	m := bbr.New(500)
	cwnd := uint32(10)
	sendUs := int64(0)

	rs := m.OnSend()
	ackUs := sendUs + 20_000
	_, _, newCwnd := m.OnAck(rs, sendUs, ackUs, cwnd*1440, int(cwnd), cwnd)
	require.GreaterOrEqual(t, newCwnd, cwnd, "slow start should never shrink cwnd on a clean ack")
}
