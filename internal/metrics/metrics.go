// Package metrics registers the prometheus collectors shared by the
// cTCP engine, the BBR model and the IPv4 router, following the
// package-level promauto var block in
// telemetry/flow-ingest/internal/metrics/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cTCP connection engine.
	SegmentsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctcp_segments_sent_total", Help: "Segments sent, by kind.",
	}, []string{"kind"}) // kind: data, ack_only, retransmit, fin

	SegmentsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctcp_segments_received_total", Help: "Segments received, by outcome.",
	}, []string{"outcome"}) // outcome: ok, bad_checksum, short, duplicate, out_of_order

	ConnectionsLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctcp_connections_lost_total", Help: "Connections torn down as unrecoverable, by reason.",
	}, []string{"reason"})

	TerminationState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctcp_termination_state", Help: "1 for the connection's current termination state, 0 otherwise.",
	}, []string{"state"})

	// BBR model.
	CwndPackets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctcp_bbr_cwnd_packets", Help: "Current congestion window, in MSS-sized packets.",
	})
	PacingRateBytesPerSec = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctcp_bbr_pacing_rate_bytes_per_second", Help: "Current BBR pacing rate.",
	})
	BBRMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctcp_bbr_mode", Help: "1 for BBR's current mode, 0 otherwise.",
	}, []string{"mode"})
	MinRTTMicros = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctcp_bbr_min_rtt_microseconds", Help: "Current BBR min-RTT estimate.",
	})

	// IPv4 router.
	FramesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcroute_frames_classified_total", Help: "Ingress frames, by ethertype.",
	}, []string{"ethertype"})
	PacketsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipcroute_packets_forwarded_total", Help: "IPv4 packets successfully forwarded.",
	})
	PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcroute_packets_dropped_total", Help: "IPv4 packets dropped, by reason.",
	}, []string{"reason"})
	ICMPGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipcroute_icmp_generated_total", Help: "ICMP messages generated, by type.",
	}, []string{"type"})
	ARPCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipcroute_arp_cache_entries", Help: "Valid entries currently held in the ARP cache.",
	})
	ARPRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipcroute_arp_requests_sent_total", Help: "ARP requests sent by the resolution sweep.",
	})
	ARPRequestsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipcroute_arp_requests_exhausted_total", Help: "Pending ARP requests dropped after exhausting retries.",
	})
)
