package bbr

// Fixed-point scales, ported from _examples/original_source/lab3/ctcp_bbr.h.
const (
	bwScale  = 24
	bwUnit   = 1 << bwScale
	bbrScale = 8
	bbrUnit  = 1 << bbrScale

	cycleLen        = 8
	windowLenRounds = cycleLen + 2 // CYCLE_LEN + 2 rounds of bandwidth history

	minRTTWindowUs     = 10 * 1_000_000 // bbr_min_rtt_win_sec
	probeRTTDurationUs = 200 * 1_000    // bbr_probe_rtt_mode_ms

	// initialCwndRounds is CTCP_INITIAL_CWND from ctcp.h: the round count
	// below which cwnd keeps growing during slow start regardless of the
	// target comparison.
	initialCwndRounds = 10

	cwndMinTarget   = 4 // bbr_cwnd_min_target
	fullBWCntThresh = 3 // rounds without 25% growth before declaring full_bw

	highGain       = bbrUnit*2885/1000 + 1 // bbr_high_gain, ~2.89x
	drainGain      = bbrUnit * 1000 / 2885 // bbr_drain_gain, 1/high_gain
	cwndGainProbeBW = bbrUnit * 2          // bbr_cwnd_gain

	maxSegDataSize = 1440 // MAX_SEG_DATA_SIZE / MSS
	usecPerSec     = 1_000_000

	fullBWThreshNum = bbrUnit * 5 / 4 // 1.25x, compared in BBR_SCALE fixed point
)

// pacingGainCycle is bbr_pacing_gain[] from ctcp_bbr.c: one PROBE_BW cycle
// probes up, drains down, then cruises at unit gain for the rest.
var pacingGainCycle = [cycleLen]uint64{
	bbrUnit * 5 / 4,
	bbrUnit * 3 / 4,
	bbrUnit,
	bbrUnit,
	bbrUnit,
	bbrUnit,
	bbrUnit,
	bbrUnit,
}

// Mode is one of BBR's four bandwidth/RTT probing phases.
type Mode int

const (
	ModeStartup Mode = iota
	ModeDrain
	ModeProbeBW
	ModeProbeRTT
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "startup"
	case ModeDrain:
		return "drain"
	case ModeProbeBW:
		return "probe_bw"
	case ModeProbeRTT:
		return "probe_rtt"
	default:
		return "unknown"
	}
}

// RateSample is the snapshot captured at segment-send time and consumed
// when the corresponding ACK arrives, matching ctcp.h's rate_sample.
type RateSample struct {
	DeliveredAtSend uint32
	PriorMstampUs   int64
	IsAppLimited    bool
}

// Model is the per-connection BBR state machine: windowed max-bandwidth
// filter, min-RTT-timed gain cycling, and cwnd/pacing-rate
// computation. All fields are plain fixed-point integers; there is no
// floating point anywhere in this package, matching spec.md §4's
// fixed-point requirement.
type Model struct {
	mode      Mode
	pacingGain uint64
	cwndGain   uint64

	cycleIdx     uint32
	cycleStampUs int64

	minRTTus            uint64
	minRTTStampUs       int64
	probeRTTDoneStampUs int64
	priorCwnd           uint32

	fullBW    uint64
	fullBWCnt uint32

	deliveredPkts       uint32
	lastDeliveredTimeUs int64
	appLimitedUntil     int64

	rttCnt uint32
	bw     *minmaxFilter
}

// New creates a BBR model seeded the way ctcp_bbr_init seeds min_rtt_us
// from the connection's fixed retransmit timeout before any RTT sample
// has been observed.
func New(retransmitTimeoutMs int) *Model {
	m := &Model{bw: newMinMaxFilter(windowLenRounds)}
	m.minRTTus = uint64(retransmitTimeoutMs) * 1000
	m.bw.reset(0, 0)
	m.resetStartupMode()
	return m
}

// Mode reports the current BBR phase, for metrics and tests.
func (m *Model) Mode() Mode { return m.mode }

// MaxBandwidth returns the current windowed max delivery rate, in
// packets per microsecond scaled by bwUnit.
func (m *Model) MaxBandwidth() uint64 { return m.bw.get() }

// MinRTTMicros returns the current min-RTT estimate in microseconds.
func (m *Model) MinRTTMicros() uint64 { return m.minRTTus }

// BDPBytes returns the current bandwidth-delay product in bytes at unit
// gain, the value persisted to the BDP log on every paced send.
func (m *Model) BDPBytes() uint64 { return m.bdpInBytes(bbrUnit) }

func (m *Model) bdpInBytes(gain uint64) uint64 {
	bdp := m.bw.get() * m.minRTTus
	bytes := ((bdp * gain) >> bbrScale) * maxSegDataSize
	return bytes >> bwScale
}

func (m *Model) targetCwnd() uint32 {
	bdp := m.bw.get() * m.minRTTus
	cwnd := ((bdp*m.cwndGain)>>bbrScale + bwUnit - 1) / bwUnit
	return uint32(cwnd)
}

func (m *Model) fullBwReached() bool { return m.fullBWCnt >= fullBWCntThresh }

func (m *Model) resetStartupMode() {
	m.mode = ModeStartup
	m.pacingGain = highGain
	m.cwndGain = highGain
}

func (m *Model) resetProbeBWMode(nowUs int64) {
	m.mode = ModeProbeBW
	m.cwndGain = cwndGainProbeBW
	idx := (m.cycleIdx + 1) % cycleLen
	if idx == 1 { // never start a cycle on the drain-equivalent gain
		idx = (idx + 1) % cycleLen
	}
	m.cycleIdx = idx
	m.pacingGain = pacingGainCycle[m.cycleIdx]
	m.cycleStampUs = nowUs
}

func (m *Model) resetMode(nowUs int64) {
	if !m.fullBwReached() {
		m.resetStartupMode()
	} else {
		m.resetProbeBWMode(nowUs)
	}
}

// OnSend snapshots the rate-sample state for a segment about to be sent,
// mirroring bbr_on_send. The caller is responsible for logging
// BDPBytes() to the BDP log for this paced send.
func (m *Model) OnSend() RateSample {
	return RateSample{
		DeliveredAtSend: m.deliveredPkts,
		PriorMstampUs:   m.lastDeliveredTimeUs,
		IsAppLimited:    m.appLimitedUntil > 0,
	}
}

// SetAppLimited marks whether the connection is currently application
// limited (tx_queue empty), per spec.md's pacing-tick behavior: "if
// tx_queue is empty, mark BBR's app_limited_until = inflight_bytes".
func (m *Model) SetAppLimited(inflightBytes uint32) {
	m.appLimitedUntil = int64(inflightBytes)
}

func (m *Model) updateBW(rs RateSample, ackTimeUs int64) {
	m.deliveredPkts++
	sentPkts := m.deliveredPkts - rs.DeliveredAtSend
	elapsed := ackTimeUs - rs.PriorMstampUs
	if elapsed > 0 {
		deliveryRate := (uint64(sentPkts) << bwScale) / uint64(elapsed)
		if !rs.IsAppLimited || deliveryRate >= m.bw.get() {
			m.bw.insert(m.rttCnt, deliveryRate)
		}
	}
	m.lastDeliveredTimeUs = ackTimeUs
}

func (m *Model) checkFullBwReached(rs RateSample) {
	if m.fullBwReached() || rs.IsAppLimited {
		return
	}
	bwThresh := (m.fullBW * fullBWThreshNum) >> bbrScale
	if m.bw.get() >= bwThresh {
		m.fullBW = m.bw.get()
		m.fullBWCnt = 0
		return
	}
	m.fullBWCnt++
}

func (m *Model) checkDrain(nowUs int64, inflightBytes uint32) {
	if m.mode == ModeStartup && m.fullBwReached() {
		m.mode = ModeDrain
		m.pacingGain = drainGain
		m.cwndGain = highGain
	}
	if m.mode == ModeDrain && inflightBytes <= uint32(m.bdpInBytes(bbrUnit)) {
		m.resetProbeBWMode(nowUs)
	}
}

func (m *Model) isNextCyclePhase(nowUs int64, inflightBytes uint32) bool {
	fullLength := (nowUs - m.cycleStampUs) > int64(m.minRTTus)
	switch {
	case m.pacingGain > bbrUnit:
		return fullLength && inflightBytes >= uint32(m.bdpInBytes(m.pacingGain))
	case m.pacingGain < bbrUnit:
		return fullLength || inflightBytes <= uint32(m.bdpInBytes(bbrUnit))
	default:
		return fullLength
	}
}

func (m *Model) advanceCyclePhase(nowUs int64) {
	m.cycleIdx = (m.cycleIdx + 1) % cycleLen
	m.cycleStampUs = nowUs
	m.pacingGain = pacingGainCycle[m.cycleIdx]
}

func (m *Model) updateCyclePhase(nowUs int64, inflightBytes uint32) {
	if m.mode == ModeProbeBW && m.isNextCyclePhase(nowUs, inflightBytes) {
		m.advanceCyclePhase(nowUs)
	}
}

func (m *Model) updateMinRTT(sendTimeUs, ackTimeUs int64, segmentsLen int, prevCwnd uint32) {
	rttUs := ackTimeUs - sendTimeUs
	if rttUs < 0 {
		rttUs = 0
	}
	filterExpired := (ackTimeUs - m.minRTTStampUs) >= minRTTWindowUs
	if m.mode == ModeStartup || uint64(rttUs) <= m.minRTTus || filterExpired {
		m.minRTTus = uint64(rttUs)
		m.minRTTStampUs = ackTimeUs
	}

	if filterExpired && m.mode != ModeProbeRTT {
		m.mode = ModeProbeRTT
		m.pacingGain = bbrUnit
		m.cwndGain = bbrUnit
		if prevCwnd > m.priorCwnd {
			m.priorCwnd = prevCwnd
		}
		m.probeRTTDoneStampUs = 0
	}

	if m.mode == ModeProbeRTT {
		if m.probeRTTDoneStampUs == 0 && segmentsLen <= cwndMinTarget {
			m.probeRTTDoneStampUs = ackTimeUs + probeRTTDurationUs
		} else if m.probeRTTDoneStampUs != 0 && ackTimeUs >= m.probeRTTDoneStampUs {
			m.minRTTStampUs = ackTimeUs
			m.resetMode(ackTimeUs)
		}
	}
}

func (m *Model) setCwnd(prevCwnd uint32) uint32 {
	target := m.targetCwnd()

	var cwnd uint32
	switch {
	case m.fullBwReached():
		cwnd = prevCwnd + 1
		if cwnd > target {
			cwnd = target
		}
	case prevCwnd < target || m.rttCnt < initialCwndRounds:
		cwnd = prevCwnd + 1
	default:
		cwnd = prevCwnd
	}

	if cwnd < cwndMinTarget {
		cwnd = cwndMinTarget
	}
	if m.mode == ModeProbeRTT && cwnd > cwndMinTarget {
		cwnd = cwndMinTarget
	}
	return cwnd
}

func (m *Model) pacingRateBytesPerSec() uint64 {
	v := (m.bw.get() * m.pacingGain) >> bbrScale
	v *= usecPerSec
	v >>= bwScale
	return v * maxSegDataSize
}

func (m *Model) pacingGapMicros(bytesPerSec uint64) uint64 {
	if bytesPerSec == 0 {
		return 10
	}
	gap := uint64(maxSegDataSize) * usecPerSec / bytesPerSec
	if gap < 10 {
		gap = 10
	}
	return gap
}

// OnAck processes the ACK for a previously sent segment: updates the
// bandwidth filter, advances the PROBE_BW gain cycle, checks for STARTUP
// exit and DRAIN completion, refreshes the min-RTT estimate (entering
// and leaving PROBE_RTT as needed), then recomputes pacing rate, pacing
// gap and cwnd. Mirrors bbr_on_ack's call sequence into bbr_update_model
// followed by bbr_set_pacing_rate and bbr_set_cwnd.
func (m *Model) OnAck(rs RateSample, sendTimeUs, ackTimeUs int64, inflightBytes uint32, segmentsLen int, prevCwnd uint32) (pacingRateBytesPerSec, pacingGapMicros uint64, cwnd uint32) {
	m.rttCnt++
	m.updateBW(rs, ackTimeUs)
	m.updateCyclePhase(ackTimeUs, inflightBytes)
	m.checkFullBwReached(rs)
	m.checkDrain(ackTimeUs, inflightBytes)
	m.updateMinRTT(sendTimeUs, ackTimeUs, segmentsLen, prevCwnd)

	pacingRateBytesPerSec = m.pacingRateBytesPerSec()
	pacingGapMicros = m.pacingGapMicros(pacingRateBytesPerSec)
	cwnd = m.setCwnd(prevCwnd)
	return
}
