package ctcp

import (
	"io"
	"log/slog"
	"time"

	"github.com/joohan-lee/ctcp-with-bbr/internal/bbr"
	"github.com/joohan-lee/ctcp-with-bbr/internal/metrics"
)

// TermState is one of the eight states of the connection-termination
// state machine in ctcp.h's termination_state enum. Connection
// establishment is out of scope (the harness hands each side an
// already-established connection), so every Conn starts in
// StateEstablished.
type TermState int

const (
	StateEstablished TermState = iota
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
	StateClosed
)

func (s TermState) String() string {
	switch s {
	case StateEstablished:
		return "established"
	case StateFinWait1:
		return "fin_wait_1"
	case StateFinWait2:
		return "fin_wait_2"
	case StateCloseWait:
		return "close_wait"
	case StateLastAck:
		return "last_ack"
	case StateClosing:
		return "closing"
	case StateTimeWait:
		return "time_wait"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BDPLogger receives one append-only line per paced send, the
// connection's (timestamp_ms, bdp_bytes) pair.
type BDPLogger interface {
	Log(tsMillis int64, bdpBytes uint64)
}

// Conn is a single cTCP connection: the five host-invoked entrypoints,
// the send/receive windows, and the termination state machine. A Conn
// is NOT safe for concurrent use — spec.md's concurrency model is a
// single-threaded host loop invoking the five entrypoints serially, the
// same way tools/twamp/pkg/light/reflector.go's Run loop drives one
// socket from one goroutine.
type Conn struct {
	cfg    Config
	clock  Clock
	sender DatagramSender
	appIn  AppInput
	appOut AppOutput
	log    *slog.Logger
	bdpLog BDPLogger

	bbrModel *bbr.Model
	cwnd     uint32

	pacingRateBytesPerSec uint64
	pacingGapMicros       uint64
	nextSendAllowedAt     time.Time

	currSeqno         uint32
	sendUnacked       uint32
	rxNextOutputSeqno uint32
	peerWindow        uint16

	txInFlight      *segmentList
	txInFlightBytes uint32
	txPending       [][]byte

	rxReorder      *segmentList
	rxWaitingBytes uint32

	term        TermState
	stateElapsed time.Duration

	closedLocally bool
	finSeqno      uint32
	finSeqnoSet   bool
}

// NewConn builds a connection already in the ESTABLISHED state, seeded
// with the peer's initial sequence numbers.
func NewConn(cfg Config, clock Clock, sender DatagramSender, appIn AppInput, appOut AppOutput, log *slog.Logger, bdpLog BDPLogger, initialSeqno, peerInitialSeqno uint32) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		cfg:               cfg,
		clock:             clock,
		sender:            sender,
		appIn:             appIn,
		appOut:            appOut,
		log:               log,
		bdpLog:            bdpLog,
		bbrModel:          bbr.New(int(cfg.RetransmitTimeout.Milliseconds())),
		cwnd:              CTCPInitialCwnd,
		currSeqno:         initialSeqno,
		sendUnacked:       initialSeqno,
		rxNextOutputSeqno: peerInitialSeqno,
		peerWindow:        cfg.SendWindow,
		txInFlight:        newSegmentList(),
		rxReorder:         newSegmentList(),
		term:              StateEstablished,
	}
}

// CTCPInitialCwnd is CTCP_INITIAL_CWND from ctcp.h: the starting
// congestion window, in MSS-sized packets.
const CTCPInitialCwnd = 10

func (c *Conn) State() TermState { return c.term }

func (c *Conn) nowMicros() int64 { return c.clock.Now().UnixMicro() }

func (c *Conn) recvWindowRemaining() uint16 {
	used := int(c.rxWaitingBytes)
	avail := int(c.cfg.RecvWindow) - used
	if avail < 0 {
		return 0
	}
	if avail > int(^uint16(0)) {
		avail = int(^uint16(0))
	}
	return uint16(avail)
}

// Close signals that the application has no more data to send. Once
// the send queue and in-flight window have fully drained, the engine
// emits a FIN and begins the active-close path.
func (c *Conn) Close() {
	c.closedLocally = true
}

func (c *Conn) maybeSendFIN() {
	if !c.closedLocally || c.finSeqnoSet {
		return
	}
	if len(c.txPending) != 0 || c.txInFlight.Len() != 0 {
		return
	}
	seg := Segment{
		Seqno:  c.currSeqno,
		Ackno:  c.rxNextOutputSeqno,
		Flags:  FlagACK | FlagFIN,
		Window: c.recvWindowRemaining(),
	}
	c.finSeqno = c.currSeqno
	c.finSeqnoSet = true
	c.currSeqno++

	// The FIN gets a transmission record like any other segment
	// (ctcp.c's send_segment does ll_add for every send it makes,
	// FIN included), so a lost FIN/FIN-ACK is retried by the same
	// OnRetransmitTick walk instead of stalling the close handshake.
	rs := c.bbrModel.OnSend()
	rec := &outstandingSegment{
		segment:        seg,
		transmissions:  1,
		sendTimeMicros: c.nowMicros(),
		rateSample:     rs,
	}
	c.txInFlight.PushBack(rec)
	c.txInFlightBytes += uint32(len(seg.Data))

	c.sendNow(seg, "fin")

	switch c.term {
	case StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	}
}

func (c *Conn) setState(s TermState) {
	if c.term == s {
		return
	}
	c.log.Debug("ctcp: termination state transition", "from", c.term, "to", s)
	metrics.TerminationState.WithLabelValues(c.term.String()).Set(0)
	metrics.TerminationState.WithLabelValues(s.String()).Set(1)
	c.term = s
	c.stateElapsed = 0
}

func (c *Conn) sendNow(seg Segment, kind string) {
	if err := c.sender.SendSegment(seg); err != nil {
		c.log.Debug("ctcp: send failed", "err", err, "segment", seg.String())
		return
	}
	metrics.SegmentsSent.WithLabelValues(kind).Inc()
}

// OnInputReady drains as much of appIn as the application has ready,
// chunks it into MSS-sized segments, and attempts to send them
// immediately subject to the congestion and peer windows and the BBR
// pacing gap.
func (c *Conn) OnInputReady() error {
	if c.term != StateEstablished && c.term != StateCloseWait {
		return nil
	}
	buf := make([]byte, MaxSegmentData)
	for {
		n, err := c.appIn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.txPending = append(c.txPending, chunk)
		}
		if err == io.EOF {
			// No more application data is ever coming; drive the
			// active-close path the same way a direct Close() call
			// would (spec's read_app_input EOF contract).
			c.Close()
		}
		if err != nil || n == 0 {
			break
		}
	}
	c.trySend()
	return nil
}

// trySend pops queued data segments and transmits as many as the
// window and pacing gap currently allow.
func (c *Conn) trySend() {
	windowCap := min32(uint32(c.peerWindow), c.cwnd*MaxSegmentData)
	now := c.clock.Now()
	for len(c.txPending) > 0 {
		if now.Before(c.nextSendAllowedAt) {
			break
		}
		data := c.txPending[0]
		if c.txInFlightBytes+uint32(len(data)) > windowCap {
			break
		}

		seg := Segment{
			Seqno:  c.currSeqno,
			Ackno:  c.rxNextOutputSeqno,
			Flags:  FlagACK,
			Window: c.recvWindowRemaining(),
			Data:   data,
		}
		c.txPending = c.txPending[1:]
		c.currSeqno += uint32(len(data))

		rs := c.bbrModel.OnSend()
		rec := &outstandingSegment{
			segment:        seg,
			transmissions:  1,
			sendTimeMicros: c.nowMicros(),
			rateSample:     rs,
		}
		c.txInFlight.PushBack(rec)
		c.txInFlightBytes += uint32(len(data))

		c.sendNow(seg, "data")
		if c.bdpLog != nil {
			c.bdpLog.Log(now.UnixMilli(), c.bbrModel.BDPBytes())
		}

		c.nextSendAllowedAt = now.Add(time.Duration(c.pacingGapMicros) * time.Microsecond)
	}
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// OnSegmentReceived handles one inbound wire segment: validates it,
// processes any ACK it carries against the in-flight window and the
// BBR model, delivers or buffers any data payload, and advances the
// termination state machine on FIN.
func (c *Conn) OnSegmentReceived(wire []byte) error {
	seg, err := Unmarshal(wire)
	if err != nil {
		if err == ErrBadChecksum {
			metrics.SegmentsReceived.WithLabelValues("bad_checksum").Inc()
		} else {
			metrics.SegmentsReceived.WithLabelValues("short").Inc()
		}
		c.log.Debug("ctcp: dropping unparseable segment", "err", err)
		return nil
	}
	metrics.SegmentsReceived.WithLabelValues("ok").Inc()
	c.log.Debug("ctcp: segment received", "segment", seg.String())

	if seg.HasFlag(FlagACK) {
		c.processAck(seg)
	}

	if len(seg.Data) > 0 {
		c.processData(seg)
	}

	if seg.HasFlag(FlagFIN) {
		c.processFIN(seg)
	}

	c.maybeSendFIN()
	return nil
}

func (c *Conn) processAck(seg Segment) {
	if int32(seg.Ackno-c.sendUnacked) <= 0 {
		c.peerWindow = seg.Window
		return
	}
	c.peerWindow = seg.Window

	drained, freed := c.txInFlight.DrainAcked(seg.Ackno)
	c.sendUnacked = seg.Ackno
	c.txInFlightBytes -= uint32(freed)

	now := c.nowMicros()
	for _, rec := range drained {
		rec.ackTimeMicros = now
		pacingRate, pacingGap, cwnd := c.bbrModel.OnAck(rec.rateSample, rec.sendTimeMicros, now, c.txInFlightBytes, c.txInFlight.Len(), c.cwnd)
		c.pacingRateBytesPerSec = pacingRate
		c.pacingGapMicros = pacingGap
		c.cwnd = cwnd
	}
	metrics.CwndPackets.Set(float64(c.cwnd))
	metrics.PacingRateBytesPerSec.Set(float64(c.pacingRateBytesPerSec))
	metrics.MinRTTMicros.Set(float64(c.bbrModel.MinRTTMicros()))
	for m := bbr.ModeStartup; m <= bbr.ModeProbeRTT; m++ {
		metrics.BBRMode.WithLabelValues(m.String()).Set(0)
	}
	metrics.BBRMode.WithLabelValues(c.bbrModel.Mode().String()).Set(1)

	c.trySend()

	if c.finSeqnoSet && int32(seg.Ackno-c.finSeqno) > 0 {
		switch c.term {
		case StateFinWait1:
			c.setState(StateFinWait2)
		case StateClosing:
			c.setState(StateTimeWait)
		case StateLastAck:
			c.setState(StateClosed)
		}
	}
}

func (c *Conn) processData(seg Segment) {
	if seg.Seqno == c.rxNextOutputSeqno {
		c.deliverOrBuffer(seg)
		c.drainReorderBuffer()
	} else if int32(seg.Seqno-c.rxNextOutputSeqno) > 0 {
		if c.rxWaitingBytes+uint32(len(seg.Data)) > uint32(c.cfg.RecvWindow) {
			metrics.SegmentsReceived.WithLabelValues("duplicate").Inc()
			return
		}
		if _, ok := c.rxReorder.InsertInOrder(&outstandingSegment{segment: seg}); ok {
			c.rxWaitingBytes += uint32(len(seg.Data))
			metrics.SegmentsReceived.WithLabelValues("out_of_order").Inc()
		} else {
			metrics.SegmentsReceived.WithLabelValues("duplicate").Inc()
		}
		c.sendAckOnly()
	} else {
		metrics.SegmentsReceived.WithLabelValues("duplicate").Inc()
		c.sendAckOnly()
	}
}

// deliverOrBuffer writes a contiguous data segment straight to the
// application if there is buffer space; otherwise it is held in the rx
// reorder list (as the in-order head) until OnOutputReady reports space.
func (c *Conn) deliverOrBuffer(seg Segment) {
	if c.appOut.BufferSpace() < len(seg.Data) {
		c.rxReorder.PushFront(&outstandingSegment{segment: seg})
		c.rxWaitingBytes += uint32(len(seg.Data))
		return
	}
	c.appOut.Write(seg.Data)
	c.rxNextOutputSeqno += uint32(len(seg.Data))
	c.sendAckOnly()
}

// drainReorderBuffer delivers any buffered segments that are now
// contiguous with rxNextOutputSeqno, then acknowledges what it
// delivered with one ack-only segment.
func (c *Conn) drainReorderBuffer() {
	delivered := false
	for {
		front := c.rxReorder.Front()
		if front == nil || front.segment.Seqno != c.rxNextOutputSeqno {
			break
		}
		if c.appOut.BufferSpace() < len(front.segment.Data) {
			break
		}
		e := c.rxReorder.Find(front.segment.Seqno)
		c.rxReorder.Remove(e)
		c.rxWaitingBytes -= uint32(len(front.segment.Data))
		c.appOut.Write(front.segment.Data)
		c.rxNextOutputSeqno += uint32(len(front.segment.Data))
		delivered = true
	}
	if delivered {
		c.sendAckOnly()
	}
}

func (c *Conn) sendAckOnly() {
	seg := Segment{
		Seqno:  c.currSeqno,
		Ackno:  c.rxNextOutputSeqno,
		Flags:  FlagACK,
		Window: c.recvWindowRemaining(),
	}
	c.sendNow(seg, "ack_only")
}

func (c *Conn) processFIN(seg Segment) {
	if seg.Seqno == c.rxNextOutputSeqno {
		c.rxNextOutputSeqno++
		c.sendAckOnly()
	}

	switch c.term {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		c.setState(StateClosing)
	case StateFinWait2:
		c.setState(StateTimeWait)
	}
}

// OnOutputReady is invoked when the application's output consumer
// reports it can accept more bytes; it flushes whatever is now
// deliverable out of the rx reorder buffer.
func (c *Conn) OnOutputReady() error {
	c.drainReorderBuffer()
	return nil
}

// OnRetransmitTick fires on the engine's fixed retransmission interval:
// each tick counts as one cfg.RetransmitTimeout of waiting for every
// unacked segment, so every unacked segment is resent on each tick. It
// also advances the per-state timeout accumulators (FIN_WAIT_2,
// TIME_WAIT and LAST_ACK), which are measured
// in retransmit-tick ticks rather than a dedicated timer, matching
// spec.md's description of the termination timeouts.
func (c *Conn) OnRetransmitTick() error {
	var lost *ConnectionLostError

	c.txInFlight.Each(func(rec *outstandingSegment) {
		rec.elapsedMillis += c.cfg.RetransmitTimeout.Milliseconds()
		if rec.elapsedMillis < c.cfg.RetransmitTimeout.Milliseconds() {
			return
		}
		if rec.transmissions > c.cfg.MaxRetransmits {
			lost = &ConnectionLostError{Reason: "peer unresponsive past max retransmits"}
			return
		}
		rec.transmissions++
		rec.elapsedMillis = 0
		rec.sendTimeMicros = c.nowMicros()
		c.sendNow(rec.segment, "retransmit")
	})

	c.stateElapsed += c.cfg.RetransmitTimeout
	switch c.term {
	case StateFinWait2:
		if c.stateElapsed >= c.cfg.FinTimeout {
			lost = &ConnectionLostError{Reason: "fin_wait_2 timed out"}
		}
	case StateTimeWait:
		if c.stateElapsed >= c.cfg.MSL() || c.txInFlight.Len() == 0 {
			c.setState(StateClosed)
		}
	case StateLastAck:
		if c.stateElapsed >= c.cfg.FinTimeout {
			lost = &ConnectionLostError{Reason: "last_ack timed out"}
		}
	}

	c.maybeSendFIN()

	if lost != nil {
		metrics.ConnectionsLost.WithLabelValues(lost.Reason).Inc()
		return lost
	}
	return nil
}

// OnPacingTick fires on the BBR pacing schedule: it resumes draining
// txPending now that another pacing interval has elapsed, and marks the
// connection application-limited when there is nothing left to send.
func (c *Conn) OnPacingTick() error {
	c.trySend()
	if len(c.txPending) == 0 {
		c.bbrModel.SetAppLimited(c.txInFlightBytes)
	}
	return nil
}
