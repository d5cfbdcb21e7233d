package ctcp_test

import (
	"bytes"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/joohan-lee/ctcp-with-bbr/internal/ctcp"
)

// recordingSender captures every segment handed to it in send order,
// the Go counterpart of a loopback socket for test purposes.
type recordingSender struct {
	sent []ctcp.Segment
}

func (s *recordingSender) SendSegment(seg ctcp.Segment) error {
	s.sent = append(s.sent, seg)
	return nil
}

// boundedOutput is an ctcp.AppOutput backed by a bytes.Buffer with a
// configurable advertised buffer space, so tests can exercise both the
// straight-through delivery path and the buffer-full hold path.
type boundedOutput struct {
	buf   bytes.Buffer
	space int
}

func (o *boundedOutput) Write(p []byte) (int, error) { return o.buf.Write(p) }
func (o *boundedOutput) BufferSpace() int             { return o.space }

func newTestConn(t *testing.T, appIn ctcp.AppInput, appOut ctcp.AppOutput) (*ctcp.Conn, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	cfg := ctcp.DefaultConfig()
	conn := ctcp.NewConn(cfg, clockwork.NewFakeClock(), sender, appIn, appOut, nil, nil, 100, 200)
	return conn, sender
}

func TestConn_OnInputReady_SendsData(t *testing.T) {
	appIn := bytes.NewReader([]byte("hello world"))
	out := &boundedOutput{space: 1 << 20}
	conn, sender := newTestConn(t, appIn, out)

	require.NoError(t, conn.OnInputReady())

	require.Len(t, sender.sent, 1)
	seg := sender.sent[0]
	require.True(t, seg.HasFlag(ctcp.FlagACK))
	require.Equal(t, []byte("hello world"), seg.Data)
	require.Equal(t, uint32(100), seg.Seqno)
}

func TestConn_OnSegmentReceived_DeliversInOrderData(t *testing.T) {
	out := &boundedOutput{space: 1 << 20}
	conn, sender := newTestConn(t, bytes.NewReader(nil), out)

	seg := ctcp.Segment{Seqno: 200, Ackno: 100, Flags: ctcp.FlagACK, Window: 4096, Data: []byte("payload")}
	require.NoError(t, conn.OnSegmentReceived(seg.Marshal()))

	require.Equal(t, "payload", out.buf.String())
	require.NotEmpty(t, sender.sent, "an ack-only reply should have been sent")
}

func TestConn_OnSegmentReceived_BuffersOutOfOrderThenDrains(t *testing.T) {
	out := &boundedOutput{space: 1 << 20}
	conn, _ := newTestConn(t, bytes.NewReader(nil), out)

	// "world" arrives first, carrying seqno 205 while rxNextOutputSeqno
	// is still 200 — it must be buffered, not delivered.
	future := ctcp.Segment{Seqno: 205, Ackno: 100, Flags: ctcp.FlagACK, Window: 4096, Data: []byte("world")}
	require.NoError(t, conn.OnSegmentReceived(future.Marshal()))
	require.Empty(t, out.buf.String())

	// the missing in-order segment then arrives and both should flush.
	head := ctcp.Segment{Seqno: 200, Ackno: 100, Flags: ctcp.FlagACK, Window: 4096, Data: []byte("hello")}
	require.NoError(t, conn.OnSegmentReceived(head.Marshal()))
	require.Equal(t, "helloworld", out.buf.String())
}

func TestConn_OnSegmentReceived_RejectsBadChecksum(t *testing.T) {
	out := &boundedOutput{space: 1 << 20}
	conn, sender := newTestConn(t, bytes.NewReader(nil), out)

	seg := ctcp.Segment{Seqno: 200, Ackno: 100, Flags: ctcp.FlagACK, Window: 4096, Data: []byte("x")}
	wire := seg.Marshal()
	wire[len(wire)-1] ^= 0xFF

	require.NoError(t, conn.OnSegmentReceived(wire))
	require.Empty(t, sender.sent, "a corrupted segment must be dropped silently, not acked")
	require.Empty(t, out.buf.String())
}

func TestConn_Close_EmitsFINOnceQueueDrains(t *testing.T) {
	out := &boundedOutput{space: 1 << 20}
	conn, sender := newTestConn(t, bytes.NewReader(nil), out)

	require.Equal(t, ctcp.StateEstablished, conn.State())
	conn.Close()
	// maybeSendFIN only fires from OnSegmentReceived/OnRetransmitTick, not
	// OnInputReady, so a retransmit tick is what actually flushes the FIN
	// once the send queue is empty.
	require.NoError(t, conn.OnRetransmitTick())

	require.NotEmpty(t, sender.sent)
	last := sender.sent[len(sender.sent)-1]
	require.True(t, last.HasFlag(ctcp.FlagFIN))
	require.Equal(t, ctcp.StateFinWait1, conn.State())
}

func TestConn_PassiveClose_EntersCloseWaitThenLastAck(t *testing.T) {
	out := &boundedOutput{space: 1 << 20}
	conn, sender := newTestConn(t, bytes.NewReader(nil), out)

	fin := ctcp.Segment{Seqno: 200, Ackno: 100, Flags: ctcp.FlagACK | ctcp.FlagFIN, Window: 4096}
	require.NoError(t, conn.OnSegmentReceived(fin.Marshal()))
	require.Equal(t, ctcp.StateCloseWait, conn.State())

	conn.Close()
	require.NoError(t, conn.OnRetransmitTick())
	require.Equal(t, ctcp.StateLastAck, conn.State())
	require.NotEmpty(t, sender.sent)
}

func TestConn_OnRetransmitTick_ResendsUnackedSegment(t *testing.T) {
	appIn := bytes.NewReader([]byte("retry-me"))
	out := &boundedOutput{space: 1 << 20}
	conn, sender := newTestConn(t, appIn, out)

	require.NoError(t, conn.OnInputReady())
	require.Len(t, sender.sent, 1)

	require.NoError(t, conn.OnRetransmitTick())
	require.Len(t, sender.sent, 2, "an unacked segment should be retransmitted on the next tick")
	require.Equal(t, sender.sent[0].Seqno, sender.sent[1].Seqno)
}
