package ctcp

import (
	"io"

	"github.com/jonboulle/clockwork"
)

// AppInput is the application-side read source the connection drains on
// on_input_ready, the Go counterpart of ctcp_io_read.
type AppInput interface {
	io.Reader
}

// AppOutput is the application-side sink the connection drains into on
// on_output_ready. BufferSpace reports how many bytes the consumer can
// currently accept, the Go counterpart of ctcp_bufspace, so the engine
// never blocks on a full application buffer.
type AppOutput interface {
	io.Writer
	BufferSpace() int
}

// DatagramSender is the host's raw segment transport: the thing
// on_output_ready, on_retransmit_tick and on_pacing_tick hand finished
// wire segments to. Grounded on the Sender interface in
// tools/twamp/pkg/light/sender.go: accept an interface here, let the
// host program supply whatever UDP/pipe/channel implementation it
// likes.
type DatagramSender interface {
	SendSegment(seg Segment) error
}

// Clock is clockwork.Clock, reused directly rather than wrapped: every
// timer-driven path (retransmit tick, pacing tick, TIME_WAIT
// accumulation) takes one of these so tests can swap in
// clockwork.NewFakeClock().
type Clock = clockwork.Clock
