package router

import (
	"log/slog"

	"github.com/alitto/pond/v2"
)

// frameWriterPool runs outbound FrameIO.SendFrame calls on a bounded
// worker pool, grounded on
// controlplane/telemetry/internal/data/device/provider.go's
// getCircuitLatenciesPool. Flushing the packets queued behind a
// resolved ARP entry can mean many sends per cache insert; without a
// pool those sends would serialize behind whichever goroutine (receive
// path or 1 Hz sweep) triggered the resolution.
type frameWriterPool struct {
	pool pond.Pool
	io   FrameIO
	log  *slog.Logger
}

func newFrameWriterPool(io FrameIO, size int, log *slog.Logger) *frameWriterPool {
	if size <= 0 {
		size = 4
	}
	return &frameWriterPool{
		pool: pond.NewPool(size),
		io:   io,
		log:  log,
	}
}

// send enqueues one frame for asynchronous transmission on iface.
func (p *frameWriterPool) send(iface string, frame []byte) {
	p.pool.Submit(func() {
		if err := p.io.SendFrame(iface, frame); err != nil {
			p.log.Debug("router: send frame failed", "iface", iface, "err", err)
		}
	})
}

// stop waits for queued sends to finish.
func (p *frameWriterPool) stop() {
	p.pool.StopAndWait()
}
