// Package bdplog persists one line per BBR-paced send to an append-only
// log: "<timestamp_ms>,<bdp_bytes>\n", the format spec.md §6 names as
// the connection engine's persisted BDP history.
package bdplog

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// sampleQueueDepth bounds how many BDP samples can be buffered between
// the engine's hot path and the writer goroutine before new samples are
// dropped rather than applying backpressure.
const sampleQueueDepth = 256

type sample struct {
	tsMillis int64
	bdpBytes uint64
}

// Writer appends BDP samples to a file from a dedicated goroutine,
// reopening it with bounded exponential backoff if a write fails (a
// truncated disk, a briefly unavailable mount), following the
// backoff-wrapped retry pattern in
// controlplane/telemetry/internal/telemetry/pinger.go's getCurrentEpoch.
// Log() itself never blocks or does I/O: spec.md §5 forbids any cTCP
// entrypoint from suspending on I/O, and Log is called synchronously
// from trySend on every paced send.
type Writer struct {
	path string
	log  *slog.Logger
	f    *os.File

	samples  chan sample
	done     chan struct{}
	closeErr error

	mu     sync.Mutex
	closed bool
}

// NewWriter opens (creating if needed) the log file at path in append
// mode and starts the background writer goroutine.
func NewWriter(path string, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		path:    path,
		log:     log,
		samples: make(chan sample, sampleQueueDepth),
		done:    make(chan struct{}),
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bdplog: open %s: %w", w.path, err)
	}
	w.f = f
	return nil
}

// run drains samples and performs all file I/O off the caller's
// goroutine, until the channel is closed and drained dry.
func (w *Writer) run() {
	defer close(w.done)
	for s := range w.samples {
		w.writeWithRetry(s)
	}
	if w.f != nil {
		w.closeErr = w.f.Close()
		w.f = nil
	}
}

func (w *Writer) writeWithRetry(s sample) {
	line := strconv.FormatInt(s.tsMillis, 10) + "," + strconv.FormatUint(s.bdpBytes, 10) + "\n"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 200 * time.Millisecond

	err := backoff.Retry(func() error {
		if w.f == nil {
			if err := w.open(); err != nil {
				return err
			}
		}
		if _, err := w.f.WriteString(line); err != nil {
			w.f.Close()
			w.f = nil
			return err
		}
		return nil
	}, backoff.WithMaxRetries(b, 3))

	if err != nil {
		w.log.Debug("bdplog: dropping sample after retries exhausted", "err", err)
	}
}

// Log enqueues one (timestamp_ms, bdp_bytes) sample for the background
// writer, implementing ctcp.BDPLogger. It never blocks: a full queue
// means the writer goroutine is behind (or stuck retrying a failed
// write), and the BDP log is diagnostic, not load-bearing, so the
// sample is dropped rather than stalling the connection engine. A Log
// call after Close is a no-op, also dropped rather than blocked.
func (w *Writer) Log(tsMillis int64, bdpBytes uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.samples <- sample{tsMillis: tsMillis, bdpBytes: bdpBytes}:
	default:
		w.log.Debug("bdplog: dropping sample, writer queue full")
	}
}

// Close stops accepting samples, waits for the writer goroutine to
// drain its queue, and closes the underlying file. Calling Close more
// than once returns the same result without blocking twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return w.closeErr
	}
	w.closed = true
	close(w.samples)
	w.mu.Unlock()

	<-w.done
	return w.closeErr
}
