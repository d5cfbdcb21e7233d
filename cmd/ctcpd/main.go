// ctcpd runs one cTCP endpoint: a UDP-backed host loop that drives a
// single internal/ctcp.Conn through its five entrypoints, piping stdin
// to the peer and the peer's data to stdout. Two instances pointed at
// each other over loopback form a complete connection. Structured like
// tools/twamp/pkg/light.Reflector's single-threaded event loop, and
// follows the version/commit/date ldflags pattern from
// telemetry/global-monitor/cmd/global-monitor/main.go.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/joohan-lee/ctcp-with-bbr/internal/bdplog"
	"github.com/joohan-lee/ctcp-with-bbr/internal/ctcp"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type config struct {
	showVersion bool
	verbose     bool

	listenAddr  string
	peerAddr    string
	metricsAddr string

	recvWindow        int
	retransmitTimeout time.Duration
	maxRetransmits    int
	finTimeout        time.Duration

	bdpLogPath string
}

func loadConfig() config {
	var cfg config
	flag.BoolVar(&cfg.showVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.listenAddr, "listen", "127.0.0.1:7070", "local UDP address to bind")
	flag.StringVar(&cfg.peerAddr, "peer", "127.0.0.1:7071", "peer UDP address to send segments to")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (empty disables)")
	flag.IntVar(&cfg.recvWindow, "recv-window", int(ctcp.MaxSegmentData)*4, "advertised receive window, in bytes")
	flag.DurationVar(&cfg.retransmitTimeout, "retransmit-timeout", 500*time.Millisecond, "fixed retransmission interval")
	flag.IntVar(&cfg.maxRetransmits, "max-retransmits", 5, "retransmit attempts before the connection is declared lost")
	flag.DurationVar(&cfg.finTimeout, "fin-timeout", 60*time.Second, "FIN_WAIT_2/LAST_ACK per-state timeout (TIME_WAIT holds for twice this)")
	flag.StringVar(&cfg.bdpLogPath, "bdp-log", "", "path to append (timestamp_ms, bdp_bytes) samples to (empty disables)")
	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

func run() error {
	cfg := loadConfig()
	if cfg.showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}
	log := newLogger(cfg.verbose)

	if cfg.metricsAddr != "" {
		go func() {
			log.Info("serving prometheus metrics", "address", cfg.metricsAddr)
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.metricsAddr, nil); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	localAddr, err := net.ResolveUDPAddr("udp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", cfg.peerAddr)
	if err != nil {
		return fmt.Errorf("resolve peer addr: %w", err)
	}
	sock, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer sock.Close()
	log.Info("ctcpd listening", "address", sock.LocalAddr(), "peer", peerAddr)

	var bdpLog *bdplog.Writer
	if cfg.bdpLogPath != "" {
		bdpLog, err = bdplog.NewWriter(cfg.bdpLogPath, log)
		if err != nil {
			return fmt.Errorf("open bdp log: %w", err)
		}
		defer bdpLog.Close()
	}

	ctcpCfg := ctcp.Config{
		RecvWindow:        uint16(cfg.recvWindow),
		SendWindow:        uint16(cfg.recvWindow),
		RetransmitTimeout: cfg.retransmitTimeout,
		MaxRetransmits:    cfg.maxRetransmits,
		FinTimeout:        cfg.finTimeout,
	}
	if err := ctcpCfg.Validate(); err != nil {
		return err
	}

	sender := &udpSender{conn: sock, peer: peerAddr}
	in := newStdinSource()
	out := &stdoutSink{}

	var bdpLogger ctcp.BDPLogger
	if bdpLog != nil {
		bdpLogger = bdpLog
	}

	conn := ctcp.NewConn(ctcpCfg, clockwork.NewRealClock(), sender, in, out, log, bdpLogger, 1, 1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	recvCh := make(chan []byte, 64)
	go readLoop(ctx, sock, recvCh, log)

	retransmitTicker := time.NewTicker(cfg.retransmitTimeout)
	defer retransmitTicker.Stop()
	pacingTicker := time.NewTicker(time.Millisecond)
	defer pacingTicker.Stop()
	inputTicker := time.NewTicker(10 * time.Millisecond)
	defer inputTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("ctcpd shutting down")
			return nil

		case wire := <-recvCh:
			if err := conn.OnSegmentReceived(wire); err != nil {
				log.Warn("ctcp: connection lost", "err", err)
				return nil
			}

		case <-retransmitTicker.C:
			if err := conn.OnRetransmitTick(); err != nil {
				log.Warn("ctcp: connection lost", "err", err)
				return nil
			}

		case <-pacingTicker.C:
			if err := conn.OnPacingTick(); err != nil {
				log.Warn("ctcp: connection lost", "err", err)
				return nil
			}

		case <-inputTicker.C:
			if err := conn.OnInputReady(); err != nil {
				log.Warn("ctcp: connection lost", "err", err)
				return nil
			}
			if err := conn.OnOutputReady(); err != nil {
				log.Warn("ctcp: connection lost", "err", err)
				return nil
			}
			if conn.State() == ctcp.StateClosed {
				log.Info("ctcp: connection closed")
				return nil
			}
		}
	}
}

// readLoop pumps raw UDP datagrams into recvCh until ctx is cancelled.
func readLoop(ctx context.Context, sock *net.UDPConn, recvCh chan<- []byte, log *slog.Logger) {
	buf := make([]byte, 2048)
	for {
		_ = sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := sock.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Debug("ctcpd: udp read error", "err", err)
			continue
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])
		select {
		case recvCh <- wire:
		case <-ctx.Done():
			return
		}
	}
}

// udpSender implements ctcp.DatagramSender over a bound UDP socket.
type udpSender struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (s *udpSender) SendSegment(seg ctcp.Segment) error {
	_, err := s.conn.WriteToUDP(seg.Marshal(), s.peer)
	return err
}

// stdinSource feeds the application's outbound stream non-blockingly:
// bytes accumulate in the background as stdin produces them, and Read
// returns (0, nil) rather than blocking when nothing is ready yet,
// matching what ctcp.Conn.OnInputReady expects from AppInput.
type stdinSource struct {
	ch  chan []byte
	buf []byte
}

func newStdinSource() *stdinSource {
	s := &stdinSource{ch: make(chan []byte, 64)}
	go func() {
		buf := make([]byte, int(ctcp.MaxSegmentData))
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.ch <- chunk
			}
			if err != nil {
				close(s.ch)
				return
			}
		}
	}()
	return s
}

func (s *stdinSource) Read(p []byte) (int, error) {
	if len(s.buf) == 0 {
		select {
		case b, ok := <-s.ch:
			if !ok {
				return 0, io.EOF
			}
			s.buf = b
		default:
			return 0, nil
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// stdoutSink implements ctcp.AppOutput over the process's stdout, with
// an effectively unbounded buffer since nothing downstream applies
// backpressure to a terminal or pipe the way a real application socket
// would.
type stdoutSink struct{}

func (stdoutSink) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdoutSink) BufferSpace() int            { return 1 << 20 }
