// ipcroute runs the IPv4 software router: it loads an interface/route
// topology from a YAML file, binds one UDP socket per interface to
// stand in for its raw Ethernet transport (spec.md §1 places the actual
// byte-level link layer out of scope, and no pcap/raw-AF_PACKET example
// exists anywhere in the retrieval pack to ground one on), and drives
// internal/router.Router's classify/forward/ARP/ICMP pipeline plus its
// 1 Hz sweep. YAML topology loading follows
// lake/pkg/isis/location.go's gopkg.in/yaml.v3 usage; the version/-version
// flag follows telemetry/global-monitor/cmd/global-monitor/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/joohan-lee/ctcp-with-bbr/internal/router"
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

type topologyFile struct {
	Interfaces []struct {
		Name   string `yaml:"name"`
		MAC    string `yaml:"mac"`
		IP     string `yaml:"ip"`
		Listen string `yaml:"listen"` // local UDP address standing in for this interface's link
		Peer   string `yaml:"peer"`   // UDP address of the link partner on the other end of the wire
	} `yaml:"interfaces"`
	Routes []struct {
		Prefix  string `yaml:"prefix"`
		NextHop string `yaml:"next_hop,omitempty"`
		Iface   string `yaml:"iface"`
	} `yaml:"routes"`
}

type parsedTopology struct {
	interfaces []router.Interface
	routes     *router.RoutingTable
	peers      map[string]*net.UDPAddr
	listen     map[string]string
}

func loadTopology(path string) (*parsedTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var tf topologyFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}

	out := &parsedTopology{
		peers:  make(map[string]*net.UDPAddr, len(tf.Interfaces)),
		listen: make(map[string]string, len(tf.Interfaces)),
	}
	for _, e := range tf.Interfaces {
		mac, err := net.ParseMAC(e.MAC)
		if err != nil {
			return nil, fmt.Errorf("interface %s: bad mac: %w", e.Name, err)
		}
		ip, err := netip.ParseAddr(e.IP)
		if err != nil {
			return nil, fmt.Errorf("interface %s: bad ip: %w", e.Name, err)
		}
		peerAddr, err := net.ResolveUDPAddr("udp", e.Peer)
		if err != nil {
			return nil, fmt.Errorf("interface %s: bad peer: %w", e.Name, err)
		}
		out.interfaces = append(out.interfaces, router.Interface{Name: e.Name, MAC: mac, IP: ip})
		out.peers[e.Name] = peerAddr
		out.listen[e.Name] = e.Listen
	}

	out.routes = router.NewRoutingTable()
	for _, e := range tf.Routes {
		prefix, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			return nil, fmt.Errorf("route %s: bad prefix: %w", e.Prefix, err)
		}
		var nextHop netip.Addr
		if e.NextHop != "" {
			nextHop, err = netip.ParseAddr(e.NextHop)
			if err != nil {
				return nil, fmt.Errorf("route %s: bad next hop: %w", e.Prefix, err)
			}
		}
		out.routes.Add(router.Route{Prefix: prefix, NextHop: nextHop, Iface: e.Iface})
	}

	return out, nil
}

// udpFrameIO stands in for the router's raw-frame transport: one UDP
// socket per interface, sending whole Ethernet frames as UDP payloads
// to that interface's link partner.
type udpFrameIO struct {
	socks map[string]*net.UDPConn
	peers map[string]*net.UDPAddr
	log   *slog.Logger
}

func (frameIO *udpFrameIO) SendFrame(ifaceName string, frame []byte) error {
	sock, ok := frameIO.socks[ifaceName]
	if !ok {
		return fmt.Errorf("ipcroute: unknown interface %s", ifaceName)
	}
	_, err := sock.WriteToUDP(frame, frameIO.peers[ifaceName])
	return err
}

func (frameIO *udpFrameIO) readLoop(ctx context.Context, ifaceName string, recvCh chan<- frameOnIface) {
	sock := frameIO.socks[ifaceName]
	buf := make([]byte, 9000)
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
			frameIO.log.Debug("ipcroute: udp read error", "iface", ifaceName, "err", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case recvCh <- frameOnIface{iface: ifaceName, frame: frame}:
		case <-ctx.Done():
			return
		}
	}
}

type frameOnIface struct {
	iface string
	frame []byte
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

func run() error {
	var (
		showVersion bool
		verbose     bool
		topoPath    string
		metricsAddr string
		dumpArp     bool
	)
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.BoolVar(&verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&topoPath, "topology", "", "path to the YAML interface/route topology file")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (empty disables)")
	flag.BoolVar(&dumpArp, "dump-arp", false, "periodically log the ARP cache contents at debug level")
	flag.Parse()

	if showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}
	log := newLogger(verbose)

	if topoPath == "" {
		return fmt.Errorf("ipcroute: --topology is required")
	}
	topo, err := loadTopology(topoPath)
	if err != nil {
		return err
	}
	ifaces, routes := topo.interfaces, topo.routes

	if metricsAddr != "" {
		go func() {
			log.Info("serving prometheus metrics", "address", metricsAddr)
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	frameIO := &udpFrameIO{socks: make(map[string]*net.UDPConn, len(ifaces)), peers: topo.peers, log: log}
	for _, iface := range ifaces {
		lAddr, err := net.ResolveUDPAddr("udp", topo.listen[iface.Name])
		if err != nil {
			return fmt.Errorf("interface %s: bad listen addr: %w", iface.Name, err)
		}
		sock, err := net.ListenUDP("udp", lAddr)
		if err != nil {
			return fmt.Errorf("interface %s: listen: %w", iface.Name, err)
		}
		defer sock.Close()
		frameIO.socks[iface.Name] = sock
		log.Info("ipcroute: interface up", "name", iface.Name, "listen", sock.LocalAddr())
	}

	rtr, err := router.NewRouter(router.DefaultConfig(), ifaces, routes, frameIO, clockwork.NewRealClock(), log)
	if err != nil {
		return fmt.Errorf("new router: %w", err)
	}
	defer rtr.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	recvCh := make(chan frameOnIface, 256)
	for _, iface := range ifaces {
		go frameIO.readLoop(ctx, iface.Name, recvCh)
	}

	sweepTicker := time.NewTicker(router.DefaultConfig().ARPSweepInterval)
	defer sweepTicker.Stop()

	var dumpTicker *time.Ticker
	if dumpArp {
		dumpTicker = time.NewTicker(5 * time.Second)
		defer dumpTicker.Stop()
	}

	log.Info("ipcroute running", "interfaces", len(ifaces))
	for {
		var dumpC <-chan time.Time
		if dumpTicker != nil {
			dumpC = dumpTicker.C
		}
		select {
		case <-ctx.Done():
			log.Info("ipcroute shutting down")
			return nil

		case f := <-recvCh:
			if err := rtr.HandleFrame(f.iface, f.frame); err != nil {
				log.Debug("ipcroute: dropping frame", "iface", f.iface, "err", err)
			}

		case <-sweepTicker.C:
			rtr.Sweep()

		case <-dumpC:
			log.Debug("ipcroute: arp cache", "dump", rtr.Dump())
		}
	}
}
