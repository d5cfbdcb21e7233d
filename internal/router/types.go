package router

import (
	"fmt"
	"net"
	"net/netip"
)

// Interface is one of the router's network-facing ports: a name (as
// used by the host's frame I/O), its MAC address, and its IPv4 address.
type Interface struct {
	Name string
	MAC  net.HardwareAddr
	IP   netip.Addr
}

func (i Interface) String() string {
	return fmt.Sprintf("%s mac=%s ip=%s", i.Name, i.MAC, i.IP)
}

// FrameIO is the router's raw-frame transport: send a complete Ethernet
// frame out a named interface. spec.md §1 places the byte-level
// socket/VNS transport that actually moves frames out of scope, so the
// dispatcher only depends on this interface; the retrieval pack has no
// pcap/raw-AF_PACKET example to ground a concrete implementation on
// (sflow-proxy/cmd/packet-sender/main.go only shows plain UDP sockets),
// so cmd/ipcroute supplies its own binding.
type FrameIO interface {
	SendFrame(ifaceName string, frame []byte) error
}
