package router

import (
	"net/netip"
)

// Route is one entry in the routing table: a destination prefix, the
// interface to forward through, and the next-hop address to ARP-resolve
// (the zero Addr for directly connected subnets, where the next hop is
// the packet's own destination).
type Route struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	Iface   string
}

// RoutingTable performs longest-prefix-match lookups over a small,
// rarely-changing set of routes. No example repo in the retrieval pack
// carries sr_rt.c's original table format, so this is grounded directly
// on spec.md §8's description of LPM routing; net/netip's Prefix.Bits
// and Contains give LPM comparison without a hand-rolled trie, and no
// pack dependency offers CIDR arithmetic beyond what net/netip already
// does cleanly.
type RoutingTable struct {
	routes []Route
}

func NewRoutingTable(routes ...Route) *RoutingTable {
	return &RoutingTable{routes: append([]Route(nil), routes...)}
}

func (t *RoutingTable) Add(r Route) {
	t.routes = append(t.routes, r)
}

// Lookup returns the most specific route whose prefix contains dst, or
// false if none matches.
func (t *RoutingTable) Lookup(dst netip.Addr) (Route, bool) {
	best := -1
	bestBits := -1
	for i, r := range t.routes {
		if r.Prefix.Contains(dst) && r.Prefix.Bits() > bestBits {
			best = i
			bestBits = r.Prefix.Bits()
		}
	}
	if best == -1 {
		return Route{}, false
	}
	return t.routes[best], true
}

// ResolveNextHop returns the address that must be ARP-resolved to
// forward to dst along r: the route's next hop for an indirect route,
// or dst itself when the destination is directly connected.
func (r Route) ResolveNextHop(dst netip.Addr) netip.Addr {
	if r.NextHop.IsValid() {
		return r.NextHop
	}
	return dst
}
