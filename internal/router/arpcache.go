package router

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/joohan-lee/ctcp-with-bbr/internal/metrics"
)

// arpEntry is one fixed-capacity slot in the cache. Grounded on
// sr_arpcache.c's struct sr_arpentry (ip, mac, added, valid).
type arpEntry struct {
	IP    netip.Addr
	MAC   net.HardwareAddr
	Added time.Time
	Valid bool
}

// PendingPacket is one frame held for an unresolved next hop, keyed by
// the interface it must egress on once resolution completes. Grounded
// on sr_arpcache.c's struct sr_packet, with one deliberate change: the
// frame remembers its own egress interface rather than relying on
// rewritten Ethernet addresses to infer it later (see the
// ARPRequestsExhausted path in Sweep, and DESIGN.md's note on the
// original's buggy interface selection for post-exhaustion ICMP).
type PendingPacket struct {
	Frame []byte
	Iface string
}

// PendingRequest is a snapshot of one in-flight ARP resolution, handed
// to the caller of Sweep so it can perform the actual frame I/O.
type PendingRequest struct {
	IP      netip.Addr
	Iface   string
	Packets []PendingPacket
}

type pendingRequest struct {
	ip        netip.Addr
	packets   []PendingPacket
	timesSent int
	lastSent  time.Time
}

func (r *pendingRequest) snapshot() PendingRequest {
	iface := ""
	if len(r.packets) > 0 {
		iface = r.packets[0].Iface
	}
	packets := make([]PendingPacket, len(r.packets))
	copy(packets, r.packets)
	return PendingRequest{IP: r.ip, Iface: iface, Packets: packets}
}

// ARPCache is a fixed-capacity IP-to-MAC cache with a pending-request
// queue, grounded on sr_arpcache.c. It is the one data structure in the
// router with more than one writer (the dispatch path on receive, the
// 1 Hz sweep on its own goroutine), so unlike the rest of the router it
// is protected by a plain sync.Mutex — the Go equivalent of the
// original's recursive pthread mutex, made unnecessary here because the
// internal helpers never re-enter the lock.
type ARPCache struct {
	mu      sync.Mutex
	cfg     Config
	clock   clockwork.Clock
	entries []arpEntry
	pending []*pendingRequest
}

func NewARPCache(cfg Config, clock clockwork.Clock) *ARPCache {
	return &ARPCache{
		cfg:     cfg,
		clock:   clock,
		entries: make([]arpEntry, cfg.ARPCacheCapacity),
	}
}

// Lookup returns the MAC address cached for ip, if any valid entry
// exists.
func (c *ARPCache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Valid && e.IP == ip {
			return e.MAC, true
		}
	}
	return nil, false
}

// QueueRequest appends frame (destined out iface once ip resolves) to
// the pending request for ip, creating one if this is the first packet
// waiting on that address. Mirrors sr_arpcache_queuereq.
func (c *ARPCache) QueueRequest(ip netip.Addr, iface string, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range c.pending {
		if req.ip == ip {
			req.packets = append(req.packets, PendingPacket{Frame: frame, Iface: iface})
			return
		}
	}
	c.pending = append(c.pending, &pendingRequest{
		ip:      ip,
		packets: []PendingPacket{{Frame: frame, Iface: iface}},
	})
}

// Insert records a resolved mapping, evicting a slot if the cache is
// full, and returns the packets that were queued waiting on ip (the
// caller flushes these onto the wire now that the MAC is known).
// Mirrors sr_arpcache_insert, with the refinement spec.md's Design
// Notes calls for: when every slot already holds a valid entry, the
// oldest one (by Added) is replaced rather than silently doing nothing.
func (c *ARPCache) Insert(ip netip.Addr, mac net.HardwareAddr) []PendingPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	idx := -1
	for i, e := range c.entries {
		if !e.Valid {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = 0
		for i, e := range c.entries {
			if e.Added.Before(c.entries[idx].Added) {
				idx = i
			}
		}
	}
	c.entries[idx] = arpEntry{IP: ip, MAC: append(net.HardwareAddr(nil), mac...), Added: now, Valid: true}
	metrics.ARPCacheSize.Set(float64(c.validCountLocked()))

	for i, req := range c.pending {
		if req.ip == ip {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return req.packets
		}
	}
	return nil
}

func (c *ARPCache) validCountLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.Valid {
			n++
		}
	}
	return n
}

func (c *ARPCache) expireStaleLocked(now time.Time) {
	for i := range c.entries {
		if c.entries[i].Valid && now.Sub(c.entries[i].Added) >= c.cfg.ARPEntryTimeout {
			c.entries[i].Valid = false
		}
	}
	metrics.ARPCacheSize.Set(float64(c.validCountLocked()))
}

// Sweep runs the cache's 1 Hz maintenance pass: it invalidates entries
// past their aging timeout, then walks the pending-request queue. A
// request not retried within ARPRetryInterval is re-armed for another
// ARP broadcast (returned in toRequest); one that has exhausted
// ARPMaxAttempts is dropped and its queued packets are returned in
// toExhaust so the caller can generate ICMP host-unreachable for each,
// on the interface each packet actually entered the queue on. Mirrors
// sr_arpcache_sweepreqs / sr_arpcache_timeout.
func (c *ARPCache) Sweep(now time.Time) (toRequest []PendingRequest, toExhaust []PendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireStaleLocked(now)

	remaining := c.pending[:0:0]
	for _, req := range c.pending {
		if req.timesSent > 0 && now.Sub(req.lastSent) < c.cfg.ARPRetryInterval {
			remaining = append(remaining, req)
			continue
		}
		if req.timesSent >= c.cfg.ARPMaxAttempts {
			toExhaust = append(toExhaust, req.snapshot())
			metrics.ARPRequestsExhausted.Inc()
			continue
		}
		req.timesSent++
		req.lastSent = now
		toRequest = append(toRequest, req.snapshot())
		metrics.ARPRequestsSent.Inc()
		remaining = append(remaining, req)
	}
	c.pending = remaining
	return toRequest, toExhaust
}

// Dump renders the cache contents for debugging, the Go counterpart of
// sr_arpcache_dump.
func (c *ARPCache) Dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.WriteString("ip\t\tmac\t\t\tage\n")
	now := c.clock.Now()
	for _, e := range c.entries {
		if !e.Valid {
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\n", e.IP, e.MAC, now.Sub(e.Added).Round(time.Millisecond))
	}
	return b.String()
}
