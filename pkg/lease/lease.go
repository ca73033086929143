/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lease implements the DHCP lease engine: the two-phase
// Offer/Request state machine, the lease and pending tables, and IP
// allocation over a fixed pool. It owns no socket of its own; Server
// is driven by feeding it parsed packets and consuming the replies it
// produces, so the state machine can be tested without a network.
package lease

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/aojea/pxeboot/pkg/bootp"
	"github.com/aojea/pxeboot/pkg/metrics"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const defaultLeaseDuration = 1 * time.Hour

// leaseEntry is one row of the lease table (spec.md §3).
type leaseEntry struct {
	client   bootp.ClientID
	xid      uint32
	since    time.Time
	duration time.Duration
}

func (e leaseEntry) expired(now time.Time) bool {
	return now.Sub(e.since) > e.duration
}

// pendingEntry is one row of the pending table.
type pendingEntry struct {
	client bootp.ClientID
	xid    uint32
}

// Config fixes the address pool and reply identity for a Server.
type Config struct {
	ServerIP    net.IP
	SubnetMask  net.IP
	RangeStart  net.IP
	RangeEnd    net.IP
	BroadcastIP net.IP
	BootFile    string
	LeaseFor    time.Duration // zero means defaultLeaseDuration
	ServerName  string        // sname carried in every reply, e.g. "pxeboot"
}

// Server holds the mutable lease/pending tables. It is not safe for
// concurrent use: per spec.md §4.4 a single owner goroutine must
// serialize all calls into ProcessPacket.
type Server struct {
	cfg Config

	leases  map[uint32]leaseEntry  // keyed by IPv4 as a big-endian uint32
	pending map[uint32]pendingEntry

	rangeStart uint32
	rangeEnd   uint32

	now func() time.Time // overridable for tests

	exhaustedLog *rate.Limiter // throttles the pool-exhaustion warning
}

// NewServer validates cfg and builds an empty Server.
func NewServer(cfg Config) (*Server, error) {
	start := ipToUint32(cfg.RangeStart)
	end := ipToUint32(cfg.RangeEnd)
	if start == 0 || end == 0 {
		return nil, fmt.Errorf("lease: range start/end must be valid IPv4 addresses")
	}
	if end < start {
		return nil, fmt.Errorf("lease: range end %s precedes range start %s", cfg.RangeEnd, cfg.RangeStart)
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = defaultLeaseDuration
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "pxeboot"
	}
	return &Server{
		cfg:          cfg,
		leases:       make(map[uint32]leaseEntry),
		pending:      make(map[uint32]pendingEntry),
		rangeStart:   start,
		rangeEnd:     end,
		now:          time.Now,
		exhaustedLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// Reply is a packet this Server wants sent, already addressed: the
// caller (the listener goroutine owning the UDP socket) is expected to
// broadcast it to (BroadcastIP, 68).
type Reply struct {
	Packet *bootp.Packet
}

// ProcessPacket implements the Discover/Request state machine of
// spec.md §4.4. It never blocks and performs no I/O; the caller sends
// any returned Reply and logs any returned error.
func (s *Server) ProcessPacket(req *bootp.Packet) (*Reply, error) {
	if req.GIAddr != nil && !req.GIAddr.IsUnspecified() {
		return nil, fmt.Errorf("lease: dropping relay-agent packet (giaddr %s unsupported)", req.GIAddr)
	}

	clientID := req.ClientID()
	msgType, ok := req.Options.MessageType()
	if !ok {
		return nil, fmt.Errorf("lease: packet from %s has no MessageType option", clientID)
	}
	metrics.DHCPPacketsTotal.WithLabelValues(msgType.String()).Inc()

	switch msgType {
	case bootp.MsgDiscover:
		return s.offer(req, clientID), nil
	case bootp.MsgRequest:
		return s.request(req, clientID)
	default:
		return nil, fmt.Errorf("lease: unhandled message type %s from %s", msgType, clientID)
	}
}

// offer implements the IP-selection and Offer-construction steps of
// spec.md §4.4.
func (s *Server) offer(req *bootp.Packet, clientID bootp.ClientID) *Reply {
	now := s.now()

	ip, ok := s.ipForPending(clientID)
	if !ok {
		ip, ok = s.ipForLease(clientID, now)
	}
	if !ok {
		ip, ok = s.findFreeIP(now)
	}
	if !ok {
		if s.exhaustedLog.Allow() {
			klog.Warningf("lease: no free address to offer %s", clientID)
		}
		return nil
	}

	s.pending[ip] = pendingEntry{client: clientID, xid: req.XID}
	s.syncGauges()

	yiaddr := uint32ToIP(ip)
	klog.Infof("lease: offering %s to %s", yiaddr, clientID)

	return &Reply{Packet: s.buildReply(req, bootp.MsgOffer, yiaddr)}
}

// ipForPending reuses an outstanding offer for the same client, so a
// retried Discover before the matching Request sees the same address.
func (s *Server) ipForPending(clientID bootp.ClientID) (uint32, bool) {
	for ip, p := range s.pending {
		if p.client.Equal(clientID) {
			return ip, true
		}
	}
	return 0, false
}

// ipForLease reuses an existing lease, silently renewing it if expired.
func (s *Server) ipForLease(clientID bootp.ClientID, now time.Time) (uint32, bool) {
	for ip, l := range s.leases {
		if !l.client.Equal(clientID) {
			continue
		}
		if l.expired(now) {
			l.since = now
			s.leases[ip] = l
		}
		return ip, true
	}
	return 0, false
}

// findFreeIP scans the configured range in ascending order (spec.md
// §4.4 step 3) and returns the first available address, reclaiming an
// expired lease entry along the way.
func (s *Server) findFreeIP(now time.Time) (uint32, bool) {
	for ip := s.rangeStart; ip <= s.rangeEnd; ip++ {
		if s.isAvailable(ip, now) {
			return ip, true
		}
		if ip == s.rangeEnd { // avoid uint32 wraparound on the final iteration
			break
		}
	}
	return 0, false
}

func (s *Server) isAvailable(ip uint32, now time.Time) bool {
	if l, ok := s.leases[ip]; ok {
		if !l.expired(now) {
			return false
		}
		delete(s.leases, ip)
		return true
	}
	if _, ok := s.pending[ip]; ok {
		// Pending entries never expire (spec.md §3); a stuck offer
		// permanently reserves its address until a Request resolves it.
		return false
	}
	return true
}

// request implements the Request branch of spec.md §4.4.
func (s *Server) request(req *bootp.Packet, clientID bootp.ClientID) (*Reply, error) {
	requestedIP, ok := req.Options.RequestedIP()
	if !ok {
		return nil, fmt.Errorf("lease: Request from %s missing option 50 (RequestedIP)", clientID)
	}
	serverID, ok := req.Options.ServerID()
	if !ok {
		return nil, fmt.Errorf("lease: Request from %s missing option 54 (ServerId)", clientID)
	}

	key := ipToUint32(requestedIP)

	if !serverID.Equal(s.cfg.ServerIP) {
		// The client accepted another server's offer; this implicitly
		// declines ours, per RFC 2131 §3.1.4.
		if p, ok := s.pending[key]; ok && p.client.Equal(clientID) {
			delete(s.pending, key)
			s.syncGauges()
		}
		return nil, nil
	}

	p, ok := s.pending[key]
	if !ok || !p.client.Equal(clientID) {
		klog.Infof("lease: Nak to %s for %s (no matching pending offer)", clientID, requestedIP)
		return &Reply{Packet: s.buildNak(req)}, nil
	}

	delete(s.pending, key)
	leaseFor := s.cfg.LeaseFor
	s.leases[key] = leaseEntry{client: clientID, xid: req.XID, since: s.now(), duration: leaseFor}
	s.syncGauges()

	klog.Infof("lease: %s bound to %s", requestedIP, clientID)
	return &Reply{Packet: s.buildReply(req, bootp.MsgAck, requestedIP)}, nil
}

func (s *Server) syncGauges() {
	metrics.DHCPLeasesActive.Set(float64(len(s.leases)))
	metrics.DHCPPendingActive.Set(float64(len(s.pending)))
}

// buildReply constructs an Offer or Ack, which share every field
// except the message type and yiaddr is identical in shape for both
// (spec.md §4.4 "Reply construction").
func (s *Server) buildReply(req *bootp.Packet, msg bootp.MessageType, yiaddr net.IP) *bootp.Packet {
	opts := bootp.Options{}
	opts.SetMessageType(msg)
	opts.SetSubnetMask(s.cfg.SubnetMask)
	opts.SetServerID(s.cfg.ServerIP)
	opts.SetLeaseTime(uint32(s.cfg.LeaseFor / time.Second))
	opts.SetTftpServerName(s.cfg.ServerIP.String())

	return &bootp.Packet{
		Op:      bootp.OpReply,
		HType:   1,
		HLen:    6,
		XID:     req.XID,
		CIAddr:  net.IPv4zero,
		YIAddr:  yiaddr,
		SIAddr:  s.cfg.ServerIP,
		GIAddr:  net.IPv4zero,
		MAC:     req.MAC,
		SName:   s.cfg.ServerName,
		File:    s.cfg.BootFile,
		Options: opts,
	}
}

// buildNak constructs a Nak, which per spec.md §4.4 carries only
// option 53 and no yiaddr.
func (s *Server) buildNak(req *bootp.Packet) *bootp.Packet {
	opts := bootp.Options{}
	opts.SetMessageType(bootp.MsgNak)
	return &bootp.Packet{
		Op:     bootp.OpReply,
		HType:  1,
		HLen:   6,
		XID:    req.XID,
		CIAddr: net.IPv4zero,
		YIAddr: net.IPv4zero,
		SIAddr: s.cfg.ServerIP,
		GIAddr: net.IPv4zero,
		MAC:    req.MAC,
		SName:  s.cfg.ServerName,
	}
}

// LeaseSnapshot is a read-only view of one bound lease, for diagnostics.
type LeaseSnapshot struct {
	IP       net.IP
	Client   bootp.ClientID
	Since    time.Time
	Duration time.Duration
}

// Leases returns a stable-ordered snapshot of the current lease table.
func (s *Server) Leases() []LeaseSnapshot {
	out := make([]LeaseSnapshot, 0, len(s.leases))
	for ip, l := range s.leases {
		out = append(out, LeaseSnapshot{IP: uint32ToIP(ip), Client: l.client, Since: l.since, Duration: l.duration})
	}
	sort.Slice(out, func(i, j int) bool { return ipToUint32(out[i].IP) < ipToUint32(out[j].IP) })
	return out
}
