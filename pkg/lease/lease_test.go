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

package lease

import (
	"net"
	"testing"
	"time"

	"github.com/aojea/pxeboot/pkg/bootp"
)

func testConfig() Config {
	return Config{
		ServerIP:    net.IPv4(192, 168, 1, 1).To4(),
		SubnetMask:  net.IPv4(255, 255, 255, 0).To4(),
		RangeStart:  net.IPv4(192, 168, 1, 100).To4(),
		RangeEnd:    net.IPv4(192, 168, 1, 102).To4(),
		BroadcastIP: net.IPv4(192, 168, 1, 255).To4(),
		BootFile:    "PAYLOAD.BIN",
		LeaseFor:    time.Hour,
	}
}

func discoverPacket(mac bootp.MAC, xid uint32) *bootp.Packet {
	opts := bootp.Options{}
	opts.SetMessageType(bootp.MsgDiscover)
	return &bootp.Packet{Op: bootp.OpRequest, HType: 1, HLen: 6, XID: xid, MAC: mac, Options: opts}
}

func requestPacket(mac bootp.MAC, xid uint32, requestedIP, serverID net.IP) *bootp.Packet {
	opts := bootp.Options{}
	opts.SetMessageType(bootp.MsgRequest)
	opts.SetRequestedIP(requestedIP)
	opts.SetServerID(serverID)
	return &bootp.Packet{Op: bootp.OpRequest, HType: 1, HLen: 6, XID: xid, MAC: mac, Options: opts}
}

func macFor(last byte) bootp.MAC {
	return bootp.MACFromHardwareAddr(net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, last})
}

func TestDiscoverOffersFirstFreeAddress(t *testing.T) {
	s, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	reply := mustOffer(t, s, discoverPacket(macFor(1), 1))
	if got := reply.Packet.YIAddr.String(); got != "192.168.1.100" {
		t.Fatalf("offered %s, want .100", got)
	}
	mt, _ := reply.Packet.Options.MessageType()
	if mt != bootp.MsgOffer {
		t.Fatalf("message type = %s, want OFFER", mt)
	}
}

func TestRepeatedDiscoverReusesPendingIP(t *testing.T) {
	s, _ := NewServer(testConfig())
	mac := macFor(1)
	r1 := mustOffer(t, s, discoverPacket(mac, 1))
	r2 := mustOffer(t, s, discoverPacket(mac, 2))
	if !r1.Packet.YIAddr.Equal(r2.Packet.YIAddr) {
		t.Fatalf("second discover offered a different IP: %s vs %s", r1.Packet.YIAddr, r2.Packet.YIAddr)
	}
}

func TestDiscoverThenDifferentClientGetsDifferentIP(t *testing.T) {
	s, _ := NewServer(testConfig())
	r1 := mustOffer(t, s, discoverPacket(macFor(1), 1))
	r2 := mustOffer(t, s, discoverPacket(macFor(2), 2))
	if r1.Packet.YIAddr.Equal(r2.Packet.YIAddr) {
		t.Fatalf("two different clients were offered the same IP %s", r1.Packet.YIAddr)
	}
}

func TestRequestPromotesOfferToLease(t *testing.T) {
	s, _ := NewServer(testConfig())
	mac := macFor(1)
	offer := mustOffer(t, s, discoverPacket(mac, 1))

	req := requestPacket(mac, 1, offer.Packet.YIAddr, s.cfg.ServerIP)
	reply, err := s.ProcessPacket(req)
	if err != nil {
		t.Fatalf("ProcessPacket(Request): %v", err)
	}
	mt, _ := reply.Packet.Options.MessageType()
	if mt != bootp.MsgAck {
		t.Fatalf("message type = %s, want ACK", mt)
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending table should be empty after promotion, has %d entries", len(s.pending))
	}
	if len(s.leases) != 1 {
		t.Fatalf("lease table should have 1 entry, has %d", len(s.leases))
	}
}

func TestRequestWithNoMatchingPendingGetsNak(t *testing.T) {
	s, _ := NewServer(testConfig())
	req := requestPacket(macFor(9), 1, net.IPv4(192, 168, 1, 100).To4(), s.cfg.ServerIP)
	reply, err := s.ProcessPacket(req)
	if err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}
	mt, _ := reply.Packet.Options.MessageType()
	if mt != bootp.MsgNak {
		t.Fatalf("message type = %s, want NAK", mt)
	}
	if !reply.Packet.YIAddr.Equal(net.IPv4zero) {
		t.Fatalf("Nak should not carry a yiaddr, got %s", reply.Packet.YIAddr)
	}
}

func TestRequestForAnotherServerDropsPendingSilently(t *testing.T) {
	s, _ := NewServer(testConfig())
	mac := macFor(1)
	offer := mustOffer(t, s, discoverPacket(mac, 1))

	otherServer := net.IPv4(10, 0, 0, 1).To4()
	req := requestPacket(mac, 1, offer.Packet.YIAddr, otherServer)
	reply, err := s.ProcessPacket(req)
	if err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no reply when client chose another server, got %+v", reply)
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending entry should have been dropped, has %d entries", len(s.pending))
	}
}

func TestPoolExhaustionYieldsNoOffer(t *testing.T) {
	cfg := testConfig()
	cfg.RangeStart = net.IPv4(192, 168, 1, 100).To4()
	cfg.RangeEnd = net.IPv4(192, 168, 1, 100).To4()
	s, _ := NewServer(cfg)

	r1 := mustOffer(t, s, discoverPacket(macFor(1), 1))
	if r1 == nil {
		t.Fatalf("expected first discover to succeed")
	}
	reply, err := s.ProcessPacket(discoverPacket(macFor(2), 2))
	if err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no offer once the pool is exhausted, got %+v", reply)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	cfg := testConfig()
	cfg.RangeStart = net.IPv4(192, 168, 1, 100).To4()
	cfg.RangeEnd = net.IPv4(192, 168, 1, 100).To4()
	cfg.LeaseFor = time.Millisecond
	s, _ := NewServer(cfg)

	macA := macFor(1)
	offer := mustOffer(t, s, discoverPacket(macA, 1))
	req := requestPacket(macA, 1, offer.Packet.YIAddr, s.cfg.ServerIP)
	if _, err := s.ProcessPacket(req); err != nil {
		t.Fatalf("ProcessPacket(Request): %v", err)
	}

	fakeNow := s.now()
	s.now = func() time.Time { return fakeNow.Add(time.Hour) }

	reply, err := s.ProcessPacket(discoverPacket(macFor(2), 2))
	if err != nil {
		t.Fatalf("ProcessPacket(Discover): %v", err)
	}
	if reply == nil {
		t.Fatalf("expected the expired lease's address to be reclaimed and offered")
	}
}

func TestMissingMessageTypeIsNonFatalError(t *testing.T) {
	s, _ := NewServer(testConfig())
	pkt := &bootp.Packet{Op: bootp.OpRequest, HType: 1, HLen: 6, MAC: macFor(1), Options: bootp.Options{}}
	if _, err := s.ProcessPacket(pkt); err == nil {
		t.Fatalf("expected an error for a packet with no MessageType option")
	}
}

func TestRelayAgentPacketIsDropped(t *testing.T) {
	s, _ := NewServer(testConfig())
	pkt := discoverPacket(macFor(1), 1)
	pkt.GIAddr = net.IPv4(10, 0, 0, 5).To4()
	if _, err := s.ProcessPacket(pkt); err == nil {
		t.Fatalf("expected an error for a packet carrying a relay-agent address")
	}
}

func mustOffer(t *testing.T, s *Server, pkt *bootp.Packet) *Reply {
	t.Helper()
	reply, err := s.ProcessPacket(pkt)
	if err != nil {
		t.Fatalf("ProcessPacket(Discover): %v", err)
	}
	if reply == nil {
		t.Fatalf("expected an Offer reply, got none")
	}
	return reply
}
