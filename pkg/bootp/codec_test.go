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

package bootp

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mac(b byte) MAC {
	return MACFromHardwareAddr(net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, b})
}

func samplePacket() *Packet {
	p := &Packet{
		Op:     OpRequest,
		HType:  1,
		HLen:   6,
		Hops:   0,
		XID:    0x12345678,
		Secs:   3,
		Flags:  0x8000,
		CIAddr: net.IPv4zero.To4(),
		YIAddr: net.IPv4zero.To4(),
		SIAddr: net.IPv4zero.To4(),
		GIAddr: net.IPv4zero.To4(),
		MAC:    mac(0x01),
		SName:  "",
		File:   "",
	}
	p.Options = newOptions()
	p.Options.SetMessageType(MsgDiscover)
	return p
}

func TestParseEncodeRoundTrip(t *testing.T) {
	cases := map[string]*Packet{
		"discover no options beyond msg type": samplePacket(),
		"offer with full option set": func() *Packet {
			p := samplePacket()
			p.Op = OpReply
			p.YIAddr = net.IPv4(10, 0, 0, 10).To4()
			p.SIAddr = net.IPv4(10, 0, 0, 1).To4()
			p.SName = "dhcp-pxe-server"
			p.File = "PAYLOAD.BIN"
			p.Options = newOptions()
			p.Options.SetMessageType(MsgOffer)
			p.Options.SetSubnetMask(net.IPv4(255, 255, 255, 0))
			p.Options.SetServerID(net.IPv4(10, 0, 0, 1))
			p.Options.SetLeaseTime(3600)
			p.Options.SetTftpServerName("10.0.0.1")
			return p
		}(),
		"opaque option preserved": func() *Packet {
			p := samplePacket()
			p.Options.SetOpaque(60, []byte("PXEClient"))
			return p
		}(),
		"client identifier": func() *Packet {
			p := samplePacket()
			p.Options.SetClientIdentifier([]byte{0x01, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01})
			return p
		}(),
		"no options at all": func() *Packet {
			p := samplePacket()
			p.Options = newOptions()
			return p
		}(),
		"max-length sname and file": func() *Packet {
			p := samplePacket()
			p.SName = stringOf('s', 63)
			p.File = stringOf('f', 127)
			return p
		}(),
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(p)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Parse(encoded)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(p, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRejectsOversizeFields(t *testing.T) {
	p := samplePacket()
	p.SName = string(make([]byte, 64))
	if _, err := Encode(p); err == nil {
		t.Fatal("expected error for 64-byte sname")
	}

	p2 := samplePacket()
	p2.File = string(make([]byte, 128))
	if _, err := Encode(p2); err == nil {
		t.Fatal("expected error for 128-byte file")
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := Parse(make([]byte, HeaderSize-1)); err != ErrTruncated {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

func TestParseInvalidHLen(t *testing.T) {
	p := samplePacket()
	p.HLen = 5
	buf, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Parse(buf); err != ErrInvalidHLen {
		t.Errorf("got %v, want ErrInvalidHLen", err)
	}
}

func TestParseInvalidOp(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 9
	buf[2] = 6
	if _, err := Parse(buf); err != ErrInvalidMessageType {
		t.Errorf("got %v, want ErrInvalidMessageType", err)
	}
}

func TestParseMissingCookie(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[2] = 6
	buf[0] = byte(OpRequest)
	buf = append(buf, 1, 2, 3, 4, 5) // trailing bytes, not a valid cookie
	if _, err := Parse(buf); err != ErrInvalidCookie {
		t.Errorf("got %v, want ErrInvalidCookie", err)
	}
}

func TestEncodeDeterministicOptionOrder(t *testing.T) {
	p := samplePacket()
	p.Options = newOptions()
	p.Options.SetServerID(net.IPv4(10, 0, 0, 1))
	p.Options.SetMessageType(MsgAck)
	p.Options.SetSubnetMask(net.IPv4(255, 255, 255, 0))

	a, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytesEqual(a, b) {
		t.Fatal("encode is not deterministic")
	}
	// Tags 1 (subnet mask), 53 (message type), 54 (server id) must appear
	// in ascending order in the options region.
	opts := a[HeaderSize+4:]
	var seenTags []byte
	for i := 0; i < len(opts); {
		tag := opts[i]
		if tag == OptEnd {
			break
		}
		seenTags = append(seenTags, tag)
		i += 2 + int(opts[i+1])
	}
	for i := 1; i < len(seenTags); i++ {
		if seenTags[i-1] >= seenTags[i] {
			t.Errorf("tags not ascending: %v", seenTags)
		}
	}
}

func stringOf(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
