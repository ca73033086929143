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

// Package bootp implements the BOOTP/DHCP (RFC 2131 + RFC 2132) wire
// format: a fixed 236-byte header followed by a TLV option list. It is
// a pure codec package with no I/O of its own.
package bootp

import (
	"bytes"
	"fmt"
	"net"
)

// Op values for the fixed header's op field.
type Op byte

const (
	OpRequest Op = 1
	OpReply   Op = 2
)

func (o Op) String() string {
	switch o {
	case OpRequest:
		return "BOOTREQUEST"
	case OpReply:
		return "BOOTREPLY"
	default:
		return fmt.Sprintf("Op(%d)", byte(o))
	}
}

// MessageType is DHCP option 53.
type MessageType byte

const (
	MsgDiscover MessageType = 1
	MsgOffer    MessageType = 2
	MsgRequest  MessageType = 3
	MsgDecline  MessageType = 4
	MsgAck      MessageType = 5
	MsgNak      MessageType = 6
	MsgRelease  MessageType = 7
	MsgInform   MessageType = 8
)

func (m MessageType) String() string {
	switch m {
	case MsgDiscover:
		return "DISCOVER"
	case MsgOffer:
		return "OFFER"
	case MsgRequest:
		return "REQUEST"
	case MsgDecline:
		return "DECLINE"
	case MsgAck:
		return "ACK"
	case MsgNak:
		return "NAK"
	case MsgRelease:
		return "RELEASE"
	case MsgInform:
		return "INFORM"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(m))
	}
}

// MagicCookie marks the start of the options region.
var MagicCookie = [4]byte{99, 130, 83, 99}

// MAC is the fixed 16-byte hardware-address field. Only the first
// HLen bytes (6, for Ethernet) are significant; the rest is zero
// padding carried for wire fidelity.
type MAC [16]byte

// HardwareAddr returns the canonical 6-byte Ethernet address.
func (m MAC) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(m[:6])
}

// String renders the first 6 bytes as colon-separated uppercase hex.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MACFromHardwareAddr builds a MAC from a 6-byte address, zero-padding
// the remaining 10 bytes.
func MACFromHardwareAddr(hw net.HardwareAddr) MAC {
	var m MAC
	copy(m[:6], hw)
	return m
}

// ClientID is the key under which lease ownership is tracked: the
// client's MAC plus the raw bytes of DHCP option 61 (may be empty).
type ClientID struct {
	MAC   MAC
	Extra []byte
}

// Equal reports structural equality over both fields.
func (c ClientID) Equal(o ClientID) bool {
	return c.MAC == o.MAC && bytes.Equal(c.Extra, o.Extra)
}

func (c ClientID) String() string {
	if len(c.Extra) == 0 {
		return c.MAC.String()
	}
	return fmt.Sprintf("%s/%x", c.MAC, c.Extra)
}

// Packet is the decoded form of a BOOTP/DHCP datagram.
type Packet struct {
	Op      Op
	HType   byte
	HLen    byte
	Hops    byte
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP // always 4 bytes (IPv4)
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	MAC     MAC
	SName   string // empty string means "not set" (first byte was NUL)
	File    string
	Options Options
}

// ClientID derives the client identifier for this packet: MAC plus the
// raw bytes of option 61, or an empty Extra if that option is absent.
func (p *Packet) ClientID() ClientID {
	extra, _ := p.Options.ClientIdentifier()
	return ClientID{MAC: p.MAC, Extra: extra}
}
