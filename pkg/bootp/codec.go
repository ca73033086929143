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
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// HeaderSize is the fixed, pre-options portion of a BOOTP/DHCP packet.
const HeaderSize = 236

const (
	snameOffset = 44
	snameSize   = 64
	fileOffset  = snameOffset + snameSize
	fileSize    = 128
)

// Sentinel parse errors, named after spec.md §7.
var (
	ErrTruncated          = fmt.Errorf("bootp: truncated packet")
	ErrInvalidHLen        = fmt.Errorf("bootp: invalid hlen, want 6")
	ErrInvalidCookie      = fmt.Errorf("bootp: missing or invalid magic cookie")
	ErrInvalidMessageType = fmt.Errorf("bootp: invalid op, want BOOTREQUEST or BOOTREPLY")
	ErrOptionParseFailed  = fmt.Errorf("bootp: option parse failed")
)

// Parse decodes a single BOOTP/DHCP datagram.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncated
	}

	p := &Packet{
		Op:    Op(data[0]),
		HType: data[1],
		HLen:  data[2],
		Hops:  data[3],
		XID:   binary.BigEndian.Uint32(data[4:8]),
		Secs:  binary.BigEndian.Uint16(data[8:10]),
		Flags: binary.BigEndian.Uint16(data[10:12]),
	}
	if p.Op != OpRequest && p.Op != OpReply {
		return nil, ErrInvalidMessageType
	}
	if p.HLen != 6 {
		return nil, ErrInvalidHLen
	}
	p.CIAddr = ip4(data[12:16])
	p.YIAddr = ip4(data[16:20])
	p.SIAddr = ip4(data[20:24])
	p.GIAddr = ip4(data[24:28])
	copy(p.MAC[:], data[28:44])

	p.SName = readNulTerminated(data[snameOffset : snameOffset+snameSize])
	p.File = readNulTerminated(data[fileOffset : fileOffset+fileSize])

	rest := data[HeaderSize:]
	if len(rest) == 0 {
		p.Options = newOptions()
		return p, nil
	}
	if len(rest) < 4 || !bytes.Equal(rest[:4], MagicCookie[:]) {
		return nil, ErrInvalidCookie
	}
	opts, err := parseOptions(rest[4:])
	if err != nil {
		return nil, err
	}
	p.Options = opts
	return p, nil
}

func readNulTerminated(slot []byte) string {
	if slot[0] == 0 {
		return ""
	}
	n := bytes.IndexByte(slot, 0)
	if n < 0 {
		n = len(slot)
	}
	return string(slot[:n])
}

func parseOptions(data []byte) (Options, error) {
	opts := newOptions()
	i := 0
	for i < len(data) {
		tag := data[i]
		if tag == OptPad {
			i++
			continue
		}
		if tag == OptEnd {
			return opts, nil
		}
		if i+1 >= len(data) {
			return nil, ErrOptionParseFailed
		}
		length := int(data[i+1])
		start := i + 2
		end := start + length
		if end > len(data) {
			return nil, ErrOptionParseFailed
		}
		opts.set(tag, data[start:end])
		i = end
	}
	// no terminating 0xFF: tolerate, as RFC 2131 only mandates option 255
	// to be present when the packet is not already at its end.
	return opts, nil
}

// Encode serializes p into wire format. It returns an error if SName
// or File exceed their fixed slots (63 and 127 bytes respectively,
// leaving room for the NUL terminator) rather than silently truncating.
func Encode(p *Packet) ([]byte, error) {
	if len(p.SName) >= snameSize {
		return nil, fmt.Errorf("bootp: sname too long: %d bytes, max %d", len(p.SName), snameSize-1)
	}
	if len(p.File) >= fileSize {
		return nil, fmt.Errorf("bootp: file too long: %d bytes, max %d", len(p.File), fileSize-1)
	}

	buf := make([]byte, HeaderSize, HeaderSize+64)
	buf[0] = byte(p.Op)
	buf[1] = p.HType
	buf[2] = p.HLen
	buf[3] = p.Hops
	binary.BigEndian.PutUint32(buf[4:8], p.XID)
	binary.BigEndian.PutUint16(buf[8:10], p.Secs)
	binary.BigEndian.PutUint16(buf[10:12], p.Flags)
	putIP4(buf[12:16], p.CIAddr)
	putIP4(buf[16:20], p.YIAddr)
	putIP4(buf[20:24], p.SIAddr)
	putIP4(buf[24:28], p.GIAddr)
	copy(buf[28:44], p.MAC[:])
	copy(buf[snameOffset:snameOffset+snameSize], p.SName)
	copy(buf[fileOffset:fileOffset+fileSize], p.File)

	if len(p.Options) > 0 {
		buf = append(buf, MagicCookie[:]...)
		for _, tag := range p.Options.sortedTags() {
			opt := p.Options[tag]
			if len(opt.Raw) > 255 {
				return nil, fmt.Errorf("bootp: option %d payload too long: %d bytes", tag, len(opt.Raw))
			}
			buf = append(buf, tag, byte(len(opt.Raw)))
			buf = append(buf, opt.Raw...)
		}
		buf = append(buf, OptEnd)
	}
	return buf, nil
}

func putIP4(dst []byte, ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		return // leaves dst zeroed, i.e. 0.0.0.0
	}
	copy(dst, v4)
}
