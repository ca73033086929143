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
	"encoding/binary"
	"fmt"
	"net"
	"sort"

	"k8s.io/klog/v2"
)

// Option tags recognised per spec.md §3; everything else round-trips
// as an opaque (tag, bytes) pair.
const (
	OptPad              byte = 0
	OptSubnetMask       byte = 1
	OptRouterIP         byte = 3
	OptRequestedIP      byte = 50
	OptLeaseTime        byte = 51
	OptMessageType      byte = 53
	OptServerID         byte = 54
	OptClientIdentifier byte = 61
	OptTftpServerName   byte = 66
	OptEnd              byte = 255
)

// Option is a single decoded TLV, already dispatched by tag where the
// tag is recognised; Raw always carries the original payload bytes so
// re-encoding is lossless even for options we don't interpret.
type Option struct {
	Tag byte
	Raw []byte
}

// Options is the ordered set of options carried by a packet, keyed by
// tag for lookup; encoding always emits tags in ascending order so
// tests are reproducible regardless of insertion order.
type Options map[byte]Option

func newOptions() Options { return make(Options) }

func (o Options) set(tag byte, raw []byte) {
	o[tag] = Option{Tag: tag, Raw: append([]byte(nil), raw...)}
}

// sortedTags returns the tags present, ascending.
func (o Options) sortedTags() []byte {
	tags := make([]byte, 0, len(o))
	for t := range o {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

func ip4(raw []byte) net.IP {
	if len(raw) != 4 {
		return nil
	}
	return net.IPv4(raw[0], raw[1], raw[2], raw[3]).To4()
}

// SubnetMask returns option 1, if present.
func (o Options) SubnetMask() (net.IP, bool) {
	opt, ok := o[OptSubnetMask]
	if !ok {
		return nil, false
	}
	return ip4(opt.Raw), true
}

// RouterIP returns option 3, if present.
func (o Options) RouterIP() (net.IP, bool) {
	opt, ok := o[OptRouterIP]
	if !ok {
		return nil, false
	}
	return ip4(opt.Raw), true
}

// RequestedIP returns option 50, if present.
func (o Options) RequestedIP() (net.IP, bool) {
	opt, ok := o[OptRequestedIP]
	if !ok {
		return nil, false
	}
	return ip4(opt.Raw), true
}

// LeaseTime returns option 51, if present.
func (o Options) LeaseTime() (uint32, bool) {
	opt, ok := o[OptLeaseTime]
	if !ok || len(opt.Raw) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(opt.Raw), true
}

// MessageType returns option 53, if present.
func (o Options) MessageType() (MessageType, bool) {
	opt, ok := o[OptMessageType]
	if !ok || len(opt.Raw) != 1 {
		return 0, false
	}
	return MessageType(opt.Raw[0]), true
}

// ServerID returns option 54, if present.
func (o Options) ServerID() (net.IP, bool) {
	opt, ok := o[OptServerID]
	if !ok {
		return nil, false
	}
	return ip4(opt.Raw), true
}

// ClientIdentifier returns the raw bytes of option 61, if present.
func (o Options) ClientIdentifier() ([]byte, bool) {
	opt, ok := o[OptClientIdentifier]
	if !ok {
		return nil, false
	}
	return opt.Raw, true
}

// TftpServerName returns option 66 as a string, if present.
func (o Options) TftpServerName() (string, bool) {
	opt, ok := o[OptTftpServerName]
	if !ok {
		return "", false
	}
	return string(opt.Raw), true
}

// setIP4 sets tag to ip's 4-byte form, after validating it actually is
// one; an invalid IP is logged and dropped rather than silently
// encoded as a zero-length option.
func (o Options) setIP4(tag byte, ip net.IP) {
	raw := ip.To4()
	if err := validateIP4Option(tag, raw); err != nil {
		klog.Warningf("bootp: %v", err)
		return
	}
	o.set(tag, raw)
}

// SetSubnetMask sets option 1.
func (o Options) SetSubnetMask(ip net.IP) { o.setIP4(OptSubnetMask, ip) }

// SetRouterIP sets option 3.
func (o Options) SetRouterIP(ip net.IP) { o.setIP4(OptRouterIP, ip) }

// SetRequestedIP sets option 50.
func (o Options) SetRequestedIP(ip net.IP) { o.setIP4(OptRequestedIP, ip) }

// SetLeaseTime sets option 51.
func (o Options) SetLeaseTime(secs uint32) {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], secs)
	o.set(OptLeaseTime, raw[:])
}

// SetMessageType sets option 53.
func (o Options) SetMessageType(t MessageType) { o.set(OptMessageType, []byte{byte(t)}) }

// SetServerID sets option 54.
func (o Options) SetServerID(ip net.IP) { o.setIP4(OptServerID, ip) }

// SetClientIdentifier sets option 61.
func (o Options) SetClientIdentifier(raw []byte) { o.set(OptClientIdentifier, raw) }

// SetTftpServerName sets option 66.
func (o Options) SetTftpServerName(s string) { o.set(OptTftpServerName, []byte(s)) }

// SetOpaque preserves an option this package does not interpret.
func (o Options) SetOpaque(tag byte, raw []byte) { o.set(tag, raw) }

func validateIP4Option(tag byte, raw []byte) error {
	if len(raw) != 4 {
		return fmt.Errorf("option %d: expected 4 bytes, got %d", tag, len(raw))
	}
	return nil
}
