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

// Package netiface is a small out-of-scope collaborator (named as such
// in spec.md §1): it resolves which local network interface owns a
// given IPv4 address, for diagnostic logging and for an optional
// "bind the listening sockets to this NIC" flag. It is never on the
// hot path of the DHCP or TFTP engines.
package netiface

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// ByAddr returns the name of the local interface holding ip, or an
// error if none does.
func ByAddr(ip net.IP) (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", fmt.Errorf("netiface: listing links: %w", err)
	}
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.IP.Equal(ip) {
				return link.Attrs().Name, nil
			}
		}
	}
	return "", fmt.Errorf("netiface: no local interface holds %s", ip)
}

// Index returns the ifindex for the named interface. The binary uses it
// to check --interface at startup; the SO_BINDTODEVICE call in
// pkg/netutil binds by name, not by this index.
func Index(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("netiface: %w", err)
	}
	return link.Attrs().Index, nil
}
