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

// Package netutil wires up the raw socket options the DHCP and TFTP
// listeners need (broadcast, address reuse, optional device binding)
// the same way the teacher sets socket options on its DHCP client
// socket, adapted here to a listening socket via net.ListenConfig.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenUDPBroadcast binds a UDP socket to addr with SO_REUSEADDR and
// SO_BROADCAST set before bind. If ifaceName is non-empty the socket is
// additionally bound to that device with SO_BINDTODEVICE.
func ListenUDPBroadcast(ctx context.Context, addr string, ifaceName string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
					ctlErr = fmt.Errorf("SO_REUSEADDR: %w", e)
					return
				}
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
					ctlErr = fmt.Errorf("SO_BROADCAST: %w", e)
					return
				}
				if ifaceName != "" {
					if e := unix.BindToDevice(int(fd), ifaceName); e != nil {
						ctlErr = fmt.Errorf("SO_BINDTODEVICE %s: %w", ifaceName, e)
					}
				}
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
