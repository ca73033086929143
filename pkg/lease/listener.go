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
	"context"
	"net"

	"github.com/aojea/pxeboot/pkg/bootp"
	"k8s.io/klog/v2"
)

const maxPacketSize = 1024

// ListenAndServe reads datagrams off conn forever, feeding each one
// through Server.ProcessPacket and broadcasting any reply to
// (BroadcastIP, 68). This is the single owner goroutine required by
// spec.md §4.4's concurrency model: nothing else may call
// s.ProcessPacket while this loop runs.
func (s *Server) ListenAndServe(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		pkt, err := bootp.Parse(buf[:n])
		if err != nil {
			klog.Warningf("lease: dropping unparseable packet: %v", err)
			continue
		}
		if pkt.Op != bootp.OpRequest {
			klog.Warningf("lease: dropping packet with op %s, expected BOOTREQUEST", pkt.Op)
			continue
		}

		reply, err := s.ProcessPacket(pkt)
		if err != nil {
			klog.Warningf("lease: %v", err)
			continue
		}
		if reply == nil {
			continue
		}
		if err := s.sendReply(conn, reply.Packet); err != nil {
			klog.Warningf("lease: sending reply: %v", err)
		}
	}
}

func (s *Server) sendReply(conn *net.UDPConn, pkt *bootp.Packet) error {
	data, err := bootp.Encode(pkt)
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: s.cfg.BroadcastIP, Port: 68}
	_, err = conn.WriteToUDP(data, dst)
	return err
}
