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

package tftp

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/aojea/pxeboot/pkg/pathsan"
	"k8s.io/klog/v2"
)

// LiteralFilename is the sole filename accepted when Server.Root is
// unset; any other request is rejected with ErrNotFound.
const LiteralFilename = "PAYLOAD.BIN"

var errUnknownFilename = errors.New("tftp: unknown filename, only " + LiteralFilename + " is served")

// Server listens on a single well-known UDP port (69 in production) and
// spawns one session per RRQ on a fresh ephemeral socket, per spec.md
// §4.5's "new TID per transfer" rule. Writes are always refused: this
// binary never accepts an upload.
type Server struct {
	// Root, when non-empty, is the directory every request is resolved
	// under via pathsan.Sanitize. When empty, the sole accepted filename
	// is LiteralFilename; anything else is rejected with NotFound,
	// mirroring a single-fixed-payload PXE loader setup.
	Root string

	// LiteralFile is served verbatim when Root is empty.
	LiteralFile string

	Retries int
	Timeout time.Duration
}

// ListenAndServe serves requests arriving on conn (bound to port 69 in
// production) until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		pkt, err := Parse(buf[:n])
		if err != nil {
			klog.V(2).Infof("tftp: dropping unparseable packet from %s: %v", raddr, err)
			continue
		}
		go s.handleRequest(ctx, pkt, raddr)
	}
}

func (s *Server) handleRequest(ctx context.Context, pkt *Packet, raddr *net.UDPAddr) {
	switch pkt.Op {
	case OpWRQ:
		s.reject(raddr, ErrAccessDenied, "writes are not supported")
		return
	case OpRRQ:
		// fallthrough below
	default:
		klog.V(2).Infof("tftp: ignoring opcode %v as initial packet from %s", pkt.Op, raddr)
		return
	}

	path, err := s.resolve(pkt.Filename)
	if err != nil {
		klog.V(2).Infof("tftp: rejecting %q from %s: %v", pkt.Filename, raddr, err)
		code := ErrAccessDenied
		if errors.Is(err, errUnknownFilename) {
			code = ErrNotFound
		}
		s.reject(raddr, code, "invalid path")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		code := ErrNotFound
		if errors.Is(err, os.ErrPermission) {
			code = ErrAccessDenied
		}
		s.reject(raddr, code, "cannot open file")
		return
	}
	defer f.Close()

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		klog.Warningf("tftp: dialing ephemeral socket to %s: %v", raddr, err)
		return
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	sess, negotiated, sendOACK := newSession(conn, f, pkt.ROptions, s.Retries, s.Timeout)
	if err := sess.run(negotiated, sendOACK); err != nil {
		klog.V(2).Infof("tftp: transfer to %s failed: %v", raddr, err)
	}
}

// resolve maps a client-supplied filename to a local path, per
// spec.md §4.5: sanitized-under-root when Root is set, otherwise the
// request must name LiteralFilename exactly or it is rejected.
func (s *Server) resolve(filename string) (string, error) {
	if s.Root == "" {
		if filename != LiteralFilename {
			return "", errUnknownFilename
		}
		return s.LiteralFile, nil
	}
	return pathsan.Sanitize(s.Root, filename)
}

func (s *Server) reject(raddr *net.UDPAddr, code ErrorCode, msg string) {
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write(EncodeError(code, msg))
}
