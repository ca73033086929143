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
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/aojea/pxeboot/pkg/metrics"
	"k8s.io/klog/v2"
)

const (
	defaultBlockSize = 512
	defaultRetries   = 5
	defaultTimeout   = 3 * time.Second
	minBlockSize     = 8
	maxBlockSize     = 65464
)

// ErrTimedOut is returned when the retry budget for a DATA packet is
// exhausted without a matching ACK.
var ErrTimedOut = errors.New("tftp: timed out waiting for ACK")

// session owns one read transfer end to end: option negotiation, the
// stop-and-wait data loop and the terminal-block quirk. Each session
// runs on its own goroutine and its own ephemeral UDP socket; nothing
// here is shared with any other session or with the listener.
type session struct {
	conn      *net.UDPConn
	file      *os.File
	blockSize int
	retries   int
	timeout   time.Duration
}

// newSession computes block size and any OACK-worthy options from the
// request, per spec.md §4.5 steps 4-5.
func newSession(conn *net.UDPConn, file *os.File, req Options, retries int, timeout time.Duration) (*session, Options, bool) {
	if retries <= 0 {
		retries = defaultRetries
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &session{conn: conn, file: file, blockSize: defaultBlockSize, retries: retries, timeout: timeout}

	negotiated := Options{}
	any := false
	if bs, ok := req.Blksize(); ok {
		if bs < minBlockSize {
			bs = minBlockSize
		} else if bs > maxBlockSize {
			bs = maxBlockSize
		}
		s.blockSize = int(bs)
		negotiated[OptBlksize] = itoa(bs)
		any = true
	}
	if _, ok := req.Tsize(); ok {
		size := fileSizeOrZero(file)
		negotiated[OptTsize] = utoa(size)
		any = true
	}
	return s, negotiated, any
}

func fileSizeOrZero(f *os.File) uint64 {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

// run drives option negotiation (if any) followed by the stop-and-wait
// data loop until the transfer completes or fails.
func (s *session) run(negotiated Options, sendOACK bool) error {
	defer metrics.TFTPSessionsActive.Dec()
	metrics.TFTPSessionsActive.Inc()
	start := time.Now()
	defer func() { metrics.TFTPSessionDuration.Observe(time.Since(start).Seconds()) }()

	if sendOACK {
		// The client is expected to ACK block 0 before DATA(1).
		if err := s.sendAndAwaitAck(EncodeOACK(negotiated), 0); err != nil {
			return err
		}
	}

	buf := make([]byte, s.blockSize)
	block := uint16(1)
	for {
		n, err := io.ReadFull(s.file, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		if err := s.sendAndAwaitAck(EncodeData(block, buf[:n]), block); err != nil {
			return err
		}
		metrics.TFTPBlocksSentTotal.Inc()

		// A block shorter than blockSize (including an empty one for a
		// file whose length is an exact multiple of blockSize, or for
		// an empty file) is what signals end-of-transfer on the wire;
		// the client must not expect a further DATA packet after it.
		if n < s.blockSize {
			return nil
		}
		block++
	}
}

// sendAndAwaitAck implements spec.md §4.5's send-and-await-ACK
// sub-protocol: up to s.retries attempts, each bounded by s.timeout.
// An ACK for a block other than want is ignored (the client may be
// replaying a stale ACK); any non-ACK packet is likewise ignored.
func (s *session) sendAndAwaitAck(packet []byte, want uint16) error {
	recvBuf := make([]byte, 64)
	retriesLeft := s.retries
	for {
		if _, err := s.conn.Write(packet); err != nil {
			return err
		}
		deadline := time.Now().Add(s.timeout)
		for {
			if err := s.conn.SetReadDeadline(deadline); err != nil {
				return err
			}
			n, err := s.conn.Read(recvBuf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break // fall through to retry
				}
				return err
			}
			p, err := Parse(recvBuf[:n])
			if err != nil {
				klog.V(4).Infof("tftp: ignoring unparseable packet during ACK wait: %v", err)
				continue
			}
			if p.Op == OpACK && p.Block == want {
				return nil
			}
			klog.V(4).Infof("tftp: ignoring unexpected packet %v while awaiting ACK(%d)", p.Op, want)
		}
		retriesLeft--
		if retriesLeft <= 0 {
			return ErrTimedOut
		}
		metrics.TFTPRetriesTotal.Inc()
	}
}

func itoa(v uint32) string { return utoa(uint64(v)) }

func utoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
