/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package transport

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// TCP adapts a net.Conn (TCP stream) to the Transport interface. Used by
// the NetSync framing layer; drain is a no-op, per spec.md 4.2.
type TCP struct {
	conn *net.TCPConn
}

// NewTCP wraps an already-connected TCP socket.
func NewTCP(conn *net.TCPConn) *TCP {
	return &TCP{conn: conn}
}

// DialTCP connects to addr (host:port) over TCP, used by the NetSync
// handshake client side after receiving a device's UDP wakeup.
func DialTCP(addr string) (*TCP, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, err
	}
	log.Debugf("transport/tcp: connected to %s", addr)
	return &TCP{conn: conn}, nil
}

// Read implements Transport.
func (t *TCP) Read(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

// Write implements Transport.
func (t *TCP) Write(buf []byte) (int, error) {
	return t.conn.Write(buf)
}

// Drain is a no-op for TCP: the kernel owns the send buffer and there is
// no host-side equivalent of a tty drain.
func (t *TCP) Drain() error { return nil }

// Close implements Transport.
func (t *TCP) Close() error {
	return t.conn.Close()
}

// Select waits up to timeout for the socket to become ready for dir, using
// a raw select(2) over the connection's file descriptor rather than
// net.Conn's deadline machinery, so readiness can be probed without
// mutating or consuming the stream.
func (t *TCP) Select(dir Direction, timeout time.Duration) (bool, error) {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return false, err
	}

	var ready bool
	var selErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		var rfds, wfds unix.FdSet
		set := &rfds
		if dir == DirWrite {
			set = &wfds
		}
		set.Set(int(fd))

		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		n, err := unix.Select(int(fd)+1, &rfds, &wfds, nil, &tv)
		if err != nil {
			selErr = err
			return
		}
		ready = n > 0
	})
	if ctrlErr != nil {
		return false, ctrlErr
	}
	return ready, selErr
}
