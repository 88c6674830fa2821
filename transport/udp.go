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
)

// UDPWakeupPort is the well-known port a NetSync device broadcasts its
// wakeup datagram to, per spec.md 6.
const UDPWakeupPort = 14237

// UDP is a thin wrapper over a UDP socket used only to receive the
// NetSync wakeup datagram and send its acknowledgment. It is not a
// general Transport: HotSync traffic after the wakeup moves to TCP.
type UDP struct {
	conn *net.UDPConn
}

// ListenWakeup opens a UDP socket bound to UDPWakeupPort on every
// interface, ready to receive device wakeup broadcasts.
func ListenWakeup() (*UDP, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: UDPWakeupPort})
	if err != nil {
		return nil, err
	}
	log.Debugf("transport/udp: listening for wakeups on :%d", UDPWakeupPort)
	return &UDP{conn: conn}, nil
}

// ReadFrom reads one datagram into buf, returning its length and sender.
func (u *UDP) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := u.conn.ReadFromUDP(buf)
	return n, addr, err
}

// WriteTo sends buf to addr.
func (u *UDP) WriteTo(buf []byte, addr *net.UDPAddr) (int, error) {
	return u.conn.WriteToUDP(buf, addr)
}

// SetReadDeadline bounds the next ReadFrom call.
func (u *UDP) SetReadDeadline(t time.Time) error {
	return u.conn.SetReadDeadline(t)
}

// Close releases the socket.
func (u *UDP) Close() error {
	return u.conn.Close()
}
