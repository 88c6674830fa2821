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
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// DefaultBaudRate is the line rate a serial transport opens at, before any
// CMP negotiation takes place.
const DefaultBaudRate = 9600

// Serial adapts a go.bug.st/serial port to the Transport interface. It is
// grounded on sa53fw/mac.Init's use of the same library for the SA53 GPS
// module's serial console; HotSync needs the fuller Transport contract
// (Select, SetSpeed) that the firmware tool didn't.
type Serial struct {
	device string
	port   serial.Port
	mode   serial.Mode

	// peeked holds a single byte consumed by Select(DirRead, ...) while
	// probing for readability, so the next Read() doesn't lose it. Serial
	// ports expose no select(2)-style readiness primitive, so Select is
	// implemented as a short, timed read-ahead.
	peeked  [1]byte
	hasPeek bool
}

// OpenSerial opens device in raw 8N1 mode at DefaultBaudRate, no flow
// control translation, per spec.md 4.2.
func OpenSerial(device string) (*Serial, error) {
	mode := serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, &mode)
	if err != nil {
		return nil, err
	}
	s := &Serial{device: device, port: port, mode: mode}
	log.Debugf("transport/serial: opened %s at %d bps", device, mode.BaudRate)
	return s, nil
}

// SetSpeed reprograms both input and output line rates, then waits briefly.
// The sleep is an empirically required accommodation for the device's
// pseudo-tty emulator settling after a rate change, per spec.md 4.2.
func (s *Serial) SetSpeed(bps uint32) error {
	s.mode.BaudRate = int(bps)
	if err := s.port.SetMode(&s.mode); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	log.Debugf("transport/serial: %s speed set to %d bps", s.device, bps)
	return nil
}

// Read implements Transport, serving a previously peeked byte first.
func (s *Serial) Read(buf []byte) (int, error) {
	if s.hasPeek {
		if len(buf) == 0 {
			return 0, nil
		}
		buf[0] = s.peeked[0]
		s.hasPeek = false
		n, err := s.readMore(buf[1:])
		return 1 + n, err
	}
	return s.port.Read(buf)
}

func (s *Serial) readMore(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return s.port.Read(buf)
}

// Write implements Transport.
func (s *Serial) Write(buf []byte) (int, error) {
	return s.port.Write(buf)
}

// Drain blocks until all buffered output has left the host.
func (s *Serial) Drain() error {
	return s.port.Drain()
}

// Close implements Transport.
func (s *Serial) Close() error {
	return s.port.Close()
}

// Select waits up to timeout for the transport to become ready. For
// DirWrite it always reports ready immediately: a serial line is always
// writable from the host's point of view in this stack's usage. For
// DirRead it arms a short read timeout and attempts to read one byte,
// buffering it for the next Read call if one arrives.
func (s *Serial) Select(dir Direction, timeout time.Duration) (bool, error) {
	if dir == DirWrite {
		return true, nil
	}
	if s.hasPeek {
		return true, nil
	}
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return false, err
	}
	n, err := s.port.Read(s.peeked[:])
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	s.hasPeek = true
	return true, nil
}
