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
/*
Package slp implements the Serial Link Protocol: preamble framing,
port+protocol addressing, an 8-bit header checksum, and a CRC-16 body
check. SLP is deliberately unreliable — malformed packets are dropped
silently rather than surfaced as errors, per spec.md 4.3/7; PADP above it
owns retransmission.
*/
package slp

import (
	log "github.com/sirupsen/logrus"

	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/transport"
	"github.com/dwery/coldsync-sub004/wire"
)

// Preamble is the mandatory 3-byte SLP preamble.
var Preamble = [3]byte{0xBE, 0xEF, 0xED}

// Well-known SLP ports (spec.md 6).
const (
	PortDebugger = 0
	PortConsole  = 1
	PortRemoteUI = 2
	PortDLP      = 3
)

// Well-known SLP protocol (packet type) values (spec.md 6).
const (
	ProtoSystem   = 0
	ProtoPAD      = 2
	ProtoLoopback = 3
)

const (
	headerLen     = 7 // dst, src, type, size_hi, size_lo, xid, checksum
	crcLen        = 2
	initBufLen    = 2 * 1024
	maxPayloadLen = 0xFFFF
)

// Addr identifies which SLP packet stream a connection accepts.
type Addr struct {
	Protocol uint8
	Port     uint8
}

// Conn is a bound SLP endpoint layered over a Transport. It owns its own
// growable input/output buffers, never shared with any other connection.
type Conn struct {
	t       transport.Transport
	bound   Addr
	hasAddr bool

	inBuf  []byte
	outBuf []byte

	lastXID uint8
}

// New wraps t for SLP framing. Bind must be called before Read or Write.
func New(t transport.Transport) *Conn {
	return &Conn{
		t:      t,
		inBuf:  make([]byte, initBufLen),
		outBuf: make([]byte, 0, initBufLen),
	}
}

// Bind records the {protocol, port} this connection will accept, per
// spec.md 3 ("the bound address must be set before any SLP read/write is
// attempted").
func (c *Conn) Bind(addr Addr) {
	c.bound = addr
	c.hasAddr = true
}

// Write emits one SLP packet carrying payload to the bound peer with the
// given xid. Callers (PADP) choose the xid; SLP itself has no opinion
// about transaction identity.
func (c *Conn) Write(payload []byte, xid uint8) error {
	if !c.hasAddr {
		return hserr.New(hserr.KindBadF, "slp: write before bind")
	}
	if len(payload) > maxPayloadLen {
		return hserr.New(hserr.KindSystem, "slp: payload too large (%d bytes)", len(payload))
	}

	need := len(Preamble) + headerLen + len(payload) + crcLen
	if cap(c.outBuf) < need {
		newCap := cap(c.outBuf)
		if newCap == 0 {
			newCap = initBufLen
		}
		for newCap < need {
			newCap *= 2
		}
		c.outBuf = make([]byte, 0, newCap)
	}
	c.outBuf = c.outBuf[:0]

	w := wire.NewWriter(need)
	w.PutBytes(Preamble[:])
	w.PutU8(c.bound.Port) // dest
	w.PutU8(c.bound.Port) // src: desktop echoes the same port it's bound to
	w.PutU8(c.bound.Protocol)
	w.PutU16(uint16(len(payload)))
	w.PutU8(xid)

	headerSoFar := w.Bytes()
	checksum := sumMod256(headerSoFar)
	w.PutU8(checksum)
	w.PutBytes(payload)

	crc := wire.CRC16CCITT(w.Bytes(), 0)
	w.PutU16(crc)

	c.outBuf = w.Bytes()
	if _, err := c.t.Write(c.outBuf); err != nil {
		return hserr.Wrap(hserr.KindSystem, err, "slp: write")
	}
	return nil
}

// Read blocks until a well-formed SLP packet matching the bound address
// arrives. The returned slice aliases the connection's input buffer and is
// only valid until the next Read call.
func (c *Conn) Read() ([]byte, error) {
	if !c.hasAddr {
		return nil, hserr.New(hserr.KindBadF, "slp: read before bind")
	}

	for {
		if err := c.scanPreamble(); err != nil {
			return nil, err
		}

		hdr := make([]byte, headerLen)
		if err := c.readFull(hdr); err != nil {
			return nil, err
		}

		r := wire.NewReader(hdr)
		dst := r.GetU8()
		src := r.GetU8()
		typ := r.GetU8()
		size := r.GetU16()
		xid := r.GetU8()
		checksum := r.GetU8()

		want := sumMod256(append(append([]byte{}, Preamble[:]...), hdr[:headerLen-1]...))
		if checksum != want {
			log.Debugf("slp: bad header checksum (got 0x%02x want 0x%02x), dropping", checksum, want)
			continue
		}

		if cap(c.inBuf) < int(size)+crcLen {
			c.inBuf = make([]byte, int(size)+crcLen)
		}
		payload := c.inBuf[:size]
		if err := c.readFull(payload); err != nil {
			return nil, err
		}
		crcBytes := make([]byte, crcLen)
		if err := c.readFull(crcBytes); err != nil {
			return nil, err
		}
		gotCRC := wire.NewReader(crcBytes).GetU16()

		full := make([]byte, 0, len(Preamble)+headerLen+int(size))
		full = append(full, Preamble[:]...)
		full = append(full, hdr[:headerLen-1]...)
		full = append(full, checksum)
		full = append(full, payload...)
		wantCRC := wire.CRC16CCITT(full, 0)
		if gotCRC != wantCRC {
			log.Debugf("slp: bad CRC (got 0x%04x want 0x%04x), dropping", gotCRC, wantCRC)
			continue
		}

		if typ != c.bound.Protocol || dst != c.bound.Port {
			log.Debugf("slp: packet for {proto=%d port=%d} doesn't match bound {proto=%d port=%d}, dropping",
				typ, dst, c.bound.Protocol, c.bound.Port)
			_ = src
			_ = xid
			continue
		}

		_ = xid // handed to PADP by the caller via a side channel (LastXID)
		c.lastXID = xid
		return payload, nil
	}
}

// LastXID returns the xid of the most recently delivered packet, so PADP
// (which owns transaction-id semantics) can validate/echo it without SLP
// needing to understand what a "transaction" is.
func (c *Conn) LastXID() uint8 { return c.lastXID }

func sumMod256(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// scanPreamble consumes bytes from the transport, silently dropping
// anything before the 3-byte preamble, per spec.md 4.3 step 1.
func (c *Conn) scanPreamble() error {
	var window [3]byte
	filled := 0
	for {
		b := make([]byte, 1)
		if err := c.readFull(b); err != nil {
			return err
		}
		if filled < 3 {
			window[filled] = b[0]
			filled++
		} else {
			window[0], window[1], window[2] = window[1], window[2], b[0]
		}
		if filled == 3 && window == Preamble {
			return nil
		}
	}
}

// readFull reads exactly len(buf) bytes from the transport, translating
// transport-level conditions to the shared error taxonomy (spec.md 4.3
// "Error conditions").
func (c *Conn) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := c.t.Read(buf[got:])
		if err != nil {
			return hserr.Wrap(hserr.KindSystem, err, "slp: transport read")
		}
		if n == 0 {
			return hserr.New(hserr.KindEOF, "slp: transport EOF")
		}
		got += n
	}
	return nil
}
