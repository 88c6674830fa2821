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
Package netsync implements the TCP-based framing that replaces SLP+PADP
for network and one USB transport variant: a UDP wakeup handshake, a
fixed three-step "ritual" exchange, and a 6-byte length-prefixed frame
format that needs no retransmission logic of its own because TCP already
provides reliable delivery.
*/
package netsync

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/transport"
	"github.com/dwery/coldsync-sub004/wire"
)

// WakeupMagic identifies a NetSync UDP wakeup datagram, per spec.md 3/6.
const WakeupMagic = 0xFADE

// Wakeup datagram types.
const (
	WakeupTypeBroadcast = 1
	WakeupTypeAck       = 2
)

// DataPort is the TCP port the device connects to after a successful
// wakeup handshake, per spec.md 6.
const DataPort = 14238

// Wakeup is the logical contents of a NetSync wakeup/ack datagram.
type Wakeup struct {
	Type     uint8
	HostID   uint32
	Netmask  uint32
	Hostname string
}

// EncodeWakeup serializes w as the fixed UDP wakeup structure from
// spec.md 3: magic, type, reserved, host_id, netmask, NUL-terminated
// hostname.
func EncodeWakeup(w Wakeup) []byte {
	out := wire.NewWriter(12 + len(w.Hostname) + 1)
	out.PutU16(WakeupMagic)
	out.PutU8(w.Type)
	out.PutU8(0) // reserved
	out.PutU32(w.HostID)
	out.PutU32(w.Netmask)
	out.PutBytes([]byte(w.Hostname))
	out.PutU8(0) // NUL terminator
	return out.Bytes()
}

// DecodeWakeup parses a received UDP wakeup datagram, rejecting anything
// whose magic doesn't match.
func DecodeWakeup(buf []byte) (Wakeup, error) {
	if len(buf) < 12 {
		return Wakeup{}, hserr.New(hserr.KindBadF, "netsync: wakeup datagram too short (%d bytes)", len(buf))
	}
	r := wire.NewReader(buf)
	magic := r.GetU16()
	if magic != WakeupMagic {
		return Wakeup{}, hserr.New(hserr.KindBadID, "netsync: bad wakeup magic 0x%04x", magic)
	}
	typ := r.GetU8()
	_ = r.GetU8() // reserved
	hostID := r.GetU32()
	netmask := r.GetU32()
	rest := buf[r.Pos():]
	name := rest
	for i, b := range rest {
		if b == 0 {
			name = rest[:i]
			break
		}
	}
	return Wakeup{Type: typ, HostID: hostID, Netmask: netmask, Hostname: string(name)}, nil
}

// AwaitWakeup blocks until a wakeup broadcast arrives on u, then replies
// with an acknowledgment datagram carrying the same structure with
// Type=WakeupTypeAck, per spec.md 4.7 step 1.
func AwaitWakeup(u *transport.UDP, hostID, netmask uint32, hostname string) (*net.UDPAddr, error) {
	buf := make([]byte, 512)
	for {
		n, addr, err := u.ReadFrom(buf)
		if err != nil {
			return nil, hserr.Wrap(hserr.KindSystem, err, "netsync: reading wakeup datagram")
		}
		wk, err := DecodeWakeup(buf[:n])
		if err != nil {
			log.Debugf("netsync: ignoring malformed wakeup datagram: %v", err)
			continue
		}
		if wk.Type != WakeupTypeBroadcast {
			continue
		}
		ack := EncodeWakeup(Wakeup{Type: WakeupTypeAck, HostID: hostID, Netmask: netmask, Hostname: hostname})
		if _, err := u.WriteTo(ack, addr); err != nil {
			return nil, hserr.Wrap(hserr.KindSystem, err, "netsync: sending wakeup ack")
		}
		log.Debugf("netsync: wakeup from %s acknowledged", addr)
		return addr, nil
	}
}

const headerLen = 6

// Ritual payloads reproduced verbatim from the original implementation, per
// spec.md 9's explicit instruction not to guess at these: they are opaque
// byte strings exchanged once at the start of every NetSync session, before
// any DLP traffic. Field boundaries are not meaningful to this package.
var (
	ritualResp1 = []byte{
		0x90, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x08,
		0x00, 0x00, 0x00, 0x01, 0x80, 0x00, 0x00, 0x00,
	}
	ritualStmt2 = []byte{
		0x12, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x24,
		0xff, 0xff, 0xff, 0xff, 0x3c, 0x00, 0x3c, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0xc0, 0xa8, 0xa5, 0x1f, 0x04, 0x27, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	ritualResp2 = []byte{
		0x92, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x24,
		0xff, 0xff, 0xff, 0xff, 0x00, 0x3c, 0x00, 0x3c,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
		0xc0, 0xa8, 0x84, 0x3c, 0x04, 0x1c, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	ritualStmt3 = []byte{
		0x13, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x20,
		0xff, 0xff, 0xff, 0xff, 0x00, 0x3c, 0x00, 0x3c,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	ritualResp3 = []byte{
		0x93, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// Conn is a NetSync framing endpoint over a TCP transport.
type Conn struct {
	t     transport.Transport
	xid   uint8
	inBuf []byte
}

// New wraps a connected TCP transport. The XID starts at 0xFF per spec.md
// 3, so the first bumpXID call lands on 0x00 — which this package treats
// the same way PADP does, skipping straight to 0x01.
func New(t transport.Transport) *Conn {
	return &Conn{t: t, xid: 0xFF}
}

func (c *Conn) bumpXID() uint8 {
	c.xid++
	if c.xid == 0x00 || c.xid == 0xFF {
		c.xid = 0x01
	}
	return c.xid
}

// RunServerRitual performs the server side (host) of the three-step ritual
// exchange described in spec.md 4.7: read a fixed request, reply with a
// fixed statement, twice, then read the peer's final response. Any deviation from the
// expected request bytes is refused rather than guessed at, per spec.md 9.
func RunServerRitual(t transport.Transport) error {
	if err := expectAndReply(t, ritualResp1, ritualStmt2); err != nil {
		return err
	}
	if err := expectAndReply(t, ritualResp2, ritualStmt3); err != nil {
		return err
	}
	return expectFinal(t, ritualResp3)
}

func expectAndReply(t transport.Transport, want, reply []byte) error {
	got := make([]byte, len(want))
	if err := readFull(t, got); err != nil {
		return err
	}
	if err := VerifyRitual(got, want); err != nil {
		return err
	}
	_, err := t.Write(reply)
	return err
}

func expectFinal(t transport.Transport, want []byte) error {
	got := make([]byte, len(want))
	if err := readFull(t, got); err != nil {
		return err
	}
	return VerifyRitual(got, want)
}

// VerifyRitual compares a received ritual step against its known-verbatim
// expected bytes, logging and refusing rather than attempting to interpret
// a deviation, per spec.md 9's open-question decision.
func VerifyRitual(got, want []byte) error {
	if len(got) != len(want) {
		log.Errorf("netsync: ritual step length mismatch (got %d, want %d), refusing", len(got), len(want))
		return hserr.New(hserr.KindAbort, "netsync: ritual step length mismatch")
	}
	for i := range want {
		if got[i] != want[i] {
			log.Errorf("netsync: ritual step byte %d mismatch (got 0x%02x, want 0x%02x), refusing", i, got[i], want[i])
			return hserr.New(hserr.KindAbort, "netsync: ritual step content mismatch at byte %d", i)
		}
	}
	return nil
}

// Write emits one NetSync frame: a 6-byte header {cmd=1, xid, len} followed
// by payload, per spec.md 4.7.
func (c *Conn) Write(payload []byte) error {
	xid := c.bumpXID()
	w := wire.NewWriter(headerLen + len(payload))
	w.PutU8(1) // cmd
	w.PutU8(xid)
	w.PutU32(uint32(len(payload)))
	w.PutBytes(payload)
	_, err := c.t.Write(w.Bytes())
	if err != nil {
		return hserr.Wrap(hserr.KindSystem, err, "netsync: write")
	}
	return nil
}

// Read reads exactly one NetSync frame and returns its payload.
func (c *Conn) Read() ([]byte, error) {
	hdr := make([]byte, headerLen)
	if err := readFull(c.t, hdr); err != nil {
		return nil, err
	}
	r := wire.NewReader(hdr)
	cmd := r.GetU8()
	_ = r.GetU8() // xid: the core does not validate it on receipt, per original_source's netsync_read
	length := r.GetU32()
	if cmd != 1 {
		log.Debugf("netsync: unexpected cmd 0x%02x in frame header", cmd)
	}

	if cap(c.inBuf) < int(length) {
		c.inBuf = make([]byte, length)
	}
	payload := c.inBuf[:length]
	if err := readFull(c.t, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readFull(t transport.Transport, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := t.Read(buf[got:])
		if err != nil {
			return hserr.Wrap(hserr.KindSystem, err, "netsync: transport read")
		}
		if n == 0 {
			return hserr.New(hserr.KindEOF, "netsync: transport EOF")
		}
		got += n
	}
	return nil
}
