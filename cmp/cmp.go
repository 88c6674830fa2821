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
Package cmp implements the Connection Management Protocol: the
WAKEUP/INIT/ABORT handshake that negotiates protocol version and line
rate before any DLP traffic flows, layered directly over PADP.
*/
package cmp

import (
	version "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/padp"
	"github.com/dwery/coldsync-sub004/wire"
)

// VerMajor and VerMinor identify the CMP dialect this package speaks, per
// original_source's include/pconn/cmp.h.
const (
	VerMajor = 1
	VerMinor = 1
)

// Packet types (the single byte at offset 0).
const (
	TypeWakeup   = 1
	TypeInit     = 2
	TypeAbort    = 3
	TypeExtended = 4
)

// INIT flags.
const (
	// FlagChangeRate asks the peer to switch to the rate carried in the
	// packet's Rate field.
	FlagChangeRate = 0x80

	// FlagExtendReceiveTimeout is bit 0x40, which the original protocol
	// header defines twice under two different names (RCV1TO "1 minute"
	// and RCV2TO "2 minutes") at the same bit position — almost certainly
	// a copy-paste bug in the original implementation, since a single bit
	// cannot carry two distinct timeout values. This package keeps the
	// bit under one name and does not attempt to recover which of the two
	// meanings, if either, any given peer intends.
	FlagExtendReceiveTimeout = 0x40
)

// ABORT flags: reason for abort.
const (
	FlagAbortVersion = 0x80
)

const packetLen = 10

// Packet is a decoded CMP packet.
type Packet struct {
	Type     uint8
	Flags    uint8
	VerMajor uint8
	VerMinor uint8
	Rate     uint32
}

// Version returns the packet's protocol version as a comparable
// hashicorp/go-version value, so peers can be ranked with LessThan /
// GreaterThan instead of ad hoc major/minor comparisons.
func (p Packet) Version() (*version.Version, error) {
	return version.NewVersion(versionString(p.VerMajor, p.VerMinor))
}

func versionString(major, minor uint8) string {
	return itoa(major) + "." + itoa(minor)
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (p Packet) encode() []byte {
	w := wire.NewWriter(packetLen)
	w.PutU8(p.Type)
	w.PutU8(p.Flags)
	w.PutU8(p.VerMajor)
	w.PutU8(p.VerMinor)
	w.PutU16(0) // reserved, must be 0
	w.PutU32(p.Rate)
	return w.Bytes()
}

func decode(b []byte) (Packet, error) {
	if len(b) < packetLen {
		return Packet{}, hserr.New(hserr.KindBadF, "cmp: short packet (%d bytes)", len(b))
	}
	r := wire.NewReader(b)
	p := Packet{Type: r.GetU8(), Flags: r.GetU8(), VerMajor: r.GetU8(), VerMinor: r.GetU8()}
	_ = r.GetU16() // reserved
	p.Rate = r.GetU32()
	return p, nil
}

// Conn negotiates CMP over an already-open PADP connection.
type Conn struct {
	padp *padp.Conn
}

// New wraps a PADP connection for CMP negotiation.
func New(p *padp.Conn) *Conn {
	return &Conn{padp: p}
}

// AwaitWakeup blocks until the peer's WAKEUP packet arrives and returns it.
// Used on the desktop side, which acts as the CMP server despite the
// original protocol naming the roles the other way around. Anything that
// isn't a WAKEUP is discarded and, per spec.md 4.5 step 1, a PADP TIMEOUT
// while waiting simply means keep waiting rather than failing the
// handshake.
func (c *Conn) AwaitWakeup() (Packet, error) {
	for {
		raw, err := c.padp.Read()
		if err != nil {
			if hserr.Is(err, hserr.KindTimeout) {
				continue
			}
			return Packet{}, err
		}
		p, err := decode(raw)
		if err != nil {
			log.Debugf("cmp: dropping malformed packet while awaiting wakeup: %v", err)
			continue
		}
		if p.Type != TypeWakeup {
			log.Debugf("cmp: dropping non-wakeup packet type %d while awaiting wakeup", p.Type)
			continue
		}
		log.Debugf("cmp: wakeup received, peer version %d.%d, max rate %d", p.VerMajor, p.VerMinor, p.Rate)
		return p, nil
	}
}

// SendInit replies to a WAKEUP with an INIT packet carrying rate, setting
// FlagChangeRate when changeRate is true (the caller is asking the peer to
// switch rather than echoing its own offer), per spec.md 4.5 step 3.
func (c *Conn) SendInit(rate uint32, changeRate bool, extraFlags uint8) error {
	flags := extraFlags
	if changeRate {
		flags |= FlagChangeRate
	}
	p := Packet{Type: TypeInit, Flags: flags, VerMajor: VerMajor, VerMinor: VerMinor, Rate: rate}
	log.Debugf("cmp: sending init, rate=%d flags=0x%02x", rate, flags)
	return c.padp.Write(p.encode())
}

// SendAbort tells the peer the handshake has failed and why.
func (c *Conn) SendAbort(reason uint8) error {
	p := Packet{Type: TypeAbort, Flags: reason}
	log.Debugf("cmp: sending abort, reason=0x%02x", reason)
	return c.padp.Write(p.encode())
}

// Accept runs the full server-side handshake: wait for WAKEUP, check
// version compatibility, and reply with INIT. desiredRate is the caller's
// requested line rate; 0 means accept whatever the device offered. It
// aborts and returns an error if the peer's major version exceeds ours,
// per spec.md 4.5. Returns the negotiated rate.
func (c *Conn) Accept(desiredRate uint32, extraFlags uint8) (uint32, error) {
	wakeup, err := c.AwaitWakeup()
	if err != nil {
		return 0, err
	}

	peerVer, err := wakeup.Version()
	if err != nil {
		return 0, hserr.Wrap(hserr.KindBadArgID, err, "cmp: parsing peer version")
	}
	ourVer, err := version.NewVersion(versionString(VerMajor, VerMinor))
	if err != nil {
		return 0, hserr.Wrap(hserr.KindSystem, err, "cmp: parsing local version")
	}
	if peerVer.Segments()[0] > ourVer.Segments()[0] {
		_ = c.SendAbort(FlagAbortVersion)
		return 0, hserr.New(hserr.KindBadArgID, "cmp: peer major version %d exceeds ours (%d)",
			peerVer.Segments()[0], ourVer.Segments()[0])
	}

	negotiated := wakeup.Rate
	changeRate := desiredRate != 0 && desiredRate != wakeup.Rate
	if changeRate {
		negotiated = desiredRate
	}

	if err := c.SendInit(negotiated, changeRate, extraFlags); err != nil {
		return 0, err
	}
	return negotiated, nil
}
