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
Package padp implements the Packet Assembly/Disassembly Protocol: it
splits large DLP messages into fixed-size SLP fragments, reassembles them
on receipt, and layers a stop-and-wait ACK/retry discipline with a
single-flight transaction id over the otherwise unreliable SLP stream.
*/
package padp

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/hsstats"
	"github.com/dwery/coldsync-sub004/slp"
	"github.com/dwery/coldsync-sub004/wire"
)

// MaxFragment is the largest PADP fragment body, per spec.md 4.4.
const MaxFragment = 1024

// AckTimeout and MaxRetries bound how long a Write waits for an ACK before
// giving up, per spec.md 4.4/7.
const (
	AckTimeout = 2 * time.Second
	MaxRetries = 10
)

// PADP fragment type values (low byte of the 4-byte PADP header).
const (
	typeData   = 1
	typeAck    = 2
	typeTickle = 3
	typeAbort  = 4
)

// Fragment flags, packed into the header's flags byte.
const (
	flagFirst  = 0x80
	flagLast   = 0x40
	flagMemErr = 0x20 // set on a data fragment's ACK to signal a receiver allocation failure
)

// Options tunes the per-connection fragment size and ACK retry budget,
// letting a device profile override the package defaults for peripherals
// known to need gentler timing, per spec.md 6's "PADP tuning overrides".
type Options struct {
	MaxFragment int
	AckTimeout  time.Duration
	MaxRetries  int
}

// DefaultOptions returns the package-level defaults (MaxFragment,
// AckTimeout, MaxRetries).
func DefaultOptions() Options {
	return Options{MaxFragment: MaxFragment, AckTimeout: AckTimeout, MaxRetries: MaxRetries}
}

// Conn is a PADP endpoint layered directly over an SLP connection bound to
// ProtoPAD. It serializes one in-flight request/response exchange at a
// time, matching the original protocol's strictly half-duplex design.
type Conn struct {
	slp   *slp.Conn
	xid   uint8
	stats *hsstats.Conn
	opts  Options
}

// New wraps an already-bound SLP connection with the package defaults.
// stats may be nil.
func New(s *slp.Conn, stats *hsstats.Conn) *Conn {
	return NewWithOptions(s, stats, DefaultOptions())
}

// NewWithOptions wraps an already-bound SLP connection using opts in place
// of the package defaults. Zero fields in opts fall back to their default
// value, so a caller only needs to set the fields a profile overrides.
func NewWithOptions(s *slp.Conn, stats *hsstats.Conn, opts Options) *Conn {
	if opts.MaxFragment <= 0 {
		opts.MaxFragment = MaxFragment
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = AckTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = MaxRetries
	}
	return &Conn{slp: s, xid: 0x00, stats: stats, opts: opts}
}

// nextXID advances the transaction id, skipping the reserved 0x00 and 0xFF
// values per spec.md 4.4.
func (c *Conn) nextXID() uint8 {
	c.xid++
	for c.xid == 0x00 || c.xid == 0xFF {
		c.xid++
	}
	return c.xid
}

// header is the 4-byte PADP fragment header: type, flags, size (16-bit).
type header struct {
	typ   uint8
	flags uint8
	size  uint16
}

func (h header) encode() []byte {
	w := wire.NewWriter(4)
	w.PutU8(h.typ)
	w.PutU8(h.flags)
	w.PutU16(h.size)
	return w.Bytes()
}

func decodeHeader(b []byte) header {
	r := wire.NewReader(b)
	return header{typ: r.GetU8(), flags: r.GetU8(), size: r.GetU16()}
}

// Write fragments msg into MaxFragment-sized PADP data packets and drives
// the stop-and-wait ACK exchange for each, retrying up to MaxRetries times
// per fragment before giving up with hserr.KindTimeout.
func (c *Conn) Write(msg []byte) error {
	xid := c.nextXID()

	if len(msg) == 0 {
		return c.sendFragment(xid, header{typ: typeData, flags: flagFirst | flagLast, size: 0}, nil)
	}

	for off := 0; off < len(msg); off += c.opts.MaxFragment {
		end := off + c.opts.MaxFragment
		if end > len(msg) {
			end = len(msg)
		}
		chunk := msg[off:end]

		// The first fragment's size field carries the total message length;
		// every later fragment's carries its offset within the message.
		var flags uint8
		sizeOrOffset := uint16(off)
		if off == 0 {
			flags |= flagFirst
			sizeOrOffset = uint16(len(msg))
		}
		if end == len(msg) {
			flags |= flagLast
		}

		if err := c.sendFragment(xid, header{typ: typeData, flags: flags, size: sizeOrOffset}, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendFragment sends one data fragment and waits for its matching ACK,
// retrying the whole send on timeout.
func (c *Conn) sendFragment(xid uint8, h header, body []byte) error {
	packet := append(h.encode(), body...)

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		sentAt := time.Now()
		if err := c.slp.Write(packet, xid); err != nil {
			return err
		}
		c.stats.AddBytesSent(len(packet))

		ack, err := c.waitForAck(xid, c.opts.AckTimeout)
		if err != nil {
			if hserr.Is(err, hserr.KindTimeout) {
				c.stats.IncRetransmit()
				log.Debugf("padp: ack timeout for xid=0x%02x, attempt %d/%d", xid, attempt+1, c.opts.MaxRetries)
				continue
			}
			return err
		}
		c.stats.ObserveAckRTT(time.Since(sentAt))
		if ack.flags&flagMemErr != 0 {
			return hserr.New(hserr.KindNoMem, "padp: receiver reported memory error for xid=0x%02x", xid)
		}
		return nil
	}
	c.stats.IncTimeout()
	return hserr.New(hserr.KindTimeout, "padp: exhausted %d retries waiting for ack on xid=0x%02x", c.opts.MaxRetries, xid)
}

// waitForAck blocks for an ACK fragment matching xid, discarding anything
// else (a stray data fragment, a tickle) that arrives in the meantime.
// Deadline enforcement here is best-effort: the underlying SLP Read has no
// per-call timeout of its own, so this loop bounds wall-clock time rather
// than individual reads, matching the original design where fragments
// simply don't arrive late.
func (c *Conn) waitForAck(xid uint8, timeout time.Duration) (header, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frag, err := c.slp.Read()
		if err != nil {
			return header{}, err
		}
		if c.slp.LastXID() != xid {
			continue
		}
		h := decodeHeader(frag)
		if h.typ == typeAbort {
			return header{}, hserr.New(hserr.KindAbort, "padp: peer aborted transaction xid=0x%02x", xid)
		}
		if h.typ != typeAck {
			continue
		}
		return h, nil
	}
	return header{}, hserr.New(hserr.KindTimeout, "padp: no ack for xid=0x%02x within %s", xid, timeout)
}

// Read reassembles one complete PADP message, acking each data fragment as
// it arrives and returning once a fragment with flagLast set is seen. Per
// spec.md 4.4 step 1, the first fragment's size_or_offset field carries the
// total message length and its xid binds the whole transaction; a later
// fragment on a different xid is a protocol violation answered with ABORT.
func (c *Conn) Read() ([]byte, error) {
	var msg []byte
	haveFirst := false
	var msgXID uint8

	for {
		frag, err := c.slp.Read()
		if err != nil {
			return nil, err
		}
		xid := c.slp.LastXID()
		h := decodeHeader(frag)
		body := frag[4:]
		c.stats.AddBytesRecv(len(frag))

		switch h.typ {
		case typeTickle:
			continue
		case typeAbort:
			return nil, hserr.New(hserr.KindAbort, "padp: peer aborted transaction")
		case typeData:
			if !haveFirst {
				if h.flags&flagFirst == 0 {
					log.Debugf("padp: dropping fragment before FIRST seen")
					continue
				}
				haveFirst = true
				msgXID = xid
				msg = make([]byte, 0, h.size)
			} else if xid != msgXID {
				if err := c.sendAbort(msgXID); err != nil {
					return nil, err
				}
				return nil, hserr.New(hserr.KindACKXID, "padp: fragment xid=0x%02x does not match transaction xid=0x%02x", xid, msgXID)
			}

			if h.flags&flagMemErr != 0 {
				return nil, hserr.New(hserr.KindNoMem, "padp: peer signalled memory error mid-transaction")
			}

			msg = append(msg, body...)
			ack := header{typ: typeAck, flags: h.flags, size: h.size}
			if err := c.slp.Write(ack.encode(), xid); err != nil {
				return nil, err
			}
			if h.flags&flagLast != 0 {
				return msg, nil
			}
		default:
			log.Debugf("padp: unexpected fragment type %d, dropping", h.typ)
		}
	}
}

// sendAbort emits a fatal ABORT fragment for xid, used when this side
// detects a protocol violation it cannot recover from (spec.md 4.4 step 2).
func (c *Conn) sendAbort(xid uint8) error {
	h := header{typ: typeAbort, flags: 0, size: 0}
	return c.slp.Write(h.encode(), xid)
}

// SendTickle emits a keepalive fragment carrying no ack obligation, used to
// hold a connection open during long DLP operations, per spec.md 4.4.
func (c *Conn) SendTickle() error {
	xid := c.nextXID()
	h := header{typ: typeTickle, flags: 0, size: 0}
	return c.slp.Write(h.encode(), xid)
}
