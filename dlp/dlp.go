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
Package dlp implements the Desktop Link Protocol request/reply codec: a
single request maps to a single reply over whatever framing carries DLP
(PADP or NetSync), with arguments tagged by one of three physical forms
depending on payload length.
*/
package dlp

import (
	log "github.com/sirupsen/logrus"

	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/wire"
)

// Framer is the minimal contract DLP needs from whatever lies beneath it
// (PADP over SLP, or NetSync). Both satisfy it already.
type Framer interface {
	Write(msg []byte) error
	Read() ([]byte, error)
}

// Argument tag classes, selected by the top two bits of the argument id.
const (
	tagTiny  = 0x00
	tagSmall = 0x80
	tagLong  = 0xC0
	tagMask  = 0xC0
	idMask   = 0x3F
)

// Arg is one DLP argument: an application-defined id (bottom 6 bits of the
// on-wire tag byte) and its raw payload.
type Arg struct {
	ID      uint8
	Payload []byte
}

// encode picks the smallest physical form whose length header fits
// len(a.Payload), per spec.md 3/8.4.
func (a Arg) encode() []byte {
	n := len(a.Payload)
	switch {
	case n <= 0xFF:
		w := wire.NewWriter(2 + n)
		w.PutU8(tagTiny | (a.ID & idMask))
		w.PutU8(uint8(n))
		w.PutBytes(a.Payload)
		return w.Bytes()
	case n <= 0xFFFF:
		w := wire.NewWriter(4 + n)
		w.PutU8(tagSmall | (a.ID & idMask))
		w.PutU8(0) // pad
		w.PutU16(uint16(n))
		w.PutBytes(a.Payload)
		return w.Bytes()
	default:
		w := wire.NewWriter(6 + n)
		w.PutU8(tagLong | (a.ID & idMask))
		w.PutU8(0) // pad
		w.PutU32(uint32(n))
		w.PutBytes(a.Payload)
		return w.Bytes()
	}
}

// decodeArg reads one argument starting at r's current position.
func decodeArg(r *wire.Reader) (Arg, error) {
	if r.Len() < 1 {
		return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated argument tag")
	}
	tagByte := r.GetU8()
	id := tagByte & idMask
	switch tagByte & tagMask {
	case tagTiny:
		if r.Len() < 1 {
			return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated tiny argument length")
		}
		n := int(r.GetU8())
		if r.Len() < n {
			return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated tiny argument payload")
		}
		return Arg{ID: id, Payload: r.GetBytes(n)}, nil
	case tagSmall:
		if r.Len() < 3 {
			return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated small argument header")
		}
		_ = r.GetU8() // pad
		n := int(r.GetU16())
		if r.Len() < n {
			return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated small argument payload")
		}
		return Arg{ID: id, Payload: r.GetBytes(n)}, nil
	case tagLong:
		if r.Len() < 5 {
			return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated long argument header")
		}
		_ = r.GetU8() // pad
		n := int(r.GetU32())
		if r.Len() < n {
			return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: truncated long argument payload")
		}
		return Arg{ID: id, Payload: r.GetBytes(n)}, nil
	default:
		return Arg{}, hserr.New(hserr.KindBadArgID, "dlp: impossible tag 0x%02x", tagByte&tagMask)
	}
}

// Request is a single DLP call: an opaque request id in 1..=0x7F and its
// arguments. The core never interprets request ids or argument contents;
// callers supply and consume them as opaque blobs, per spec.md 4.6.
type Request struct {
	ID   uint8
	Args []Arg
}

func (req Request) encode() []byte {
	w := wire.NewWriter(2)
	w.PutU8(req.ID)
	w.PutU8(uint8(len(req.Args)))
	body := w.Bytes()
	for _, a := range req.Args {
		body = append(body, a.encode()...)
	}
	return body
}

// Reply is a decoded DLP response: the status code (0 = success) and the
// parsed argument list.
type Reply struct {
	RequestID uint8
	Status    uint16
	Args      []Arg
}

func decodeReply(buf []byte, wantRequestID uint8) (Reply, error) {
	r := wire.NewReader(buf)
	if r.Len() < 4 {
		return Reply{}, hserr.New(hserr.KindBadID, "dlp: reply too short (%d bytes)", r.Len())
	}
	respID := r.GetU8()
	if respID != wantRequestID|0x80 {
		return Reply{}, hserr.New(hserr.KindBadID, "dlp: reply id 0x%02x does not match request 0x%02x",
			respID, wantRequestID|0x80)
	}
	argc := r.GetU8()
	status := r.GetU16()

	args := make([]Arg, 0, argc)
	for i := 0; i < int(argc); i++ {
		a, err := decodeArg(r)
		if err != nil {
			return Reply{}, err
		}
		args = append(args, a)
	}
	return Reply{RequestID: wantRequestID, Status: status, Args: args}, nil
}

// Conn issues DLP requests over a Framer and parses their replies. A
// single connection must never have more than one outstanding request, per
// spec.md 3's "concurrent requests on one connection are forbidden".
type Conn struct {
	framer Framer
}

// New wraps a framer (PADP or NetSync) for DLP request/reply exchange.
func New(f Framer) *Conn {
	return &Conn{framer: f}
}

// Call sends req and blocks for its matching reply. It guarantees the
// id-to-response pairing the core promises: a reply whose id doesn't match
// the outstanding request is a protocol error, not silently discarded.
func (c *Conn) Call(req Request) (Reply, error) {
	if req.ID == 0 || req.ID > 0x7F {
		return Reply{}, hserr.New(hserr.KindBadID, "dlp: request id 0x%02x out of range", req.ID)
	}
	if err := c.framer.Write(req.encode()); err != nil {
		return Reply{}, err
	}
	raw, err := c.framer.Read()
	if err != nil {
		return Reply{}, err
	}
	reply, err := decodeReply(raw, req.ID)
	if err != nil {
		return Reply{}, err
	}
	if reply.Status != 0 {
		log.Debugf("dlp: request 0x%02x returned status %d", req.ID, reply.Status)
	}
	return reply, nil
}
