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
Package conn implements the Connection object: the polymorphic handle
that selects a transport kind, brings up the appropriate framing stack
above it (SLP+PADP+CMP for serial/USB, NetSync for TCP, or a bare SPC
pipe), and exposes DLP request/reply as the single operation callers
need. It owns every per-layer buffer and sequence-id field for its
lifetime and tears them down in reverse dependency order on close.
*/
package conn

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dwery/coldsync-sub004/cmp"
	"github.com/dwery/coldsync-sub004/dlp"
	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/hsstats"
	"github.com/dwery/coldsync-sub004/netsync"
	"github.com/dwery/coldsync-sub004/padp"
	"github.com/dwery/coldsync-sub004/slp"
	"github.com/dwery/coldsync-sub004/spc"
	"github.com/dwery/coldsync-sub004/transport"
)

// Kind tags which transport/framing combination a Connection uses, the
// variant replacement for the original's function-pointer dispatch table,
// per spec.md 9.
type Kind int

const (
	KindSerial Kind = iota
	KindUSB
	KindTCP
	KindSPC
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindUSB:
		return "usb"
	case KindTCP:
		return "tcp"
	case KindSPC:
		return "spc"
	default:
		return "unknown"
	}
}

// Connection is the opaque handle callers hold. All fields are private:
// the only way to interact with a connection is through its methods.
type Connection struct {
	kind Kind

	transport transport.Transport // nil for KindSPC
	spcPipe   *spc.Conn           // non-nil only for KindSPC

	slpConn  *slp.Conn  // serial/USB only
	padpConn *padp.Conn // serial/USB only
	cmpConn  *cmp.Conn  // serial/USB only

	netsyncConn *netsync.Conn // TCP only

	dlpConn *dlp.Conn

	stats *hsstats.Conn

	speedBps uint32
	closed   bool
}

// newPADPConn builds a PADP connection, applying opts if the caller
// supplied an override, or the package defaults otherwise.
func newPADPConn(s *slp.Conn, stats *hsstats.Conn, opts *padp.Options) *padp.Conn {
	if opts == nil {
		return padp.New(s, stats)
	}
	return padp.NewWithOptions(s, stats, *opts)
}

// OpenSerial brings up a full serial connection: transport, SLP bound to
// {PAD, DLP}, PADP, a CMP handshake negotiating requestedRate (0 keeps the
// device's own offer), then DLP. padpOpts overrides the PADP fragment size
// and retry budget for devices known to need gentler timing; pass nil to
// use the package defaults. On any step's failure every prior layer is
// torn down in reverse order before the error is returned, per spec.md 4.8.
func OpenSerial(device string, requestedRate uint32, stats *hsstats.Conn, padpOpts *padp.Options) (*Connection, error) {
	t, err := transport.OpenSerial(device)
	if err != nil {
		return nil, hserr.Wrap(hserr.KindSystem, err, "conn: opening serial device %s", device)
	}

	c := &Connection{kind: KindSerial, transport: t, stats: stats}
	c.slpConn = slp.New(t)
	c.slpConn.Bind(slp.Addr{Protocol: slp.ProtoPAD, Port: slp.PortDLP})
	c.padpConn = newPADPConn(c.slpConn, stats, padpOpts)
	c.cmpConn = cmp.New(c.padpConn)

	negotiated, err := c.cmpConn.Accept(requestedRate, 0)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	if setter, ok := t.(transport.SpeedSetter); ok && negotiated != 0 {
		if err := setter.SetSpeed(negotiated); err != nil {
			_ = t.Close()
			return nil, hserr.Wrap(hserr.KindSystem, err, "conn: setting negotiated speed")
		}
		c.speedBps = negotiated
	}

	c.dlpConn = dlp.New(c.padpConn)
	log.Infof("conn: serial connection to %s established at %d bps", device, c.speedBps)
	return c, nil
}

// OpenUSB mirrors OpenSerial but over a USB bulk transport, which performs
// its own vendor-specific setup choreography before any framing begins.
func OpenUSB(dev transport.USBDevice, requestedRate uint32, stats *hsstats.Conn, padpOpts *padp.Options) (*Connection, error) {
	t, err := transport.OpenUSB(dev)
	if err != nil {
		return nil, hserr.Wrap(hserr.KindSystem, err, "conn: opening usb device")
	}

	c := &Connection{kind: KindUSB, transport: t, stats: stats}
	c.slpConn = slp.New(t)
	c.slpConn.Bind(slp.Addr{Protocol: slp.ProtoPAD, Port: slp.PortDLP})
	c.padpConn = newPADPConn(c.slpConn, stats, padpOpts)
	c.cmpConn = cmp.New(c.padpConn)

	if _, err := c.cmpConn.Accept(requestedRate, 0); err != nil {
		_ = t.Close()
		return nil, err
	}

	c.dlpConn = dlp.New(c.padpConn)
	log.Info("conn: usb connection established")
	return c, nil
}

// OpenNetSync brings up a TCP connection: dial, run the ritual exchange,
// then DLP framed by NetSync directly (no SLP/PADP/CMP), per spec.md 4.7.
func OpenNetSync(addr string, stats *hsstats.Conn) (*Connection, error) {
	t, err := transport.DialTCP(addr)
	if err != nil {
		return nil, hserr.Wrap(hserr.KindSystem, err, "conn: dialing %s", addr)
	}

	if err := netsync.RunServerRitual(t); err != nil {
		_ = t.Close()
		return nil, err
	}

	c := &Connection{kind: KindTCP, transport: t, stats: stats}
	c.netsyncConn = netsync.New(t)
	c.dlpConn = dlp.New(c.netsyncConn)
	log.Infof("conn: netsync connection to %s established", addr)
	return c, nil
}

// OpenSPC wraps a pipe to a process that owns the real device connection;
// DLP calls pass through verbatim with no SLP/PADP/CMP/NetSync framing of
// their own, per spec.md 4.8's "SPC variant" description.
func OpenSPC(pipe spc.Pipe) *Connection {
	s := spc.New(pipe)
	return &Connection{kind: KindSPC, spcPipe: s, dlpConn: dlp.New(s)}
}

// Kind reports which transport/framing variant this connection uses.
func (c *Connection) Kind() Kind { return c.kind }

// Speed reports the negotiated line rate, or 0 if the transport has none
// (USB, TCP, SPC).
func (c *Connection) Speed() uint32 { return c.speedBps }

// Call issues one DLP request and returns its reply, the only operation
// callers above the core need, per spec.md 1's "open a connection, read
// framed requests, write framed replies, close cleanly."
func (c *Connection) Call(req dlp.Request) (dlp.Reply, error) {
	if c.closed {
		return dlp.Reply{}, hserr.New(hserr.KindBadF, "conn: call on closed connection")
	}
	return c.dlpConn.Call(req)
}

// Close drains pending output and releases every layer's state in reverse
// dependency order (DLP -> PADP/NetSync -> SLP -> transport), per
// spec.md 3's lifecycle description. It is safe to call more than once.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	c.dlpConn = nil
	c.padpConn = nil
	c.netsyncConn = nil
	c.cmpConn = nil
	c.slpConn = nil

	if c.spcPipe != nil {
		err := c.spcPipe.Close()
		c.spcPipe = nil
		return err
	}

	if c.transport == nil {
		return nil
	}
	if err := c.transport.Drain(); err != nil {
		log.Debugf("conn: drain on close failed (continuing): %v", err)
	}
	err := c.transport.Close()
	c.transport = nil
	if err != nil {
		return fmt.Errorf("conn: closing transport: %w", err)
	}
	return nil
}
