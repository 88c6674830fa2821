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
Package spc implements the Serialized Procedure Call transport: an
out-of-process DLP passthrough over a pipe, so a peripheral conduit
process can issue DLP requests against a device connection it does not
itself own. It is grounded on original_source's spc_client.c, which wraps
a plain file descriptor in the same read/write/select/close capability
set every other transport exposes, then swaps in its own dlp.read/write
pair that speaks the SPC framing instead of PADP or NetSync.
*/
package spc

import (
	"io"

	"github.com/dwery/coldsync-sub004/hserr"
	"github.com/dwery/coldsync-sub004/wire"
)

// Opcodes. The reference source references SPCOP_NOP/SPCOP_DBINFO/
// SPCOP_DLPC by name; their numeric values were not present in the
// retrieved excerpt, so they are assigned here in the source's own
// declaration order.
const (
	OpNop    = 0
	OpDBInfo = 1
	OpDLPC   = 2
)

// Status codes.
const (
	StatusOK    = 0
	StatusBadOp = 1
	StatusNoMem = 2
)

const headerLen = 10 // op (2) + status (4) + len (4)

// Pipe is the minimal capability SPC needs from its transport: a plain
// byte stream with no framing of its own, read and written fully.
type Pipe interface {
	io.Reader
	io.Writer
	io.Closer
}

// Conn is an SPC client: it implements dlp.Framer by wrapping every DLP
// message in the SPC request/response header instead of PADP or NetSync
// framing, letting the same dlp.Conn issue calls over either transport.
type Conn struct {
	pipe Pipe
}

// New wraps an already-connected pipe to the process that owns the real
// device connection.
func New(pipe Pipe) *Conn {
	return &Conn{pipe: pipe}
}

// Write sends payload as an SPCOP_DLPC request, per spc_client.c's
// spc_dlp_write.
func (c *Conn) Write(payload []byte) error {
	w := wire.NewWriter(headerLen)
	w.PutU16(OpDLPC)
	w.PutU32(0) // status: unused on requests
	w.PutU32(uint32(len(payload)))
	if err := c.writeFull(w.Bytes()); err != nil {
		return hserr.Wrap(hserr.KindSystem, err, "spc: writing request header")
	}
	if err := c.writeFull(payload); err != nil {
		return hserr.Wrap(hserr.KindSystem, err, "spc: writing request body")
	}
	return nil
}

// Read blocks for one SPC response and returns its payload, failing if the
// peer reports a non-OK status, per spc_client.c's spc_dlp_read.
func (c *Conn) Read() ([]byte, error) {
	hdr := make([]byte, headerLen)
	if err := c.readFull(hdr); err != nil {
		return nil, err
	}
	r := wire.NewReader(hdr)
	_ = r.GetU16() // op: the client doesn't branch on it when reading a response
	status := r.GetU32()
	length := r.GetU32()

	if status != StatusOK {
		return nil, hserr.New(hserr.KindSystem, "spc: host returned status %d", status)
	}
	if length == 0 {
		return nil, nil
	}
	payload := make([]byte, length)
	if err := c.readFull(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Close releases the underlying pipe.
func (c *Conn) Close() error {
	return c.pipe.Close()
}

func (c *Conn) readFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := c.pipe.Read(buf[got:])
		if err != nil {
			return hserr.Wrap(hserr.KindSystem, err, "spc: pipe read")
		}
		if n == 0 {
			return hserr.New(hserr.KindEOF, "spc: pipe EOF")
		}
		got += n
	}
	return nil
}

func (c *Conn) writeFull(buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := c.pipe.Write(buf[got:])
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}
