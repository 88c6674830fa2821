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
Package transport implements the raw byte-oriented adapters that sit
underneath the HotSync protocol stack: serial tty, USB bulk, TCP stream,
and UDP (wakeup-only). Every adapter exposes the same narrow contract so
the Connection object (see package conn) can dispatch to whichever one it
was built with without knowing its concrete type.
*/
package transport

import "time"

// Direction selects which half of a full-duplex transport Select should
// wait on.
type Direction int

const (
	// DirRead waits for the transport to become readable.
	DirRead Direction = iota
	// DirWrite waits for the transport to become writable.
	DirWrite
)

// Transport is the common capability set every adapter provides. It is a
// tagged-variant replacement for the original's function-pointer dispatch
// (io_read/io_write/io_drain/io_close/io_select on struct PConnection):
// conn.Connection holds one of these per connection instead of raw
// function pointers.
type Transport interface {
	// Read reads up to len(buf) bytes, returning the number read.
	Read(buf []byte) (int, error)
	// Write writes all of buf, returning the number written.
	Write(buf []byte) (int, error)
	// Drain blocks until all buffered output has left the host. A no-op
	// for transports with no host-side output buffering (TCP, USB).
	Drain() error
	// Close releases the transport's resources. Adapters do not guard
	// against a second call; it returns whatever the underlying handle does.
	Close() error
	// Select blocks until the transport is ready for dir, or timeout
	// elapses, in which case it returns false with a nil error.
	Select(dir Direction, timeout time.Duration) (ready bool, err error)
}

// SpeedSetter is implemented by transports that support reprogramming
// their line rate after open (serial only). CMP negotiation calls
// SetSpeed once it has agreed a rate with the device.
type SpeedSetter interface {
	SetSpeed(bps uint32) error
}
