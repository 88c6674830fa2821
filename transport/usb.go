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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Vendor-specific control requests the device expects before its bulk pipe
// can be opened, per spec.md 4.2.
const (
	usbReqGetConnectionInfo    = 3
	usbReqGetExtConnectionInfo = 4
	usbReqUnknown1             = 1
)

// USBDevice is the minimal capability set this package needs from a USB
// host-controller binding. No cross-platform USB bulk-transfer library
// appears anywhere in the reference corpus, so the adapter is specified
// against this interface rather than a concrete OS binding; a real build
// would satisfy it with a platform USB stack (e.g. libusb bindings).
type USBDevice interface {
	SetConfiguration(config int) error
	ControlTransfer(bmRequestType uint8, bRequest uint8, wValue, wIndex uint16, data []byte) (int, error)
	OpenBulk(creatorID string) (in USBEndpoint, out USBEndpoint, err error)
}

// USBEndpoint is a single bulk endpoint, readable or writable depending on
// direction.
type USBEndpoint interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// usbShortReadBufSize bounds the intermediate buffer USB reads are served
// from. The reference implementation notes that some kernel drivers return
// as much data as is available from the last bulk transfer and specifies
// no minimum read size; this adapter buffers defensively at 1 KiB per
// spec.md 9.
const usbShortReadBufSize = 1024

// USB adapts a pair of USB bulk endpoints (opened per the vendor
// choreography in spec.md 4.2) to the Transport interface.
type USB struct {
	dev      USBDevice
	in, out  USBEndpoint
	ringBuf  [usbShortReadBufSize]byte
	ringLen  int
	ringHead int
}

// OpenUSB performs the device's required control-transfer choreography —
// set configuration #1, two vendor control transfers whose responses are
// discarded, then opens the bulk pipe — and returns a ready Transport.
// Performing the bulk-pipe open before the control transfers is known to
// panic some host kernels, so the order below is load-bearing.
func OpenUSB(dev USBDevice) (*USB, error) {
	if err := dev.SetConfiguration(1); err != nil {
		return nil, fmt.Errorf("usb: set configuration: %w", err)
	}

	discard := make([]byte, 18)
	if _, err := dev.ControlTransfer(vendorInDir, usbReqGetConnectionInfo, 0, 0, discard); err != nil {
		return nil, fmt.Errorf("usb: control transfer (get connection info): %w", err)
	}

	discard2 := make([]byte, 2)
	if _, err := dev.ControlTransfer(vendorInDir, usbReqUnknown1, 0, 5, discard2); err != nil {
		return nil, fmt.Errorf("usb: control transfer (unknown/1): %w", err)
	}

	in, out, err := dev.OpenBulk(dataPipeCreatorID)
	if err != nil {
		return nil, fmt.Errorf("usb: open bulk pipe: %w", err)
	}

	log.Debug("transport/usb: bulk pipe open")
	return &USB{dev: dev, in: in, out: out}, nil
}

// vendorInDir is bmRequestType for a vendor|endpoint|in control transfer.
const vendorInDir = 0x80 | 0x40 | 0x02

// dataPipeCreatorID is the per-creator-ID tag the extended connection-info
// query (usbRequestVendorGetExtConnectionInfo, 0x04) uses to identify the
// data bulk-endpoint pair, per spec.md 4.2.
const dataPipeCreatorID = "_ppp"

// ExtConnectionInfo issues usbRequestVendorGetExtConnectionInfo (0x04) and
// leaves the device's raw response in out. It returns only the transfer's
// error: the response is not parsed into endpoint pairs, and creatorID is
// not used to select one. Devices that don't support the extended query
// should be opened with the fixed two-transfer sequence in OpenUSB instead.
func (u *USB) ExtConnectionInfo(creatorID string, out []byte) error {
	_, err := u.dev.ControlTransfer(vendorInDir, usbReqGetExtConnectionInfo, 0, 0, out)
	return err
}

// Read serves from the defensive short-read ring buffer first, refilling
// it from the bulk endpoint only once it is empty.
func (u *USB) Read(buf []byte) (int, error) {
	if u.ringLen == 0 {
		n, err := u.in.Read(u.ringBuf[:])
		if err != nil {
			return 0, err
		}
		u.ringLen = n
		u.ringHead = 0
	}
	n := copy(buf, u.ringBuf[u.ringHead:u.ringHead+u.ringLen])
	u.ringHead += n
	u.ringLen -= n
	return n, nil
}

// Write implements Transport.
func (u *USB) Write(buf []byte) (int, error) {
	return u.out.Write(buf)
}

// Drain is a no-op: USB bulk writes are synchronous from the host's view.
func (u *USB) Drain() error { return nil }

// Close releases both bulk endpoints.
func (u *USB) Close() error {
	inErr := u.in.Close()
	outErr := u.out.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}

// Select reports readiness by attempting a refill within timeout when no
// buffered data remains. Real USB bindings normally expose a native
// readiness primitive; this polling fallback keeps the Transport contract
// uniform across adapters.
func (u *USB) Select(dir Direction, timeout time.Duration) (bool, error) {
	if dir == DirWrite || u.ringLen > 0 {
		return true, nil
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := u.in.Read(u.ringBuf[:])
		if err != nil {
			return false, err
		}
		if n > 0 {
			u.ringLen = n
			u.ringHead = 0
			return true, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false, nil
}
