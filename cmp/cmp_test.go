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
package cmp

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dwery/coldsync-sub004/padp"
	"github.com/dwery/coldsync-sub004/slp"
	"github.com/dwery/coldsync-sub004/transport"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{Type: TypeInit, Flags: FlagChangeRate, VerMajor: 1, VerMinor: 1, Rate: 57600}
	got, err := decode(p.encode())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeRejectsShortPacket(t *testing.T) {
	_, err := decode([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestVersionComparison(t *testing.T) {
	p := Packet{VerMajor: 1, VerMinor: 1}
	v, err := p.Version()
	require.NoError(t, err)
	require.Equal(t, "1.1.0", v.String())

	older := Packet{VerMajor: 1, VerMinor: 0}
	ov, err := older.Version()
	require.NoError(t, err)
	require.True(t, ov.LessThan(v))
}

func TestReceiveTimeoutFlagIsSingleBit(t *testing.T) {
	require.Equal(t, uint8(0x40), uint8(FlagExtendReceiveTimeout))
}

// syncBuffer and pipeTransport mirror padp_test.go's in-memory doubles, so
// Accept can be driven against a real padp.Conn without a serial port.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Read(p)
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

type pipeTransport struct {
	out *syncBuffer
	in  *syncBuffer
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := &syncBuffer{}
	b := &syncBuffer{}
	return &pipeTransport{out: a, in: b}, &pipeTransport{out: b, in: a}
}

func (p *pipeTransport) Read(buf []byte) (int, error) {
	for {
		n, err := p.in.Read(buf)
		if err == io.EOF {
			time.Sleep(time.Millisecond)
			continue
		}
		return n, err
	}
}
func (p *pipeTransport) Write(buf []byte) (int, error) { return p.out.Write(buf) }
func (p *pipeTransport) Drain() error                  { return nil }
func (p *pipeTransport) Close() error                  { return nil }
func (p *pipeTransport) Select(_ transport.Direction, _ time.Duration) (bool, error) {
	return true, nil
}

func newPair() (*Conn, *Conn) {
	ta, tb := newPipePair()
	sa := slp.New(ta)
	sa.Bind(slp.Addr{Protocol: slp.ProtoPAD, Port: slp.PortDLP})
	sb := slp.New(tb)
	sb.Bind(slp.Addr{Protocol: slp.ProtoPAD, Port: slp.PortDLP})
	return New(padp.New(sa, nil)), New(padp.New(sb, nil))
}

func TestAcceptEchoesDeviceRateWhenNoneRequested(t *testing.T) {
	host, device := newPair()

	done := make(chan struct {
		rate uint32
		err  error
	}, 1)
	go func() {
		rate, err := host.Accept(0, 0)
		done <- struct {
			rate uint32
			err  error
		}{rate, err}
	}()

	wakeup := Packet{Type: TypeWakeup, VerMajor: VerMajor, VerMinor: VerMinor, Rate: 57600}
	require.NoError(t, device.padp.Write(wakeup.encode()))

	// The device must read (and so ACK) the INIT before Accept can return.
	raw, err := device.padp.Read()
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, uint32(57600), res.rate)

	initPacket, err := decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(TypeInit), initPacket.Type)
	require.Equal(t, uint32(57600), initPacket.Rate)
	require.Equal(t, uint8(0), initPacket.Flags&FlagChangeRate)
}

func TestAcceptRequestsRateChangeWhenDifferent(t *testing.T) {
	host, device := newPair()

	done := make(chan struct {
		rate uint32
		err  error
	}, 1)
	go func() {
		rate, err := host.Accept(115200, 0)
		done <- struct {
			rate uint32
			err  error
		}{rate, err}
	}()

	wakeup := Packet{Type: TypeWakeup, VerMajor: VerMajor, VerMinor: VerMinor, Rate: 57600}
	require.NoError(t, device.padp.Write(wakeup.encode()))

	raw, err := device.padp.Read()
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, uint32(115200), res.rate)

	initPacket, err := decode(raw)
	require.NoError(t, err)
	require.NotEqual(t, uint8(0), initPacket.Flags&FlagChangeRate)
}

func TestSendInitSetsChangeRateFlagOnlyWhenRequested(t *testing.T) {
	host, device := newPair()

	// SendInit blocks until the device ACKs, so it runs beside the device's Read.
	sent := make(chan error, 1)
	go func() { sent <- host.SendInit(57600, false, 0) }()
	raw, err := device.padp.Read()
	require.NoError(t, err)
	require.NoError(t, <-sent)
	echoed, err := decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(57600), echoed.Rate)
	require.Equal(t, uint8(0), echoed.Flags&FlagChangeRate)

	go func() { sent <- host.SendInit(115200, true, 0) }()
	raw, err = device.padp.Read()
	require.NoError(t, err)
	require.NoError(t, <-sent)
	changed, err := decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(115200), changed.Rate)
	require.NotEqual(t, uint8(0), changed.Flags&FlagChangeRate)
}

func TestAcceptAbortsOnNewerPeerMajorVersion(t *testing.T) {
	host, device := newPair()

	done := make(chan error, 1)
	go func() {
		_, err := host.Accept(0, 0)
		done <- err
	}()

	wakeup := Packet{Type: TypeWakeup, VerMajor: VerMajor + 1, VerMinor: 0, Rate: 57600}
	require.NoError(t, device.padp.Write(wakeup.encode()))

	raw, err := device.padp.Read()
	require.NoError(t, err)

	require.Error(t, <-done)

	abortPacket, err := decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(TypeAbort), abortPacket.Type)
}
