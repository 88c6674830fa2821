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
package conn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dwery/coldsync-sub004/dlp"
	"github.com/dwery/coldsync-sub004/spc"
	"github.com/dwery/coldsync-sub004/wire"
)

func TestCloseDrainsThenClosesTransportInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	mt := NewMockTransport(ctrl)

	gomock.InOrder(
		mt.EXPECT().Drain().Return(nil),
		mt.EXPECT().Close().Return(nil),
	)

	c := &Connection{kind: KindTCP, transport: mt}
	require.NoError(t, c.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	mt := NewMockTransport(ctrl)
	mt.EXPECT().Drain().Return(nil).Times(1)
	mt.EXPECT().Close().Return(nil).Times(1)

	c := &Connection{kind: KindTCP, transport: mt}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestCloseToleratesDrainFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mt := NewMockTransport(ctrl)
	gomock.InOrder(
		mt.EXPECT().Drain().Return(errTransportBroken),
		mt.EXPECT().Close().Return(nil),
	)

	c := &Connection{kind: KindSerial, transport: mt}
	require.NoError(t, c.Close())
}

func TestCallOnClosedConnectionFails(t *testing.T) {
	c := &Connection{kind: KindSPC, closed: true}
	_, err := c.Call(dlp.Request{ID: 1})
	require.Error(t, err)
}

// fakePipe is a bidirectional in-memory pipe used to drive an SPC
// connection end to end without a real external conduit process.
type fakePipe struct {
	out bytes.Buffer
	in  bytes.Buffer
}

func (p *fakePipe) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *fakePipe) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *fakePipe) Close() error                { return nil }

func TestSPCConnectionCallRoundTrip(t *testing.T) {
	pipe := &fakePipe{}

	w := wire.NewWriter(10)
	w.PutU16(spc.OpDLPC)
	w.PutU32(spc.StatusOK)
	reply := []byte{0x01 | 0x80, 0, 0, 0}
	w.PutU32(uint32(len(reply)))
	w.PutBytes(reply)
	pipe.in.Write(w.Bytes())

	c := OpenSPC(pipe)
	got, err := c.Call(dlp.Request{ID: 0x01})
	require.NoError(t, err)
	require.Equal(t, uint16(0), got.Status)
	require.Equal(t, KindSPC, c.Kind())
	require.NoError(t, c.Close())
}

var errTransportBroken = &transportBrokenError{}

type transportBrokenError struct{}

func (e *transportBrokenError) Error() string { return "transport broken" }
