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
package dlp

import (
	"bytes"
	"testing"

	"github.com/dwery/coldsync-sub004/wire"
	"github.com/stretchr/testify/require"
)

func TestArgEncodeTinyForm(t *testing.T) {
	a := Arg{ID: 1, Payload: make([]byte, 10)}
	enc := a.encode()
	require.Len(t, enc, 2+10)
	require.Equal(t, uint8(tagTiny|1), enc[0])
	require.Equal(t, uint8(10), enc[1])
}

func TestArgEncodeSmallForm(t *testing.T) {
	a := Arg{ID: 2, Payload: make([]byte, 300)}
	enc := a.encode()
	require.Len(t, enc, 4+300)
	require.Equal(t, uint8(tagSmall|2), enc[0])
	require.Equal(t, uint8(0), enc[1])
	require.Equal(t, uint16(300), uint16(enc[2])<<8|uint16(enc[3]))
}

func TestArgEncodeLongForm(t *testing.T) {
	a := Arg{ID: 3, Payload: make([]byte, 70000)}
	enc := a.encode()
	require.Len(t, enc, 6+70000)
	require.Equal(t, uint8(tagLong|3), enc[0])
}

func TestArgRoundTripAllForms(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, 65535, 65536, 70000} {
		a := Arg{ID: 5, Payload: bytes.Repeat([]byte{0x5A}, n)}
		w := a.encode()
		r := wire.NewReader(w)
		got, err := decodeArg(r)
		require.NoError(t, err)
		require.Equal(t, a.ID, got.ID)
		require.Equal(t, a.Payload, got.Payload)
	}
}

func TestRequestReplyPairing(t *testing.T) {
	req := Request{ID: 0x01, Args: []Arg{{ID: 0, Payload: []byte("db")}}}
	reply := Reply{Status: 0, Args: []Arg{{ID: 0, Payload: []byte("ok")}}}

	f := &fakeFramer{reply: encodeReplyForTest(reply, req.ID)}
	conn := New(f)

	got, err := conn.Call(req)
	require.NoError(t, err)
	require.Equal(t, uint16(0), got.Status)
	require.Equal(t, []byte("ok"), got.Args[0].Payload)
	require.Equal(t, req.encode(), f.sent)
}

func TestCallRejectsMismatchedReplyID(t *testing.T) {
	req := Request{ID: 0x01}
	reply := Reply{Status: 0}
	f := &fakeFramer{reply: encodeReplyForTest(reply, 0x02)}
	conn := New(f)

	_, err := conn.Call(req)
	require.Error(t, err)
}

type fakeFramer struct {
	sent  []byte
	reply []byte
}

func (f *fakeFramer) Write(msg []byte) error {
	f.sent = msg
	return nil
}
func (f *fakeFramer) Read() ([]byte, error) { return f.reply, nil }

func encodeReplyForTest(r Reply, requestID uint8) []byte {
	buf := []byte{requestID | 0x80, uint8(len(r.Args)), byte(r.Status >> 8), byte(r.Status)}
	for _, a := range r.Args {
		buf = append(buf, a.encode()...)
	}
	return buf
}
