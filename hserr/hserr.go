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
Package hserr defines the single error taxonomy shared by every layer of
the HotSync stack (SLP, PADP, CMP, DLP, NetSync, transport, conn).

The reference implementation kept a process-wide "palm_errno" register
that every function set as a side effect. This package replaces that with
an ordinary error value returned by every operation: there is no shared
mutable error state anywhere in this module.
*/
package hserr

import "fmt"

// Kind identifies the category of a HotSync error, mirroring the
// original palmerrno_t enumeration (include/pconn/palm_errno.h).
type Kind int

const (
	// KindNone means success. Operations that succeed do not return an
	// Error at all; Kind is exported mainly so callers can recognize a
	// zero value if they build one manually (e.g. in tests).
	KindNone Kind = iota
	// KindSystem indicates an underlying OS call failed; Cause preserves it.
	KindSystem
	// KindNoMem indicates a buffer allocation failed, or the device
	// signalled MEMERROR on a PADP fragment.
	KindNoMem
	// KindTimeout indicates a PADP ACK wait, CMP wakeup wait, or
	// transport read exceeded its deadline.
	KindTimeout
	// KindTimeout2 mirrors the original's PALMERR_TIMEOUT2: a timeout in
	// a protocol that is not supposed to have any (NetSync).
	KindTimeout2
	// KindBadF indicates an operation on an uninitialized or closed connection.
	KindBadF
	// KindEOF indicates the transport returned end-of-file.
	KindEOF
	// KindAbort indicates the peer sent a PADP or CMP ABORT.
	KindAbort
	// KindBadID indicates a DLP reply's response id did not match the request.
	KindBadID
	// KindBadResID indicates an invalid DLP result id.
	KindBadResID
	// KindBadArgID indicates an invalid DLP argument tag.
	KindBadArgID
	// KindACKXID indicates a PADP ACK or fragment XID did not match the
	// expected transaction id.
	KindACKXID
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NOERR"
	case KindSystem:
		return "SYSTEM"
	case KindNoMem:
		return "NOMEM"
	case KindTimeout:
		return "TIMEOUT"
	case KindTimeout2:
		return "TIMEOUT2"
	case KindBadF:
		return "BADF"
	case KindEOF:
		return "EOF"
	case KindAbort:
		return "ABORT"
	case KindBadID:
		return "BADID"
	case KindBadResID:
		return "BADRESID"
	case KindBadArgID:
		return "BADARGID"
	case KindACKXID:
		return "ACKXID"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by HotSync operations.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that preserves cause, the way the original
// preserved errno alongside PALMERR_SYSTEM.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a HotSync *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As is a thin re-export point so callers don't need a second import for
// the common "extract my *hserr.Error" case; it behaves like errors.As.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
