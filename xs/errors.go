// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package xs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"xenstore.sh/wire"
)

// errClosed is the cause wrapped into every KindTransportClosed Error.
var errClosed = errors.New("broken pipe: xenstore multiplexer is no longer running")

// Kind is the stable vocabulary of failures a Client operation can report.
type Kind int

const (
	// KindTransportClosed means the multiplexer backing the client is gone;
	// every future operation on this client will fail the same way.
	KindTransportClosed Kind = iota

	// KindProtocolViolation means the daemon's response did not match what
	// the protocol promises for the request that was sent: wrong response
	// kind, malformed payload, invalid UTF-8, or an unexpected reply to a
	// watch command.
	KindProtocolViolation

	// KindPayloadTooLarge means the caller attempted to write a payload
	// larger than wire.PayloadMax.
	KindPayloadTooLarge

	// KindDaemonError means xenstored replied with an Error message; Errno
	// carries the original wire string.
	KindDaemonError

	// KindOpenFailed means neither the socket nor the device transport
	// could be opened.
	KindOpenFailed

	// KindCanceled means the context passed to the operation was cancelled
	// or exceeded its deadline before the daemon replied.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransportClosed:
		return "transport-closed"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindPayloadTooLarge:
		return "payload-too-large"
	case KindDaemonError:
		return "daemon-error"
	case KindOpenFailed:
		return "open-failed"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every Client and WatchStream
// operation that can fail.
type Error struct {
	Kind  Kind
	Errno string // the original wire errno string, only set for KindDaemonError
	cause error
}

func (e *Error) Error() string {
	if e.Errno != "" {
		return fmt.Sprintf("xenstore: %s (%s): %v", e.Kind, e.Errno, e.cause)
	}
	return fmt.Sprintf("xenstore: %s: %v", e.Kind, e.cause)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

func errorf(kind Kind, format string, args ...interface{}) *Error {
	return newError(kind, fmt.Errorf(format, args...))
}

// daemonError builds a KindDaemonError from the wire errno string carried
// in an Error message's payload, classifying it via wire.ClassifyErrno and
// annotating the cause chain with github.com/pkg/errors so the original
// string survives in both Errno and the wrapped message.
func daemonError(errno string) *Error {
	cause := pkgerrors.Wrapf(fmt.Errorf("%s", errno), "xenstore daemon error (%s)", wire.ClassifyErrno(errno))
	return &Error{Kind: KindDaemonError, Errno: errno, cause: cause}
}
