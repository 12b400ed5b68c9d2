// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package wire

import "errors"

// Sentinel codec errors, returned (possibly wrapped with %w) from Encode
// and Decode.
var (
	// ErrPayloadTooLarge is returned by Encode when a payload exceeds
	// PayloadMax.
	ErrPayloadTooLarge = errors.New("xenstore wire: payload too large")

	// ErrUnsupportedType is returned by Decode when the wire type tag does
	// not name one of the known message kinds.
	ErrUnsupportedType = errors.New("xenstore wire: unsupported message type")
)

// ErrorKind is the daemon-side POSIX errno classification of an Error
// message, independent of any particular client's error vocabulary.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindInvalidInput
	KindPermissionDenied
	KindAlreadyExists
	KindNotFound
	KindOutOfMemory
	KindUnsupported
	KindWouldBlock
	KindAddrInUse
	KindInvalidData
)

var errorKindNames = map[ErrorKind]string{
	KindOther:            "other",
	KindInvalidInput:     "invalid-input",
	KindPermissionDenied: "permission-denied",
	KindAlreadyExists:    "already-exists",
	KindNotFound:         "not-found",
	KindOutOfMemory:      "out-of-memory",
	KindUnsupported:      "unsupported",
	KindWouldBlock:       "would-block",
	KindAddrInUse:        "addr-in-use",
	KindInvalidData:      "invalid-data",
}

// String implements fmt.Stringer for readable log fields and error
// messages.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown"
}

var errnoKinds = map[string]ErrorKind{
	"EINVAL":    KindInvalidInput,
	"ENOTEMPTY": KindInvalidInput,
	"EACCES":    KindPermissionDenied,
	"EPERM":     KindPermissionDenied,
	"EROFS":     KindPermissionDenied,
	"EEXIST":    KindAlreadyExists,
	"EISDIR":    KindAlreadyExists,
	"EBUSY":     KindAlreadyExists,
	"ENOENT":    KindNotFound,
	"ENOMEM":    KindOutOfMemory,
	"ENOSPC":    KindOutOfMemory,
	"ENOSYS":    KindUnsupported,
	"EAGAIN":    KindWouldBlock,
	"EISCONN":   KindAddrInUse,
	"E2BIG":     KindInvalidData,
}

// ClassifyErrno maps a POSIX-style errno string, as carried in the payload
// of an Error message, to a high-level ErrorKind. Unrecognised strings
// (including "EIO") map to KindOther.
func ClassifyErrno(errno string) ErrorKind {
	if kind, ok := errnoKinds[errno]; ok {
		return kind
	}
	return KindOther
}
