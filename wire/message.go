// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package wire implements the Xenstore wire protocol: a 16-byte header
// followed by a NUL-delimited payload, as spoken by xenstored over a Unix
// domain socket or the xenbus character device.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// PayloadMax is the largest payload xenstored will accept in a single
// message.
const PayloadMax = 4096

// headerSize is the size in bytes of the fixed xsd_sockmsg header: four
// u32 fields in host-native byte order.
const headerSize = 16

// MessageType identifies the kind of a Xenstore message. The numeric values
// match xen/include/public/io/xs_wire.h exactly; tag 20 is intentionally
// unassigned.
type MessageType uint32

const (
	Control            MessageType = 0
	Directory          MessageType = 1
	Read               MessageType = 2
	GetPerms           MessageType = 3
	Watch              MessageType = 4
	Unwatch            MessageType = 5
	TransactionStart   MessageType = 6
	TransactionEnd     MessageType = 7
	Introduce          MessageType = 8
	Release            MessageType = 9
	GetDomainPath      MessageType = 10
	Write              MessageType = 11
	Mkdir              MessageType = 12
	Rm                 MessageType = 13
	SetPerms           MessageType = 14
	WatchEvent         MessageType = 15
	Error              MessageType = 16
	IsDomainIntroduced MessageType = 17
	Resume             MessageType = 18
	SetTarget          MessageType = 19
	ResetWatches       MessageType = 21
	DirectoryPart      MessageType = 22
)

var typeNames = map[MessageType]string{
	Control:            "Control",
	Directory:          "Directory",
	Read:               "Read",
	GetPerms:           "GetPerms",
	Watch:              "Watch",
	Unwatch:            "Unwatch",
	TransactionStart:   "TransactionStart",
	TransactionEnd:     "TransactionEnd",
	Introduce:          "Introduce",
	Release:            "Release",
	GetDomainPath:      "GetDomainPath",
	Write:              "Write",
	Mkdir:              "Mkdir",
	Rm:                 "Rm",
	SetPerms:           "SetPerms",
	WatchEvent:         "WatchEvent",
	Error:              "Error",
	IsDomainIntroduced: "IsDomainIntroduced",
	Resume:             "Resume",
	SetTarget:          "SetTarget",
	ResetWatches:       "ResetWatches",
	DirectoryPart:      "DirectoryPart",
}

// String implements fmt.Stringer so log fields print a readable kind name
// rather than a bare integer.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// valid reports whether t is one of the known, documented message types.
func (t MessageType) valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Message is a single Xenstore protocol frame.
type Message struct {
	Type          MessageType
	RequestID     uint32
	TransactionID uint32
	Payload       []byte
}

// NewStringMessage builds a message whose payload is a single
// NUL-terminated string.
func NewStringMessage(t MessageType, requestID uint32, s string) Message {
	payload := make([]byte, 0, len(s)+1)
	payload = append(payload, s...)
	payload = append(payload, 0)
	return Message{Type: t, RequestID: requestID, Payload: payload}
}

// NewListMessage builds a message whose payload is a sequence of
// NUL-terminated strings, one per element of ss, in order.
func NewListMessage(t MessageType, requestID uint32, ss ...string) Message {
	var payload []byte
	for _, s := range ss {
		payload = append(payload, s...)
		payload = append(payload, 0)
	}
	return Message{Type: t, RequestID: requestID, Payload: payload}
}

// Encode writes the message to w in the xsd_sockmsg wire format. It fails
// with ErrPayloadTooLarge if the payload exceeds PayloadMax bytes.
func (m Message) Encode(w io.Writer) error {
	if len(m.Payload) > PayloadMax {
		return fmt.Errorf("%w: payload is %d bytes (max %d)", ErrPayloadTooLarge, len(m.Payload), PayloadMax)
	}

	var header [headerSize]byte
	binary.NativeEndian.PutUint32(header[0:4], uint32(m.Type))
	binary.NativeEndian.PutUint32(header[4:8], m.RequestID)
	binary.NativeEndian.PutUint32(header[8:12], 0) // tx_id: transactions are unimplemented
	binary.NativeEndian.PutUint32(header[12:16], uint32(len(m.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return nil
	}
	_, err := w.Write(m.Payload)
	return err
}

// Decode reads one message from r. It fails with ErrUnsupportedType if the
// wire type tag is not one of the known kinds.
func Decode(r io.Reader) (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	rawType := binary.NativeEndian.Uint32(header[0:4])
	reqID := binary.NativeEndian.Uint32(header[4:8])
	txID := binary.NativeEndian.Uint32(header[8:12])
	length := binary.NativeEndian.Uint32(header[12:16])

	t := MessageType(rawType)
	if !t.valid() {
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrUnsupportedType, rawType)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}

	return Message{
		Type:          t,
		RequestID:     reqID,
		TransactionID: txID,
		Payload:       payload,
	}, nil
}

// ParseString interprets the payload as a single NUL-terminated string. A
// missing trailing NUL is tolerated. An empty payload decodes as "no
// string" (ok=false), distinct from an empty string.
func ParseString(payload []byte) (s string, ok bool, err error) {
	if len(payload) == 0 {
		return "", false, nil
	}
	if payload[len(payload)-1] == 0 {
		payload = payload[:len(payload)-1]
	}
	if !utf8.Valid(payload) {
		return "", false, fmt.Errorf("payload is not valid UTF-8")
	}
	return string(payload), true, nil
}

// ParseList splits the payload into a sequence of NUL-terminated strings.
// The terminator on the last element is optional: both a trailing NUL and
// its absence parse to the same result.
func ParseList(payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	trimmed := payload
	if trimmed[len(trimmed)-1] == 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}

	var out []string
	for _, chunk := range bytes.Split(trimmed, []byte{0}) {
		if !utf8.Valid(chunk) {
			return nil, fmt.Errorf("payload element is not valid UTF-8")
		}
		out = append(out, string(chunk))
	}
	return out, nil
}
