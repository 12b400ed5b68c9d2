// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package transport opens the byte-level connection to xenstored, either a
// Unix domain socket or the xenbus character device, and presents it as a
// plain io.ReadWriteCloser for the multiplexer to drive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// DefaultSocketPath is used when XENSTORED_PATH is not set in the
// environment.
const DefaultSocketPath = "/run/xenstored/socket"

// socketPathEnv is the environment variable that overrides DefaultSocketPath.
const socketPathEnv = "XENSTORED_PATH"

// Transport is the byte-level connection to xenstored. Implementations must
// support a reader and a writer used concurrently from independent
// goroutines.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrOpenFailed is returned by Open when neither the socket nor the device
// could be reached.
var ErrOpenFailed = errors.New("xenstore transport: could not open socket or device")

// SocketPath returns the Unix domain socket path to dial, honouring
// XENSTORED_PATH.
func SocketPath() string {
	if path := os.Getenv(socketPathEnv); path != "" {
		return path
	}
	return DefaultSocketPath
}

// DialSocket connects to the xenstored Unix domain socket.
func DialSocket(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Open tries, in order, the xenstored Unix domain socket and then the
// xenbus character device. It fails with ErrOpenFailed if neither is
// reachable.
func Open(ctx context.Context) (Transport, error) {
	if conn, err := DialSocket(ctx, SocketPath()); err == nil {
		return conn, nil
	}

	dev, err := OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: socket unreachable, device open failed: %v", ErrOpenFailed, err)
	}
	return dev, nil
}
