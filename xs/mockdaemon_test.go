// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package xs

import (
	"net"
	"sync"

	"xenstore.sh/wire"
)

// mockDaemon is a minimal stand-in for xenstored: it speaks the wire
// protocol over one half of a net.Pipe and lets a test script the exact
// responses and observe the exact requests a scenario needs, without
// pulling in a real xenstore daemon.
type mockDaemon struct {
	conn net.Conn

	mu       sync.Mutex
	received []wire.Message
}

// newMockDaemon returns a daemon-side connection and the matching
// client-side transport, wired together with net.Pipe.
func newMockDaemon() (*mockDaemon, net.Conn) {
	serverSide, clientSide := net.Pipe()
	return &mockDaemon{conn: serverSide}, clientSide
}

// recv reads and records the next request the client sends.
func (d *mockDaemon) recv() (wire.Message, error) {
	msg, err := wire.Decode(d.conn)
	if err != nil {
		return wire.Message{}, err
	}
	d.mu.Lock()
	d.received = append(d.received, msg)
	d.mu.Unlock()
	return msg, nil
}

// send writes a response to the client.
func (d *mockDaemon) send(msg wire.Message) error {
	return msg.Encode(d.conn)
}

// requests returns every request received so far.
func (d *mockDaemon) requests() []wire.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wire.Message, len(d.received))
	copy(out, d.received)
	return out
}

func (d *mockDaemon) Close() error {
	return d.conn.Close()
}
