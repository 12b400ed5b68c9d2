// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package xs

import (
	"context"

	"xenstore.sh/transport"
	"xenstore.sh/wire"
)

// ReadWriter is the narrow capability interface for plain Xenstore
// read/write/enumerate operations.
type ReadWriter interface {
	Directory(ctx context.Context, path string) ([]string, error)
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, data string) error
	Rm(ctx context.Context, path string) error
}

// Watcher is the narrow capability interface for watch subscriptions.
type Watcher interface {
	Watch(ctx context.Context, path string) (*WatchStream, error)
}

// Client is a cheaply-cloneable handle onto the asynchronous multiplexing
// Xenstore client. All clones of a Client share one multiplexer and one
// transport connection.
type Client struct {
	m *mux
}

var (
	_ ReadWriter = (*Client)(nil)
	_ Watcher    = (*Client)(nil)
)

// New opens a Xenstore connection (Unix domain socket, falling back to the
// xenbus character device) and starts its multiplexer. The returned
// Client's lifetime is tied to ctx: cancelling ctx tears the multiplexer
// down, after which every operation observes a transport-closed failure and
// every live WatchStream ends.
func New(ctx context.Context) (*Client, error) {
	tr, err := transport.Open(ctx)
	if err != nil {
		return nil, newError(KindOpenFailed, err)
	}
	return newClientWithTransport(ctx, tr), nil
}

// newClientWithTransport is the common constructor used by New and by
// tests that supply an in-memory transport (for example a net.Pipe half
// wired to a mock daemon).
func newClientWithTransport(ctx context.Context, tr transport.Transport) *Client {
	m := newMux()
	m.start(ctx, tr)
	return &Client{m: m}
}

// Clone returns a handle sharing the same multiplexer as c. It is always
// safe to drop one clone while others remain in use.
func (c *Client) Clone() *Client {
	return &Client{m: c.m}
}

// transmit submits a plain request/response operation and waits for its
// reply, validating that the response kind matches the request kind.
func (c *Client) transmit(ctx context.Context, req wire.Message) (wire.Message, error) {
	if len(req.Payload) > wire.PayloadMax {
		return wire.Message{}, errorf(KindPayloadTooLarge, "payload is %d bytes (max %d)", len(req.Payload), wire.PayloadMax)
	}

	reply := make(chan wire.Message, 1)

	select {
	case c.m.commandCh <- requestCmd{msg: req, reply: reply}:
	case <-ctx.Done():
		return wire.Message{}, newError(KindCanceled, ctx.Err())
	case <-c.m.Done():
		return wire.Message{}, newError(KindTransportClosed, errClosed)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return wire.Message{}, newError(KindTransportClosed, errClosed)
		}
		if resp.Type == req.Type {
			return resp, nil
		}
		if resp.Type == wire.Error {
			errno, _, _ := wire.ParseString(resp.Payload)
			return wire.Message{}, daemonError(errno)
		}
		return wire.Message{}, errorf(KindProtocolViolation, "got unrelated response (%s) to %s request", resp.Type, req.Type)

	case <-ctx.Done():
		return wire.Message{}, newError(KindCanceled, ctx.Err())
	case <-c.m.Done():
		return wire.Message{}, newError(KindTransportClosed, errClosed)
	}
}

// Directory lists the immediate children of path.
func (c *Client) Directory(ctx context.Context, path string) ([]string, error) {
	resp, err := c.transmit(ctx, wire.NewStringMessage(wire.Directory, 0, path))
	if err != nil {
		return nil, err
	}
	names, perr := wire.ParseList(resp.Payload)
	if perr != nil {
		return nil, errorf(KindProtocolViolation, "invalid Directory payload: %v", perr)
	}
	return names, nil
}

// Read returns the value stored at path. A daemon reply with an empty
// payload reads back as the empty string.
func (c *Client) Read(ctx context.Context, path string) (string, error) {
	resp, err := c.transmit(ctx, wire.NewStringMessage(wire.Read, 0, path))
	if err != nil {
		return "", err
	}
	value, _, perr := wire.ParseString(resp.Payload)
	if perr != nil {
		return "", errorf(KindProtocolViolation, "invalid Read payload: %v", perr)
	}
	return value, nil
}

// Write sets the value stored at path, creating it (and any missing
// parent) if necessary.
func (c *Client) Write(ctx context.Context, path, data string) error {
	_, err := c.transmit(ctx, wire.NewListMessage(wire.Write, 0, path, data))
	return err
}

// Rm removes path and everything beneath it.
func (c *Client) Rm(ctx context.Context, path string) error {
	_, err := c.transmit(ctx, wire.NewStringMessage(wire.Rm, 0, path))
	return err
}

// Watch subscribes to change notifications for path and everything beneath
// it. The returned stream must be closed with Close when no longer needed.
func (c *Client) Watch(ctx context.Context, path string) (*WatchStream, error) {
	events := make(chan string, watchEventBuffer)
	reply := make(chan watchSubscribeResult, 1)

	select {
	case c.m.commandCh <- watchSubscribeCmd{path: path, events: events, reply: reply}:
	case <-ctx.Done():
		return nil, newError(KindCanceled, ctx.Err())
	case <-c.m.Done():
		return nil, newError(KindTransportClosed, errClosed)
	}

	select {
	case res, ok := <-reply:
		if !ok {
			return nil, newError(KindTransportClosed, errClosed)
		}
		if res.err != nil {
			return nil, res.err
		}
		return newWatchStream(c.m, events, res.token), nil

	case <-ctx.Done():
		return nil, newError(KindCanceled, ctx.Err())
	case <-c.m.Done():
		return nil, newError(KindTransportClosed, errClosed)
	}
}
