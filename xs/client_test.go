// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package xs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"xenstore.sh/wire"
)

func newTestClient(t *testing.T) (*Client, *mockDaemon) {
	t.Helper()
	daemon, clientConn := newMockDaemon()
	ctx, cancel := context.WithCancel(context.Background())
	client := newClientWithTransport(ctx, clientConn)
	t.Cleanup(func() {
		cancel()
		daemon.Close()
	})
	return client, daemon
}

// Scenario 1: a Read that hits.
func TestClientReadHit(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := daemon.recv()
		require.NoError(t, err)
		require.Equal(t, wire.Read, req.Type)
		require.NoError(t, daemon.send(wire.NewStringMessage(wire.Read, req.RequestID, "bar")))
	}()

	value, err := client.Read(ctx, "/local/domain/0/foo")
	require.NoError(t, err)
	require.Equal(t, "bar", value)
	<-done
}

// Scenario 2: a Read against a missing node, reported as an ENOENT Error.
func TestClientReadMissing(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := daemon.recv()
		require.NoError(t, err)
		require.NoError(t, daemon.send(wire.NewStringMessage(wire.Error, req.RequestID, "ENOENT")))
	}()

	_, err := client.Read(ctx, "/local/domain/0/missing")
	require.Error(t, err)
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, KindDaemonError, xerr.Kind)
	require.Equal(t, "ENOENT", xerr.Errno)
	require.Equal(t, wire.KindNotFound, wire.ClassifyErrno(xerr.Errno))
	<-done
}

// Scenario 3: a Directory listing.
func TestClientDirectory(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := daemon.recv()
		require.NoError(t, err)
		require.Equal(t, wire.Directory, req.Type)
		require.NoError(t, daemon.send(wire.NewListMessage(wire.Directory, req.RequestID, "foo", "bar", "baz")))
	}()

	names, err := client.Directory(ctx, "/local/domain/0")
	require.NoError(t, err)
	require.Equal(t, []string{"foo", "bar", "baz"}, names)
	<-done
}

// Scenario 4: concurrent reads whose responses arrive out of request order,
// each demultiplexed back to the right caller by request id.
func TestClientConcurrentReadsOutOfOrder(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	const n = 8
	type result struct{ want, got string }
	results := make(chan result, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			value, err := client.Read(ctx, fmt.Sprintf("/path/%d", i))
			if err != nil {
				errs <- err
				return
			}
			results <- result{want: fmt.Sprintf("value-%d", i), got: value}
		}(i)
	}

	reqs := make([]wire.Message, 0, n)
	for i := 0; i < n; i++ {
		req, err := daemon.recv()
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	// Reply in reverse request-id order, each with a value derived from the
	// requested path, so a misrouted reply is detected.
	for i := len(reqs) - 1; i >= 0; i-- {
		req := reqs[i]
		path, _, err := wire.ParseString(req.Payload)
		require.NoError(t, err)
		value := "value-" + strings.TrimPrefix(path, "/path/")
		require.NoError(t, daemon.send(wire.NewStringMessage(wire.Read, req.RequestID, value)))
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case r := <-results:
			require.Equal(t, r.want, r.got)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent reads")
		}
	}
}

// Scenario 5: a watch roundtrip observing two WatchEvents in order.
func TestClientWatchRoundTrip(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	watchReq := make(chan wire.Message, 1)
	go func() {
		req, err := daemon.recv()
		require.NoError(t, err)
		watchReq <- req
	}()

	stream, err := client.Watch(ctx, "/local/domain/0/foo")
	require.NoError(t, err)
	defer stream.Close()

	req := <-watchReq
	require.Equal(t, wire.Watch, req.Type)
	fields, err := wire.ParseList(req.Payload)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	require.Equal(t, "/local/domain/0/foo", fields[0])
	token, err := uuid.Parse(fields[1])
	require.NoError(t, err)

	require.NoError(t, daemon.send(wire.NewListMessage(wire.Watch, req.RequestID)))

	require.NoError(t, daemon.send(wire.NewListMessage(wire.WatchEvent, 0, "/local/domain/0/foo", token.String())))
	require.NoError(t, daemon.send(wire.NewListMessage(wire.WatchEvent, 0, "/local/domain/0/foo/child", token.String())))

	path, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/local/domain/0/foo", path)

	path, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/local/domain/0/foo/child", path)
}

// Scenario 6: dropping a watch stream (Close) causes exactly one observed
// Unwatch carrying the matching path and token.
func TestClientWatchCloseUnsubscribes(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	watchReq := make(chan wire.Message, 1)
	go func() {
		req, err := daemon.recv()
		require.NoError(t, err)
		watchReq <- req
	}()

	stream, err := client.Watch(ctx, "/local/domain/0/foo")
	require.NoError(t, err)

	req := <-watchReq
	fields, err := wire.ParseList(req.Payload)
	require.NoError(t, err)
	token := fields[1]
	require.NoError(t, daemon.send(wire.NewListMessage(wire.Watch, req.RequestID)))

	unwatchReq := make(chan wire.Message, 1)
	go func() {
		req, err := daemon.recv()
		require.NoError(t, err)
		unwatchReq <- req
	}()

	stream.Close()

	select {
	case req := <-unwatchReq:
		require.Equal(t, wire.Unwatch, req.Type)
		fields, err := wire.ParseList(req.Payload)
		require.NoError(t, err)
		require.Equal(t, []string{"/local/domain/0/foo", token}, fields)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Unwatch")
	}

	// Closing again must not send a second Unwatch or block.
	stream.Close()
}

// A Write whose payload exceeds wire.PayloadMax fails locally without ever
// reaching the transport, so it cannot poison the shared multiplexer.
func TestClientWriteRejectsOversizePayload(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()

	oversized := make([]byte, wire.PayloadMax+1)
	for i := range oversized {
		oversized[i] = 'a'
	}

	err := client.Write(ctx, "/local/domain/0/foo", string(oversized))
	require.Error(t, err)
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, KindPayloadTooLarge, xerr.Kind)

	// The multiplexer must still be usable afterwards.
	done := make(chan struct{})
	go func() {
		defer close(done)
		req, rerr := daemon.recv()
		require.NoError(t, rerr)
		require.NoError(t, daemon.send(wire.NewStringMessage(wire.Read, req.RequestID, "ok")))
	}()
	value, err := client.Read(ctx, "/local/domain/0/foo")
	require.NoError(t, err)
	require.Equal(t, "ok", value)
	<-done
}

// Clone shares the same multiplexer, so operations issued from a clone are
// demultiplexed exactly like ones issued from the original handle.
func TestClientCloneSharesMultiplexer(t *testing.T) {
	client, daemon := newTestClient(t)
	ctx := context.Background()
	clone := client.Clone()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := daemon.recv()
		require.NoError(t, err)
		require.NoError(t, daemon.send(wire.NewStringMessage(wire.Read, req.RequestID, "cloned")))
	}()

	value, err := clone.Read(ctx, "/local/domain/0/foo")
	require.NoError(t, err)
	require.Equal(t, "cloned", value)
	<-done
}

// Cancelling the governing context tears the multiplexer down; every
// operation issued afterwards observes a transport-closed failure.
func TestClientContextCancelTearsDownMultiplexer(t *testing.T) {
	daemon, clientConn := newMockDaemon()
	defer daemon.Close()
	ctx, cancel := context.WithCancel(context.Background())
	client := newClientWithTransport(ctx, clientConn)

	cancel()
	<-client.m.Done()

	_, err := client.Read(context.Background(), "/local/domain/0/foo")
	require.Error(t, err)
	var xerr *Error
	require.ErrorAs(t, err, &xerr)
	require.Equal(t, KindTransportClosed, xerr.Kind)
}
