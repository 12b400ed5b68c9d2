// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package transport_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"xenstore.sh/transport"
)

func TestSocketPathDefaultsWhenUnset(t *testing.T) {
	t.Setenv("XENSTORED_PATH", "")
	require.Equal(t, transport.DefaultSocketPath, transport.SocketPath())
}

func TestSocketPathHonoursEnv(t *testing.T) {
	t.Setenv("XENSTORED_PATH", "/tmp/custom-xenstored")
	require.Equal(t, "/tmp/custom-xenstored", transport.SocketPath())
}

func TestDialSocketConnectsToListener(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "xenstored.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	tr, err := transport.DialSocket(context.Background(), sockPath)
	require.NoError(t, err)
	defer tr.Close()

	<-accepted
}

func TestOpenFailsWhenNothingIsReachable(t *testing.T) {
	t.Setenv("XENSTORED_PATH", filepath.Join(t.TempDir(), "does-not-exist.sock"))

	_, err := transport.Open(context.Background())
	require.Error(t, err)
}
