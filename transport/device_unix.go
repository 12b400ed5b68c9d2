// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

//go:build !windows
// +build !windows

package transport

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// DevicePath is the xenbus character device path for the running OS.
func DevicePath() string {
	switch runtime.GOOS {
	case "freebsd":
		return "/dev/xen/xenstore"
	case "netbsd":
		return "/kern/xen/xenbus"
	default:
		return "/dev/xen/xenbus"
	}
}

// device wraps the non-blocking xenbus character device file descriptor.
//
// Its poll implementation never reports writable (a documented kernel
// quirk), so Write retries on EAGAIN instead of waiting for readiness; Read
// waits on poll(2) for POLLIN as usual.
type device struct {
	fd      int
	closeMu sync.Mutex
	closed  bool
}

// OpenDevice opens the xenbus character device at DevicePath in
// non-blocking read+write mode.
func OpenDevice() (Transport, error) {
	fd, err := unix.Open(DevicePath(), unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return &device{fd: fd}, nil
}

func (d *device) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, p)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := d.waitReadable(); werr != nil {
				return 0, werr
			}
			continue
		}
		return n, err
	}
}

// waitReadable blocks until the device reports POLLIN.
func (d *device) waitReadable() error {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

func (d *device) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(d.fd, p[written:])
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			// The device's poll(2) never reports POLLOUT, so there is no
			// readiness event to wait for: retry immediately and let the
			// kernel buffer.
			runtime.Gosched()
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (d *device) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}
