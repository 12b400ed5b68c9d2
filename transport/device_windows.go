// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

//go:build windows
// +build windows

package transport

import "fmt"

// OpenDevice is unsupported on Windows: there is no xenbus character
// device node on this platform, so only the Unix domain socket transport
// is available.
func OpenDevice() (Transport, error) {
	return nil, fmt.Errorf("xenstore transport: xenbus device is not available on windows")
}
