// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

package xs

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// WatchStream is a lazy, possibly-infinite, non-restartable sequence of
// paths: one per node at or under the watched path that has changed, in
// the order xenstored emitted them. Delivery is at-least-once; the daemon
// may emit a spurious event right after subscription.
//
// A WatchStream must be closed with Close when the caller is done with it,
// so the corresponding Unwatch is issued and xenstored does not leak watch
// state. A finalizer is registered as a backstop for callers that forget
// to call Close — it is not a substitute for calling it explicitly.
type WatchStream struct {
	mux    *mux
	events chan string
	token  uuid.UUID

	closeOnce sync.Once
}

func newWatchStream(m *mux, events chan string, token uuid.UUID) *WatchStream {
	w := &WatchStream{mux: m, events: events, token: token}
	runtime.SetFinalizer(w, func(w *WatchStream) { w.Close() })
	return w
}

// Next blocks until an event arrives, ctx is cancelled, or the stream ends
// (the multiplexer shut down, or xenstored confirmed the Unwatch sent by
// Close). ok is false whenever no path was produced: err is nil when the
// stream has ended and non-nil when ctx was cancelled.
func (w *WatchStream) Next(ctx context.Context) (path string, ok bool, err error) {
	select {
	case path, open := <-w.events:
		if !open {
			return "", false, nil
		}
		return path, true, nil
	case <-ctx.Done():
		return "", false, newError(KindCanceled, ctx.Err())
	}
}

// Close unsubscribes the watch, synchronously enqueuing an Unwatch command
// to the multiplexer and ignoring the outcome: if the multiplexer is
// already dead, there is nothing left to leak. Close is idempotent and may
// be called more than once or concurrently with Next.
func (w *WatchStream) Close() {
	w.closeOnce.Do(func() {
		runtime.SetFinalizer(w, nil)
		select {
		case w.mux.commandCh <- watchUnsubscribeCmd{token: w.token}:
		case <-w.mux.Done():
			// The multiplexer is already gone; losing this Unwatch is
			// tolerated, there is nothing left to leak it against.
		}
	})
}
