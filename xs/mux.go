// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2024, Unikraft GmbH and The KraftKit Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package xs is the asynchronous, multiplexing Xenstore client: a single
// transport connection shared by many concurrent callers, each issuing
// request/response operations or long-lived watch subscriptions.
//
// The multiplexer (this file) is the "interface task" at the centre of the
// design: it owns the transport, assigns request identifiers, demultiplexes
// responses back to their waiters, and routes unsolicited watch events to
// the right subscriber. It is reached only through channels, never through
// a shared mutex: the state in mux belongs exclusively to the goroutine
// running (*mux).run.
package xs

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"xenstore.sh/log"
	"xenstore.sh/transport"
	"xenstore.sh/wire"
)

// maxRequestCount is the size of the pending-task table; request ids are
// slot indices, so they range over [0, maxRequestCount).
const maxRequestCount = 32

// chanBuffer is the buffer depth of every internal channel the multiplexer
// touches (commands in, bytes out to the writer, messages in from the
// reader). Small and symmetric, so none of the three legs can run away
// from the others.
const chanBuffer = 4

// watchEventBuffer is the buffer depth of a single subscription's event
// channel.
const watchEventBuffer = 8

// requestCmd asks the multiplexer to issue a plain request/response
// operation.
type requestCmd struct {
	msg   wire.Message
	reply chan<- wire.Message
}

// watchSubscribeCmd asks the multiplexer to issue a Watch subscription.
type watchSubscribeCmd struct {
	path   string
	events chan string
	reply  chan<- watchSubscribeResult
}

type watchSubscribeResult struct {
	token uuid.UUID
	err   *Error
}

// watchUnsubscribeCmd asks the multiplexer to issue an Unwatch for a
// previously confirmed subscription.
type watchUnsubscribeCmd struct {
	token uuid.UUID
}

// muxCommand is the sum type of everything a client handle or watch stream
// can submit to the multiplexer.
type muxCommand interface {
	isMuxCommand()
}

func (requestCmd) isMuxCommand()          {}
func (watchSubscribeCmd) isMuxCommand()   {}
func (watchUnsubscribeCmd) isMuxCommand() {}

// pendingTask is the sum type parked in a slot of the request table between
// submission and response.
type pendingTask interface {
	isPendingTask()
}

type requestTask struct {
	reply chan<- wire.Message
}

type watchSubscribeTask struct {
	path   string
	events chan string
	token  uuid.UUID
	reply  chan<- watchSubscribeResult
}

type watchUnsubscribeTask struct {
	token uuid.UUID
}

func (requestTask) isPendingTask()          {}
func (watchSubscribeTask) isPendingTask()   {}
func (watchUnsubscribeTask) isPendingTask() {}

// watchSubscriber is a confirmed watch registration: a sink for event
// paths, plus the path itself (needed again to build the matching
// Unwatch).
type watchSubscriber struct {
	events chan string
	path   string
}

// mux owns the transport and multiplexes many concurrent callers over it.
// Every field below is touched only from the goroutine running (*mux).run;
// everything else reaches mux exclusively through commandCh.
type mux struct {
	commandCh chan muxCommand

	toWriter   chan wire.Message
	fromReader chan wire.Message

	pending   [maxRequestCount]pendingTask
	taskCount int

	watches map[uuid.UUID]watchSubscriber

	done chan struct{}
}

// newMux constructs the multiplexer's private state. It does not start any
// goroutines; call start to do that.
func newMux() *mux {
	return &mux{
		commandCh:  make(chan muxCommand, chanBuffer),
		toWriter:   make(chan wire.Message, chanBuffer),
		fromReader: make(chan wire.Message, chanBuffer),
		watches:    make(map[uuid.UUID]watchSubscriber),
		done:       make(chan struct{}),
	}
}

// start launches the reader, writer, and multiplexer-loop goroutines over
// tr, supervised by an errgroup so that any one's terminal failure tears
// down the other two. Done() is closed once all three have returned and
// the transport has been closed.
func (m *mux) start(ctx context.Context, tr transport.Transport) {
	g, gctx := errgroup.WithContext(ctx)

	// wire.Decode blocks in an ordinary io.ReadFull on tr and does not
	// itself select on gctx.Done(); closing tr is what aborts it on
	// cancellation.
	go func() {
		<-gctx.Done()
		tr.Close()
	}()

	g.Go(func() error {
		defer close(m.fromReader)
		for {
			msg, err := wire.Decode(tr)
			if err != nil {
				return err
			}
			log.G(gctx).WithField("type", msg.Type).Debug("xenstore: received message")
			select {
			case m.fromReader <- msg:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case msg, ok := <-m.toWriter:
				if !ok {
					return nil
				}
				log.G(gctx).WithField("type", msg.Type).Debug("xenstore: sending message")
				if err := msg.Encode(tr); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		m.run(gctx)
		return nil
	})

	go func() {
		g.Wait()
		tr.Close()
		close(m.done)
	}()
}

// Done returns a channel closed once the multiplexer has fully torn down.
func (m *mux) Done() <-chan struct{} {
	return m.done
}

// run is the multiplexer main loop: at each step, wait for either a command
// from a caller or a decoded response/event from the reader. While the
// pending-task table is full, commands are not even considered, so callers
// feel backpressure rather than a local error.
func (m *mux) run(ctx context.Context) {
	for {
		if m.taskCount == maxRequestCount {
			select {
			case msg, ok := <-m.fromReader:
				if !ok {
					m.shutdown()
					return
				}
				m.processResponse(ctx, msg)

			case <-ctx.Done():
				m.shutdown()
				return
			}
			continue
		}

		select {
		case cmd, ok := <-m.commandCh:
			if !ok {
				m.shutdown()
				return
			}
			m.processCommand(ctx, cmd)

		case msg, ok := <-m.fromReader:
			if !ok {
				m.shutdown()
				return
			}
			m.processResponse(ctx, msg)

		case <-ctx.Done():
			m.shutdown()
			return
		}
	}
}

// freeSlot returns the index of a free request-table slot, or -1 if the
// table is full.
func (m *mux) freeSlot() int {
	for i, task := range m.pending {
		if task == nil {
			return i
		}
	}
	return -1
}

func (m *mux) occupy(slot int, task pendingTask) {
	m.pending[slot] = task
	m.taskCount++
}

func (m *mux) release(slot int) pendingTask {
	task := m.pending[slot]
	m.pending[slot] = nil
	m.taskCount--
	return task
}

func (m *mux) processCommand(ctx context.Context, cmd muxCommand) {
	slot := m.freeSlot()
	if slot < 0 {
		// Backpressure in run() keeps this from happening in practice: the
		// command channel is only drained while taskCount < maxRequestCount.
		// Still report it rather than silently dropping the caller's command.
		m.failCommandLocally(cmd)
		return
	}

	switch c := cmd.(type) {
	case requestCmd:
		msg := c.msg
		msg.RequestID = uint32(slot)
		m.occupy(slot, requestTask{reply: c.reply})
		m.send(ctx, msg)

	case watchSubscribeCmd:
		token := m.freshToken()
		msg := wire.NewListMessage(wire.Watch, uint32(slot), c.path, token.String())
		m.occupy(slot, watchSubscribeTask{path: c.path, events: c.events, token: token, reply: c.reply})
		m.send(ctx, msg)

	case watchUnsubscribeCmd:
		sub, ok := m.watches[c.token]
		if !ok {
			log.G(ctx).WithField("token", c.token).Warn("xenstore: unwatch without a matching watch")
			return
		}
		msg := wire.NewListMessage(wire.Unwatch, uint32(slot), sub.path, c.token.String())
		m.occupy(slot, watchUnsubscribeTask{token: c.token})
		m.send(ctx, msg)
	}
}

// failCommandLocally reports a local invariant violation (the request
// table was full despite run()'s backpressure) back to whichever caller
// can hear it.
func (m *mux) failCommandLocally(cmd muxCommand) {
	switch c := cmd.(type) {
	case requestCmd:
		close(c.reply)
	case watchSubscribeCmd:
		select {
		case c.reply <- watchSubscribeResult{err: errorf(KindTransportClosed, "xenstore: no free request slot (internal invariant violated)")}:
		default:
		}
	case watchUnsubscribeCmd:
		// No reply channel to report to.
	}
}

// freshToken returns a random watch token not already present in the watch
// table.
func (m *mux) freshToken() uuid.UUID {
	for {
		token := uuid.New()
		if _, exists := m.watches[token]; !exists {
			return token
		}
	}
}

func (m *mux) send(ctx context.Context, msg wire.Message) {
	select {
	case m.toWriter <- msg:
	case <-ctx.Done():
	}
}

func (m *mux) processResponse(ctx context.Context, msg wire.Message) {
	if msg.Type == wire.WatchEvent {
		m.processWatchEvent(ctx, msg)
		return
	}

	slot := int(msg.RequestID)
	if slot < 0 || slot >= maxRequestCount || m.pending[slot] == nil {
		log.G(ctx).WithField("req_id", msg.RequestID).Warn("xenstore: response for unknown request id")
		return
	}

	task := m.release(slot)
	switch t := task.(type) {
	case requestTask:
		select {
		case t.reply <- msg:
		default:
			// Caller abandoned the wait; discard, as designed.
		}

	case watchSubscribeTask:
		m.completeWatchSubscribe(ctx, t, msg)

	case watchUnsubscribeTask:
		m.completeWatchUnsubscribe(ctx, t, msg)
	}
}

func (m *mux) completeWatchSubscribe(ctx context.Context, t watchSubscribeTask, msg wire.Message) {
	switch msg.Type {
	case wire.Watch:
		m.watches[t.token] = watchSubscriber{events: t.events, path: t.path}
		select {
		case t.reply <- watchSubscribeResult{token: t.token}:
		default:
		}

	case wire.Error:
		errno, _, _ := wire.ParseString(msg.Payload)
		select {
		case t.reply <- watchSubscribeResult{err: daemonError(errno)}:
		default:
		}

	default:
		log.G(ctx).WithField("type", msg.Type).Warn("xenstore: unexpected response to Watch command")
		select {
		case t.reply <- watchSubscribeResult{err: errorf(KindProtocolViolation, "unexpected response (%s) to Watch command", msg.Type)}:
		default:
		}
	}
}

func (m *mux) completeWatchUnsubscribe(ctx context.Context, t watchUnsubscribeTask, msg wire.Message) {
	switch msg.Type {
	case wire.Unwatch:
		sub, ok := m.watches[t.token]
		if !ok {
			log.G(ctx).WithField("token", t.token).Warn("xenstore: unwatch confirmed for unknown token")
		} else {
			close(sub.events)
		}
		delete(m.watches, t.token)

	case wire.Error:
		log.G(ctx).Error("xenstore: daemon rejected Unwatch; the watch stays registered and the multiplexer keeps running")

	default:
		log.G(ctx).WithField("type", msg.Type).Warn("xenstore: unexpected response to Unwatch command")
	}
}

// processWatchEvent delivers one event to its subscriber. Delivery is
// blocking once the subscriber's buffer is full, so a slow or abandoned
// consumer stalls every other caller waiting on run's loop; there is no
// way to drop the subscriber instead, since the receiving end of events
// is never closed by the consumer to signal disinterest.
func (m *mux) processWatchEvent(ctx context.Context, msg wire.Message) {
	fields, err := wire.ParseList(msg.Payload)
	if err != nil || len(fields) != 2 {
		log.G(ctx).Warn("xenstore: malformed watch event payload")
		return
	}
	path, tokenStr := fields[0], fields[1]

	token, err := uuid.Parse(tokenStr)
	if err != nil {
		log.G(ctx).WithField("token", tokenStr).Warn("xenstore: watch event with non-UUID token")
		return
	}

	sub, ok := m.watches[token]
	if !ok {
		log.G(ctx).WithField("token", token).Warn("xenstore: watch event for unregistered token")
		return
	}

	select {
	case sub.events <- path:
	default:
		// The subscriber's buffer is momentarily full; block on it rather
		// than drop the event, since delivery must preserve daemon order.
		select {
		case sub.events <- path:
		case <-ctx.Done():
		}
	}
}

// shutdown drains every parked task with a transport-closed failure and
// closes every watch stream's event channel. It runs once, when run's loop
// exits for any reason.
func (m *mux) shutdown() {
	for slot, task := range m.pending {
		if task == nil {
			continue
		}
		switch t := task.(type) {
		case requestTask:
			close(t.reply)
		case watchSubscribeTask:
			select {
			case t.reply <- watchSubscribeResult{err: errorf(KindTransportClosed, "xenstore: multiplexer terminated")}:
			default:
			}
		case watchUnsubscribeTask:
			// No reply channel; nothing to notify.
		}
		m.pending[slot] = nil
	}
	m.taskCount = 0

	for _, sub := range m.watches {
		close(sub.events)
	}
	m.watches = make(map[uuid.UUID]watchSubscriber)
}
