/*
 * Copyright 2025 ViPower Energy.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
)

var (
	errDialRefused = errors.New("dial refused")
	errConnDropped = errors.New("connection dropped")
)

type readOutcome struct {
	data []byte
	err  error
}

// scriptedConn is a transport connection driven by the test: reads block
// until the test feeds them, writes are recorded.
type scriptedConn struct {
	reads chan readOutcome
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		reads: make(chan readOutcome, 8),
		done:  make(chan struct{}),
	}
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case out := <-c.reads:
		return websocket.TextMessage, out.data, out.err
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *scriptedConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes = append(c.writes, data)

	return nil
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *scriptedConn) dropWith(err error) {
	c.reads <- readOutcome{err: err}
}

func (c *scriptedConn) deliver(data []byte) {
	c.reads <- readOutcome{data: data}
}

func (c *scriptedConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.writes))
	copy(out, c.writes)

	return out
}

// eventLog records everything the worker emits.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) watch(events <-chan Event) {
	go func() {
		for evt := range events {
			l.mu.Lock()
			l.events = append(l.events, evt)
			l.mu.Unlock()
		}
	}()
}

func (l *eventLog) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string

	for _, e := range l.events {
		if e.Kind == KindStatus {
			out = append(out, e.Status)
		}
	}

	return out
}

func (l *eventLog) errorReasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string

	for _, e := range l.events {
		if e.Kind == KindError {
			out = append(out, e.Reason)
		}
	}

	return out
}

func (l *eventLog) lastStatus() string {
	statuses := l.statuses()
	if len(statuses) == 0 {
		return ""
	}

	return statuses[len(statuses)-1]
}

func (l *eventLog) countStatus(status string) int {
	n := 0

	for _, s := range l.statuses() {
		if s == status {
			n++
		}
	}

	return n
}

func (l *eventLog) hasErrorReason(reason string) bool {
	for _, r := range l.errorReasons() {
		if r == reason {
			return true
		}
	}

	return false
}

const testTick = 5 * time.Millisecond

func TestWorkerReconnectsAfterUnexpectedClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := []*scriptedConn{newScriptedConn(), newScriptedConn()}

	var (
		dialMu sync.Mutex
		dials  int
	)

	w := NewWorker(WorkerConfig{URL: "ws://test/ws", ReconnectDelay: testTick}, logger.NewTestLogger())
	w.SetDialFunc(func(context.Context, string) (wsConn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()

		conn := conns[dials]
		dials++

		return conn, nil
	})

	log := &eventLog{}
	log.watch(w.Events())

	w.Start(ctx)
	w.Init()

	assert.Eventually(t, func() bool {
		return log.lastStatus() == StatusConnected
	}, time.Second, testTick)

	conns[0].dropWith(errConnDropped)

	// One disconnect, one reconnect attempt, then connected again.
	assert.Eventually(t, func() bool {
		return log.countStatus(StatusConnected) == 2
	}, time.Second, testTick)

	assert.Equal(t, 1, log.countStatus(StatusReconnecting))

	// The attempt counter resets on a successful open.
	st, err := w.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Zero(t, st.ReconnectAttempts)
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		dialMu  sync.Mutex
		dials   int
		healthy bool
	)

	conn := newScriptedConn()

	w := NewWorker(WorkerConfig{
		URL:                  "ws://test/ws",
		ReconnectDelay:       testTick,
		MaxReconnectAttempts: 3,
	}, logger.NewTestLogger())

	w.SetDialFunc(func(context.Context, string) (wsConn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()

		dials++

		if !healthy {
			return nil, errDialRefused
		}

		return conn, nil
	})

	log := &eventLog{}
	log.watch(w.Events())

	w.Start(ctx)
	w.Init()

	assert.Eventually(t, func() bool {
		return log.hasErrorReason(ErrReasonMaxAttemptsReached)
	}, time.Second, testTick)

	// Init + 3 retries, then nothing: the worker is halted, not polling.
	dialMu.Lock()
	assert.Equal(t, 4, dials)
	healthy = true
	dialMu.Unlock()

	time.Sleep(5 * testTick)

	dialMu.Lock()
	assert.Equal(t, 4, dials)
	dialMu.Unlock()

	// An explicit reconnect command is the only way back.
	w.Reconnect()

	assert.Eventually(t, func() bool {
		return log.lastStatus() == StatusConnected
	}, time.Second, testTick)
}

func TestWorkerExplicitCloseSuppressesReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		dialMu sync.Mutex
		dials  int
	)

	w := NewWorker(WorkerConfig{URL: "ws://test/ws", ReconnectDelay: testTick}, logger.NewTestLogger())
	w.SetDialFunc(func(context.Context, string) (wsConn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()

		dials++

		return newScriptedConn(), nil
	})

	log := &eventLog{}
	log.watch(w.Events())

	w.Start(ctx)
	w.Init()

	assert.Eventually(t, func() bool {
		return log.lastStatus() == StatusConnected
	}, time.Second, testTick)

	w.Close()

	assert.Eventually(t, func() bool {
		return log.lastStatus() == StatusDisconnected
	}, time.Second, testTick)

	time.Sleep(5 * testTick)

	assert.Zero(t, log.countStatus(StatusReconnecting))

	dialMu.Lock()
	defer dialMu.Unlock()
	assert.Equal(t, 1, dials)
}

func TestWorkerSendWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker(WorkerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())

	log := &eventLog{}
	log.watch(w.Events())

	w.Start(ctx)
	w.Send([]byte("hello"))

	// No panic, no send; just an error event.
	assert.Eventually(t, func() bool {
		return log.hasErrorReason(ErrReasonNotConnected)
	}, time.Second, testTick)
}

func TestWorkerDeliversMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newScriptedConn()

	w := NewWorker(WorkerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())
	w.SetDialFunc(func(context.Context, string) (wsConn, error) { return conn, nil })

	log := &eventLog{}
	log.watch(w.Events())

	w.Start(ctx)
	w.Init()

	assert.Eventually(t, func() bool {
		return log.lastStatus() == StatusConnected
	}, time.Second, testTick)

	conn.deliver([]byte(`{"type":"PONG"}`))

	assert.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()

		for _, e := range log.events {
			if e.Kind == KindMessage && string(e.Payload) == `{"type":"PONG"}` {
				return true
			}
		}

		return false
	}, time.Second, testTick)

	w.Send([]byte(`{"type":"PING"}`))

	assert.Eventually(t, func() bool {
		return len(conn.written()) == 1
	}, time.Second, testTick)
}
