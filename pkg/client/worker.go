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

// Package client is the Go client for the ViPower telemetry server: a
// TransportWorker goroutine owning the socket with bounded fixed-delay
// reconnection, and a ConnectionManager exposing a typed event interface
// on top of it.
package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
)

// Transport status values carried by status events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusReconnecting = "reconnecting"
)

// Worker error reasons.
const (
	ErrReasonNotConnected       = "not_connected"
	ErrReasonMaxAttemptsReached = "max_attempts_reached"
	ErrReasonConnectFailed      = "connect_failed"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultMaxReconnects  = 10

	eventBuffer   = 256
	commandBuffer = 16
)

// EventKind discriminates worker events.
type EventKind int

const (
	KindStatus EventKind = iota
	KindMessage
	KindError
)

// Event is one notification from the worker to its owner.
type Event struct {
	Kind    EventKind
	Status  string // status events
	Attempt int    // status events while reconnecting
	Reason  string // close reason or error reason
	Payload []byte // message events
}

// Status is the worker's answer to a status query.
type Status struct {
	Connected         bool
	Reconnecting      bool
	ReconnectAttempts int
	ExplicitClose     bool
	URL               string
}

type commandKind int

const (
	cmdInit commandKind = iota
	cmdSend
	cmdClose
	cmdReconnect
	cmdStatus
)

type command struct {
	kind    commandKind
	payload []byte
	reply   chan Status
}

// wsConn is the subset of *websocket.Conn the worker needs; tests
// substitute fakes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a transport connection.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// WorkerConfig configures the transport worker.
type WorkerConfig struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

type readResult struct {
	conn    wsConn // identifies which connection produced this
	payload []byte
	err     error
}

// Worker owns the socket. It runs as its own goroutine, accepts commands,
// and emits events; it holds no business state beyond socket plumbing.
type Worker struct {
	cfg    WorkerConfig
	logger logger.Logger
	dial   DialFunc

	commands chan command
	events   chan Event

	// run-loop state, touched only by the run goroutine
	conn          wsConn
	connected     bool
	attempts      int
	explicitClose bool
	reads         chan readResult
	retryAt       <-chan time.Time
}

// NewWorker creates a worker. Start must be called before any command.
func NewWorker(cfg WorkerConfig, log logger.Logger) *Worker {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}

	return &Worker{
		cfg:      cfg,
		logger:   log,
		dial:     gorillaDial,
		commands: make(chan command, commandBuffer),
		events:   make(chan Event, eventBuffer),
		reads:    make(chan readResult, eventBuffer),
	}
}

// SetDialFunc overrides the transport dialer. Used by tests.
func (w *Worker) SetDialFunc(dial DialFunc) {
	w.dial = dial
}

// Events is the worker's outbound event stream.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Start launches the worker's run loop.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Init asks the worker to open the transport.
func (w *Worker) Init() { w.commands <- command{kind: cmdInit} }

// Send transmits payload if the transport is open; otherwise the worker
// emits a not_connected error event instead of failing the caller.
func (w *Worker) Send(payload []byte) { w.commands <- command{kind: cmdSend, payload: payload} }

// Close shuts the transport down explicitly; no reconnection follows.
func (w *Worker) Close() { w.commands <- command{kind: cmdClose} }

// Reconnect resets the attempt budget and redials. It is the only way to
// resume after the worker has given up.
func (w *Worker) Reconnect() { w.commands <- command{kind: cmdReconnect} }

// Status reports the worker's transport state.
func (w *Worker) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)

	select {
	case w.commands <- command{kind: cmdStatus, reply: reply}:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.teardown()
			return

		case cmd := <-w.commands:
			if w.handleCommand(ctx, cmd) {
				return
			}

		case res := <-w.reads:
			if res.conn != w.conn {
				continue // stale connection
			}

			if res.err != nil {
				w.handleClosed(res.err)
				continue
			}

			w.emit(Event{Kind: KindMessage, Payload: res.payload})

		case <-w.retryAt:
			w.retryAt = nil
			w.connect(ctx)
		}
	}
}

// handleCommand applies one command, reporting true when the worker should
// exit.
func (w *Worker) handleCommand(ctx context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdInit:
		w.explicitClose = false
		w.connect(ctx)

	case cmdSend:
		if !w.connected || w.conn == nil {
			w.emit(Event{Kind: KindError, Reason: ErrReasonNotConnected})
			return false
		}

		if err := w.conn.WriteMessage(websocket.TextMessage, cmd.payload); err != nil {
			w.emit(Event{Kind: KindError, Reason: err.Error()})
			w.handleClosed(err)
		}

	case cmdClose:
		w.explicitClose = true
		w.retryAt = nil
		w.teardown()
		w.emit(Event{Kind: KindStatus, Status: StatusDisconnected, Reason: "client requested closure"})

		return true

	case cmdReconnect:
		w.explicitClose = false
		w.attempts = 0
		w.retryAt = nil
		w.connect(ctx)

	case cmdStatus:
		cmd.reply <- Status{
			Connected:         w.connected,
			Reconnecting:      w.retryAt != nil,
			ReconnectAttempts: w.attempts,
			ExplicitClose:     w.explicitClose,
			URL:               w.cfg.URL,
		}
	}

	return false
}

func (w *Worker) connect(ctx context.Context) {
	if w.explicitClose {
		return
	}

	w.teardown()

	conn, err := w.dial(ctx, w.cfg.URL)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", w.cfg.URL).Msg("Transport dial failed")
		w.emit(Event{Kind: KindError, Reason: ErrReasonConnectFailed})
		w.scheduleReconnect()

		return
	}

	w.conn = conn
	w.connected = true
	w.attempts = 0

	w.emit(Event{Kind: KindStatus, Status: StatusConnected})

	go w.readLoop(conn)
}

// readLoop feeds inbound frames into the run loop until the connection
// errors out.
func (w *Worker) readLoop(conn wsConn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			w.reads <- readResult{conn: conn, err: err}
			return
		}

		w.reads <- readResult{conn: conn, payload: payload}
	}
}

// handleClosed reacts to an unexpected close: it emits a disconnect status
// and schedules a reconnect unless the close was requested.
func (w *Worker) handleClosed(err error) {
	if w.conn == nil && !w.connected {
		return
	}

	w.teardown()
	w.emit(Event{Kind: KindStatus, Status: StatusDisconnected, Reason: err.Error()})

	if !w.explicitClose {
		w.scheduleReconnect()
	}
}

// scheduleReconnect arms the fixed-delay retry timer, emitting a terminal
// error once the attempt ceiling is reached. After that, only an explicit
// Reconnect command resumes dialing.
func (w *Worker) scheduleReconnect() {
	if w.explicitClose || w.retryAt != nil {
		return
	}

	if w.attempts >= w.cfg.MaxReconnectAttempts {
		w.logger.Error().Int("attempts", w.attempts).Msg("Max reconnection attempts reached")
		w.emit(Event{Kind: KindError, Reason: ErrReasonMaxAttemptsReached})

		return
	}

	w.attempts++
	w.emit(Event{Kind: KindStatus, Status: StatusReconnecting, Attempt: w.attempts})
	w.retryAt = time.After(w.cfg.ReconnectDelay)
}

func (w *Worker) teardown() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	w.connected = false
}

func (w *Worker) emit(evt Event) {
	select {
	case w.events <- evt:
	default:
		// The owner has stalled; better to drop than to wedge the socket
		// goroutine. Stalls are logged so they are never silent.
		w.logger.Warn().Int("kind", int(evt.Kind)).Msg("Event buffer full, dropping event")
	}
}
