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
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

// Manager event names, passed to On/Off.
const (
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventReconnecting       = "reconnecting"
	EventError              = "error"
	EventPong               = "pong"
	EventSessionEstablished = "client_init_response"
	EventTelemetry          = "mqtt_data"
	EventBridgeStatus       = "mqtt_status"
	EventAnyMessage         = "message"
)

const defaultPingInterval = 30 * time.Second

// Callback handles one manager event. Payload is the decoded server frame
// for message-derived events and nil for pure status events.
type Callback func(payload interface{})

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	URL                  string
	AuthToken            string
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// AutoRequestData asks for the initial data snapshot as soon as the
	// handshake is acknowledged.
	AutoRequestData bool

	// RequestCategories limits which categories AutoRequestData asks for.
	// Nil requests everything.
	RequestCategories map[string]bool
}

// Manager sits on top of a Worker: it performs the handshake, keeps the
// connection alive, tracks session state, and fans inbound frames out to
// registered callbacks.
type Manager struct {
	cfg    ManagerConfig
	logger logger.Logger
	worker *Worker

	clientID string

	mu        sync.Mutex
	connected bool
	session   map[string]string
	handlers  map[string]map[int]Callback
	nextID    int
	pingStop  chan struct{}
	destroyed bool
}

// NewManager creates a manager and its transport worker.
func NewManager(cfg ManagerConfig, log logger.Logger) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	worker := NewWorker(WorkerConfig{
		URL:                  cfg.URL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, log)

	return &Manager{
		cfg:      cfg,
		logger:   log,
		worker:   worker,
		clientID: uuid.New().String(),
		session:  make(map[string]string),
		handlers: make(map[string]map[int]Callback),
	}
}

// Worker exposes the underlying transport worker.
func (m *Manager) Worker() *Worker {
	return m.worker
}

// ClientID returns the stable client identity sent during the handshake.
func (m *Manager) ClientID() string {
	return m.clientID
}

// Connect starts the worker and opens the transport. The manager's event
// pump runs until ctx is canceled or Destroy is called.
func (m *Manager) Connect(ctx context.Context) {
	m.worker.Start(ctx)

	go m.pump(ctx)

	m.worker.Init()
}

// On registers a callback for a named event and returns a token for Off.
func (m *Manager) On(event string, cb Callback) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID

	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Callback)
	}

	m.handlers[event][id] = cb

	return id
}

// Off removes a callback previously registered with On. Unknown tokens are
// ignored.
func (m *Manager) Off(event string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cbs, ok := m.handlers[event]; ok {
		delete(cbs, id)
	}
}

// Session returns a copy of the session fields received from the server.
func (m *Manager) Session() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.session))
	for k, v := range m.session {
		out[k] = v
	}

	return out
}

// Connected reports whether the transport is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

// Status queries the transport worker directly.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	return m.worker.Status(ctx)
}

// SendMessage marshals and sends one typed frame, reporting whether the
// send was attempted. A false return means the transport is down; the
// caller decides whether to queue or drop.
func (m *Manager) SendMessage(msgType string, payload interface{}) bool {
	if !m.Connected() {
		m.logger.Debug().Str("type", msgType).Msg("Send skipped, transport down")
		return false
	}

	data, err := json.Marshal(&models.Envelope{
		Type:      msgType,
		Payload:   mustRaw(payload),
		Timestamp: time.Now(),
	})
	if err != nil {
		m.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal frame")
		return false
	}

	m.worker.Send(data)

	return true
}

// RequestInitialData asks the server for its data snapshot. A nil request
// map asks for every category.
func (m *Manager) RequestInitialData(categories map[string]bool) bool {
	return m.SendMessage(models.TypeGetInitialData, &models.InitialDataRequest{
		ClientID: m.clientID,
		Request:  categories,
	})
}

// RequestHistory asks for a device's sample history.
func (m *Manager) RequestHistory(req *models.HistoryRequest) bool {
	return m.SendMessage(models.TypeRequestHistoryData, req)
}

// SubscribeToTopic forwards a broker subscription through the server.
func (m *Manager) SubscribeToTopic(topic string) bool {
	return m.SendMessage(models.TypeMQTTSubscribe, &models.TopicRequest{Topic: topic})
}

// UnsubscribeFromTopic drops a broker subscription through the server.
func (m *Manager) UnsubscribeFromTopic(topic string) bool {
	return m.SendMessage(models.TypeMQTTUnsubscribe, &models.TopicRequest{Topic: topic})
}

// PublishToTopic forwards a broker publish through the server. The ack
// arrives later as an MQTT_PUBLISH_ACK event carrying messageID.
func (m *Manager) PublishToTopic(topic string, message json.RawMessage, messageID string) bool {
	return m.SendMessage(models.TypeMQTTPublish, &models.TopicRequest{
		Topic:     topic,
		Message:   message,
		MessageID: messageID,
	})
}

// Reconnect resets the transport's attempt budget and redials.
func (m *Manager) Reconnect() {
	m.worker.Reconnect()
}

// Destroy tears the manager down: keep-alive stopped, transport closed,
// callbacks cleared. Each step is guarded independently so one failure
// never blocks the rest.
func (m *Manager) Destroy() {
	m.mu.Lock()

	if m.destroyed {
		m.mu.Unlock()
		return
	}

	m.destroyed = true
	m.stopKeepaliveLocked()
	m.handlers = make(map[string]map[int]Callback)
	m.connected = false
	m.mu.Unlock()

	m.worker.Close()

	m.logger.Info().Msg("Connection manager destroyed")
}

// pump translates worker events into manager behavior and callbacks.
func (m *Manager) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-m.worker.Events():
			m.handleWorkerEvent(evt)
		}
	}
}

func (m *Manager) handleWorkerEvent(evt Event) {
	switch evt.Kind {
	case KindStatus:
		m.handleStatus(evt)

	case KindMessage:
		m.handleFrame(evt.Payload)

	case KindError:
		m.logger.Warn().Str("reason", evt.Reason).Msg("Transport error")
		m.trigger(EventError, evt.Reason)
	}
}

func (m *Manager) handleStatus(evt Event) {
	switch evt.Status {
	case StatusConnected:
		m.mu.Lock()
		m.connected = true
		m.startKeepaliveLocked()
		m.mu.Unlock()

		m.sendClientInit()
		m.trigger(EventConnected, nil)

	case StatusDisconnected:
		m.mu.Lock()
		m.connected = false
		m.stopKeepaliveLocked()
		m.mu.Unlock()

		m.trigger(EventDisconnected, evt.Reason)

	case StatusReconnecting:
		m.trigger(EventReconnecting, evt.Attempt)
	}
}

func (m *Manager) sendClientInit() {
	init := &models.ClientInit{
		ClientID:  m.clientID,
		Timestamp: time.Now(),
		AuthToken: m.cfg.AuthToken,
	}

	data, err := json.Marshal(&models.Envelope{
		Type:      models.TypeClientInit,
		Payload:   mustRaw(init),
		Timestamp: time.Now(),
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to marshal handshake")
		return
	}

	m.worker.Send(data)
}

// handleFrame decodes one server frame and dispatches it by type. Every
// frame also fires the catch-all message event.
func (m *Manager) handleFrame(raw []byte) {
	var env models.Envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn().Err(err).Msg("Dropping malformed server frame")
		return
	}

	switch env.Type {
	case models.TypeClientInitResponse:
		var resp models.ClientInitResponse

		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			m.logger.Warn().Err(err).Msg("Malformed handshake response")
			return
		}

		m.mergeSession(&resp)

		if m.cfg.AutoRequestData {
			m.RequestInitialData(m.cfg.RequestCategories)
		}

		m.trigger(EventSessionEstablished, &resp)

	case models.TypePong:
		m.trigger(EventPong, env.Payload)

	default:
		m.trigger(env.Type, env.Payload)
	}

	m.trigger(EventAnyMessage, &env)
}

// mergeSession merges server-provided session fields into local state
// rather than replacing it, so fields from earlier handshakes survive a
// reconnect.
func (m *Manager) mergeSession(resp *models.ClientInitResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session["sessionId"] = resp.SessionID

	for k, v := range resp.Session {
		m.session[k] = v
	}
}

// trigger invokes every callback registered for event. Each callback runs
// inside its own recover guard: a panicking listener is logged and the
// remaining listeners still run.
func (m *Manager) trigger(event string, payload interface{}) {
	m.mu.Lock()
	cbs := make([]Callback, 0, len(m.handlers[event]))

	for _, cb := range m.handlers[event] {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		m.safeInvoke(event, cb, payload)
	}
}

func (m *Manager) safeInvoke(event string, cb Callback, payload interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error().
				Str("event", event).
				Interface("panic", rec).
				Msg("Event callback panicked")
		}
	}()

	cb(payload)
}

// startKeepaliveLocked launches the PING ticker. Caller holds m.mu.
func (m *Manager) startKeepaliveLocked() {
	if m.pingStop != nil {
		return
	}

	stop := make(chan struct{})
	m.pingStop = stop

	go func() {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.SendMessage(models.TypePing, map[string]int64{"timestamp": time.Now().UnixMilli()})
			}
		}
	}()
}

// stopKeepaliveLocked stops the PING ticker. Caller holds m.mu.
func (m *Manager) stopKeepaliveLocked() {
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
}

func mustRaw(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}

	return data
}
