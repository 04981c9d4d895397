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

// Package registry owns the server-side session map: it accepts client
// connections, assigns session ids, and fans messages out to every live
// session. One Registry is constructed per server process and passed by
// reference to the components that need it.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

// Conn is the transport handle a session writes to. *websocket.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// session is one live client connection. Owned exclusively by the Registry
// and never shared by reference outside it.
type session struct {
	id            string
	conn          Conn
	connectedAt   time.Time
	subscriptions map[string]struct{}

	mu     sync.Mutex // serializes writes; gorilla conns allow one writer
	closed bool
}

// send writes v to the session, treating writes to closed sessions as
// no-ops. Close can race an in-flight broadcast iteration, so the send is
// guarded regardless of the registry's bookkeeping.
func (s *session) send(v interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if err := s.conn.WriteJSON(v); err != nil {
		s.closed = true
		return false
	}

	return true
}

func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// BridgeCommander forwards broker commands to the bridge process. The
// registry stays decoupled from broker protocol details behind it.
type BridgeCommander interface {
	Subscribe(topic string, qos byte) error
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Unsubscribe(topic string) error
	Connected() bool
}

// SnapshotProvider assembles the canonical data pushed to clients on
// handshake and on explicit initial-data requests.
type SnapshotProvider interface {
	DisplayGroups() ([]models.DisplayGroup, error)
	Devices() ([]models.Device, error)
	Alerts(limit int) ([]models.Alert, error)
	RecentSamples() (map[string][]models.EnergySample, error)
	History(req *models.HistoryRequest) ([]models.EnergySample, error)
}

// Registry is the server session registry.
type Registry struct {
	logger    logger.Logger
	bridge    BridgeCommander
	snapshots SnapshotProvider

	mu       sync.RWMutex
	sessions map[string]*session

	statusMu     sync.Mutex
	bridgeStatus *models.BridgeStatus
}

// New creates an empty registry. Bridge and snapshot provider are attached
// after construction because they are built in dependency order at startup.
func New(log logger.Logger) *Registry {
	return &Registry{
		logger:   log,
		sessions: make(map[string]*session),
	}
}

// SetBridge attaches the bridge commander.
func (r *Registry) SetBridge(bridge BridgeCommander) {
	r.bridge = bridge
}

// SetSnapshotProvider attaches the initial-data source.
func (r *Registry) SetSnapshotProvider(p SnapshotProvider) {
	r.snapshots = p
}

// Register adds a connection and returns its session id. If the bridge
// status is already known the new session receives it immediately: late
// joiners get current state, not historical messages.
func (r *Registry) Register(conn Conn) string {
	s := &session{
		id:            uuid.New().String(),
		conn:          conn,
		connectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.Info().Str("session_id", s.id).Msg("Session registered")

	if status := r.currentBridgeStatus(); status != nil {
		s.send(frame(models.TypeMQTTStatus, status))
	}

	return s.id
}

// Remove drops a session. Removal is synchronous with the close event so a
// removed session is never targeted by subsequent broadcasts.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	s.markClosed()

	if err := s.conn.Close(); err != nil {
		r.logger.Debug().Err(err).Str("session_id", id).Msg("Close on removed session")
	}

	r.logger.Info().Str("session_id", id).Msg("Session removed")
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Broadcast sends msg to every open session and returns the count actually
// sent. The count is advisory, not a delivery guarantee; sessions in any
// non-open state are silently skipped. The session list is snapshotted
// before iterating so removal during the loop is safe.
func (r *Registry) Broadcast(msg interface{}) int {
	r.mu.RLock()
	snapshot := make([]*session, 0, len(r.sessions))

	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	sent := 0

	var dead []string

	for _, s := range snapshot {
		if s.send(msg) {
			sent++
		} else if s.isClosed() {
			dead = append(dead, s.id)
		}
	}

	for _, id := range dead {
		r.Remove(id)
	}

	return sent
}

// SendTo sends msg to one session, reporting whether the write happened.
func (r *Registry) SendTo(id string, msg interface{}) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	return s.send(msg)
}

// SetBridgeStatus records the bridge state and broadcasts it to all
// sessions. The stored status is replayed to late joiners on Register.
func (r *Registry) SetBridgeStatus(status models.BridgeStatus) {
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	r.statusMu.Lock()
	r.bridgeStatus = &status
	r.statusMu.Unlock()

	r.Broadcast(frame(models.TypeMQTTStatus, &status))
}

func (r *Registry) currentBridgeStatus() *models.BridgeStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	return r.bridgeStatus
}

// outbound is the server-to-client wire frame.
type outbound struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func frame(msgType string, payload interface{}) *outbound {
	return &outbound{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
