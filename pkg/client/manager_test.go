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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

func writtenTypes(t *testing.T, conn *scriptedConn) []string {
	t.Helper()

	var types []string

	for _, raw := range conn.written() {
		var env models.Envelope

		require.NoError(t, json.Unmarshal(raw, &env))
		types = append(types, env.Type)
	}

	return types
}

func hasType(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}

	return false
}

func TestManagerHandshakeAndAutoRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newScriptedConn()

	mgr := NewManager(ManagerConfig{
		URL:             "ws://test/ws",
		AutoRequestData: true,
		PingInterval:    time.Hour, // keep the ticker out of this test
	}, logger.NewTestLogger())
	mgr.Worker().SetDialFunc(func(context.Context, string) (wsConn, error) { return conn, nil })

	mgr.Connect(ctx)

	// The handshake goes out as soon as the transport opens.
	assert.Eventually(t, func() bool {
		return hasType(writtenTypes(t, conn), models.TypeClientInit)
	}, time.Second, testTick)

	ack, err := json.Marshal(map[string]interface{}{
		"type": models.TypeClientInitResponse,
		"payload": &models.ClientInitResponse{
			SessionID: "session-1",
			Session:   map[string]string{"role": "viewer"},
		},
	})
	require.NoError(t, err)

	conn.deliver(ack)

	// The ack triggers the automatic initial-data request.
	assert.Eventually(t, func() bool {
		return hasType(writtenTypes(t, conn), models.TypeGetInitialData)
	}, time.Second, testTick)

	session := mgr.Session()
	assert.Equal(t, "session-1", session["sessionId"])
	assert.Equal(t, "viewer", session["role"])
}

func TestManagerTopicSubscriptionRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newScriptedConn()

	mgr := NewManager(ManagerConfig{
		URL:          "ws://test/ws",
		PingInterval: time.Hour,
	}, logger.NewTestLogger())
	mgr.Worker().SetDialFunc(func(context.Context, string) (wsConn, error) { return conn, nil })

	mgr.Connect(ctx)

	assert.Eventually(t, func() bool {
		return hasType(writtenTypes(t, conn), models.TypeClientInit)
	}, time.Second, testTick)

	assert.True(t, mgr.SubscribeToTopic("plant/pump1"))
	assert.True(t, mgr.UnsubscribeFromTopic("plant/pump1"))

	assert.Eventually(t, func() bool {
		types := writtenTypes(t, conn)
		return hasType(types, models.TypeMQTTSubscribe) && hasType(types, models.TypeMQTTUnsubscribe)
	}, time.Second, testTick)
}

func TestManagerSessionMergeSurvivesFields(t *testing.T) {
	mgr := NewManager(ManagerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())

	mgr.mergeSession(&models.ClientInitResponse{
		SessionID: "s1",
		Session:   map[string]string{"role": "viewer"},
	})
	mgr.mergeSession(&models.ClientInitResponse{SessionID: "s2"})

	session := mgr.Session()
	assert.Equal(t, "s2", session["sessionId"])
	assert.Equal(t, "viewer", session["role"], "earlier fields survive a re-handshake")
}

func TestManagerCallbackPanicIsolation(t *testing.T) {
	mgr := NewManager(ManagerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())

	var (
		mu    sync.Mutex
		calls []string
	)

	record := func(name string) Callback {
		return func(interface{}) {
			mu.Lock()
			defer mu.Unlock()

			calls = append(calls, name)
		}
	}

	mgr.On(EventConnected, func(interface{}) { panic("listener bug") })
	mgr.On(EventConnected, record("second"))
	mgr.On(EventConnected, record("third"))

	// Must not panic, and the remaining listeners still run.
	require.NotPanics(t, func() { mgr.trigger(EventConnected, nil) })

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"second", "third"}, calls)
}

func TestManagerOffRemovesCallback(t *testing.T) {
	mgr := NewManager(ManagerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())

	var (
		mu    sync.Mutex
		fired int
	)

	id := mgr.On(EventPong, func(interface{}) {
		mu.Lock()
		defer mu.Unlock()

		fired++
	})

	mgr.trigger(EventPong, nil)
	mgr.Off(EventPong, id)
	mgr.trigger(EventPong, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)

	// Unknown tokens are ignored.
	mgr.Off(EventPong, 999)
	mgr.Off("no_such_event", id)
}

func TestManagerSendWhileDisconnected(t *testing.T) {
	mgr := NewManager(ManagerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())

	assert.False(t, mgr.SendMessage(models.TypePing, nil))
}

func TestManagerUnknownFrameFiresNamedEvent(t *testing.T) {
	mgr := NewManager(ManagerConfig{URL: "ws://test/ws"}, logger.NewTestLogger())

	var (
		mu       sync.Mutex
		named    int
		catchAll int
	)

	mgr.On(models.TypeDeviceData, func(interface{}) {
		mu.Lock()
		defer mu.Unlock()

		named++
	})
	mgr.On(EventAnyMessage, func(interface{}) {
		mu.Lock()
		defer mu.Unlock()

		catchAll++
	})

	mgr.handleFrame([]byte(`{"type":"device_data","payload":[]}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, named)
	assert.Equal(t, 1, catchAll)
}

func TestManagerDestroyIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newScriptedConn()

	mgr := NewManager(ManagerConfig{URL: "ws://test/ws", PingInterval: time.Hour}, logger.NewTestLogger())
	mgr.Worker().SetDialFunc(func(context.Context, string) (wsConn, error) { return conn, nil })

	mgr.Connect(ctx)

	assert.Eventually(t, mgr.Connected, time.Second, testTick)

	require.NotPanics(t, func() {
		mgr.Destroy()
		mgr.Destroy()
	})

	assert.False(t, mgr.Connected())
}
