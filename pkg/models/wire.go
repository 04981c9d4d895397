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

package models

import (
	"encoding/json"
	"time"
)

// Browser/server message types. Every frame is a JSON object with a required
// "type" field; unrecognized types are logged and ignored so old servers and
// new clients can coexist.
const (
	// client -> server
	TypeClientInit         = "client_init"
	TypePing               = "PING"
	TypeGetInitialData     = "get_initial_data"
	TypeRequestHistoryData = "request_history_data"
	TypeMQTTSubscribe      = "MQTT_SUBSCRIBE"
	TypeMQTTUnsubscribe    = "MQTT_UNSUBSCRIBE"
	TypeMQTTPublish        = "MQTT_PUBLISH"

	// server -> client
	TypeClientInitResponse = "client_init_response"
	TypePong               = "PONG"
	TypeDataInit           = "data_init"
	TypeDeviceData         = "device_data"
	TypeAlertData          = "alert_data"
	TypeEnergyData         = "energy_data"
	TypeMQTTStatus         = "mqtt_status"
	TypeMQTTData           = "mqtt_data"
	TypeMQTTPublishAck     = "MQTT_PUBLISH_ACK"
	TypeHistoryInserted    = "history_inserted"
	TypeError              = "error"
)

// Envelope is the wire frame for browser/server traffic. Payload carries the
// type-specific body and stays opaque until the type is dispatched.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// ClientInit is the handshake a client sends once its transport opens.
type ClientInit struct {
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
	AuthToken string    `json:"authToken,omitempty"`
}

// ClientInitResponse acknowledges the handshake and returns session fields
// the client merges into its local session state.
type ClientInitResponse struct {
	SessionID string            `json:"sessionId"`
	Session   map[string]string `json:"session,omitempty"`
}

// InitialDataRequest names the data categories the client wants pushed after
// the handshake. Every key is independently togglable; absent keys default
// to included.
type InitialDataRequest struct {
	ClientID string          `json:"clientId,omitempty"`
	Request  map[string]bool `json:"request,omitempty"`
}

// Initial-data category names.
const (
	CategoryDevices       = "devices"
	CategoryAlerts        = "alerts"
	CategoryRecentData    = "recent_data"
	CategoryDisplayGroups = "display_groups"
	CategoryUserGroups    = "user_groups"
)

// Wants reports whether a category was requested, defaulting to true for
// unspecified keys.
func (r *InitialDataRequest) Wants(category string) bool {
	if r == nil || r.Request == nil {
		return true
	}

	want, ok := r.Request[category]
	if !ok {
		return true
	}

	return want
}

// HistoryRequest asks for a time range of samples for one device.
type HistoryRequest struct {
	DeviceID string    `json:"deviceId"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// TopicRequest forwards a broker subscribe/publish request from a client.
type TopicRequest struct {
	Topic     string          `json:"topic"`
	Message   json.RawMessage `json:"message,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	QoS       byte            `json:"qos,omitempty"`
	Retain    bool            `json:"retain,omitempty"`
}

// PublishAck reports the outcome of a forwarded MQTT_PUBLISH.
type PublishAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BridgeStatus is broadcast whenever the broker bridge changes state, and
// pushed to late joiners so they see the current state on connect.
type BridgeStatus struct {
	Status    string    `json:"status"` // "connected", "disconnected", "error"
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
