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

import "encoding/json"

// IPC between the server and the broker bridge process: newline-delimited
// JSON, commands on the bridge's stdin, events on its stdout.

// Bridge command types (server -> bridge).
const (
	BridgeCmdSubscribe   = "subscribe"
	BridgeCmdPublish     = "publish"
	BridgeCmdUnsubscribe = "unsubscribe"
	BridgeCmdDisconnect  = "disconnect"
)

// Bridge event types (bridge -> server).
const (
	BridgeEvtConnected    = "mqtt_connected"
	BridgeEvtDisconnected = "mqtt_disconnected"
	BridgeEvtError        = "mqtt_error"
	BridgeEvtMessage      = "mqtt_message"
)

// BridgeOptions carries broker QoS/retain options for subscribe and publish.
type BridgeOptions struct {
	QoS    byte `json:"qos"`
	Retain bool `json:"retain,omitempty"`
}

// BridgeCommand is one command frame on the bridge's stdin.
type BridgeCommand struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Options *BridgeOptions  `json:"options,omitempty"`
}

// BridgeEvent is one event frame on the bridge's stdout. Sample is set on
// mqtt_message events whose payload normalized into an EnergySample.
type BridgeEvent struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sample  *EnergySample   `json:"sample,omitempty"`
	Error   string          `json:"error,omitempty"`
}
