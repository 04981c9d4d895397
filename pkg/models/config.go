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
	"errors"
	"time"
)

var errListenAddrRequired = errors.New("listen_addr is required")

// BrokerConfig configures the MQTT link owned by the bridge process.
type BrokerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// DatabaseConfig configures the Postgres pool backing the time-series store.
// An empty Host disables persistence and the server falls back to the
// in-memory store.
type DatabaseConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Database        string `json:"database"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	SSLMode         string `json:"ssl_mode,omitempty"`
	MaxConnections  int32  `json:"max_connections,omitempty"`
	ApplicationName string `json:"application_name,omitempty"`
}

// ServerConfig is the top-level configuration for cmd/server.
type ServerConfig struct {
	ListenAddr       string         `json:"listen_addr"`
	Broker           BrokerConfig   `json:"broker"`
	Database         DatabaseConfig `json:"database"`
	BridgeBinary     string         `json:"bridge_binary,omitempty"`
	BridgeCooldown   Duration       `json:"bridge_cooldown,omitempty"`
	BridgeMaxRestart int            `json:"bridge_max_restarts,omitempty"`
	DefaultTopics    []string       `json:"default_topics,omitempty"`
	SimulateDevices  bool           `json:"simulate_devices,omitempty"`
	SimulateInterval Duration       `json:"simulate_interval,omitempty"`
}

// Validate implements config.Validator.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	return nil
}

// Duration unmarshals from either a JSON number of nanoseconds or a Go
// duration string ("5s", "1m30s").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
		if err != nil {
			return err
		}

		*d = Duration(parsed)

		return nil
	}

	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}

	*d = Duration(ns)

	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
