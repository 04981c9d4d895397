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

import "time"

// DeviceStatus enumerates the lifecycle states of a field device.
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusInactive DeviceStatus = "inactive"
	DeviceStatusPaused   DeviceStatus = "paused"
)

// Device is a field unit (pump, transformer, PLC) publishing telemetry.
// DeviceID is the stable external key; the time-series partition name is
// derived from it, so id changes drive a partition rename.
type Device struct {
	DeviceID       string       `json:"deviceId"`
	DisplayGroupID string       `json:"displayGroupId"`
	Name           string       `json:"name,omitempty"`
	Status         DeviceStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
}

// DisplayGroup groups devices for dashboard layout.
type DisplayGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Devices []string `json:"devices,omitempty"`
}
