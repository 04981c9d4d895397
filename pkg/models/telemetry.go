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

// Package models defines the shared data types for the ViPower telemetry pipeline.
package models

import "time"

// EnergySample is a single telemetry reading for one device. Samples are
// immutable once created: they are appended to the device partition and
// broadcast, never updated.
type EnergySample struct {
	DeviceID   string    `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	CurrentI1  float64   `json:"currentI1"`
	CurrentI2  float64   `json:"currentI2"`
	CurrentI3  float64   `json:"currentI3"`
	VoltageV1N float64   `json:"voltageV1N"`
	VoltageV2N float64   `json:"voltageV2N"`
	VoltageV3N float64   `json:"voltageV3N"`
	VoltageV12 float64   `json:"voltageV12"`
	VoltageV23 float64   `json:"voltageV23"`
	VoltageV31 float64   `json:"voltageV31"`
	Power      float64   `json:"power"`
	NetPower   float64   `json:"netpower"`
}

// EnergyStats aggregates a time range of samples for one device. Sums and
// averages default to zero when the range is empty.
type EnergyStats struct {
	AvgCurrentI1  float64 `json:"avgCurrentI1"`
	AvgCurrentI2  float64 `json:"avgCurrentI2"`
	AvgCurrentI3  float64 `json:"avgCurrentI3"`
	AvgVoltageV1N float64 `json:"avgVoltageV1N"`
	AvgVoltageV2N float64 `json:"avgVoltageV2N"`
	AvgVoltageV3N float64 `json:"avgVoltageV3N"`
	MaxPower      float64 `json:"maxPower"`
	MinPower      float64 `json:"minPower"`
	AvgPower      float64 `json:"avgPower"`
	TotalNetPower float64 `json:"totalNetPower"`
	Count         int64   `json:"count"`
}

// AlertSeverity mirrors the dashboard color coding.
type AlertSeverity string

const (
	AlertSeverityRed    AlertSeverity = "red"
	AlertSeverityOrange AlertSeverity = "orange"
	AlertSeverityYellow AlertSeverity = "yellow"
)

// Alert is raised when a sample breaches a configured threshold.
type Alert struct {
	ID        string        `json:"id,omitempty"`
	DeviceID  string        `json:"deviceId"`
	AlertType string        `json:"alertType"`
	Message   string        `json:"message"`
	Severity  AlertSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Resolved  bool          `json:"resolved"`
}
