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

// Package timeseries manages per-device telemetry partitions: one
// append-only storage unit per device id, created on device creation,
// renamed when the device id changes, and dropped on device deletion.
package timeseries

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

var (
	// ErrPartitionNotFound is returned by reads against a device with no partition.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrPartitionConflict is returned when a rename target already exists.
	ErrPartitionConflict = errors.New("partition already exists")
	// ErrEmptyDeviceID rejects partition operations without a device id.
	ErrEmptyDeviceID = errors.New("device id must not be empty")
)

const partitionPrefix = "energy_data_"

// Store is the per-device time-series lifecycle. CreatePartition is
// idempotent; RenamePartition is a no-op when the source is missing and
// fails with ErrPartitionConflict when the target exists; DropPartition is
// best-effort cleanup. Samples are append-only.
type Store interface {
	CreatePartition(ctx context.Context, deviceID string) error
	RenamePartition(ctx context.Context, oldID, newID string) error
	DropPartition(ctx context.Context, deviceID string) error
	AppendSample(ctx context.Context, deviceID string, sample *models.EnergySample) error
	Latest(ctx context.Context, deviceID string, n int) ([]models.EnergySample, error)
	Range(ctx context.Context, deviceID string, start, end time.Time, limit int) ([]models.EnergySample, error)
	Stats(ctx context.Context, deviceID string, start, end time.Time) (*models.EnergyStats, error)
	DeleteOlderThan(ctx context.Context, deviceID string, cutoff time.Time) (int64, error)
}

// PartitionName derives the storage partition name for a device id. The
// mapping is deterministic and engine-safe: lowercased, with every run of
// characters outside [a-z0-9] collapsed to a single underscore.
func PartitionName(deviceID string) string {
	var b strings.Builder

	b.WriteString(partitionPrefix)

	lastUnderscore := false

	for _, r := range strings.ToLower(deviceID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)

			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
			}

			lastUnderscore = true
		}
	}

	return b.String()
}
