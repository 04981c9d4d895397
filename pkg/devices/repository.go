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

// Package devices manages the device catalog, display groups, and alerts,
// and keeps the per-device time-series partitions in lockstep with device
// lifecycle: create makes a partition, an id change renames it, delete
// drops it.
package devices

import (
	"context"
	"errors"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

var (
	// ErrDeviceNotFound is returned for operations on unknown device ids.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceExists is returned when a create or rename collides.
	ErrDeviceExists = errors.New("device already exists")
	// ErrEmptyDeviceID rejects catalog operations without a device id.
	ErrEmptyDeviceID = errors.New("device id must not be empty")
)

// Repository persists the device catalog. Implementations: PostgresRepo for
// production, MemoryRepo when the server runs without a database.
type Repository interface {
	InsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	UpdateDevice(ctx context.Context, d *models.Device) error
	RenameDevice(ctx context.Context, oldID, newID string) error
	DeleteDevice(ctx context.Context, deviceID string) error

	InsertDisplayGroup(ctx context.Context, g *models.DisplayGroup) error
	ListDisplayGroups(ctx context.Context) ([]models.DisplayGroup, error)

	InsertAlert(ctx context.Context, a *models.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, id string) error
}
