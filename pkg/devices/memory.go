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

package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

// MemoryRepo is the catalog used when the server runs without a database.
// Safe for concurrent use.
type MemoryRepo struct {
	mu      sync.RWMutex
	devices map[string]models.Device
	groups  map[string]models.DisplayGroup
	alerts  []models.Alert
}

// NewMemoryRepo creates an empty in-memory catalog.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		devices: make(map[string]models.Device),
		groups:  make(map[string]models.DisplayGroup),
	}
}

func (r *MemoryRepo) InsertDevice(_ context.Context, d *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[d.DeviceID]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.DeviceID)
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	r.devices[d.DeviceID] = *d

	return nil
}

func (r *MemoryRepo) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	return &d, nil
}

func (r *MemoryRepo) ListDevices(_ context.Context) ([]models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })

	return devices, nil
}

func (r *MemoryRepo) UpdateDevice(_ context.Context, d *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[d.DeviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, d.DeviceID)
	}

	existing.DisplayGroupID = d.DisplayGroupID
	existing.Name = d.Name
	existing.Status = d.Status
	existing.UpdatedAt = time.Now().UTC()

	r.devices[d.DeviceID] = existing

	return nil
}

func (r *MemoryRepo) RenameDevice(_ context.Context, oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, oldID)
	}

	if _, ok := r.devices[newID]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, newID)
	}

	delete(r.devices, oldID)

	d.DeviceID = newID
	d.UpdatedAt = time.Now().UTC()
	r.devices[newID] = d

	return nil
}

func (r *MemoryRepo) DeleteDevice(_ context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	delete(r.devices, deviceID)

	return nil
}

func (r *MemoryRepo) InsertDisplayGroup(_ context.Context, g *models.DisplayGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.New().String()
	}

	r.groups[g.ID] = *g

	return nil
}

func (r *MemoryRepo) ListDisplayGroups(_ context.Context) ([]models.DisplayGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]models.DisplayGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	return groups, nil
}

func (r *MemoryRepo) InsertAlert(_ context.Context, a *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	r.alerts = append(r.alerts, *a)

	return nil
}

func (r *MemoryRepo) ListAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alerts := make([]models.Alert, len(r.alerts))
	copy(alerts, r.alerts)

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Timestamp.After(alerts[j].Timestamp) })

	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}

	return alerts, nil
}

func (r *MemoryRepo) ResolveAlert(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.alerts {
		if r.alerts[i].ID == id {
			r.alerts[i].Resolved = true
			return nil
		}
	}

	return fmt.Errorf("alert %q not found", id)
}
