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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
	"github.com/tranquoctrung1/vi-power/pkg/timeseries"
)

const (
	// recentSamplesPerDevice bounds the in-memory ring served to clients on
	// connect; history beyond it comes from the time-series store.
	recentSamplesPerDevice = 20

	snapshotTimeout = 5 * time.Second
)

// Service is the device catalog plus its side effects: every catalog
// mutation keeps the device's time-series partition in lockstep.
type Service struct {
	repo   Repository
	ts     timeseries.Store
	logger logger.Logger

	recentMu sync.RWMutex
	recent   map[string][]models.EnergySample
}

// NewService wires a catalog repository to a time-series store.
func NewService(repo Repository, ts timeseries.Store, log logger.Logger) *Service {
	return &Service{
		repo:   repo,
		ts:     ts,
		logger: log,
		recent: make(map[string][]models.EnergySample),
	}
}

// CreateDevice registers a device and creates its telemetry partition. The
// partition create is idempotent, so retrying after a partial failure is
// safe.
func (s *Service) CreateDevice(ctx context.Context, d *models.Device) error {
	if d.DeviceID == "" {
		return ErrEmptyDeviceID
	}

	if d.Status == "" {
		d.Status = models.DeviceStatusActive
	}

	if err := s.repo.InsertDevice(ctx, d); err != nil {
		return err
	}

	if err := s.ts.CreatePartition(ctx, d.DeviceID); err != nil {
		return fmt.Errorf("device registered but partition creation failed: %w", err)
	}

	s.logger.Info().Str("device_id", d.DeviceID).Msg("Device created")

	return nil
}

// ChangeDeviceID renames a device and its partition together. The catalog
// rename goes first; a partition rename failure is surfaced so the caller
// can retry, while a missing source partition is tolerated.
func (s *Service) ChangeDeviceID(ctx context.Context, oldID, newID string) error {
	if oldID == "" || newID == "" {
		return ErrEmptyDeviceID
	}

	if err := s.repo.RenameDevice(ctx, oldID, newID); err != nil {
		return err
	}

	if err := s.ts.RenamePartition(ctx, oldID, newID); err != nil {
		return fmt.Errorf("device renamed but partition rename failed: %w", err)
	}

	s.moveRecent(oldID, newID)

	s.logger.Info().Str("old_id", oldID).Str("new_id", newID).Msg("Device id changed")

	return nil
}

// DeleteDevice removes a device. The partition drop is best effort: a
// failure there is logged but never blocks catalog deletion.
func (s *Service) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := s.repo.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}

	if err := s.ts.DropPartition(ctx, deviceID); err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Partition drop failed")
	}

	s.recentMu.Lock()
	delete(s.recent, deviceID)
	s.recentMu.Unlock()

	s.logger.Info().Str("device_id", deviceID).Msg("Device deleted")

	return nil
}

// UpdateDevice updates mutable fields. Id changes go through ChangeDeviceID.
func (s *Service) UpdateDevice(ctx context.Context, d *models.Device) error {
	return s.repo.UpdateDevice(ctx, d)
}

// GetDevice looks up one device.
func (s *Service) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	return s.repo.GetDevice(ctx, deviceID)
}

// ListDevices returns the full catalog.
func (s *Service) ListDevices(ctx context.Context) ([]models.Device, error) {
	return s.repo.ListDevices(ctx)
}

// CreateDisplayGroup upserts a dashboard group.
func (s *Service) CreateDisplayGroup(ctx context.Context, g *models.DisplayGroup) error {
	return s.repo.InsertDisplayGroup(ctx, g)
}

// RecordAlert persists an alert.
func (s *Service) RecordAlert(ctx context.Context, a *models.Alert) error {
	return s.repo.InsertAlert(ctx, a)
}

// ResolveAlert marks an alert resolved.
func (s *Service) ResolveAlert(ctx context.Context, id string) error {
	return s.repo.ResolveAlert(ctx, id)
}

// RecordSample appends a sample to the device partition and the in-memory
// recent ring. Samples for devices without a partition are cached but not
// persisted; unprovisioned devices publishing telemetry is routine during
// commissioning.
func (s *Service) RecordSample(ctx context.Context, sample *models.EnergySample) error {
	s.cacheRecent(sample)

	err := s.ts.AppendSample(ctx, sample.DeviceID, sample)
	if err != nil {
		if errors.Is(err, timeseries.ErrPartitionNotFound) {
			s.logger.Debug().
				Str("device_id", sample.DeviceID).
				Msg("Sample for unprovisioned device, not persisted")

			return nil
		}

		return fmt.Errorf("failed to record sample: %w", err)
	}

	return nil
}

// Stats aggregates a device's samples over a time range.
func (s *Service) Stats(ctx context.Context, deviceID string, start, end time.Time) (*models.EnergyStats, error) {
	return s.ts.Stats(ctx, deviceID, start, end)
}

// PruneHistory deletes samples older than cutoff for every cataloged
// device, returning the total rows removed.
func (s *Service) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return 0, err
	}

	var total int64

	for _, d := range devices {
		n, err := s.ts.DeleteOlderThan(ctx, d.DeviceID, cutoff)
		if err != nil {
			if errors.Is(err, timeseries.ErrPartitionNotFound) {
				continue
			}

			return total, fmt.Errorf("retention prune failed for %s: %w", d.DeviceID, err)
		}

		total += n
	}

	return total, nil
}

func (s *Service) cacheRecent(sample *models.EnergySample) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	ring := append(s.recent[sample.DeviceID], *sample)
	if len(ring) > recentSamplesPerDevice {
		ring = ring[len(ring)-recentSamplesPerDevice:]
	}

	s.recent[sample.DeviceID] = ring
}

func (s *Service) moveRecent(oldID, newID string) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	if ring, ok := s.recent[oldID]; ok {
		delete(s.recent, oldID)
		s.recent[newID] = ring
	}
}

// --- registry.SnapshotProvider ---

// DisplayGroups serves the handshake snapshot.
func (s *Service) DisplayGroups() ([]models.DisplayGroup, error) {
	ctx, cancel := snapshotContext()
	defer cancel()

	return s.repo.ListDisplayGroups(ctx)
}

// Devices serves the initial-data device list.
func (s *Service) Devices() ([]models.Device, error) {
	ctx, cancel := snapshotContext()
	defer cancel()

	return s.repo.ListDevices(ctx)
}

// Alerts serves the most recent alerts.
func (s *Service) Alerts(limit int) ([]models.Alert, error) {
	ctx, cancel := snapshotContext()
	defer cancel()

	return s.repo.ListAlerts(ctx, limit)
}

// RecentSamples serves the in-memory recent ring per device.
func (s *Service) RecentSamples() (map[string][]models.EnergySample, error) {
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()

	out := make(map[string][]models.EnergySample, len(s.recent))

	for id, ring := range s.recent {
		copied := make([]models.EnergySample, len(ring))
		copy(copied, ring)
		out[id] = copied
	}

	return out, nil
}

// History serves ranged sample queries from the time-series store.
func (s *Service) History(req *models.HistoryRequest) ([]models.EnergySample, error) {
	ctx, cancel := snapshotContext()
	defer cancel()

	if req.Start.IsZero() && req.End.IsZero() {
		return s.ts.Latest(ctx, req.DeviceID, req.Limit)
	}

	return s.ts.Range(ctx, req.DeviceID, req.Start, req.End, req.Limit)
}

func snapshotContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), snapshotTimeout)
}
