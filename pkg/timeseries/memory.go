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

package timeseries

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

// MemoryStore implements Store without external storage. It backs
// development mode when no database is configured and keeps the partition
// lifecycle semantics independent of any engine's naming rules.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string][]models.EnergySample
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string][]models.EnergySample)}
}

func (m *MemoryStore) CreatePartition(_ context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := PartitionName(deviceID)
	if _, ok := m.partitions[name]; !ok {
		m.partitions[name] = nil
	}

	return nil
}

func (m *MemoryStore) RenamePartition(_ context.Context, oldID, newID string) error {
	if oldID == "" || newID == "" {
		return ErrEmptyDeviceID
	}

	oldName := PartitionName(oldID)
	newName := PartitionName(newID)

	if oldName == newName {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.partitions[newName]; ok {
		return fmt.Errorf("%w: %s", ErrPartitionConflict, newName)
	}

	samples, ok := m.partitions[oldName]
	if !ok {
		return nil
	}

	m.partitions[newName] = samples
	delete(m.partitions, oldName)

	return nil
}

func (m *MemoryStore) DropPartition(_ context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.partitions, PartitionName(deviceID))

	return nil
}

func (m *MemoryStore) AppendSample(_ context.Context, deviceID string, sample *models.EnergySample) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := PartitionName(deviceID)
	if _, ok := m.partitions[name]; !ok {
		return ErrPartitionNotFound
	}

	stored := *sample
	if stored.Timestamp.IsZero() {
		stored.Timestamp = nowUTC()
	}

	m.partitions[name] = append(m.partitions[name], stored)

	return nil
}

func (m *MemoryStore) Latest(_ context.Context, deviceID string, n int) ([]models.EnergySample, error) {
	if n <= 0 {
		n = 1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	samples, ok := m.partitions[PartitionName(deviceID)]
	if !ok {
		return nil, ErrPartitionNotFound
	}

	sorted := sortedDesc(samples)
	if len(sorted) > n {
		sorted = sorted[:n]
	}

	return sorted, nil
}

func (m *MemoryStore) Range(_ context.Context, deviceID string, start, end time.Time, limit int) ([]models.EnergySample, error) {
	if limit <= 0 {
		limit = 1000
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	samples, ok := m.partitions[PartitionName(deviceID)]
	if !ok {
		return nil, ErrPartitionNotFound
	}

	var matched []models.EnergySample

	for _, s := range samples {
		if !s.Timestamp.Before(start) && !s.Timestamp.After(end) {
			matched = append(matched, s)
		}
	}

	matched = sortedDesc(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (m *MemoryStore) Stats(ctx context.Context, deviceID string, start, end time.Time) (*models.EnergyStats, error) {
	matched, err := m.Range(ctx, deviceID, start, end, len(m.snapshot(deviceID))+1)
	if err != nil {
		return nil, err
	}

	// Accumulators start at zero so empty ranges aggregate cleanly.
	st := &models.EnergyStats{}

	for i, s := range matched {
		st.AvgCurrentI1 += s.CurrentI1
		st.AvgCurrentI2 += s.CurrentI2
		st.AvgCurrentI3 += s.CurrentI3
		st.AvgVoltageV1N += s.VoltageV1N
		st.AvgVoltageV2N += s.VoltageV2N
		st.AvgVoltageV3N += s.VoltageV3N
		st.AvgPower += s.Power
		st.TotalNetPower += s.NetPower

		if i == 0 || s.Power > st.MaxPower {
			st.MaxPower = s.Power
		}

		if i == 0 || s.Power < st.MinPower {
			st.MinPower = s.Power
		}
	}

	st.Count = int64(len(matched))

	if st.Count > 0 {
		n := float64(st.Count)
		st.AvgCurrentI1 /= n
		st.AvgCurrentI2 /= n
		st.AvgCurrentI3 /= n
		st.AvgVoltageV1N /= n
		st.AvgVoltageV2N /= n
		st.AvgVoltageV3N /= n
		st.AvgPower /= n
	}

	return st, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, deviceID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := PartitionName(deviceID)

	samples, ok := m.partitions[name]
	if !ok {
		return 0, ErrPartitionNotFound
	}

	var kept []models.EnergySample

	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}

	removed := int64(len(samples) - len(kept))
	m.partitions[name] = kept

	return removed, nil
}

func (m *MemoryStore) snapshot(deviceID string) []models.EnergySample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.partitions[PartitionName(deviceID)]
}

func sortedDesc(samples []models.EnergySample) []models.EnergySample {
	out := make([]models.EnergySample, len(samples))
	copy(out, samples)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	return out
}
