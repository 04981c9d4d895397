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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

func sampleAt(deviceID string, ts time.Time, power float64) *models.EnergySample {
	return &models.EnergySample{
		DeviceID:  deviceID,
		Timestamp: ts,
		Power:     power,
		NetPower:  power * 0.95,
		CurrentI1: 40,
	}
}

func TestMemoryStoreCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreatePartition(ctx, "pump1"))
	require.NoError(t, store.AppendSample(ctx, "pump1", sampleAt("pump1", time.Now(), 100)))

	// Creating again must not wipe existing samples.
	require.NoError(t, store.CreatePartition(ctx, "pump1"))

	latest, err := store.Latest(ctx, "pump1", 10)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestMemoryStoreAppendRequiresPartition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.AppendSample(ctx, "ghost", sampleAt("ghost", time.Now(), 1))
	assert.ErrorIs(t, err, ErrPartitionNotFound)
}

func TestMemoryStoreEmptyDeviceID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.ErrorIs(t, store.CreatePartition(ctx, ""), ErrEmptyDeviceID)
	assert.ErrorIs(t, store.RenamePartition(ctx, "", "x"), ErrEmptyDeviceID)
	assert.ErrorIs(t, store.DropPartition(ctx, ""), ErrEmptyDeviceID)
}

func TestMemoryStoreRename(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreatePartition(ctx, "old"))
	require.NoError(t, store.AppendSample(ctx, "old", sampleAt("old", time.Now(), 250)))

	require.NoError(t, store.RenamePartition(ctx, "old", "new"))

	// History moved wholesale to the new id.
	latest, err := store.Latest(ctx, "new", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.InDelta(t, 250.0, latest[0].Power, 0.0001)

	// The old id no longer resolves.
	_, err = store.Latest(ctx, "old", 1)
	assert.ErrorIs(t, err, ErrPartitionNotFound)
}

func TestMemoryStoreRenameConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreatePartition(ctx, "a"))
	require.NoError(t, store.CreatePartition(ctx, "b"))

	assert.ErrorIs(t, store.RenamePartition(ctx, "a", "b"), ErrPartitionConflict)
}

func TestMemoryStoreRenameMissingSourceIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.NoError(t, store.RenamePartition(ctx, "missing", "target"))
}

func TestMemoryStoreLatestOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreatePartition(ctx, "pump1"))

	// Append out of order.
	require.NoError(t, store.AppendSample(ctx, "pump1", sampleAt("pump1", base.Add(2*time.Minute), 2)))
	require.NoError(t, store.AppendSample(ctx, "pump1", sampleAt("pump1", base, 0)))
	require.NoError(t, store.AppendSample(ctx, "pump1", sampleAt("pump1", base.Add(time.Minute), 1)))

	latest, err := store.Latest(ctx, "pump1", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.InDelta(t, 2.0, latest[0].Power, 0.0001)
	assert.InDelta(t, 1.0, latest[1].Power, 0.0001)
}

func TestMemoryStoreRangeInclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreatePartition(ctx, "pump1"))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendSample(ctx, "pump1",
			sampleAt("pump1", base.Add(time.Duration(i)*time.Minute), float64(i))))
	}

	got, err := store.Range(ctx, "pump1", base.Add(time.Minute), base.Add(3*time.Minute), 100)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreatePartition(ctx, "pump1"))
	require.NoError(t, store.AppendSample(ctx, "pump1", sampleAt("pump1", base, 100)))
	require.NoError(t, store.AppendSample(ctx, "pump1", sampleAt("pump1", base.Add(time.Minute), 300)))

	st, err := store.Stats(ctx, "pump1", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Count)
	assert.InDelta(t, 200.0, st.AvgPower, 0.0001)
	assert.InDelta(t, 300.0, st.MaxPower, 0.0001)
	assert.InDelta(t, 100.0, st.MinPower, 0.0001)
	assert.InDelta(t, 380.0, st.TotalNetPower, 0.0001)
}

func TestMemoryStoreStatsEmptyRangeIsZero(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreatePartition(ctx, "pump1"))

	st, err := store.Stats(ctx, "pump1", time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Zero values, never NaN or null.
	assert.Equal(t, int64(0), st.Count)
	assert.Zero(t, st.AvgPower)
	assert.Zero(t, st.TotalNetPower)
	assert.Zero(t, st.MaxPower)
}

func TestMemoryStoreDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.CreatePartition(ctx, "pump1"))

	for i := 0; i < 4; i++ {
		require.NoError(t, store.AppendSample(ctx, "pump1",
			sampleAt("pump1", base.Add(time.Duration(i)*time.Hour), float64(i))))
	}

	removed, err := store.DeleteOlderThan(ctx, "pump1", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	latest, err := store.Latest(ctx, "pump1", 10)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

func TestMemoryStoreDropThenRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreatePartition(ctx, "pump1"))
	require.NoError(t, store.DropPartition(ctx, "pump1"))

	_, err := store.Latest(ctx, "pump1", 1)
	assert.ErrorIs(t, err, ErrPartitionNotFound)

	// Dropping again stays quiet.
	assert.NoError(t, store.DropPartition(ctx, "pump1"))
}
