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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

func TestPartitionName(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		expected string
	}{
		{
			name:     "plain id",
			deviceID: "pump42",
			expected: "energy_data_pump42",
		},
		{
			name:     "uppercase is lowered",
			deviceID: "PUMP42",
			expected: "energy_data_pump42",
		},
		{
			name:     "special characters collapse to underscore",
			deviceID: "plant-a/pump.42",
			expected: "energy_data_plant_a_pump_42",
		},
		{
			name:     "runs of specials collapse to one underscore",
			deviceID: "a--//..b",
			expected: "energy_data_a_b",
		},
		{
			name:     "same id always maps to same partition",
			deviceID: "Device #7",
			expected: "energy_data_device_7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PartitionName(tt.deviceID))

			// deterministic
			assert.Equal(t, PartitionName(tt.deviceID), PartitionName(tt.deviceID))
		})
	}
}

func TestBuildSampleArgs(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	sample := &models.EnergySample{
		DeviceID:  "pump1",
		Timestamp: ts,
		CurrentI1: 10,
		Power:     4500,
		NetPower:  4400,
	}

	args := buildSampleArgs(sample)
	require.Len(t, args, 12)
	assert.Equal(t, ts, args[0])
	assert.InDelta(t, 10.0, args[1], 0.0001)
	assert.InDelta(t, 4500.0, args[10], 0.0001)
	assert.InDelta(t, 4400.0, args[11], 0.0001)
}

func TestBuildSampleArgsDefaultsTimestamp(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	original := nowUTC
	nowUTC = func() time.Time { return fixed }

	defer func() { nowUTC = original }()

	args := buildSampleArgs(&models.EnergySample{DeviceID: "pump1"})
	assert.Equal(t, fixed, args[0])
}
