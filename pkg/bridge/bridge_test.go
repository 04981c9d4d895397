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

package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSample(t *testing.T) {
	ts := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name           string
		topic          string
		payload        string
		expectErr      bool
		expectedDevice string
	}{
		{
			name:           "payload carries device id",
			topic:          "plant/telemetry",
			payload:        `{"deviceId":"pump1","timestamp":"2025-06-01T08:30:00Z","power":1500}`,
			expectedDevice: "pump1",
		},
		{
			name:           "device id falls back to last topic segment",
			topic:          "plant/energy/pump2",
			payload:        `{"power":900}`,
			expectedDevice: "pump2",
		},
		{
			name:           "single segment topic",
			topic:          "pump3",
			payload:        `{"power":1}`,
			expectedDevice: "pump3",
		},
		{
			name:      "invalid json",
			topic:     "plant/pump1",
			payload:   `{broken`,
			expectErr: true,
		},
		{
			name:      "no device id anywhere",
			topic:     "",
			payload:   `{"power":1}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample, err := NormalizeSample(tt.topic, []byte(tt.payload))

			if tt.expectErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedDevice, sample.DeviceID)
			assert.False(t, sample.Timestamp.IsZero())
		})
	}

	t.Run("explicit timestamp preserved", func(t *testing.T) {
		sample, err := NormalizeSample("plant/pump1",
			[]byte(`{"deviceId":"pump1","timestamp":"2025-06-01T08:30:00Z"}`))
		require.NoError(t, err)
		assert.True(t, sample.Timestamp.Equal(ts))
	})
}

func TestLastTopicSegment(t *testing.T) {
	assert.Equal(t, "pump1", lastTopicSegment("plant/a/pump1"))
	assert.Equal(t, "pump1", lastTopicSegment("pump1"))
	assert.Equal(t, "", lastTopicSegment("plant/"))
	assert.Equal(t, "", lastTopicSegment(""))
}
