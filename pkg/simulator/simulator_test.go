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

package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranquoctrung1/vi-power/pkg/devices"
	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
	"github.com/tranquoctrung1/vi-power/pkg/timeseries"
)

type fakePublisher struct {
	mu      sync.Mutex
	samples []*models.EnergySample
	alerts  []*models.Alert
}

func (p *fakePublisher) BroadcastSample(_ string, sample *models.EnergySample) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, sample)

	return 1
}

func (p *fakePublisher) BroadcastAlert(alert *models.Alert) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.alerts = append(p.alerts, alert)

	return 1
}

func (p *fakePublisher) sampleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.samples)
}

func TestEvaluateThresholds(t *testing.T) {
	tests := []struct {
		name        string
		currentI1   float64
		expectAlert bool
	}{
		{name: "normal load", currentI1: 50, expectAlert: false},
		{name: "at threshold", currentI1: 95, expectAlert: false},
		{name: "over threshold", currentI1: 96, expectAlert: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := EvaluateThresholds(&models.EnergySample{
				DeviceID:  "pump1",
				Timestamp: time.Now(),
				CurrentI1: tt.currentI1,
			})

			if !tt.expectAlert {
				assert.Nil(t, alert)
				return
			}

			require.NotNil(t, alert)
			assert.Equal(t, "pump1", alert.DeviceID)
			assert.Equal(t, "overcurrent", alert.AlertType)
			assert.Equal(t, models.AlertSeverityOrange, alert.Severity)
		})
	}
}

func TestSimulatorEmitsForActiveDevicesOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := devices.NewService(devices.NewMemoryRepo(), timeseries.NewMemoryStore(), logger.NewTestLogger())

	require.NoError(t, svc.CreateDevice(ctx, &models.Device{DeviceID: "active1"}))
	require.NoError(t, svc.CreateDevice(ctx, &models.Device{
		DeviceID: "paused1",
		Status:   models.DeviceStatusPaused,
	}))

	pub := &fakePublisher{}
	sim := New(svc, pub, 5*time.Millisecond, logger.NewTestLogger())

	go sim.Run(ctx)

	assert.Eventually(t, func() bool {
		return pub.sampleCount() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()

	pub.mu.Lock()
	defer pub.mu.Unlock()

	for _, s := range pub.samples {
		assert.Equal(t, "active1", s.DeviceID, "paused devices never emit")
		assert.False(t, s.Timestamp.IsZero())
	}
}

func TestSimulatorPersistsSamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := timeseries.NewMemoryStore()
	svc := devices.NewService(devices.NewMemoryRepo(), store, logger.NewTestLogger())

	require.NoError(t, svc.CreateDevice(ctx, &models.Device{DeviceID: "pump1"}))

	pub := &fakePublisher{}
	sim := New(svc, pub, 5*time.Millisecond, logger.NewTestLogger())

	go sim.Run(ctx)

	assert.Eventually(t, func() bool {
		latest, err := store.Latest(ctx, "pump1", 1)
		return err == nil && len(latest) == 1
	}, time.Second, 5*time.Millisecond)
}
