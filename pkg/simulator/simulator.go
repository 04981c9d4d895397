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

// Package simulator generates synthetic telemetry for development setups
// without live field devices. Every tick it emits one sample per active
// device through the same path live broker traffic takes, so downstream
// behavior is identical either way.
package simulator

import (
	"context"
	"math/rand"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/devices"
	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

const (
	defaultInterval = 5 * time.Second

	// overcurrentThreshold triggers a warning alert on phase 1 current.
	overcurrentThreshold = 95.0
)

// Publisher receives each generated sample and alert; the session registry
// satisfies it.
type Publisher interface {
	BroadcastSample(topic string, sample *models.EnergySample) int
	BroadcastAlert(alert *models.Alert) int
}

// Simulator drives the synthetic telemetry loop.
type Simulator struct {
	svc      *devices.Service
	pub      Publisher
	logger   logger.Logger
	interval time.Duration
	rng      *rand.Rand
}

// New creates a simulator. A non-positive interval falls back to the
// default tick.
func New(svc *devices.Service, pub Publisher, interval time.Duration, log logger.Logger) *Simulator {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Simulator{
		svc:      svc,
		pub:      pub,
		logger:   log,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run ticks until ctx is canceled. Each tick reads the catalog fresh so
// devices added or paused mid-run take effect on the next tick.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Telemetry simulation started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Telemetry simulation stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Simulator) tick(ctx context.Context) {
	deviceList, err := s.svc.ListDevices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list devices for simulation tick")
		return
	}

	for i := range deviceList {
		d := &deviceList[i]
		if d.Status != models.DeviceStatusActive {
			continue
		}

		sample := s.generate(d.DeviceID)

		if err := s.svc.RecordSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("Failed to record simulated sample")
		}

		s.pub.BroadcastSample("simulated/"+d.DeviceID, sample)

		if alert := EvaluateThresholds(sample); alert != nil {
			if err := s.svc.RecordAlert(ctx, alert); err != nil {
				s.logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("Failed to record alert")
			}

			s.pub.BroadcastAlert(alert)
		}
	}
}

// generate produces one plausible reading: three-phase currents around 50A,
// phase voltages around 220V, line voltages around 380V.
func (s *Simulator) generate(deviceID string) *models.EnergySample {
	power := 30000 + s.rng.Float64()*20000

	return &models.EnergySample{
		DeviceID:   deviceID,
		Timestamp:  time.Now().UTC(),
		CurrentI1:  s.around(50, 50),
		CurrentI2:  s.around(50, 50),
		CurrentI3:  s.around(50, 50),
		VoltageV1N: s.around(220, 10),
		VoltageV2N: s.around(220, 10),
		VoltageV3N: s.around(220, 10),
		VoltageV12: s.around(380, 15),
		VoltageV23: s.around(380, 15),
		VoltageV31: s.around(380, 15),
		Power:      power,
		NetPower:   power * (0.9 + s.rng.Float64()*0.1),
	}
}

func (s *Simulator) around(base, spread float64) float64 {
	return base + (s.rng.Float64()-0.5)*spread*2
}

// EvaluateThresholds checks one sample against the alert thresholds and
// returns an alert for the first breach, or nil.
func EvaluateThresholds(sample *models.EnergySample) *models.Alert {
	if sample.CurrentI1 > overcurrentThreshold {
		return &models.Alert{
			DeviceID:  sample.DeviceID,
			AlertType: "overcurrent",
			Message:   "Phase 1 current exceeds safe threshold",
			Severity:  models.AlertSeverityOrange,
			Timestamp: sample.Timestamp,
		}
	}

	return nil
}
