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

package registry

import (
	"encoding/json"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/models"
)

const (
	defaultAlertLimit   = 50
	defaultHistoryLimit = 1000
)

// HandleInbound dispatches one raw client frame by message kind. Malformed
// frames and unrecognized types are logged and dropped; processing always
// continues.
func (r *Registry) HandleInbound(sessionID string, raw []byte) {
	var env models.Envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Dropping malformed message")
		return
	}

	switch env.Type {
	case models.TypeClientInit:
		r.handleClientInit(sessionID, env.Payload)
	case models.TypePing:
		r.SendTo(sessionID, frame(models.TypePong, map[string]int64{"timestamp": time.Now().UnixMilli()}))
	case models.TypeGetInitialData:
		r.handleInitialData(sessionID, env.Payload)
	case models.TypeRequestHistoryData:
		r.handleHistoryRequest(sessionID, env.Payload)
	case models.TypeMQTTSubscribe:
		r.handleSubscribe(sessionID, env.Payload)
	case models.TypeMQTTUnsubscribe:
		r.handleUnsubscribe(sessionID, env.Payload)
	case models.TypeMQTTPublish:
		r.handlePublish(sessionID, env.Payload)
	default:
		r.logger.Debug().
			Str("session_id", sessionID).
			Str("type", env.Type).
			Msg("Ignoring unknown message type")
	}
}

// handleClientInit acknowledges the handshake and pushes the canonical
// display-group snapshot to the initiating session.
func (r *Registry) handleClientInit(sessionID string, payload json.RawMessage) {
	var init models.ClientInit

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &init); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Malformed client_init payload")
			return
		}
	}

	r.logger.Info().
		Str("session_id", sessionID).
		Str("client_id", init.ClientID).
		Msg("Client handshake")

	resp := &models.ClientInitResponse{
		SessionID: sessionID,
		Session: map[string]string{
			"clientId": init.ClientID,
		},
	}

	r.SendTo(sessionID, frame(models.TypeClientInitResponse, resp))

	if r.snapshots == nil {
		return
	}

	groups, err := r.snapshots.DisplayGroups()
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load display groups")
		return
	}

	r.SendTo(sessionID, frame(models.TypeDataInit, groups))
}

// handleInitialData pushes the requested categories to one session. Each
// category is independently togglable and defaults to included.
func (r *Registry) handleInitialData(sessionID string, payload json.RawMessage) {
	if r.snapshots == nil {
		return
	}

	var req models.InitialDataRequest

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Malformed initial-data request")
			return
		}
	}

	if req.Wants(models.CategoryDisplayGroups) {
		if groups, err := r.snapshots.DisplayGroups(); err == nil {
			r.SendTo(sessionID, frame(models.TypeDataInit, groups))
		} else {
			r.logger.Error().Err(err).Msg("Failed to load display groups")
		}
	}

	if req.Wants(models.CategoryDevices) {
		if devices, err := r.snapshots.Devices(); err == nil {
			r.SendTo(sessionID, frame(models.TypeDeviceData, devices))
		} else {
			r.logger.Error().Err(err).Msg("Failed to load devices")
		}
	}

	if req.Wants(models.CategoryAlerts) {
		if alerts, err := r.snapshots.Alerts(defaultAlertLimit); err == nil {
			r.SendTo(sessionID, frame(models.TypeAlertData, alerts))
		} else {
			r.logger.Error().Err(err).Msg("Failed to load alerts")
		}
	}

	if req.Wants(models.CategoryRecentData) {
		if samples, err := r.snapshots.RecentSamples(); err == nil {
			r.SendTo(sessionID, frame(models.TypeEnergyData, samples))
		} else {
			r.logger.Error().Err(err).Msg("Failed to load recent samples")
		}
	}
}

func (r *Registry) handleHistoryRequest(sessionID string, payload json.RawMessage) {
	if r.snapshots == nil {
		return
	}

	var req models.HistoryRequest

	if err := json.Unmarshal(payload, &req); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Malformed history request")
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultHistoryLimit
	}

	samples, err := r.snapshots.History(&req)
	if err != nil {
		r.logger.Error().Err(err).Str("device_id", req.DeviceID).Msg("History query failed")
		r.SendTo(sessionID, frame(models.TypeError, map[string]string{"error": "history query failed"}))

		return
	}

	r.SendTo(sessionID, frame(models.TypeEnergyData, map[string]interface{}{
		"deviceId": req.DeviceID,
		"samples":  samples,
	}))
}

func (r *Registry) handleSubscribe(sessionID string, payload json.RawMessage) {
	var req models.TopicRequest

	if err := json.Unmarshal(payload, &req); err != nil || req.Topic == "" {
		r.logger.Warn().Str("session_id", sessionID).Msg("Malformed subscribe request")
		return
	}

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if ok {
		s.mu.Lock()
		s.subscriptions[req.Topic] = struct{}{}
		s.mu.Unlock()
	}

	if r.bridge == nil {
		r.logger.Warn().Str("topic", req.Topic).Msg("Subscribe requested without a broker link")
		return
	}

	// Forward even while the link is down: the supervisor tracks the topic
	// and replays it when the bridge comes back.
	if err := r.bridge.Subscribe(req.Topic, req.QoS); err != nil {
		r.logger.Error().Err(err).Str("topic", req.Topic).Msg("Bridge subscribe failed")
	}
}

func (r *Registry) handleUnsubscribe(sessionID string, payload json.RawMessage) {
	var req models.TopicRequest

	if err := json.Unmarshal(payload, &req); err != nil || req.Topic == "" {
		r.logger.Warn().Str("session_id", sessionID).Msg("Malformed unsubscribe request")
		return
	}

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if ok {
		s.mu.Lock()
		delete(s.subscriptions, req.Topic)
		s.mu.Unlock()
	}

	if r.bridge == nil {
		return
	}

	if err := r.bridge.Unsubscribe(req.Topic); err != nil {
		r.logger.Error().Err(err).Str("topic", req.Topic).Msg("Bridge unsubscribe failed")
	}
}

func (r *Registry) handlePublish(sessionID string, payload json.RawMessage) {
	var req models.TopicRequest

	if err := json.Unmarshal(payload, &req); err != nil || req.Topic == "" {
		r.logger.Warn().Str("session_id", sessionID).Msg("Malformed publish request")
		return
	}

	if r.bridge == nil || !r.bridge.Connected() {
		r.SendTo(sessionID, frame(models.TypeMQTTPublishAck, &models.PublishAck{
			Success:   false,
			MessageID: req.MessageID,
			Error:     "MQTT not connected",
		}))

		return
	}

	if err := r.bridge.Publish(req.Topic, req.Message, req.QoS, req.Retain); err != nil {
		r.SendTo(sessionID, frame(models.TypeMQTTPublishAck, &models.PublishAck{
			Success:   false,
			MessageID: req.MessageID,
			Error:     err.Error(),
		}))

		return
	}

	r.SendTo(sessionID, frame(models.TypeMQTTPublishAck, &models.PublishAck{
		Success:   true,
		MessageID: req.MessageID,
	}))
}

// BroadcastSample fans one normalized telemetry sample out to every open
// session.
func (r *Registry) BroadcastSample(topic string, sample *models.EnergySample) int {
	return r.Broadcast(frame(models.TypeMQTTData, map[string]interface{}{
		"topic":  topic,
		"data":   sample,
		"device": sample.DeviceID,
	}))
}

// BroadcastAlert fans a new alert out to every open session.
func (r *Registry) BroadcastAlert(alert *models.Alert) int {
	return r.Broadcast(frame(models.TypeAlertData, []*models.Alert{alert}))
}
