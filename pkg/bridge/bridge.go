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

// Package bridge holds the only connection to the external MQTT broker.
// The Bridge runs inside its own OS process (cmd/bridge) so a broker-client
// crash cannot take down the WebSocket server; the Supervisor runs in the
// server process and owns the bridge's lifecycle.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

const (
	connectTimeout = 4 * time.Second
	retryInterval  = 5 * time.Second

	disconnectQuiesceMillis = 250
)

var errConnectFailed = errors.New("broker connection failed")

// Config configures the bridge runtime.
type Config struct {
	Broker models.BrokerConfig
}

// Bridge owns the broker link and speaks newline-delimited JSON over its
// stdio: commands in, events out.
type Bridge struct {
	cfg    Config
	logger logger.Logger
	client mqtt.Client

	outMu sync.Mutex
	out   io.Writer

	topicMu sync.Mutex
	topics  map[string]byte // desired subscriptions, applied on every connect

	done chan struct{}
}

// New creates a Bridge writing events to out (the process's stdout in
// production).
func New(cfg Config, out io.Writer, log logger.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		logger: log,
		out:    out,
		topics: make(map[string]byte),
		done:   make(chan struct{}),
	}
}

// Run connects to the broker and processes commands from in until a
// disconnect command arrives (clean return) or the command stream closes.
// The paho client handles broker-side reconnects itself; process-level
// failures are the supervisor's job.
func (b *Bridge) Run(ctx context.Context, in io.Reader) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", b.cfg.Broker.Host, b.cfg.Broker.Port)).
		SetClientID(b.clientID()).
		SetUsername(b.cfg.Broker.Username).
		SetPassword(b.cfg.Broker.Password).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(retryInterval).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout + time.Second) {
		return fmt.Errorf("%w: connect timed out", errConnectFailed)
	}

	if err := token.Error(); err != nil {
		b.emit(&models.BridgeEvent{Type: models.BridgeEvtError, Error: err.Error()})
		return fmt.Errorf("%w: %w", errConnectFailed, err)
	}

	go func() {
		<-ctx.Done()
		b.shutdown()
	}()

	return b.commandLoop(in)
}

func (b *Bridge) clientID() string {
	if b.cfg.Broker.ClientID != "" {
		return b.cfg.Broker.ClientID
	}

	return "vipower_bridge_" + uuid.New().String()[:8]
}

// commandLoop reads one JSON command per line from in.
func (b *Bridge) commandLoop(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd models.BridgeCommand

		if err := json.Unmarshal(line, &cmd); err != nil {
			b.logger.Warn().Err(err).Msg("Dropping malformed command")
			continue
		}

		if done := b.handleCommand(&cmd); done {
			return nil
		}
	}

	// Command stream gone means the parent died; treat as a dirty exit so
	// a replacement supervisor restarts cleanly.
	b.shutdown()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("command stream failed: %w", err)
	}

	return errors.New("command stream closed")
}

// handleCommand applies one command, reporting true on disconnect.
func (b *Bridge) handleCommand(cmd *models.BridgeCommand) bool {
	switch cmd.Type {
	case models.BridgeCmdSubscribe:
		b.subscribe(cmd.Topic, options(cmd).QoS)
	case models.BridgeCmdPublish:
		b.publish(cmd.Topic, cmd.Message, options(cmd))
	case models.BridgeCmdUnsubscribe:
		b.unsubscribe(cmd.Topic)
	case models.BridgeCmdDisconnect:
		b.shutdown()
		return true
	default:
		b.logger.Warn().Str("type", cmd.Type).Msg("Ignoring unknown command")
	}

	return false
}

func options(cmd *models.BridgeCommand) models.BridgeOptions {
	if cmd.Options == nil {
		return models.BridgeOptions{}
	}

	return *cmd.Options
}

// subscribe records the desired topic and subscribes if connected. Repeat
// subscriptions to the same topic are idempotent: the broker client is
// asked at most once per connection.
func (b *Bridge) subscribe(topic string, qos byte) {
	if topic == "" {
		return
	}

	b.topicMu.Lock()
	_, known := b.topics[topic]
	b.topics[topic] = qos
	b.topicMu.Unlock()

	if known || !b.client.IsConnected() {
		return
	}

	token := b.client.Subscribe(topic, qos, b.onMessage)
	go b.logToken(token, "subscribe", topic)
}

func (b *Bridge) unsubscribe(topic string) {
	b.topicMu.Lock()
	delete(b.topics, topic)
	b.topicMu.Unlock()

	if !b.client.IsConnected() {
		return
	}

	token := b.client.Unsubscribe(topic)
	go b.logToken(token, "unsubscribe", topic)
}

func (b *Bridge) publish(topic string, payload []byte, opts models.BridgeOptions) {
	if !b.client.IsConnected() {
		b.emit(&models.BridgeEvent{Type: models.BridgeEvtError, Topic: topic, Error: "not connected"})
		return
	}

	token := b.client.Publish(topic, opts.QoS, opts.Retain, []byte(payload))
	go b.logToken(token, "publish", topic)
}

func (b *Bridge) logToken(token mqtt.Token, op, topic string) {
	token.Wait()

	if err := token.Error(); err != nil {
		b.logger.Error().Err(err).Str("op", op).Str("topic", topic).Msg("Broker operation failed")
		b.emit(&models.BridgeEvent{Type: models.BridgeEvtError, Topic: topic, Error: err.Error()})

		return
	}

	b.logger.Debug().Str("op", op).Str("topic", topic).Msg("Broker operation complete")
}

// onConnect fires on every (re)connect; desired subscriptions are applied
// here so they survive broker-side reconnects.
func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info().Msg("Broker connected")
	b.emit(&models.BridgeEvent{Type: models.BridgeEvtConnected})

	b.topicMu.Lock()
	topics := make(map[string]byte, len(b.topics))
	for t, q := range b.topics {
		topics[t] = q
	}
	b.topicMu.Unlock()

	for topic, qos := range topics {
		token := client.Subscribe(topic, qos, b.onMessage)
		go b.logToken(token, "subscribe", topic)
	}
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Warn().Err(err).Msg("Broker connection lost")
	b.emit(&models.BridgeEvent{Type: models.BridgeEvtDisconnected, Error: err.Error()})
}

// onMessage normalizes an inbound broker payload and forwards it. Payloads
// that fail to normalize are forwarded raw without a sample; the parse
// failure is logged, never fatal.
func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	evt := &models.BridgeEvent{
		Type:    models.BridgeEvtMessage,
		Topic:   msg.Topic(),
		Payload: json.RawMessage(msg.Payload()),
	}

	sample, err := NormalizeSample(msg.Topic(), msg.Payload())
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Msg("Dropping unparseable telemetry payload")
	} else {
		evt.Sample = sample
	}

	b.emit(evt)
}

func (b *Bridge) emit(evt *models.BridgeEvent) {
	b.outMu.Lock()
	defer b.outMu.Unlock()

	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	data = append(data, '\n')

	if _, err := b.out.Write(data); err != nil {
		b.logger.Error().Err(err).Msg("Failed to write event")
	}
}

func (b *Bridge) shutdown() {
	select {
	case <-b.done:
		return
	default:
		close(b.done)
	}

	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(disconnectQuiesceMillis)
	}
}

// NormalizeSample parses a broker payload into an EnergySample. The device
// id falls back to the last topic segment when the payload omits it, and a
// missing timestamp gets the current time.
func NormalizeSample(topic string, payload []byte) (*models.EnergySample, error) {
	var sample models.EnergySample

	if err := json.Unmarshal(payload, &sample); err != nil {
		return nil, fmt.Errorf("invalid telemetry payload: %w", err)
	}

	if sample.DeviceID == "" {
		sample.DeviceID = lastTopicSegment(topic)
	}

	if sample.DeviceID == "" {
		return nil, errors.New("telemetry payload has no device id")
	}

	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	return &sample, nil
}

func lastTopicSegment(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}

	return topic
}

// WaitDone blocks until the bridge has shut down.
func (b *Bridge) WaitDone(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
