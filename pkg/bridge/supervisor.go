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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

// SupervisorState tracks the supervisor's lifecycle.
type SupervisorState string

const (
	StateIdle       SupervisorState = "idle"
	StateRunning    SupervisorState = "running"
	StateCoolingOff SupervisorState = "cooling"
	StateStopped    SupervisorState = "stopped"
	StateDegraded   SupervisorState = "degraded"
)

const (
	defaultCooldown    = 5 * time.Second
	defaultMaxRestarts = 5
)

var (
	// ErrNotConnected is returned for commands issued while the bridge has
	// no broker link.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrNotRunning is returned for commands issued with no bridge process.
	ErrNotRunning = errors.New("bridge process not running")
)

// EventHandler receives every event the bridge process emits, plus the
// synthesized error event when the supervisor gives up restarting.
type EventHandler func(evt *models.BridgeEvent)

// Process is one running bridge instance. The exec-backed implementation
// is the production path; tests script their own.
type Process interface {
	Commands() io.Writer
	Events() io.Reader
	Wait() error
	Kill() error
}

// SpawnFunc starts a new bridge process.
type SpawnFunc func(ctx context.Context) (Process, error)

// SupervisorConfig configures process supervision.
type SupervisorConfig struct {
	BinaryPath  string
	Env         []string
	Cooldown    time.Duration
	MaxRestarts int
}

// Supervisor owns the bridge process lifecycle: it starts the process,
// watches for unexpected exits, restarts after a cooldown, and replays the
// active subscriptions into the replacement. A clean exit (disconnect
// command, exit status 0) is never restarted.
type Supervisor struct {
	cfg     SupervisorConfig
	logger  logger.Logger
	handler EventHandler
	spawn   SpawnFunc

	mu              sync.Mutex
	state           SupervisorState
	proc            Process
	connected       bool
	restartAttempts int
	topics          map[string]byte
	stopping        bool

	done chan struct{}
}

// NewSupervisor creates a supervisor for the configured bridge binary.
func NewSupervisor(cfg SupervisorConfig, handler EventHandler, log logger.Logger) *Supervisor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  log,
		handler: handler,
		state:   StateIdle,
		topics:  make(map[string]byte),
		done:    make(chan struct{}),
	}
	s.spawn = s.execSpawn

	return s
}

// SetSpawnFunc overrides process creation. Used by tests.
func (s *Supervisor) SetSpawnFunc(spawn SpawnFunc) {
	s.spawn = spawn
}

// Start launches the bridge and begins supervision. It returns once the
// first process is up; supervision continues in the background until Stop
// or the restart ceiling.
func (s *Supervisor) Start(ctx context.Context) error {
	proc, err := s.spawn(ctx)
	if err != nil {
		return fmt.Errorf("failed to start bridge process: %w", err)
	}

	s.attach(proc)

	go s.supervise(ctx, proc)

	return nil
}

// supervise waits for the current process to exit and decides whether to
// restart it.
func (s *Supervisor) supervise(ctx context.Context, proc Process) {
	for {
		err := proc.Wait()

		s.mu.Lock()
		stopping := s.stopping
		s.connected = false
		s.proc = nil
		s.mu.Unlock()

		if stopping || err == nil {
			// Clean exit: the bridge disconnected on request. Do not restart.
			s.setState(StateStopped)
			s.logger.Info().Msg("Bridge process exited cleanly")
			close(s.done)

			return
		}

		s.logger.Error().Err(err).Msg("Bridge process died unexpectedly")
		s.handler(&models.BridgeEvent{Type: models.BridgeEvtDisconnected, Error: err.Error()})

		s.mu.Lock()
		s.restartAttempts++
		attempts := s.restartAttempts
		s.mu.Unlock()

		if attempts > s.cfg.MaxRestarts {
			// Give up: surface a persistent degraded status. The server
			// keeps running without telemetry.
			s.setState(StateDegraded)
			s.logger.Error().Int("attempts", attempts-1).Msg("Bridge restart ceiling reached")
			s.handler(&models.BridgeEvent{
				Type:  models.BridgeEvtError,
				Error: "bridge process could not be restarted",
			})
			close(s.done)

			return
		}

		s.setState(StateCoolingOff)
		s.logger.Info().
			Int("attempt", attempts).
			Dur("cooldown", s.cfg.Cooldown).
			Msg("Restarting bridge after cooldown")

		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			close(s.done)

			return
		case <-time.After(s.cfg.Cooldown):
		}

		next, err := s.spawn(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to respawn bridge process")
			s.setState(StateDegraded)
			s.handler(&models.BridgeEvent{
				Type:  models.BridgeEvtError,
				Error: "bridge process could not be restarted",
			})
			close(s.done)

			return
		}

		s.attach(next)

		proc = next
	}
}

// attach wires a new process in and replays the active subscriptions so
// they are not lost across restarts.
func (s *Supervisor) attach(proc Process) {
	s.mu.Lock()
	s.proc = proc
	s.state = StateRunning
	topics := make(map[string]byte, len(s.topics))

	for t, q := range s.topics {
		topics[t] = q
	}
	s.mu.Unlock()

	go s.readEvents(proc)

	for topic, qos := range topics {
		if err := s.sendCommand(&models.BridgeCommand{
			Type:    models.BridgeCmdSubscribe,
			Topic:   topic,
			Options: &models.BridgeOptions{QoS: qos},
		}); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to replay subscription")
		}
	}
}

// readEvents pumps one process's stdout into the handler.
func (s *Supervisor) readEvents(proc Process) {
	scanner := bufio.NewScanner(proc.Events())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var evt models.BridgeEvent

		if err := json.Unmarshal(line, &evt); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed bridge event")
			continue
		}

		switch evt.Type {
		case models.BridgeEvtConnected:
			s.mu.Lock()
			s.connected = true
			s.restartAttempts = 0
			s.mu.Unlock()
		case models.BridgeEvtDisconnected:
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
		}

		s.handler(&evt)
	}
}

// Subscribe tracks the topic and forwards the command when a process is
// running. Repeat subscriptions are idempotent.
func (s *Supervisor) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	s.topics[topic] = qos
	running := s.proc != nil
	s.mu.Unlock()

	if !running {
		return nil // replayed on next attach
	}

	return s.sendCommand(&models.BridgeCommand{
		Type:    models.BridgeCmdSubscribe,
		Topic:   topic,
		Options: &models.BridgeOptions{QoS: qos},
	})
}

// Unsubscribe stops tracking the topic and forwards the command.
func (s *Supervisor) Unsubscribe(topic string) error {
	s.mu.Lock()
	delete(s.topics, topic)
	running := s.proc != nil
	s.mu.Unlock()

	if !running {
		return nil
	}

	return s.sendCommand(&models.BridgeCommand{
		Type:  models.BridgeCmdUnsubscribe,
		Topic: topic,
	})
}

// Publish forwards a publish command to the bridge.
func (s *Supervisor) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if !s.Connected() {
		return ErrNotConnected
	}

	return s.sendCommand(&models.BridgeCommand{
		Type:    models.BridgeCmdPublish,
		Topic:   topic,
		Message: payload,
		Options: &models.BridgeOptions{QoS: qos, Retain: retain},
	})
}

// Connected reports whether the bridge currently holds a broker link.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Topics returns the currently tracked subscriptions.
func (s *Supervisor) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}

	return topics
}

// Stop asks the bridge to disconnect cleanly and waits for it to exit,
// killing the process if it lingers past the timeout.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.stopping = true
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return
	}

	if err := s.sendCommand(&models.BridgeCommand{Type: models.BridgeCmdDisconnect}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send disconnect, killing bridge")

		if err := proc.Kill(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to kill bridge process")
		}

		return
	}

	select {
	case <-s.done:
	case <-time.After(timeout):
		s.logger.Warn().Msg("Bridge did not exit in time, killing it")

		if err := proc.Kill(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to kill bridge process")
		}
	}
}

func (s *Supervisor) sendCommand(cmd *models.BridgeCommand) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		return ErrNotRunning
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	data = append(data, '\n')

	if _, err := proc.Commands().Write(data); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}

	return nil
}

func (s *Supervisor) setState(state SupervisorState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// execProcess is the production Process backed by os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Commands() io.Writer { return p.stdin }
func (p *execProcess) Events() io.Reader   { return p.stdout }
func (p *execProcess) Wait() error         { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}

	return p.cmd.Process.Kill()
}

func (s *Supervisor) execSpawn(ctx context.Context) (Process, error) {
	cmd := exec.CommandContext(ctx, s.cfg.BinaryPath)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Stderr = os.Stderr // bridge logs pass through

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("binary", s.cfg.BinaryPath).
		Int("pid", cmd.Process.Pid).
		Msg("Bridge process started")

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
