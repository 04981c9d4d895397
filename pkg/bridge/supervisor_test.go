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
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

var errCrashed = errors.New("process crashed")

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

// fakeProc scripts one bridge process: events come from a canned stream,
// the exit is triggered by the test.
type fakeProc struct {
	cmds   lockedBuffer
	events io.Reader
	waitCh chan error

	mu     sync.Mutex
	killed bool
}

func newFakeProc(events string) *fakeProc {
	return &fakeProc{
		events: strings.NewReader(events),
		waitCh: make(chan error, 1),
	}
}

func (p *fakeProc) Commands() io.Writer { return &p.cmds }
func (p *fakeProc) Events() io.Reader   { return p.events }
func (p *fakeProc) Wait() error         { return <-p.waitCh }

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	select {
	case p.waitCh <- errCrashed:
	default:
	}

	return nil
}

func (p *fakeProc) exit(err error) { p.waitCh <- err }

type eventRecorder struct {
	mu     sync.Mutex
	events []*models.BridgeEvent
}

func (r *eventRecorder) handle(evt *models.BridgeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, evt)
}

func (r *eventRecorder) ofType(evtType string) []*models.BridgeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*models.BridgeEvent

	for _, e := range r.events {
		if e.Type == evtType {
			matched = append(matched, e)
		}
	}

	return matched
}

const connectedLine = `{"type":"mqtt_connected"}` + "\n"

func TestSupervisorRestartsAfterDirtyExit(t *testing.T) {
	rec := &eventRecorder{}

	procs := []*fakeProc{newFakeProc(connectedLine), newFakeProc(connectedLine)}

	var (
		spawnMu sync.Mutex
		spawned int
	)

	sup := NewSupervisor(SupervisorConfig{
		Cooldown:    10 * time.Millisecond,
		MaxRestarts: 3,
	}, rec.handle, logger.NewTestLogger())

	sup.SetSpawnFunc(func(context.Context) (Process, error) {
		spawnMu.Lock()
		defer spawnMu.Unlock()

		proc := procs[spawned]
		spawned++

		return proc, nil
	})

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Subscribe("plant/pump1", 1))

	assert.Eventually(t, sup.Connected, time.Second, 5*time.Millisecond)

	procs[0].exit(errCrashed)

	// The replacement comes up and the subscription is replayed into it.
	assert.Eventually(t, func() bool {
		return strings.Contains(procs[1].cmds.String(), "plant/pump1")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateRunning, sup.State())
	assert.NotEmpty(t, rec.ofType(models.BridgeEvtDisconnected))

	procs[1].exit(nil)
}

func TestSupervisorDoesNotRestartCleanExit(t *testing.T) {
	rec := &eventRecorder{}
	proc := newFakeProc(connectedLine)

	var (
		spawnMu sync.Mutex
		spawned int
	)

	sup := NewSupervisor(SupervisorConfig{Cooldown: time.Millisecond}, rec.handle, logger.NewTestLogger())
	sup.SetSpawnFunc(func(context.Context) (Process, error) {
		spawnMu.Lock()
		defer spawnMu.Unlock()

		spawned++

		return proc, nil
	})

	require.NoError(t, sup.Start(context.Background()))

	proc.exit(nil)

	assert.Eventually(t, func() bool {
		return sup.State() == StateStopped
	}, time.Second, 5*time.Millisecond)

	spawnMu.Lock()
	defer spawnMu.Unlock()
	assert.Equal(t, 1, spawned)
}

func TestSupervisorGivesUpAfterRestartCeiling(t *testing.T) {
	rec := &eventRecorder{}

	sup := NewSupervisor(SupervisorConfig{
		Cooldown:    time.Millisecond,
		MaxRestarts: 2,
	}, rec.handle, logger.NewTestLogger())

	// Every process dies immediately without ever connecting.
	sup.SetSpawnFunc(func(context.Context) (Process, error) {
		proc := newFakeProc("")
		proc.exit(errCrashed)

		return proc, nil
	})

	require.NoError(t, sup.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return sup.State() == StateDegraded
	}, time.Second, 5*time.Millisecond)

	failures := rec.ofType(models.BridgeEvtError)
	require.NotEmpty(t, failures)
	assert.Equal(t, "bridge process could not be restarted", failures[len(failures)-1].Error)
}

func TestSupervisorPublishRequiresConnection(t *testing.T) {
	sup := NewSupervisor(SupervisorConfig{}, func(*models.BridgeEvent) {}, logger.NewTestLogger())

	err := sup.Publish("plant/cmd", []byte("{}"), 0, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSupervisorSubscribeBeforeStartIsDeferred(t *testing.T) {
	rec := &eventRecorder{}
	proc := newFakeProc(connectedLine)

	sup := NewSupervisor(SupervisorConfig{}, rec.handle, logger.NewTestLogger())
	sup.SetSpawnFunc(func(context.Context) (Process, error) { return proc, nil })

	// No process yet: the subscription is only recorded.
	require.NoError(t, sup.Subscribe("plant/pump1", 0))
	assert.Equal(t, []string{"plant/pump1"}, sup.Topics())

	require.NoError(t, sup.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return strings.Contains(proc.cmds.String(), "plant/pump1")
	}, time.Second, 5*time.Millisecond)

	proc.exit(nil)
}
