// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package threshold_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"espdash/internal/command"
	"espdash/internal/device"
	"espdash/internal/state"
	"espdash/internal/threshold"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetOutput(io.Discard)
}

func ptr[T any](v T) *T { return &v }

// recorder stands in for the device behind a real dispatcher.
type recorder struct {
	mu     sync.Mutex
	bodies []any
	err    error
}

func (r *recorder) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return nil, r.err
}

func (r *recorder) Bodies() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.bodies...)
}

func seeded(t *testing.T, bus *eventbus.Bus) *state.Store {
	t.Helper()
	store := state.New(bus)
	_, err := store.Apply(state.Update{
		AutoMode:             ptr(true),
		TemperatureThreshold: ptr(37.0),
		HumidityThreshold:    ptr(30.0),
	}, state.SourcePoll, time.Now().Add(-time.Second))
	require.NoError(t, err)
	return store
}

func TestDragThenCommitSendsOnce(t *testing.T) {
	dev := &recorder{}
	store := seeded(t, nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)

	for _, v := range []float64{38, 39, 40, 41, 42} {
		require.NoError(t, d.OnContinuousChange(threshold.Temperature, v))
	}
	assert.Empty(t, dev.Bodies(), "drag must not reach the device")
	assert.Equal(t, state.Some(42), d.Value(threshold.Temperature).Live)
	assert.Equal(t, state.Some(37), d.Value(threshold.Temperature).Committed)

	require.NoError(t, d.OnCommit(context.Background(), threshold.Temperature, 42))

	require.Len(t, dev.Bodies(), 1)
	assert.Equal(t, device.Thresholds{Temperature: 42, Humidity: 30}, dev.Bodies()[0])

	v := d.Value(threshold.Temperature)
	assert.Equal(t, state.Some(42), v.Live)
	assert.Equal(t, state.Some(42), v.Committed)
	assert.False(t, v.Dragging)
	assert.False(t, v.Pending)
	assert.Equal(t, state.Some(42), store.Snapshot().TemperatureThreshold)
}

func TestBothCommitsRoundTrip(t *testing.T) {
	dev := &recorder{}
	store := seeded(t, nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)
	ctx := context.Background()

	require.NoError(t, d.OnCommit(ctx, threshold.Temperature, 25))
	require.NoError(t, d.OnCommit(ctx, threshold.Humidity, 55))

	assert.Equal(t, state.Some(25), d.Value(threshold.Temperature).Committed)
	assert.Equal(t, state.Some(25), d.Value(threshold.Temperature).Live)
	assert.Equal(t, state.Some(55), d.Value(threshold.Humidity).Committed)
	assert.Equal(t, state.Some(55), d.Value(threshold.Humidity).Live)
	assert.Equal(t, device.Thresholds{Temperature: 25, Humidity: 55}, dev.Bodies()[1])
}

func TestFailedCommitReverts(t *testing.T) {
	dev := &recorder{err: &device.HTTPError{Method: "POST", Path: device.PathThreshold, Status: 500}}
	store := seeded(t, nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)

	require.NoError(t, d.OnContinuousChange(threshold.Humidity, 70))
	err := d.OnCommit(context.Background(), threshold.Humidity, 70)

	var httpErr *device.HTTPError
	require.True(t, errors.As(err, &httpErr))
	v := d.Value(threshold.Humidity)
	assert.Equal(t, state.Some(30), v.Live)
	assert.Equal(t, state.Some(30), v.Committed)
	assert.Equal(t, state.Some(30), store.Snapshot().HumidityThreshold)
}

func TestUnknownThresholdCannotBeAdjusted(t *testing.T) {
	dev := &recorder{}
	store := state.New(nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)

	assert.True(t, command.IsInvalidState(d.OnContinuousChange(threshold.Temperature, 30)))
	assert.True(t, command.IsInvalidState(d.OnCommit(context.Background(), threshold.Temperature, 30)))
	assert.Empty(t, dev.Bodies())
	assert.False(t, d.Value(threshold.Temperature).Live.Known)
}

func TestDeviceOverrideCorrectsDisplay(t *testing.T) {
	dev := &recorder{}
	store := seeded(t, nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)

	require.NoError(t, d.OnCommit(context.Background(), threshold.Temperature, 42))

	// the device clamped the value; the next poll reports it
	_, err := store.Apply(state.Update{TemperatureThreshold: ptr(40.0)}, state.SourcePoll, time.Now())
	require.NoError(t, err)
	d.Sync(store.Snapshot())

	v := d.Value(threshold.Temperature)
	assert.Equal(t, state.Some(40), v.Live)
	assert.Equal(t, state.Some(40), v.Committed)
}

func TestSyncDuringDragKeepsLive(t *testing.T) {
	dev := &recorder{}
	store := seeded(t, nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)

	require.NoError(t, d.OnContinuousChange(threshold.Temperature, 45))
	_, err := store.Apply(state.Update{TemperatureThreshold: ptr(35.0)}, state.SourcePoll, time.Now())
	require.NoError(t, err)
	d.Sync(store.Snapshot())

	v := d.Value(threshold.Temperature)
	assert.Equal(t, state.Some(45), v.Live)
	assert.Equal(t, state.Some(35), v.Committed)
	assert.True(t, v.Dragging)
}

// blockingCommitter holds SetThresholds until released.
type blockingCommitter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCommitter) SetThresholds(ctx context.Context, u command.ThresholdUpdate) (device.Thresholds, error) {
	close(b.entered)
	<-b.release
	return device.Thresholds{}, errors.New("device unreachable")
}

func TestStaleSnapshotIgnoredWhileCommitInFlight(t *testing.T) {
	store := seeded(t, nil)
	c := &blockingCommitter{entered: make(chan struct{}), release: make(chan struct{})}
	d := threshold.New(c, store, nil)

	done := make(chan error, 1)
	go func() { done <- d.OnCommit(context.Background(), threshold.Temperature, 50) }()
	<-c.entered

	d.Sync(store.Snapshot())
	v := d.Value(threshold.Temperature)
	assert.Equal(t, state.Some(50), v.Live)
	assert.True(t, v.Pending)

	close(c.release)
	require.Error(t, <-done)
	assert.Equal(t, state.Some(37), d.Value(threshold.Temperature).Live)
}

func TestRunFollowsStore(t *testing.T) {
	bus := eventbus.New()
	store := seeded(t, bus)
	d := threshold.New(command.NewDispatcher(&recorder{}, store), store, bus)

	notified := make(chan struct{}, 8)
	d.SetNotify(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	_, err := store.Apply(state.Update{HumidityThreshold: ptr(60.0)}, state.SourcePoll, time.Now())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.Value(threshold.Humidity).Live == state.Some(60)
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, notified)
}

func TestParseKind(t *testing.T) {
	k, err := threshold.ParseKind("humidity")
	require.NoError(t, err)
	assert.Equal(t, threshold.Humidity, k)

	_, err = threshold.ParseKind("pressure")
	assert.ErrorIs(t, err, command.ErrInvalidArgument)
}

// gatedDevice holds the first request open until released.
type gatedDevice struct {
	recorder
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDevice) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	g.mu.Lock()
	g.bodies = append(g.bodies, body)
	n := len(g.bodies)
	g.mu.Unlock()
	if n == 1 {
		close(g.entered)
		<-g.release
	}
	return nil, nil
}

func TestCommitOtherThresholdWhileFirstInFlight(t *testing.T) {
	dev := &gatedDevice{entered: make(chan struct{}), release: make(chan struct{})}
	store := seeded(t, nil)
	d := threshold.New(command.NewDispatcher(dev, store), store, nil)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- d.OnCommit(ctx, threshold.Temperature, 42) }()
	<-dev.entered

	require.NoError(t, d.OnCommit(ctx, threshold.Humidity, 55))
	close(dev.release)
	assert.ErrorIs(t, <-first, command.ErrSuperseded)

	bodies := dev.Bodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, device.Thresholds{Temperature: 42, Humidity: 30}, bodies[0])
	assert.Equal(t, device.Thresholds{Temperature: 42, Humidity: 55}, bodies[1])

	snap := store.Snapshot()
	assert.Equal(t, state.Some(42), snap.TemperatureThreshold)
	assert.Equal(t, state.Some(55), snap.HumidityThreshold)
	assert.Equal(t, state.Some(42), d.Value(threshold.Temperature).Committed)
	assert.Equal(t, state.Some(42), d.Value(threshold.Temperature).Live)
	assert.Equal(t, state.Some(55), d.Value(threshold.Humidity).Live)
}
