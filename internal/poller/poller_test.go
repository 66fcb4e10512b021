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

package poller_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"espdash/internal/device"
	"espdash/internal/poller"
	"espdash/internal/state"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetOutput(io.Discard)
}

const scenarioA = `{"temperature":22.5,"humidity":41,"button1":true,"button2":false,"button3":false,
"isAutoMode":true,"temperatureThreshold":37,"humidityThreshold":30}`

type fakeSender struct {
	mu      sync.Mutex
	calls   int
	respond func(call int) (json.RawMessage, error)
}

func (f *fakeSender) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.respond(n)
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func run(t *testing.T, p *poller.Poller) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not stop")
		}
	}
}

func TestFirstPollAppliesSnapshot(t *testing.T) {
	sender := &fakeSender{respond: func(int) (json.RawMessage, error) {
		return json.RawMessage(scenarioA), nil
	}}
	store := state.New(nil)
	p := poller.New(sender, store, nil, time.Hour)
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool { return store.Snapshot().Known(state.TemperatureThreshold) },
		time.Second, 5*time.Millisecond)

	snap := store.Snapshot()
	assert.Equal(t, state.Some(22.5), snap.Temperature)
	assert.Equal(t, state.Some(41), snap.Humidity)
	assert.True(t, snap.Relay1)
	assert.True(t, snap.AutoMode)
	assert.Equal(t, state.Some(37), snap.TemperatureThreshold)
	assert.Equal(t, state.Some(30), snap.HumidityThreshold)
	assert.Equal(t, state.SourcePoll, snap.Source)
	assert.True(t, p.Status().Online)
}

func TestFailedTicksDoNotStopPolling(t *testing.T) {
	sender := &fakeSender{respond: func(n int) (json.RawMessage, error) {
		switch n {
		case 1:
			return nil, &device.NetworkError{Method: "GET", Path: device.PathData, Err: io.EOF}
		case 2:
			return nil, &device.HTTPError{Method: "GET", Path: device.PathData, Status: 500}
		case 3:
			return nil, &device.DecodeError{Path: device.PathData, Err: io.ErrUnexpectedEOF}
		}
		return json.RawMessage(`{"button2":true}`), nil
	}}
	store := state.New(nil)
	p := poller.New(sender, store, eventbus.New(), 10*time.Millisecond)
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool { return store.Snapshot().Relay2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sender.Calls(), 4)
	assert.True(t, p.Status().Online)
	assert.Zero(t, p.Status().ConsecutiveFailures)
}

func TestStatusTracksFailures(t *testing.T) {
	sender := &fakeSender{respond: func(int) (json.RawMessage, error) {
		return nil, &device.HTTPError{Method: "GET", Path: device.PathData, Status: 503}
	}}
	p := poller.New(sender, state.New(nil), nil, 10*time.Millisecond)
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool { return p.Status().ConsecutiveFailures >= 3 }, 2*time.Second, 5*time.Millisecond)
	status := p.Status()
	assert.False(t, status.Online)
	assert.Contains(t, status.LastError, "503")
}

func TestLateSuccessDoesNotMaskNewerFailures(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{respond: func(n int) (json.RawMessage, error) {
		if n == 1 {
			<-release
			return json.RawMessage(scenarioA), nil
		}
		return nil, &device.HTTPError{Method: "GET", Path: device.PathData, Status: 503}
	}}
	p := poller.New(sender, state.New(nil), nil, 10*time.Millisecond)
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool { return p.Status().ConsecutiveFailures >= 2 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	time.Sleep(30 * time.Millisecond)
	status := p.Status()
	assert.False(t, status.Online)
	assert.GreaterOrEqual(t, status.ConsecutiveFailures, 2)
	assert.True(t, status.LastSuccess.IsZero())
}

// hangingSender never answers; only the caller's deadline ends a request.
type hangingSender struct{}

func (hangingSender) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFetchTimeout(t *testing.T) {
	p := poller.New(hangingSender{}, state.New(nil), nil, time.Hour, poller.WithTimeout(20*time.Millisecond))
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool { return p.Status().ConsecutiveFailures == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, p.Status().LastError, context.DeadlineExceeded.Error())
}

func TestTicksDoNotWaitForSlowFetch(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{respond: func(n int) (json.RawMessage, error) {
		if n == 1 {
			<-release
			return json.RawMessage(`{"temperatureThreshold":37}`), nil
		}
		return json.RawMessage(`{"temperatureThreshold":40}`), nil
	}}
	store := state.New(nil)
	p := poller.New(sender, store, nil, 10*time.Millisecond)
	stop := run(t, p)
	defer stop()

	require.Eventually(t, func() bool {
		return store.Snapshot().TemperatureThreshold == state.Some(40)
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sender.Calls(), 2)

	// the first fetch was issued earliest, so its late reply is stale
	close(release)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, state.Some(40), store.Snapshot().TemperatureThreshold)
}

func TestStopIsDeterministicAndLateReplyDiscarded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	sender := &fakeSender{respond: func(n int) (json.RawMessage, error) {
		if n == 1 {
			close(entered)
			<-release
		}
		return json.RawMessage(`{"button1":true}`), nil
	}}
	store := state.New(nil)
	p := poller.New(sender, store, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	<-entered
	cancel()
	store.Close()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	calls := sender.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sender.Calls(), "no ticks after Run returned")
	assert.False(t, store.Snapshot().Known(state.Relay1))
}

func TestFromSnapshotKeepsMissingFieldsUnset(t *testing.T) {
	on := true
	u := poller.FromSnapshot(device.Snapshot{Button3: &on})
	assert.Equal(t, &on, u.Relay3)
	assert.Nil(t, u.Relay1)
	assert.Nil(t, u.TemperatureThreshold)
}
