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

package dashboard_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"espdash/internal/command"
	"espdash/internal/config"
	"espdash/internal/dashboard"
	"espdash/internal/device"
	"espdash/internal/events"
	"espdash/internal/state"
	"espdash/internal/threshold"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetOutput(io.Discard)
}

func ptr[T any](v T) *T { return &v }

// fakeDevice flips relays and auto mode like the firmware does.
type fakeDevice struct {
	mu    sync.Mutex
	state map[string]bool
	calls []string
}

func (f *fakeDevice) Send(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method+" "+path)
	if path == device.PathThreshold {
		return nil, nil
	}
	f.state[path] = !f.state[path]
	return json.Marshal(f.state[path])
}

func (f *fakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	svc   *dashboard.Service
	dev   *fakeDevice
	store *state.Store
	bus   *eventbus.Bus
}

func newFixture(t *testing.T, auto bool) *fixture {
	t.Helper()
	bus := eventbus.New()
	store := state.New(bus)
	_, err := store.Apply(state.Update{
		Relay1:               ptr(false),
		Relay2:               ptr(false),
		Relay3:               ptr(false),
		AutoMode:             ptr(auto),
		Temperature:          ptr(22.5),
		Humidity:             ptr(41.0),
		TemperatureThreshold: ptr(37.0),
		HumidityThreshold:    ptr(30.0),
	}, state.SourcePoll, time.Now().Add(-time.Second))
	require.NoError(t, err)

	dev := &fakeDevice{state: map[string]bool{device.PathAuto: auto}}
	disp := command.NewDispatcher(dev, store)
	thr := threshold.New(disp, store, bus)
	conf := &config.Config{EventBus: bus, BroadcastDebounceMs: 1}
	svc := dashboard.New(conf, store, disp, thr, nil)
	return &fixture{svc: svc, dev: dev, store: store, bus: bus}
}

func TestViewEnablesControlsByMode(t *testing.T) {
	var snap state.DeviceState
	v := dashboard.BuildView(snap, threshold.Value{}, threshold.Value{}, events.PollerStatus{}, nil)
	for _, r := range v.Relays {
		assert.Nil(t, r.On)
		assert.False(t, r.Enabled)
	}
	assert.Nil(t, v.AutoMode)
	assert.False(t, v.AutoModeEnabled)
	assert.False(t, v.TemperatureThreshold.Enabled)
	assert.NotNil(t, v.Pending)

	auto := newFixture(t, true).svc.View()
	assert.True(t, auto.Relays[0].Enabled)
	assert.False(t, auto.Relays[2].Enabled, "relay 3 belongs to the device in auto mode")
	assert.True(t, auto.TemperatureThreshold.Enabled)
	assert.True(t, auto.HumidityThreshold.Enabled)
	assert.Equal(t, 60.0, auto.TemperatureThreshold.Max)

	manual := newFixture(t, false).svc.View()
	assert.True(t, manual.Relays[2].Enabled)
	assert.False(t, manual.TemperatureThreshold.Enabled)
	assert.False(t, manual.HumidityThreshold.Enabled)
}

func TestAPIState(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 22.5, got["temperature"])
	assert.Equal(t, true, got["autoMode"])
	assert.Equal(t, 37.0, got["temperatureThreshold"].(map[string]any)["committed"])
}

func TestServesPage(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "<title>ESP32 Dashboard</title>")
}

func postCommand(t *testing.T, url string, req dashboard.Request) (*http.Response, dashboard.Message) {
	t.Helper()
	data, _ := json.Marshal(req)
	resp, err := http.Post(url+"/api/command", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var msg dashboard.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	return resp, msg
}

func TestAPICommandRelay3RefusedInAutoMode(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.svc)
	defer srv.Close()

	resp, msg := postCommand(t, srv.URL, dashboard.Request{Command: "toggle_relay", Relay: 3})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, msg.Error, "invalid state")
	assert.Empty(t, f.dev.Calls())
}

func TestAPICommandToggle(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.svc)
	defer srv.Close()

	resp, msg := postCommand(t, srv.URL, dashboard.Request{Command: "toggle_relay", Relay: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, msg.View)
	assert.Equal(t, ptr(true), msg.View.Relays[2].On)
	assert.Equal(t, []string{"GET " + device.PathLed3}, f.dev.Calls())
}

func TestAPICommandBadRequest(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.svc)
	defer srv.Close()

	resp, msg := postCommand(t, srv.URL, dashboard.Request{Command: "toggle_relay", Relay: 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, msg.Error, "invalid argument")

	resp, _ = postCommand(t, srv.URL, dashboard.Request{Command: "reboot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://localhost"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads messages until match returns true or the deadline hits.
func readUntil(t *testing.T, ws *websocket.Conn, match func(dashboard.Message) bool) dashboard.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg dashboard.Message
		require.NoError(t, ws.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestWebSocketFlow(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.svc.Run(ctx)

	srv := httptest.NewServer(f.svc)
	defer srv.Close()
	ws := dial(t, srv)

	first := readUntil(t, ws, func(m dashboard.Message) bool { return m.Type == "state" })
	assert.Equal(t, ptr(false), first.View.Relays[0].On)

	require.NoError(t, ws.WriteJSON(dashboard.Request{Command: "toggle_relay", Relay: 1}))
	readUntil(t, ws, func(m dashboard.Message) bool {
		return m.Type == "state" && m.View.Relays[0].On != nil && *m.View.Relays[0].On
	})

	require.NoError(t, ws.WriteJSON(dashboard.Request{Command: "toggle_relay", Relay: 3}))
	reply := readUntil(t, ws, func(m dashboard.Message) bool { return m.Type == "reply" })
	assert.Equal(t, "toggle_relay", reply.Command)
	assert.Contains(t, reply.Error, "relay 3")

	// a drag is only local
	require.NoError(t, ws.WriteJSON(dashboard.Request{Command: "drag_threshold", Threshold: "temperature", Value: 45}))
	readUntil(t, ws, func(m dashboard.Message) bool {
		return m.Type == "state" && m.View.TemperatureThreshold.Dragging
	})
	assert.Equal(t, []string{"GET " + device.PathToggle1}, f.dev.Calls())

	require.NoError(t, ws.WriteJSON(dashboard.Request{Command: "commit_threshold", Threshold: "temperature", Value: 45}))
	readUntil(t, ws, func(m dashboard.Message) bool {
		tv := m.View
		return m.Type == "state" && !tv.TemperatureThreshold.Dragging && tv.TemperatureThreshold.Committed == state.Some(45)
	})
	assert.Equal(t, state.Some(45), f.store.Snapshot().TemperatureThreshold)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.svc)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
