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

package command

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"espdash/internal/device"
	"espdash/internal/state"
	"espdash/pkg/logger"

	"github.com/google/uuid"
)

// Slider ranges of the device UI.
const (
	MaxTemperatureThreshold = 60.0
	MaxHumidityThreshold    = 80.0
)

// Control is a user-facing control. Each control has at most one command
// in flight that counts.
type Control string

const (
	ControlRelay1     Control = "relay1"
	ControlRelay2     Control = "relay2"
	ControlRelay3     Control = "relay3"
	ControlAutoMode   Control = "autoMode"
	ControlThresholds Control = "thresholds"
)

func relayControl(id int) Control {
	return Control(fmt.Sprintf("relay%d", id))
}

// PendingCommand is a user command waiting for the device's reply.
type PendingCommand struct {
	ID       uuid.UUID `json:"id"`
	Control  Control   `json:"control"`
	Kind     string    `json:"kind"`
	Payload  any       `json:"payload,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// ThresholdUpdate carries the thresholds a caller wants to change. A nil
// field keeps the committed value.
type ThresholdUpdate struct {
	Temperature *float64
	Humidity    *float64
}

// Dispatcher turns user intents into single device requests and applies
// the device's reply to the store. It never changes the store before a
// reply arrives.
type Dispatcher struct {
	sender device.Sender
	store  *state.Store
	now    func() time.Time
	log    *logger.Logger

	mu      sync.Mutex
	pending map[Control]PendingCommand
}

func NewDispatcher(sender device.Sender, store *state.Store) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		store:   store,
		now:     time.Now,
		log:     logger.New("Dispatcher"),
		pending: make(map[Control]PendingCommand),
	}
}

// SetClock replaces time.Now, for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// ToggleRelay toggles relay id (1..3) and returns the state the device
// reports. Relay 3 belongs to the device while auto mode is on, so the
// call is refused up front unless auto mode is known to be off.
func (d *Dispatcher) ToggleRelay(ctx context.Context, id int) (bool, error) {
	op := fmt.Sprintf("toggle relay %d", id)
	path, err := device.RelayPath(id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, ErrInvalidArgument)
	}

	if id == 3 {
		snap := d.store.Snapshot()
		if !snap.Known(state.AutoMode) {
			return false, &InvalidStateError{Op: op, Reason: "auto mode not known yet"}
		}
		if snap.AutoMode {
			return false, &InvalidStateError{Op: op, Reason: "relay 3 is driven by the device in auto mode"}
		}
	}

	cmd := d.begin(relayControl(id), "toggle", nil)
	on, err := device.Toggle(ctx, d.sender, path)
	received := d.now()
	if !d.finish(cmd) {
		d.log.Debug("%s: reply %v discarded, superseded", op, on)
		return on, fmt.Errorf("%s: %w", op, ErrSuperseded)
	}
	if err != nil {
		d.log.Error("%s: %v", op, err)
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := d.apply(state.RelayUpdate(id, on), received); err != nil {
		return on, fmt.Errorf("%s: %w", op, err)
	}
	d.log.Info("%s -> %v", op, on)
	return on, nil
}

// SetAutoMode asks for auto mode enabled. The firmware only exposes a
// toggle, so exactly one toggle is sent and the echoed mode is what the
// store records, even when it differs from enabled. The request is sent
// even when the known mode already matches; callers that want set
// semantics check the store first.
func (d *Dispatcher) SetAutoMode(ctx context.Context, enabled bool) (bool, error) {
	const op = "set auto mode"

	if snap := d.store.Snapshot(); snap.Known(state.AutoMode) && snap.AutoMode == enabled {
		d.log.Warn("%s: mode is already %v, the toggle will flip it", op, enabled)
	}

	cmd := d.begin(ControlAutoMode, "setAutoMode", enabled)
	mode, err := device.Toggle(ctx, d.sender, device.PathAuto)
	received := d.now()
	if !d.finish(cmd) {
		d.log.Debug("%s: reply %v discarded, superseded", op, mode)
		return mode, fmt.Errorf("%s: %w", op, ErrSuperseded)
	}
	if err != nil {
		d.log.Error("%s: %v", op, err)
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := d.apply(state.Update{AutoMode: &mode}, received); err != nil {
		return mode, fmt.Errorf("%s: %w", op, err)
	}
	if mode != enabled {
		d.log.Warn("%s: requested %v, device reports %v", op, enabled, mode)
	} else {
		d.log.Info("%s -> %v", op, mode)
	}
	return mode, nil
}

// SetThresholds sends both thresholds in one request. A field left nil in u
// is taken from the threshold command still in flight, if any, otherwise
// from the committed store value; if that value is still unknown the call
// fails before anything is sent. The newer command supersedes the one in
// flight and carries its values along.
func (d *Dispatcher) SetThresholds(ctx context.Context, u ThresholdUpdate) (device.Thresholds, error) {
	const op = "set thresholds"

	snap := d.store.Snapshot()
	d.mu.Lock()
	var inflight *device.Thresholds
	if prev, ok := d.pending[ControlThresholds]; ok {
		if t, ok := prev.Payload.(device.Thresholds); ok {
			inflight = &t
		}
	}
	t, err := resolveThresholds(u, inflight, snap)
	if err != nil {
		d.mu.Unlock()
		return device.Thresholds{}, fmt.Errorf("%s: %w", op, err)
	}
	cmd := d.beginLocked(ControlThresholds, "setThresholds", t)
	d.mu.Unlock()

	err = device.PostThresholds(ctx, d.sender, t)
	received := d.now()
	if !d.finish(cmd) {
		d.log.Debug("%s: reply for %+v discarded, superseded", op, t)
		return t, fmt.Errorf("%s: %w", op, ErrSuperseded)
	}
	if err != nil {
		d.log.Error("%s: %v", op, err)
		return device.Thresholds{}, fmt.Errorf("%s: %w", op, err)
	}

	// the device acknowledges with a status only; what it accepted is
	// what was sent
	err = d.apply(state.Update{
		TemperatureThreshold: &t.Temperature,
		HumidityThreshold:    &t.Humidity,
	}, received)
	if err != nil {
		return t, fmt.Errorf("%s: %w", op, err)
	}
	d.log.Info("%s -> temperature %.1f, humidity %.1f", op, t.Temperature, t.Humidity)
	return t, nil
}

func resolveThresholds(u ThresholdUpdate, inflight *device.Thresholds, snap state.DeviceState) (device.Thresholds, error) {
	var t device.Thresholds

	switch {
	case u.Temperature != nil:
		t.Temperature = *u.Temperature
	case inflight != nil:
		t.Temperature = inflight.Temperature
	case snap.TemperatureThreshold.Known:
		t.Temperature = snap.TemperatureThreshold.Value
	default:
		return t, &InvalidStateError{Op: "set thresholds", Reason: "temperature threshold not known yet"}
	}

	switch {
	case u.Humidity != nil:
		t.Humidity = *u.Humidity
	case inflight != nil:
		t.Humidity = inflight.Humidity
	case snap.HumidityThreshold.Known:
		t.Humidity = snap.HumidityThreshold.Value
	default:
		return t, &InvalidStateError{Op: "set thresholds", Reason: "humidity threshold not known yet"}
	}

	if t.Temperature < 0 || t.Temperature > MaxTemperatureThreshold {
		return t, fmt.Errorf("temperature threshold %.1f outside 0..%.0f: %w", t.Temperature, MaxTemperatureThreshold, ErrInvalidArgument)
	}
	if t.Humidity < 0 || t.Humidity > MaxHumidityThreshold {
		return t, fmt.Errorf("humidity threshold %.1f outside 0..%.0f: %w", t.Humidity, MaxHumidityThreshold, ErrInvalidArgument)
	}
	return t, nil
}

func (d *Dispatcher) apply(u state.Update, received time.Time) error {
	_, err := d.store.Apply(u, state.SourceCommand, received)
	if err != nil {
		d.log.Debug("reply discarded: %v", err)
	}
	return err
}

// begin registers cmd as the command that counts for its control,
// superseding any earlier one.
func (d *Dispatcher) begin(control Control, kind string, payload any) PendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.beginLocked(control, kind, payload)
}

func (d *Dispatcher) beginLocked(control Control, kind string, payload any) PendingCommand {
	cmd := PendingCommand{
		ID:       uuid.New(),
		Control:  control,
		Kind:     kind,
		Payload:  payload,
		IssuedAt: d.now(),
	}
	if prev, ok := d.pending[control]; ok {
		d.log.Debug("%s %s supersedes %s", control, cmd.ID, prev.ID)
	}
	d.pending[control] = cmd
	return cmd
}

// finish retires cmd and reports whether it was still the latest command
// for its control.
func (d *Dispatcher) finish(cmd PendingCommand) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.pending[cmd.Control]
	if !ok || cur.ID != cmd.ID {
		return false
	}
	delete(d.pending, cmd.Control)
	return true
}

// Pending lists in-flight commands ordered by issue time.
func (d *Dispatcher) Pending() []PendingCommand {
	d.mu.Lock()
	out := make([]PendingCommand, 0, len(d.pending))
	for _, cmd := range d.pending {
		out = append(out, cmd)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}
