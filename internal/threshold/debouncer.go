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

package threshold

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"espdash/internal/command"
	"espdash/internal/device"
	"espdash/internal/events"
	"espdash/internal/state"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"
)

// Kind selects one of the two thresholds.
type Kind int

const (
	Temperature Kind = iota
	Humidity
)

func (k Kind) String() string {
	if k == Humidity {
		return "humidity"
	}
	return "temperature"
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "temperature":
		return Temperature, nil
	case "humidity":
		return Humidity, nil
	}
	return 0, fmt.Errorf("unknown threshold %q: %w", s, command.ErrInvalidArgument)
}

func (k Kind) field() state.Field {
	if k == Humidity {
		return state.HumidityThreshold
	}
	return state.TemperatureThreshold
}

func (k Kind) of(snap state.DeviceState) state.Optional {
	if k == Humidity {
		return snap.HumidityThreshold
	}
	return snap.TemperatureThreshold
}

// Committer is the part of the dispatcher the debouncer needs.
type Committer interface {
	SetThresholds(ctx context.Context, u command.ThresholdUpdate) (device.Thresholds, error)
}

// Value is what a threshold control shows. Live follows the user's drag
// and is never sent; Committed is the last value handed to the device or
// reported by it.
type Value struct {
	Live      state.Optional `json:"live"`
	Committed state.Optional `json:"committed"`
	Dragging  bool           `json:"dragging"`
	Pending   bool           `json:"pending"`
}

type slot struct {
	Value
	inflight    int
	commitIssue time.Time
}

// Debouncer coalesces a continuous adjustment into one committed update.
type Debouncer struct {
	committer Committer
	store     *state.Store
	bus       *eventbus.Bus
	now       func() time.Time
	log       *logger.Logger

	mu     sync.Mutex
	slots  [2]slot
	notify func()
}

func New(committer Committer, store *state.Store, bus *eventbus.Bus) *Debouncer {
	d := &Debouncer{
		committer: committer,
		store:     store,
		bus:       bus,
		now:       time.Now,
		log:       logger.New("Threshold"),
	}
	d.Sync(store.Snapshot())
	return d
}

func (d *Debouncer) String() string { return "threshold debouncer" }

// SetClock replaces time.Now, for tests.
func (d *Debouncer) SetClock(now func() time.Time) { d.now = now }

// SetNotify registers fn to be called whenever a displayed value changes.
func (d *Debouncer) SetNotify(fn func()) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

// Run keeps the displayed values in line with the store until ctx ends.
func (d *Debouncer) Run(ctx context.Context) {
	if d.bus == nil {
		<-ctx.Done()
		return
	}
	d.bus.SubscribeFunc(ctx, events.TopicDeviceState, true, func(ev eventbus.Event) {
		if snap, ok := ev.(state.DeviceState); ok {
			d.Sync(snap)
		}
	})
}

// OnContinuousChange records an intermediate value of a drag. Nothing is
// sent. A threshold whose value is still unknown cannot be adjusted.
func (d *Debouncer) OnContinuousChange(k Kind, v float64) error {
	d.mu.Lock()
	s := &d.slots[k]
	if !s.Committed.Known {
		d.mu.Unlock()
		return &command.InvalidStateError{Op: "adjust " + k.String(), Reason: "threshold not known yet"}
	}
	s.Live = state.Some(v)
	s.Dragging = true
	notify := d.notify
	d.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// OnCommit ends the interaction with value v and sends it. Afterwards both
// thresholds are resynced to the store: the sent value on success, the device's
// value if it overrode it, the previous committed value on failure.
func (d *Debouncer) OnCommit(ctx context.Context, k Kind, v float64) error {
	d.mu.Lock()
	s := &d.slots[k]
	if !s.Committed.Known {
		d.mu.Unlock()
		return &command.InvalidStateError{Op: "commit " + k.String(), Reason: "threshold not known yet"}
	}
	s.Committed = state.Some(v)
	s.Live = state.Some(v)
	s.Dragging = false
	s.Pending = true
	s.inflight++
	s.commitIssue = d.now()
	d.mu.Unlock()

	var u command.ThresholdUpdate
	if k == Humidity {
		u.Humidity = &v
	} else {
		u.Temperature = &v
	}
	_, err := d.committer.SetThresholds(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrSuperseded):
		// the newer threshold command carries v along
		d.log.Debug("commit %s %.1f: %v", k, v, err)
	default:
		d.log.Error("commit %s %.1f: %v", k, v, err)
	}

	d.mu.Lock()
	s.inflight--
	s.Pending = s.inflight > 0
	d.mu.Unlock()

	d.Sync(d.store.Snapshot())
	return err
}

// Sync aligns both thresholds with snap. While a commit is in flight,
// store values older than the commit are ignored so the control does not
// flick back to the pre-commit value; anything newer wins immediately.
func (d *Debouncer) Sync(snap state.DeviceState) {
	d.resync(Temperature, snap)
	d.resync(Humidity, snap)
}

func (d *Debouncer) resync(k Kind, snap state.DeviceState) {
	v := k.of(snap)
	if !v.Known {
		return
	}

	d.mu.Lock()
	s := &d.slots[k]
	if s.inflight > 0 && snap.Stamps[k.field()].Before(s.commitIssue) {
		d.mu.Unlock()
		return
	}
	before := s.Value
	s.Committed = v
	if !s.Dragging {
		s.Live = v
	}
	after := s.Value
	notify := d.notify
	d.mu.Unlock()

	if before != after {
		d.log.Debug("%s synced: live %v committed %v", k, after.Live, after.Committed)
		if notify != nil {
			notify()
		}
	}
}

func (d *Debouncer) Value(k Kind) Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots[k].Value
}
