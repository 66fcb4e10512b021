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

package state

import (
	"errors"
	"sync"
	"time"

	"espdash/internal/events"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"
)

var ErrClosed = errors.New("state store closed")

// Store is the single source of truth for displayed device state. Apply is
// the only way to mutate it.
type Store struct {
	mu     sync.RWMutex
	state  DeviceState
	closed bool
	bus    *eventbus.Bus
	log    *logger.Logger
}

// New returns a store with every field unknown. bus may be nil.
func New(bus *eventbus.Bus) *Store {
	return &Store{
		bus: bus,
		log: logger.New("Store"),
	}
}

// Apply merges u into the state field by field. A field is written only
// when ts is not older than the last accepted write to that same field,
// so a late reply can never clobber a newer one regardless of its source.
// The returned Applied lists the fields that were written.
func (s *Store) Apply(u Update, src Source, ts time.Time) (Applied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var applied Applied
	accept := func(f Field) bool {
		if ts.Before(s.state.Stamps[f]) {
			s.log.Debug("drop stale %s %s: %s < %s", src, f,
				ts.Format(time.StampMilli), s.state.Stamps[f].Format(time.StampMilli))
			return false
		}
		s.state.Stamps[f] = ts
		applied = append(applied, f)
		return true
	}

	if u.Relay1 != nil && accept(Relay1) {
		s.state.Relay1 = *u.Relay1
	}
	if u.Relay2 != nil && accept(Relay2) {
		s.state.Relay2 = *u.Relay2
	}
	if u.Relay3 != nil && accept(Relay3) {
		s.state.Relay3 = *u.Relay3
	}
	if u.AutoMode != nil && accept(AutoMode) {
		s.state.AutoMode = *u.AutoMode
	}
	if u.Temperature != nil && accept(Temperature) {
		s.state.Temperature = Some(*u.Temperature)
	}
	if u.Humidity != nil && accept(Humidity) {
		s.state.Humidity = Some(*u.Humidity)
	}
	if u.TemperatureThreshold != nil && accept(TemperatureThreshold) {
		s.state.TemperatureThreshold = Some(*u.TemperatureThreshold)
	}
	if u.HumidityThreshold != nil && accept(HumidityThreshold) {
		s.state.HumidityThreshold = Some(*u.HumidityThreshold)
	}

	if len(applied) == 0 {
		return nil, nil
	}

	s.state.Version++
	if !ts.Before(s.state.LastUpdated) {
		s.state.LastUpdated = ts
		s.state.Source = src
	}

	// published under the lock so subscribers never see versions go backwards
	if s.bus != nil {
		s.bus.Publish(events.TopicDeviceState, s.state)
	}
	return applied, nil
}

// Snapshot returns a consistent copy of the whole state.
func (s *Store) Snapshot() DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Close ends the session. Replies that arrive afterwards are discarded by
// Apply.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
