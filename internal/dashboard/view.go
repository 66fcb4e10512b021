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

package dashboard

import (
	"time"

	"espdash/internal/command"
	"espdash/internal/events"
	"espdash/internal/state"
	"espdash/internal/threshold"
)

type RelayView struct {
	ID      int   `json:"id"`
	On      *bool `json:"on"`
	Enabled bool  `json:"enabled"`
}

type ThresholdView struct {
	threshold.Value
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Enabled bool    `json:"enabled"`
}

// View is everything the page renders. A control is enabled only when the
// value it would change is known and the device accepts changes to it in
// the current mode.
type View struct {
	Temperature state.Optional `json:"temperature"`
	Humidity    state.Optional `json:"humidity"`

	Relays          [3]RelayView `json:"relays"`
	AutoMode        *bool        `json:"autoMode"`
	AutoModeEnabled bool         `json:"autoModeEnabled"`

	TemperatureThreshold ThresholdView `json:"temperatureThreshold"`
	HumidityThreshold    ThresholdView `json:"humidityThreshold"`

	Poller      events.PollerStatus      `json:"poller"`
	Pending     []command.PendingCommand `json:"pending"`
	LastUpdated time.Time                `json:"lastUpdated"`
	Source      state.Source             `json:"source"`
	Version     uint64                   `json:"version"`
}

func known(snap state.DeviceState, f state.Field, v bool) *bool {
	if !snap.Known(f) {
		return nil
	}
	return &v
}

func BuildView(snap state.DeviceState, temp, hum threshold.Value, status events.PollerStatus, pending []command.PendingCommand) View {
	autoKnown := snap.Known(state.AutoMode)
	auto := autoKnown && snap.AutoMode
	manual := autoKnown && !snap.AutoMode

	v := View{
		Temperature:     snap.Temperature,
		Humidity:        snap.Humidity,
		AutoMode:        known(snap, state.AutoMode, snap.AutoMode),
		AutoModeEnabled: autoKnown,
		Poller:          status,
		Pending:         pending,
		LastUpdated:     snap.LastUpdated,
		Source:          snap.Source,
		Version:         snap.Version,
	}
	if v.Pending == nil {
		v.Pending = []command.PendingCommand{}
	}

	for i := range v.Relays {
		id := i + 1
		on, field, _ := snap.Relay(id)
		r := RelayView{ID: id, On: known(snap, field, on)}
		r.Enabled = r.On != nil
		if id == 3 {
			r.Enabled = r.Enabled && manual
		}
		v.Relays[i] = r
	}

	v.TemperatureThreshold = ThresholdView{
		Value:   temp,
		Max:     command.MaxTemperatureThreshold,
		Enabled: auto && temp.Committed.Known,
	}
	v.HumidityThreshold = ThresholdView{
		Value:   hum,
		Max:     command.MaxHumidityThreshold,
		Enabled: auto && hum.Committed.Known,
	}
	return v
}
