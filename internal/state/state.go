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
	"encoding/json"
	"fmt"
	"time"
)

// Source tells which path produced an update.
type Source int

const (
	SourcePoll Source = iota
	SourceCommand
)

func (s Source) String() string {
	switch s {
	case SourcePoll:
		return "poll"
	case SourceCommand:
		return "command"
	default:
		return "unknown"
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "poll":
		*s = SourcePoll
	case "command":
		*s = SourceCommand
	default:
		return fmt.Errorf("unknown source %q", b)
	}
	return nil
}

// Field identifies one independently stamped DeviceState field.
type Field int

const (
	Relay1 Field = iota
	Relay2
	Relay3
	AutoMode
	Temperature
	Humidity
	TemperatureThreshold
	HumidityThreshold

	numFields
)

var fieldNames = [numFields]string{
	"relay1", "relay2", "relay3", "autoMode",
	"temperature", "humidity", "temperatureThreshold", "humidityThreshold",
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "invalid"
	}
	return fieldNames[f]
}

// Fields lists every stamped field in declaration order.
func Fields() []Field {
	fs := make([]Field, numFields)
	for i := range fs {
		fs[i] = Field(i)
	}
	return fs
}

// Optional is a float that may not have been reported yet.
type Optional struct {
	Value float64
	Known bool
}

func Some(v float64) Optional { return Optional{Value: v, Known: true} }

func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.Known {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *Optional) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Optional{}
		return nil
	}
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return err
	}
	o.Known = true
	return nil
}

// Stamps holds the time of the last accepted write per field. A zero time
// means the field has never been written and its value is unknown.
type Stamps [numFields]time.Time

// DeviceState mirrors the device. Exactly one lives in a session, inside
// the Store; everything else only holds copies.
type DeviceState struct {
	Relay1   bool
	Relay2   bool
	Relay3   bool
	AutoMode bool

	Temperature          Optional
	Humidity             Optional
	TemperatureThreshold Optional
	HumidityThreshold    Optional

	LastUpdated time.Time
	Source      Source
	Stamps      Stamps
	Version     uint64
}

// Known reports whether f has been written at least once.
func (s DeviceState) Known(f Field) bool {
	return !s.Stamps[f].IsZero()
}

// Relay returns the state of relay id 1..3.
func (s DeviceState) Relay(id int) (bool, Field, bool) {
	switch id {
	case 1:
		return s.Relay1, Relay1, true
	case 2:
		return s.Relay2, Relay2, true
	case 3:
		return s.Relay3, Relay3, true
	}
	return false, 0, false
}

// Update is a partial DeviceState. Nil fields are left untouched.
type Update struct {
	Relay1   *bool
	Relay2   *bool
	Relay3   *bool
	AutoMode *bool

	Temperature          *float64
	Humidity             *float64
	TemperatureThreshold *float64
	HumidityThreshold    *float64
}

// RelayUpdate builds an Update that sets relay id 1..3.
func RelayUpdate(id int, on bool) Update {
	var u Update
	switch id {
	case 1:
		u.Relay1 = &on
	case 2:
		u.Relay2 = &on
	case 3:
		u.Relay3 = &on
	}
	return u
}

func (u Update) Empty() bool {
	return u.Relay1 == nil && u.Relay2 == nil && u.Relay3 == nil && u.AutoMode == nil &&
		u.Temperature == nil && u.Humidity == nil &&
		u.TemperatureThreshold == nil && u.HumidityThreshold == nil
}

// Applied lists the fields an Apply call actually wrote.
type Applied []Field

func (a Applied) Has(f Field) bool {
	for _, x := range a {
		if x == f {
			return true
		}
	}
	return false
}
