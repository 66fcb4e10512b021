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

package device

import (
	"context"
	"fmt"
	"net/http"
)

// Firmware endpoints. Paths and JSON field names are the device's wire
// contract and must not change.
const (
	PathData      = "/app/data"
	PathAuto      = "/app/auto"
	PathToggle1   = "/app/toggle/1"
	PathToggle2   = "/app/toggle/2"
	PathLed3      = "/app/led3"
	PathThreshold = "/app/threshold"
)

// Snapshot is the body of GET /app/data. Fields are pointers so that a
// missing or null field is "not reported" rather than a zero value.
type Snapshot struct {
	Temperature          *float64 `json:"temperature"`
	Humidity             *float64 `json:"humidity"`
	Button1              *bool    `json:"button1"`
	Button2              *bool    `json:"button2"`
	Button3              *bool    `json:"button3"`
	IsAutoMode           *bool    `json:"isAutoMode"`
	TemperatureThreshold *float64 `json:"temperatureThreshold"`
	HumidityThreshold    *float64 `json:"humidityThreshold"`
}

// Thresholds is the body of POST /app/threshold. Both fields always travel
// together.
type Thresholds struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// RelayPath maps relay ids 1..3 to their toggle endpoint.
func RelayPath(id int) (string, error) {
	switch id {
	case 1:
		return PathToggle1, nil
	case 2:
		return PathToggle2, nil
	case 3:
		return PathLed3, nil
	default:
		return "", fmt.Errorf("unknown relay %d", id)
	}
}

func GetSnapshot(ctx context.Context, s Sender) (Snapshot, error) {
	raw, err := s.Send(ctx, http.MethodGet, PathData, nil)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode[Snapshot](PathData, raw)
}

// Toggle hits one of the toggle endpoints and returns the state the
// device reports after toggling.
func Toggle(ctx context.Context, s Sender, path string) (bool, error) {
	raw, err := s.Send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	return Decode[bool](path, raw)
}

func PostThresholds(ctx context.Context, s Sender, t Thresholds) error {
	_, err := s.Send(ctx, http.MethodPost, PathThreshold, t)
	return err
}
