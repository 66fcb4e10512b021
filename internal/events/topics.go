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

package events

import (
	"espdash/pkg/eventbus"
	"time"
)

var (
	// TopicDeviceState carries a state.DeviceState after every accepted
	// store update.
	TopicDeviceState eventbus.Topic = "device_state"

	// TopicPollerStatus carries a PollerStatus after every poll tick.
	TopicPollerStatus eventbus.Topic = "poller_status"
)

// PollerStatus is the soft connectivity indicator shown on the dashboard.
type PollerStatus struct {
	Online              bool      `json:"online"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastSuccess         time.Time `json:"lastSuccess"`
}
