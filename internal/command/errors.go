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
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for relay ids outside 1..3 and
	// thresholds outside the device's range.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSuperseded is returned when a newer command for the same control
	// was issued while this one was in flight. Its reply was discarded.
	ErrSuperseded = errors.New("superseded by a newer command")
)

// InvalidStateError is a client-side precondition failure. It is always
// returned before any request reaches the device.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid state: %s", e.Op, e.Reason)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}
