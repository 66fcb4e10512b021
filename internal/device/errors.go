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
	"fmt"
)

// NetworkError means the request never produced an HTTP response
// (device unreachable, connection reset, timeout).
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError means the device answered with a non-2xx status.
type HTTPError struct {
	Method string
	Path   string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: http status %d", e.Method, e.Path, e.Status)
}

// DecodeError means the device answered 2xx with a payload that is not the
// expected JSON.
type DecodeError struct {
	Path string
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v (body %q)", e.Path, e.Err, truncate(e.Body, 64))
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
