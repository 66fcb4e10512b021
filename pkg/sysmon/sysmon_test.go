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

package sysmon

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetOutput(io.Discard)
}

func TestCollectIncludesBusAndExtras(t *testing.T) {
	bus := eventbus.New()
	bus.Publish("t", 1)
	s := New(bus)
	s.Expose("poller", func() any { return map[string]bool{"online": true} })

	m := s.Collect()
	require.NotNil(t, m.Bus)
	assert.Equal(t, int64(1), m.Bus.Published)
	assert.Equal(t, map[string]bool{"online": true}, m.Extra["poller"])
	assert.NotEmpty(t, m.GoVersion)
}

func TestServeJSON(t *testing.T) {
	s := New(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Contains(t, got, "cpu")
	assert.NotContains(t, got, "event_bus")
}

func TestServeHTML(t *testing.T) {
	s := New(eventbus.New())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Contains(t, rec.Body.String(), "<h1>System Monitor</h1>")
	assert.Contains(t, rec.Body.String(), "Event bus")
}
