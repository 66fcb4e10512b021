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

package devicesim

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"espdash/internal/device"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Router serves the firmware's HTTP contract.
func (d *Device) Router(faults FaultConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(faultMiddleware(faults))

	r.HandleFunc(device.PathData, d.getData).Methods(http.MethodGet)
	r.HandleFunc(device.PathAuto, d.getAuto).Methods(http.MethodGet)
	r.HandleFunc("/app/toggle/{id:[12]}", d.getToggle).Methods(http.MethodGet)
	r.HandleFunc(device.PathLed3, d.getLed3).Methods(http.MethodGet)
	r.HandleFunc(device.PathThreshold, d.postThreshold).Methods(http.MethodPost)
	return r
}

// Handler is Router with CORS for browser clients and an access log.
func (d *Device) Handler(faults FaultConfig, accessLog io.Writer) http.Handler {
	var h http.Handler = d.Router(faults)
	h = handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	if accessLog != nil {
		h = handlers.LoggingHandler(accessLog, h)
	}
	return handlers.RecoveryHandler()(h)
}

func (d *Device) getData(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Snapshot(r.Context())
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, snap)
}

func (d *Device) getAuto(w http.ResponseWriter, r *http.Request) {
	mode, err := d.ToggleAuto(r.Context())
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, mode)
}

func (d *Device) getToggle(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	d.toggle(w, r, id)
}

func (d *Device) getLed3(w http.ResponseWriter, r *http.Request) {
	d.toggle(w, r, 3)
}

func (d *Device) toggle(w http.ResponseWriter, r *http.Request, id int) {
	on, err := d.ToggleRelay(r.Context(), id)
	if err != nil {
		d.fail(w, err)
		return
	}
	writeJSON(w, on)
}

func (d *Device) postThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Temperature == nil || body.Humidity == nil {
		http.Error(w, "temperature and humidity are both required", http.StatusBadRequest)
		return
	}
	err := d.SetThresholds(r.Context(), device.Thresholds{Temperature: *body.Temperature, Humidity: *body.Humidity})
	if err != nil {
		d.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (d *Device) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrAutoMode):
		status = http.StatusConflict
	case errors.Is(err, ErrOutOfRange):
		status = http.StatusBadRequest
	default:
		d.log.Error("%v", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func faultMiddleware(f FaultConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if f.LatencyMs > 0 {
				select {
				case <-time.After(time.Duration(f.LatencyMs) * time.Millisecond):
				case <-r.Context().Done():
					return
				}
			}
			if f.ErrorRate > 0 && rand.Float64() < f.ErrorRate {
				http.Error(w, "injected fault", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
