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
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"espdash/internal/device"
	"espdash/pkg/logger"
)

// Slider ranges accepted by the firmware.
const (
	MaxTemperatureThreshold = 60.0
	MaxHumidityThreshold    = 80.0
)

var (
	ErrAutoMode   = errors.New("relay 3 is controlled by auto mode")
	ErrOutOfRange = errors.New("threshold out of range")
)

// Device emulates the firmware: two drifting sensors, three relays and
// the auto mode rule that drives relay 3.
type Device struct {
	relays Relays
	log    *logger.Logger
	tick   time.Duration

	mu          sync.Mutex
	rnd         *rand.Rand
	temperature float64
	humidity    float64
	thresholds  device.Thresholds
	auto        bool
}

func NewDevice(conf *Config, relays Relays) *Device {
	seed := conf.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Device{
		relays:      relays,
		log:         logger.New("Simulator"),
		tick:        time.Duration(conf.TickMs) * time.Millisecond,
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		temperature: conf.Initial.Temperature,
		humidity:    conf.Initial.Humidity,
		thresholds: device.Thresholds{
			Temperature: conf.Initial.TemperatureThreshold,
			Humidity:    conf.Initial.HumidityThreshold,
		},
		auto: conf.Initial.AutoMode,
	}
}

func (d *Device) String() string { return "device simulator" }

// Run drifts the sensors every tick until ctx ends.
func (d *Device) Run(ctx context.Context) {
	d.log.Info("simulating, tick %v", d.tick)
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Step(ctx); err != nil {
				d.log.Error("step: %v", err)
			}
		}
	}
}

// Step advances the sensors by one random walk step and applies the auto
// rule.
func (d *Device) Step(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temperature = clamp(d.temperature+d.rnd.NormFloat64()*0.3, -10, 60)
	d.humidity = clamp(d.humidity+d.rnd.NormFloat64()*0.8, 0, 100)
	return d.applyAutoLocked(ctx)
}

// SetReadings overrides the sensors, then applies the auto rule.
func (d *Device) SetReadings(ctx context.Context, temperature, humidity float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.temperature, d.humidity = temperature, humidity
	return d.applyAutoLocked(ctx)
}

func (d *Device) applyAutoLocked(ctx context.Context) error {
	if !d.auto {
		return nil
	}
	want := d.temperature > d.thresholds.Temperature || d.humidity > d.thresholds.Humidity
	on, err := d.relays.Get(ctx, 3)
	if err != nil {
		return err
	}
	if on == want {
		return nil
	}
	d.log.Debug("auto: relay 3 -> %v (%.1f/%.1f, %.1f/%.1f)", want,
		d.temperature, d.thresholds.Temperature, d.humidity, d.thresholds.Humidity)
	return d.relays.Set(ctx, 3, want)
}

func (d *Device) Snapshot(ctx context.Context) (device.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var relays [3]bool
	for i := range relays {
		on, err := d.relays.Get(ctx, i+1)
		if err != nil {
			return device.Snapshot{}, err
		}
		relays[i] = on
	}
	temp := round1(d.temperature)
	hum := round1(d.humidity)
	tThr, hThr := d.thresholds.Temperature, d.thresholds.Humidity
	auto := d.auto
	return device.Snapshot{
		Temperature:          &temp,
		Humidity:             &hum,
		Button1:              &relays[0],
		Button2:              &relays[1],
		Button3:              &relays[2],
		IsAutoMode:           &auto,
		TemperatureThreshold: &tThr,
		HumidityThreshold:    &hThr,
	}, nil
}

// ToggleRelay flips relay id and returns its new state.
func (d *Device) ToggleRelay(ctx context.Context, id int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == 3 && d.auto {
		return false, ErrAutoMode
	}
	on, err := d.relays.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if err := d.relays.Set(ctx, id, !on); err != nil {
		return false, err
	}
	d.log.Info("relay %d -> %v", id, !on)
	return !on, nil
}

// ToggleAuto flips auto mode and returns the new mode. Entering auto mode
// applies the rule at once.
func (d *Device) ToggleAuto(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto = !d.auto
	d.log.Info("auto mode -> %v", d.auto)
	return d.auto, d.applyAutoLocked(ctx)
}

func (d *Device) SetThresholds(ctx context.Context, t device.Thresholds) error {
	if t.Temperature < 0 || t.Temperature > MaxTemperatureThreshold {
		return fmt.Errorf("temperature %.1f: %w", t.Temperature, ErrOutOfRange)
	}
	if t.Humidity < 0 || t.Humidity > MaxHumidityThreshold {
		return fmt.Errorf("humidity %.1f: %w", t.Humidity, ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = t
	d.log.Info("thresholds -> %.1f / %.1f", t.Temperature, t.Humidity)
	return d.applyAutoLocked(ctx)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
