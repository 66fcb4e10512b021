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
	"sync"

	"espdash/pkg/modbus"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// Relays drives the three relay outputs. Ids are 1..3.
type Relays interface {
	Get(ctx context.Context, id int) (bool, error)
	Set(ctx context.Context, id int, on bool) error
	Close() error
}

func OpenRelays(ctx context.Context, conf *Config) (Relays, error) {
	switch conf.Backend {
	case "modbus":
		c, err := modbus.Dial(ctx, &conf.Modbus)
		if err != nil {
			return nil, err
		}
		return &modbusRelays{client: c}, nil
	case "gpio":
		return openGPIO(conf.GPIO)
	}
	return &MemoryRelays{}, nil
}

type MemoryRelays struct {
	mu    sync.Mutex
	state [3]bool
}

func (m *MemoryRelays) Get(ctx context.Context, id int) (bool, error) {
	if id < 1 || id > 3 {
		return false, fmt.Errorf("relay %d out of range", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[id-1], nil
}

func (m *MemoryRelays) Set(ctx context.Context, id int, on bool) error {
	if id < 1 || id > 3 {
		return fmt.Errorf("relay %d out of range", id)
	}
	m.mu.Lock()
	m.state[id-1] = on
	m.mu.Unlock()
	return nil
}

func (m *MemoryRelays) Close() error { return nil }

// modbusRelays keeps the relays in bool holding registers named
// relay1..relay3.
type modbusRelays struct {
	client *modbus.Client
}

func (m *modbusRelays) Get(ctx context.Context, id int) (bool, error) {
	v, err := m.client.ReadValue(ctx, fmt.Sprintf("relay%d", id))
	return v != 0, err
}

func (m *modbusRelays) Set(ctx context.Context, id int, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return m.client.WriteValue(ctx, fmt.Sprintf("relay%d", id), v)
}

func (m *modbusRelays) Close() error {
	m.client.Close()
	return nil
}

type gpioRelays struct {
	mu    sync.Mutex
	chip  *gpiod.Chip
	lines [3]*gpiod.Line
}

func openGPIO(conf GPIOConfig) (*gpioRelays, error) {
	chip, err := gpiod.NewChip(conf.Chip)
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", conf.Chip, err)
	}
	g := &gpioRelays{chip: chip}

	for i, offset := range conf.RelayLines {
		opts := []gpiod.LineReqOption{gpiod.AsOutput(0), gpiod.WithConsumer("espsim")}
		if conf.ActiveLow {
			opts = append(opts, gpiod.AsActiveLow)
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("request relay %d on line %d: %w", i+1, offset, err)
		}
		g.lines[i] = line
	}
	return g, nil
}

func (g *gpioRelays) line(id int) (*gpiod.Line, error) {
	if id < 1 || id > 3 || g.lines[id-1] == nil {
		return nil, fmt.Errorf("relay %d not configured", id)
	}
	return g.lines[id-1], nil
}

func (g *gpioRelays) Get(ctx context.Context, id int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	line, err := g.line(id)
	if err != nil {
		return false, err
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read relay %d: %w", id, err)
	}
	return v != 0, nil
}

func (g *gpioRelays) Set(ctx context.Context, id int, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	line, err := g.line(id)
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set relay %d: %w", id, err)
	}
	return nil
}

func (g *gpioRelays) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for i, line := range g.lines {
		if line == nil {
			continue
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay %d: %w", i+1, err))
		}
		g.lines[i] = nil
	}
	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}
	return errors.Join(errs...)
}
