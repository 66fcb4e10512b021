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
	"fmt"
	"os"

	"espdash/pkg/modbus"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen  string `yaml:"listen"`
	Backend string `yaml:"backend"` // "memory", "modbus" or "gpio"
	TickMs  int    `yaml:"tick_ms"`
	Seed    uint64 `yaml:"seed"`

	Initial InitialState  `yaml:"initial"`
	Faults  FaultConfig   `yaml:"faults"`
	Modbus  modbus.Config `yaml:"modbus"`
	GPIO    GPIOConfig    `yaml:"gpio"`
}

type InitialState struct {
	Temperature          float64 `yaml:"temperature"`
	Humidity             float64 `yaml:"humidity"`
	TemperatureThreshold float64 `yaml:"temperature_threshold"`
	HumidityThreshold    float64 `yaml:"humidity_threshold"`
	AutoMode             bool    `yaml:"auto_mode"`
}

// FaultConfig makes the simulator misbehave like a device on a bad link.
type FaultConfig struct {
	ErrorRate float64 `yaml:"error_rate"` // 0..1, share of requests answered with 500
	LatencyMs int     `yaml:"latency_ms"` // added to every request
}

type GPIOConfig struct {
	Chip       string `yaml:"chip"`
	RelayLines [3]int `yaml:"relay_lines"`
	ActiveLow  bool   `yaml:"active_low"`
}

func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8081"
	}
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TickMs == 0 {
		c.TickMs = 2000
	}
	if c.Initial.Temperature == 0 {
		c.Initial.Temperature = 24
	}
	if c.Initial.Humidity == 0 {
		c.Initial.Humidity = 45
	}
	if c.Initial.TemperatureThreshold == 0 {
		c.Initial.TemperatureThreshold = 37
	}
	if c.Initial.HumidityThreshold == 0 {
		c.Initial.HumidityThreshold = 30
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = "gpiochip0"
	}
	if c.Modbus.Modbus.Port == 0 {
		c.Modbus.Modbus.Port = 502
	}
	if c.Modbus.Modbus.Timeout == 0 {
		c.Modbus.Modbus.Timeout = 2
	}
}

func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse simulator config: %w", err)
	}
	c.applyDefaults()
	switch c.Backend {
	case "memory", "modbus", "gpio":
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Faults.ErrorRate < 0 || c.Faults.ErrorRate > 1 {
		return nil, fmt.Errorf("faults.error_rate %v outside 0..1", c.Faults.ErrorRate)
	}
	return &c, nil
}

// LoadConfig reads path; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read simulator config: %w", err)
	}
	return ParseConfig(data)
}
