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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"espdash/pkg/eventbus"
)

type DeviceConfig struct {
	// Empty means discover via mDNS
	BaseURL   string `json:"base_url"`
	TimeoutMs int    `json:"timeout_ms"`

	MDNSService   string `json:"mdns_service"`
	MDNSName      string `json:"mdns_name"`
	MDNSTimeoutMs int    `json:"mdns_timeout_ms"`
}

type MQTTConfig struct {
	// Empty disables the bridge
	Broker      string `json:"broker"`
	User        string `json:"user"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	ClientID    string `json:"client_id"`
}

type Config struct {
	HTTPAddr            string       `json:"http_addr"`
	Device              DeviceConfig `json:"device"`
	PollIntervalMs      int          `json:"poll_interval_ms"`
	PollTimeoutMs       int          `json:"poll_timeout_ms"`
	BroadcastDebounceMs int          `json:"broadcast_debounce_ms"`
	MQTT                MQTTConfig   `json:"mqtt"`

	// not loaded from file, but added here to
	// pass to all services alongside config
	EventBus *eventbus.Bus `json:"-"`
}

// Load decodes a config from r and applies defaults.
func Load(r io.Reader) (*Config, error) {
	var c Config
	if err := json.NewDecoder(r).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// LoadFile reads path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		c := &Config{}
		c.applyDefaults()
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) applyDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Device.TimeoutMs == 0 {
		c.Device.TimeoutMs = 5000
	}
	if c.Device.MDNSService == "" {
		c.Device.MDNSService = "_http._tcp"
	}
	if c.Device.MDNSName == "" {
		c.Device.MDNSName = "esp"
	}
	if c.Device.MDNSTimeoutMs == 0 {
		c.Device.MDNSTimeoutMs = 3000
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 1000
	}
	if c.PollTimeoutMs == 0 {
		c.PollTimeoutMs = 2000
	}
	if c.BroadcastDebounceMs == 0 {
		c.BroadcastDebounceMs = 50
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "espdash"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "espdash"
	}
}

func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

func (d DeviceConfig) MDNSTimeout() time.Duration {
	return time.Duration(d.MDNSTimeoutMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// PollTimeout bounds one snapshot fetch, independently of the command
// timeout in Device.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

func (c *Config) BroadcastDebounce() time.Duration {
	return time.Duration(c.BroadcastDebounceMs) * time.Millisecond
}
