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

package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"espdash/pkg/logger"

	wrapper "github.com/grid-x/modbus"
)

// Client reads and writes named holding registers over Modbus TCP.
type Client struct {
	mu      sync.Mutex
	handler *wrapper.TCPClientHandler
	client  wrapper.Client
	config  *Config
	log     *logger.Logger
}

// Dial connects once. Later connection errors trigger a reconnect on the
// next operation.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c := &Client{
		config: config,
		log:    logger.New("ModbusConn"),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect (re)connects the handler. Callers hold c.mu.
func (c *Client) connect(ctx context.Context) error {
	if c.handler != nil {
		_ = c.handler.Close()
	}

	url := fmt.Sprintf("%s:%d", c.config.Modbus.Host, c.config.Modbus.Port)
	handler := wrapper.NewTCPClientHandler(url)
	handler.SlaveID = c.config.Modbus.SlaveID
	handler.Timeout = time.Second * time.Duration(c.config.Modbus.Timeout)
	handler.ProtocolRecoveryTimeout = 250 * time.Millisecond
	handler.LinkRecoveryTimeout = 5 * time.Second

	c.log.Info("Connecting to %s...", url)
	if err := handler.Connect(ctx); err != nil {
		return fmt.Errorf("modbus connect failed: %w", err)
	}

	c.handler = handler
	c.client = wrapper.NewClient(handler)
	c.log.Info("Connected to %s", url)
	return nil
}

// do runs op, reconnecting and retrying once after a connection error.
func (c *Client) do(ctx context.Context, op func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := op()
	if err == nil || !isConnError(err) {
		return err
	}
	c.log.Error("connection error: %v, reconnecting", err)
	if cerr := c.connect(ctx); cerr != nil {
		return errors.Join(err, cerr)
	}
	return op()
}

func (c *Client) register(name string) (RegisterDef, error) {
	def, ok := c.config.Registers[name]
	if !ok {
		return def, fmt.Errorf("register %q not configured", name)
	}
	return def, nil
}

func (c *Client) ReadValue(ctx context.Context, name string) (float64, error) {
	def, err := c.register(name)
	if err != nil {
		return 0, err
	}
	n, _ := RegisterCount(def.DataType)

	var raw []byte
	err = c.do(ctx, func() error {
		var rerr error
		raw, rerr = c.client.ReadHoldingRegisters(ctx, def.Address, n)
		return rerr
	})
	if err != nil {
		return 0, fmt.Errorf("register read failed for %s: %w", name, err)
	}
	v, err := Decode(def, raw)
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", name, err)
	}
	return v, nil
}

func (c *Client) WriteValue(ctx context.Context, name string, value float64) error {
	def, err := c.register(name)
	if err != nil {
		return err
	}
	if !def.Writable {
		return fmt.Errorf("register %q is read-only", name)
	}
	raw, n, err := Encode(def, value)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	c.log.Debug("WriteRegister '%s' <- %v", name, value)
	err = c.do(ctx, func() error {
		_, werr := c.client.WriteMultipleRegisters(ctx, def.Address, n, raw)
		return werr
	})
	if err != nil {
		return fmt.Errorf("failed to write register %q: %w", name, err)
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		_ = c.handler.Close()
	}
}

func isConnError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused")
}
