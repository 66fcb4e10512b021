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

package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"espdash/internal/command"
	"espdash/internal/config"
	"espdash/internal/device"
	"espdash/internal/events"
	"espdash/internal/state"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Commands is the dispatcher surface exposed over MQTT.
type Commands interface {
	ToggleRelay(ctx context.Context, id int) (bool, error)
	SetAutoMode(ctx context.Context, enabled bool) (bool, error)
	SetThresholds(ctx context.Context, u command.ThresholdUpdate) (device.Thresholds, error)
}

// Bridge mirrors the device state to an MQTT broker and accepts commands
// from it.
//
//	<prefix>/state              retained JSON, one key per field, null when unknown
//	<prefix>/status             "online" / "offline" (last will)
//	<prefix>/relay/<n>/set      ON | OFF | TOGGLE
//	<prefix>/auto/set           ON | OFF
//	<prefix>/threshold/set      {"temperature": 30, "humidity": 60}, either optional
type Bridge struct {
	conf     config.MQTTConfig
	evBus    *eventbus.Bus
	store    *state.Store
	commands Commands
	log      *logger.Logger
}

func New(conf *config.Config, store *state.Store, commands Commands) *Bridge {
	return &Bridge{
		conf:     conf.MQTT,
		evBus:    conf.EventBus,
		store:    store,
		commands: commands,
		log:      logger.New("MQTT"),
	}
}

func (b *Bridge) String() string { return "mqtt bridge" }

func (b *Bridge) Prefix() string { return strings.TrimRight(b.conf.TopicPrefix, "/") }

func (b *Bridge) AvailabilityTopic() string { return b.Prefix() + "/status" }

func (b *Bridge) StateTopic() string { return b.Prefix() + "/state" }

func (b *Bridge) Run(ctx context.Context) {
	if b.conf.Broker == "" {
		b.log.Info("no broker configured, bridge disabled")
		<-ctx.Done()
		return
	}
	b.log.Info("connecting to %s", b.conf.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.conf.Broker)
	opts.SetUsername(b.conf.User)
	opts.SetPassword(b.conf.Password)
	opts.SetClientID(b.conf.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(b.AvailabilityTopic(), "offline", 0, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Info("connected")
		c.Publish(b.AvailabilityTopic(), 0, true, "online")
		token := c.Subscribe(b.Prefix()+"/+/#", 0, func(_ mqtt.Client, msg mqtt.Message) {
			if msg.Retained() {
				return
			}
			go b.handle(ctx, msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			b.log.Error("subscribe: %v", token.Error())
		}
		// republish on every (re)connect so the retained state is current
		if payload, err := StatePayload(b.store.Snapshot()); err == nil {
			c.Publish(b.StateTopic(), 0, true, payload)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn("connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	client.Connect()
	defer func() {
		client.Publish(b.AvailabilityTopic(), 0, true, "offline").WaitTimeout(time.Second)
		client.Disconnect(250)
		b.log.Info("disconnected")
	}()

	if b.evBus == nil {
		<-ctx.Done()
		return
	}
	b.evBus.SubscribeFunc(ctx, events.TopicDeviceState, true, func(ev eventbus.Event) {
		snap, ok := ev.(state.DeviceState)
		if !ok || !client.IsConnectionOpen() {
			return
		}
		payload, err := StatePayload(snap)
		if err != nil {
			b.log.Error("marshal state: %v", err)
			return
		}
		client.Publish(b.StateTopic(), 0, true, payload)
	})
}

func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) {
	err := b.Route(ctx, topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrSuperseded):
		b.log.Debug("%s: %v", topic, err)
	default:
		b.log.Warn("%s %q: %v", topic, payload, err)
	}
}

// Route executes the command addressed by topic. Topics outside the
// command set, including the bridge's own state and status, are ignored.
func (b *Bridge) Route(ctx context.Context, topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.Prefix()+"/")
	if !ok {
		return nil
	}
	parts := strings.Split(rest, "/")
	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))

	switch {
	case len(parts) == 3 && parts[0] == "relay" && parts[2] == "set":
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("relay %q: %w", parts[1], command.ErrInvalidArgument)
		}
		return b.setRelay(ctx, id, cmd)

	case len(parts) == 2 && parts[0] == "auto" && parts[1] == "set":
		on, err := parseOnOff(cmd)
		if err != nil {
			return err
		}
		snap := b.store.Snapshot()
		if snap.Known(state.AutoMode) && snap.AutoMode == on {
			return nil
		}
		_, err = b.commands.SetAutoMode(ctx, on)
		return err

	case len(parts) == 2 && parts[0] == "threshold" && parts[1] == "set":
		var body struct {
			Temperature *float64 `json:"temperature"`
			Humidity    *float64 `json:"humidity"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return fmt.Errorf("threshold payload: %w", command.ErrInvalidArgument)
		}
		if body.Temperature == nil && body.Humidity == nil {
			return nil
		}
		_, err := b.commands.SetThresholds(ctx, command.ThresholdUpdate{
			Temperature: body.Temperature,
			Humidity:    body.Humidity,
		})
		return err
	}
	return nil
}

// setRelay turns ON/OFF into at most one toggle. The device only knows
// how to toggle, so the current state must be known first.
func (b *Bridge) setRelay(ctx context.Context, id int, cmd string) error {
	if cmd != "TOGGLE" {
		want, err := parseOnOff(cmd)
		if err != nil {
			return err
		}
		on, field, ok := b.store.Snapshot().Relay(id)
		if !ok {
			return fmt.Errorf("relay %d: %w", id, command.ErrInvalidArgument)
		}
		if !b.store.Snapshot().Known(field) {
			return &command.InvalidStateError{Op: fmt.Sprintf("set relay %d", id), Reason: "relay state not known yet"}
		}
		if on == want {
			return nil
		}
	}
	_, err := b.commands.ToggleRelay(ctx, id)
	return err
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "ON", "TRUE", "1":
		return true, nil
	case "OFF", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("payload %q: %w", s, command.ErrInvalidArgument)
}

// StatePayload renders snap with one key per field; unknown fields are null.
func StatePayload(snap state.DeviceState) ([]byte, error) {
	out := make(map[string]any, len(state.Fields())+2)
	for _, f := range state.Fields() {
		if !snap.Known(f) {
			out[f.String()] = nil
			continue
		}
		switch f {
		case state.Relay1:
			out[f.String()] = snap.Relay1
		case state.Relay2:
			out[f.String()] = snap.Relay2
		case state.Relay3:
			out[f.String()] = snap.Relay3
		case state.AutoMode:
			out[f.String()] = snap.AutoMode
		case state.Temperature:
			out[f.String()] = snap.Temperature.Value
		case state.Humidity:
			out[f.String()] = snap.Humidity.Value
		case state.TemperatureThreshold:
			out[f.String()] = snap.TemperatureThreshold.Value
		case state.HumidityThreshold:
			out[f.String()] = snap.HumidityThreshold.Value
		}
	}
	out["source"] = snap.Source
	if !snap.LastUpdated.IsZero() {
		out["lastUpdated"] = snap.LastUpdated
	}
	return json.Marshal(out)
}
