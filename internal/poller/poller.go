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

package poller

import (
	"context"
	"sync"
	"time"

	"espdash/internal/device"
	"espdash/internal/events"
	"espdash/internal/state"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"
)

const DefaultInterval = time.Second

// Poller fetches the full device snapshot on a fixed interval and merges it
// into the store. A failed tick is logged and skipped.
type Poller struct {
	sender   device.Sender
	store    *state.Store
	bus      *eventbus.Bus
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu       sync.Mutex
	status   events.PollerStatus
	statusAt time.Time // issue time of the fetch status reflects
}

type Option func(*Poller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithTimeout bounds each fetch. Zero leaves it to the transport.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

func New(sender device.Sender, store *state.Store, bus *eventbus.Bus, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		sender:   sender,
		store:    store,
		bus:      bus,
		interval: interval,
		now:      time.Now,
		log:      logger.New("Poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) String() string { return "poller" }

// Run fetches once immediately, then on every tick, until ctx is canceled.
// Ticks never wait for earlier fetches. Fetches in flight at cancellation
// are allowed to finish; Run returns after they have.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("polling %s every %v", device.PathData, p.interval)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	fetchCtx := context.WithoutCancel(ctx)
	inflight.Go(func() { p.pollOnce(fetchCtx) })

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Stopped")
			return
		case <-ticker.C:
			inflight.Go(func() { p.pollOnce(fetchCtx) })
		}
	}
}

// pollOnce stamps the snapshot with the time the request was issued: the
// device state it carries can be no older than that, and a command reply
// received after it is therefore always considered newer.
func (p *Poller) pollOnce(ctx context.Context) {
	issued := p.now()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	snap, err := device.GetSnapshot(ctx, p.sender)
	if err != nil {
		p.recordFailure(issued, err)
		return
	}
	p.recordSuccess(issued)

	applied, err := p.store.Apply(FromSnapshot(snap), state.SourcePoll, issued)
	if err != nil {
		p.log.Debug("snapshot from %s discarded: %v", issued.Format(time.StampMilli), err)
		return
	}
	p.log.Debug("snapshot from %s applied %d fields", issued.Format(time.StampMilli), len(applied))
}

// recordFailure and recordSuccess ignore fetches issued before the one the
// status already reflects: fetches overlap and may finish out of order.
func (p *Poller) recordFailure(issued time.Time, err error) {
	p.mu.Lock()
	if issued.Before(p.statusAt) {
		p.mu.Unlock()
		p.log.Debug("stale poll failure ignored: %v", err)
		return
	}
	p.statusAt = issued
	p.status.Online = false
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()
	status := p.status
	p.mu.Unlock()

	// repeated failures are expected while the device is off wifi
	if status.ConsecutiveFailures == 1 || status.ConsecutiveFailures%30 == 0 {
		p.log.Error("poll failed (%d in a row): %v", status.ConsecutiveFailures, err)
	} else {
		p.log.Debug("poll failed (%d in a row): %v", status.ConsecutiveFailures, err)
	}
	p.publish(status)
}

func (p *Poller) recordSuccess(issued time.Time) {
	p.mu.Lock()
	if issued.Before(p.statusAt) {
		p.mu.Unlock()
		p.log.Debug("stale poll success ignored")
		return
	}
	p.statusAt = issued
	if p.status.ConsecutiveFailures > 0 {
		p.log.Info("device reachable again after %d failed polls", p.status.ConsecutiveFailures)
	}
	p.status = events.PollerStatus{Online: true, LastSuccess: p.now()}
	status := p.status
	p.mu.Unlock()
	p.publish(status)
}

func (p *Poller) publish(status events.PollerStatus) {
	if p.bus != nil {
		p.bus.Publish(events.TopicPollerStatus, status)
	}
}

func (p *Poller) Status() events.PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// FromSnapshot maps the firmware's field names onto a store update.
func FromSnapshot(s device.Snapshot) state.Update {
	return state.Update{
		Relay1:               s.Button1,
		Relay2:               s.Button2,
		Relay3:               s.Button3,
		AutoMode:             s.IsAutoMode,
		Temperature:          s.Temperature,
		Humidity:             s.Humidity,
		TemperatureThreshold: s.TemperatureThreshold,
		HumidityThreshold:    s.HumidityThreshold,
	}
}
