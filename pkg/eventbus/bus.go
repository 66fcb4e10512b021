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

package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"espdash/pkg/logger"
)

type Topic string
type Event = any

// Bus is an in-memory pub/sub where each subscriber only ever holds the
// most recent event of its topic. Slow subscribers skip intermediate
// events instead of blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]chan Event
	last   map[Topic]Event
	nextID atomic.Uint64
	closed bool
	log    *logger.Logger

	published atomic.Int64
	delivered atomic.Int64
	replaced  atomic.Int64
	dropped   atomic.Int64
}

// Stats counts bus traffic since creation.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Replaced  int64 `json:"replaced"`
	Dropped   int64 `json:"dropped"`
}

func New() *Bus {
	return &Bus{
		subs: make(map[Topic]map[uint64]chan Event),
		last: make(map[Topic]Event),
		log:  logger.New("EventBus"),
	}
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Replaced:  b.replaced.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Publish stores ev as the last event of topic and hands it to every
// subscriber, replacing whatever they have not consumed yet. It never blocks.
func (b *Bus) Publish(topic Topic, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	b.last[topic] = ev
	for _, ch := range b.subs[topic] {
		b.replace(ch, ev)
	}
}

// replace must be called with b.mu held so that channels cannot be closed
// underneath it.
func (b *Bus) replace(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		b.delivered.Add(1)
		return
	default:
	}

	select {
	case <-ch:
		b.replaced.Add(1)
	default:
	}
	select {
	case ch <- ev:
		b.delivered.Add(1)
	default:
		b.dropped.Add(1)
		b.log.Error("dropped event: %+v", ev)
	}
}

// Subscribe returns a channel carrying the latest events of topic and an
// unsubscribe func. With withLast set, the last stored event is delivered
// right away. The channel is closed when ctx ends, on unsubscribe, or
// when the bus closes.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, withLast bool) (<-chan Event, func()) {
	ch := make(chan Event, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID.Add(1)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan Event)
	}
	b.subs[topic][id] = ch
	if last, ok := b.last[topic]; ok && withLast {
		b.replace(ch, last)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	unsub := func() { once.Do(func() { close(done) }) }

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		b.remove(topic, id)
	}()

	return ch, unsub
}

// SubscribeFunc calls fn for each event of topic until ctx ends. It blocks,
// so callers usually run it in its own goroutine.
func (b *Bus) SubscribeFunc(ctx context.Context, topic Topic, withLast bool, fn func(Event)) {
	ch, unsub := b.Subscribe(ctx, topic, withLast)
	defer unsub()
	for ev := range ch {
		fn(ev)
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[topic]
	if !ok {
		return
	}
	if ch, ok := m[id]; ok {
		delete(m, id)
		close(ch)
	}
	if len(m) == 0 {
		delete(b.subs, topic)
	}
}

func (b *Bus) GetLast(topic Topic) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.last[topic]
	return v, ok
}

// Close closes every subscriber channel. Publish becomes a no-op and
// Subscribe returns closed channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, m := range b.subs {
		for id, ch := range m {
			delete(m, id)
			close(ch)
		}
		delete(b.subs, topic)
	}
	b.last = make(map[Topic]Event)
}
