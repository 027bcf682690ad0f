/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events implements the in-process pubsub bus each service uses to
// decouple its HTTP surface from its fan-out and adapter tasks.
package events

import (
	"sync"

	"github.com/beodeck/beodeck/internal/schema"
)

// Subscriber receives event envelopes. Sends are non-blocking; a subscriber
// that cannot keep up misses events rather than stalling the publisher.
type Subscriber chan schema.Envelope

// Bus implements a simple in-process pubsub keyed by event type.
type Bus struct {
	mu   sync.RWMutex
	subs map[schema.EventType][]Subscriber
	all  []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[schema.EventType][]Subscriber)}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType schema.EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll() Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends the envelope to type subscribers and all-subscribers.
func (b *Bus) Publish(env schema.Envelope) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[env.Type]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- env:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.subs {
		for i, candidate := range subs {
			if candidate == sub {
				b.subs[typ] = append(subs[:i], subs[i+1:]...)
				close(sub)
				return
			}
		}
	}
	for i, candidate := range b.all {
		if candidate == sub {
			b.all = append(b.all[:i], b.all[i+1:]...)
			close(sub)
			return
		}
	}
}
