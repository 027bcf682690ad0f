/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package wsbus fans schema envelopes out to websocket subscribers. Each
// subscriber gets a bounded queue; a slow consumer loses its oldest messages
// first and is disconnected after repeated overflows rather than being
// allowed to stall the publisher.
package wsbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
)

const (
	// queueHighWater is the per-subscriber queue depth. Beyond it the
	// oldest queued message is dropped.
	queueHighWater = 64

	// maxOverflows is how many overflow events a subscriber survives
	// before the hub disconnects it.
	maxOverflows = 3

	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// ReplayFunc produces the envelopes replayed to a freshly connected
// subscriber, typically the current state snapshot.
type ReplayFunc func() []schema.Envelope

// subscriber is one connected websocket client.
type subscriber struct {
	id        string
	queue     chan []byte
	overflows int
	cancel    context.CancelFunc
}

// Hub is a topic-scoped websocket broadcaster.
type Hub struct {
	topic  string
	replay ReplayFunc
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewHub creates a hub for one topic. replay may be nil.
func NewHub(topic string, replay ReplayFunc, logger zerolog.Logger) *Hub {
	return &Hub{
		topic:  topic,
		replay: replay,
		logger: logger.With().Str("component", "wsbus").Str("topic", topic).Logger(),
		subs:   make(map[string]*subscriber),
	}
}

// Publish queues env on every subscriber. The envelope is marshalled once.
func (h *Hub) Publish(env schema.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(env.Type)).Msg("marshal envelope")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		h.enqueueLocked(sub, data)
	}
}

// enqueueLocked delivers data to one subscriber, dropping its oldest queued
// message on overflow. Caller holds h.mu.
func (h *Hub) enqueueLocked(sub *subscriber, data []byte) {
	select {
	case sub.queue <- data:
		return
	default:
	}

	// Queue full: one overflow event. Shed the oldest message to make room.
	sub.overflows++
	telemetry.WSDroppedMessages.WithLabelValues(h.topic).Inc()
	select {
	case <-sub.queue:
	default:
	}
	select {
	case sub.queue <- data:
	default:
	}

	if sub.overflows >= maxOverflows {
		h.logger.Warn().
			Str("session_id", sub.id).
			Int("overflows", sub.overflows).
			Msg("subscriber too slow, disconnecting")
		sub.cancel()
	}
}

// SubscriberCount reports connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	telemetry.WSSubscribers.WithLabelValues(h.topic).Inc()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	if _, ok := h.subs[id]; ok {
		delete(h.subs, id)
		telemetry.WSSubscribers.WithLabelValues(h.topic).Dec()
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and streams envelopes until the client
// disconnects or falls too far behind.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &subscriber{
		id:     uuid.NewString(),
		queue:  make(chan []byte, queueHighWater),
		cancel: cancel,
	}
	h.add(sub)
	defer h.remove(sub.id)

	h.logger.Debug().Str("session_id", sub.id).Msg("subscriber connected")

	if h.replay != nil {
		for _, env := range h.replay() {
			if err := h.write(ctx, conn, env); err != nil {
				h.logger.Debug().Err(err).Str("session_id", sub.id).Msg("replay write failed")
				return
			}
		}
	}

	// Read side exists only to observe the close; inbound frames are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case data := <-sub.queue:
			if err := h.writeRaw(ctx, conn, data); err != nil {
				h.logger.Debug().Err(err).Str("session_id", sub.id).Msg("write failed")
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				h.logger.Debug().Str("session_id", sub.id).Msg("ping failed, closing")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *ws.Conn, env schema.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.writeRaw(ctx, conn, data)
}

func (h *Hub) writeRaw(ctx context.Context, conn *ws.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, data)
}
