/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus mirrors accepted telemetry onto NATS subjects so
// off-device tooling can observe the fabric without joining the websocket
// topics. The mirror is optional; the fabric is fully functional without it.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/schema"
)

// SubjectPrefix namespaces all mirrored subjects.
const SubjectPrefix = "beodeck.events."

// Mirror republishes every envelope from an in-process bus to NATS.
type Mirror struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	device string
}

type mirrorMessage struct {
	Device    string          `json:"device"`
	Envelope  schema.Envelope `json:"envelope"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMirror connects to NATS. Connection failures are returned so the caller
// can log and continue without the mirror.
func NewMirror(url, device string, bus *events.Bus, logger zerolog.Logger) (*Mirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("beodeck-"+device),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Mirror{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		device: device,
	}, nil
}

// Run consumes the bus until context cancellation. Publish failures are
// logged and dropped; the mirror never applies backpressure to the fabric.
func (m *Mirror) Run(ctx context.Context) {
	sub := m.bus.SubscribeAll()
	defer m.bus.Unsubscribe(sub)

	m.logger.Info().Str("url", m.conn.ConnectedUrl()).Msg("event mirror started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("event mirror stopped")
			return
		case env, ok := <-sub:
			if !ok {
				return
			}
			m.publish(env)
		}
	}
}

func (m *Mirror) publish(env schema.Envelope) {
	msg := mirrorMessage{Device: m.device, Envelope: env, Timestamp: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	subject := SubjectPrefix + string(env.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Debug().Err(err).Str("subject", subject).Msg("mirror publish failed")
	}
}

// Close drains and closes the connection.
func (m *Mirror) Close() error {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}
