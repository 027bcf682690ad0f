/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package volume

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/beodeck/beodeck/internal/schema"
)

const (
	feedReconnectMin = time.Second
	feedReconnectMax = 30 * time.Second
)

// Feed consumes the input daemon's websocket stream and forwards volume
// wheel events into the engine. It reconnects forever with exponential
// backoff; input gaps only mean the wheel goes quiet.
type Feed struct {
	url    string
	engine *Engine
	logger zerolog.Logger
}

// NewFeed wires the feed to the input daemon's /input/ws endpoint.
func NewFeed(wsURL string, engine *Engine, logger zerolog.Logger) *Feed {
	return &Feed{
		url:    wsURL,
		engine: engine,
		logger: logger.With().Str("component", "volume_feed").Logger(),
	}
}

// Run consumes the stream until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := feedReconnectMin
	for {
		connected, err := f.consume(ctx)
		if connected {
			backoff = feedReconnectMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("input stream lost")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > feedReconnectMax {
			backoff = feedReconnectMax
		}
	}
}

func (f *Feed) consume(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := ws.Dial(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	f.logger.Info().Str("url", f.url).Msg("input stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var env schema.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			f.logger.Warn().Err(err).Msg("malformed envelope on input stream")
			continue
		}
		if env.Type != schema.EventVolume {
			continue
		}
		var ev schema.VolumeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			f.logger.Warn().Err(err).Msg("malformed volume event")
			continue
		}
		f.engine.Feed(ev)
	}
}
