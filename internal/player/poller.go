/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/schema"
)

const (
	pollInterval = 500 * time.Millisecond
	pollIdleMax  = 5 * time.Second

	// takeoverGrace: a track change later than this after our own last
	// command was initiated by somebody else.
	takeoverGrace = 3 * time.Second
)

// Speaker is a pollable networked renderer.
type Speaker interface {
	Name() string
	State(ctx context.Context) (schema.MediaSnapshot, error)
	Volume(ctx context.Context) (int, error)
	Do(ctx context.Context, action schema.Action, params map[string]any) error
}

// Poller watches one speaker and posts state changes to the router. Polling
// backs off adaptively while the speaker is idle and snaps back to the base
// interval on any change or command.
type Poller struct {
	speaker Speaker
	poster  *Poster
	logger  zerolog.Logger

	mu          sync.Mutex
	lastCommand time.Time
	lastSnap    *schema.MediaSnapshot
	lastVolume  int

	now func() time.Time
}

// NewPoller wires a poller to its speaker.
func NewPoller(speaker Speaker, poster *Poster, logger zerolog.Logger) *Poller {
	return &Poller{
		speaker:    speaker,
		poster:     poster,
		logger:     logger.With().Str("component", "poller").Str("speaker", speaker.Name()).Logger(),
		lastVolume: -1,
		now:        time.Now,
	}
}

func (p *Poller) Kind() schema.PlayerKind { return schema.PlayerRemote }

// Command forwards an action to the speaker and stamps the takeover clock.
func (p *Poller) Command(ctx context.Context, action schema.Action, params map[string]any) error {
	if err := p.speaker.Do(ctx, action, params); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastCommand = p.now()
	p.mu.Unlock()
	return nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	interval := pollInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if changed := p.pollOnce(ctx); changed {
			interval = pollInterval
		} else {
			interval *= 2
			if interval > pollIdleMax {
				interval = pollIdleMax
			}
		}
	}
}

// pollOnce reads speaker state and posts on change. Returns whether
// anything changed.
func (p *Poller) pollOnce(ctx context.Context) bool {
	snap, err := p.speaker.State(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("speaker poll failed")
		return false
	}
	snap.Player = schema.PlayerRemote

	changed := false
	if p.stateChanged(&snap) {
		changed = true
		if p.isExternalTakeover(&snap) {
			snap.Reason = schema.ReasonExternalTakeover
			p.logger.Info().Str("title", snap.Title).Msg("external takeover detected")
		}
		p.poster.Media(ctx, snap)
		p.mu.Lock()
		cp := snap
		p.lastSnap = &cp
		p.mu.Unlock()
	}

	if volume, err := p.speaker.Volume(ctx); err == nil {
		p.mu.Lock()
		volChanged := volume != p.lastVolume
		p.lastVolume = volume
		p.mu.Unlock()
		if volChanged {
			changed = true
			p.poster.Volume(ctx, schema.VolumeReport{Volume: volume, Source: p.speaker.Name()})
		}
	}

	return changed
}

// stateChanged ignores pure position progress; only track or transport
// changes count.
func (p *Poller) stateChanged(snap *schema.MediaSnapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastSnap
	if last == nil {
		return snap.State != "" && snap.State != schema.PlaybackIdle
	}
	return last.Title != snap.Title ||
		last.Artist != snap.Artist ||
		last.State != snap.State
}

// isExternalTakeover applies the grace heuristic to a track change that
// starts or keeps playback going.
func (p *Poller) isExternalTakeover(snap *schema.MediaSnapshot) bool {
	if snap.State != schema.PlaybackPlaying {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSnap != nil && p.lastSnap.Title == snap.Title && p.lastSnap.Artist == snap.Artist {
		return false
	}
	return p.lastCommand.IsZero() || p.now().Sub(p.lastCommand) > takeoverGrace
}
