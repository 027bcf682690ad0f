/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package volume

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/schema"
)

const (
	defaultDebounce = 50 * time.Millisecond
	deltaQueueDepth = 64
)

// ReportFunc receives the level after every apply, including applies that
// hit the ceiling.
type ReportFunc func(schema.VolumeReport)

// Engine debounces signed wheel deltas and drives one adapter. Deltas
// arriving within one debounce window are coalesced into a single apply.
type Engine struct {
	adapter  Adapter
	max      int
	step     int
	debounce time.Duration
	report   ReportFunc
	logger   zerolog.Logger

	deltas chan int
	level  int
}

// NewEngine wires an engine to its adapter. report may be nil.
func NewEngine(cfg *config.Config, adapter Adapter, report ReportFunc, logger zerolog.Logger) *Engine {
	debounce := defaultDebounce
	if cfg.Volume.DebounceMS > 0 {
		debounce = time.Duration(cfg.Volume.DebounceMS) * time.Millisecond
	}
	step := cfg.Volume.Step
	if step <= 0 {
		step = 1
	}
	return &Engine{
		adapter:  adapter,
		max:      cfg.Volume.Max,
		step:     step,
		debounce: debounce,
		report:   report,
		logger:   logger.With().Str("component", "volume_engine").Logger(),
		deltas:   make(chan int, deltaQueueDepth),
	}
}

// Feed converts one wheel event into a signed delta. Non-blocking; a full
// queue sheds the event (stale wheel ticks are disposable).
func (e *Engine) Feed(ev schema.VolumeEvent) {
	delta := ev.Speed
	if delta < 1 {
		delta = 1
	}
	if ev.Direction == schema.DirectionCounter {
		delta = -delta
	}
	select {
	case e.deltas <- delta:
	default:
	}
}

// Level returns the engine's last applied level.
func (e *Engine) Level() int { return e.level }

// Run owns the accumulator until ctx is cancelled. On startup the adapter's
// reported level seeds the UI exactly once.
func (e *Engine) Run(ctx context.Context) error {
	if level, err := e.adapter.Report(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("startup volume report failed")
	} else {
		e.level = clampLevel(level, e.max)
		e.emit(e.level)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delta := <-e.deltas:
			pending := delta
			timer := time.NewTimer(e.debounce)
		drain:
			for {
				select {
				case d := <-e.deltas:
					pending += d
				case <-timer.C:
					break drain
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				}
			}
			e.applyDelta(ctx, pending)
		}
	}
}

// applyDelta clamps and applies one coalesced delta. The report fires even
// when the target equals the current level so the UI indicator stays live
// at the ceiling.
func (e *Engine) applyDelta(ctx context.Context, pending int) {
	target := clampLevel(e.level+pending*e.step, e.max)
	applied, err := e.adapter.Apply(ctx, target, 0)
	if err != nil {
		e.logger.Error().Err(err).Int("target", target).Msg("volume apply failed")
		return
	}
	e.level = clampLevel(applied, e.max)
	e.emit(e.level)
}

func (e *Engine) emit(level int) {
	if e.report == nil {
		return
	}
	e.report(schema.VolumeReport{Volume: level, Source: e.adapter.Name()})
}
