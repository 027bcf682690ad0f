/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package input

import (
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
)

// maxDetentSpeed caps the ticks-per-report speed value.
const maxDetentSpeed = 32

// Report layout, one fixed-length report per poll interval:
//
//	byte 0  laser arc position
//	byte 1  nav wheel detent counter, wrapping
//	byte 2  volume wheel detent counter, wrapping
//	byte 3  button bitmask
//	4..7    reserved
var buttonNames = []string{"left", "right", "go", "power", "menu", "back", "up", "down"}

// emitFunc receives each decoded event.
type emitFunc func(typ schema.EventType, data any)

// decoder turns raw reports into semantic events using a per-axis last-seen
// table. It is owned by a single goroutine.
type decoder struct {
	cal    config.Calibration
	emit   emitFunc
	logger zerolog.Logger

	seeded     bool
	lastLaser  int // clamped position, so off-range jitter dedupes
	lastNav    byte
	lastVolume byte
	lastMask   byte
}

func newDecoder(cal config.Calibration, emit emitFunc, logger zerolog.Logger) *decoder {
	return &decoder{
		cal:    cal,
		emit:   emit,
		logger: logger.With().Str("component", "decoder").Logger(),
	}
}

// reset clears the last-seen table after the endpoint reopens so stale
// counters never produce phantom detents.
func (d *decoder) reset() {
	d.seeded = false
}

func (d *decoder) decode(report []byte) {
	if len(report) < 4 {
		return
	}
	laser, nav, volume, mask := report[0], report[1], report[2], report[3]

	if !d.seeded {
		d.lastLaser = d.clampLaser(int(laser))
		d.lastNav, d.lastVolume, d.lastMask = nav, volume, mask
		d.seeded = true
		return
	}

	if pos := d.clampLaser(int(laser)); pos != d.lastLaser {
		d.lastLaser = pos
		d.emitEvent(schema.EventLaser, schema.LaserEvent{
			Position: pos,
			Angle:    d.cal.Angle(pos),
			Origin:   schema.OriginHID,
		})
	}

	if delta := wheelDelta(d.lastNav, nav); delta != 0 {
		d.lastNav = nav
		d.emitEvent(schema.EventNav, schema.NavEvent{
			Direction: deltaDirection(delta),
			Speed:     deltaSpeed(delta),
			Origin:    schema.OriginHID,
		})
	}

	if delta := wheelDelta(d.lastVolume, volume); delta != 0 {
		d.lastVolume = volume
		d.emitEvent(schema.EventVolume, schema.VolumeEvent{
			Direction: deltaDirection(delta),
			Speed:     deltaSpeed(delta),
			Origin:    schema.OriginHID,
		})
	}

	if mask != d.lastMask {
		pressed := mask &^ d.lastMask
		d.lastMask = mask
		for bit, name := range buttonNames {
			if pressed&(1<<bit) != 0 {
				d.emitEvent(schema.EventButton, schema.ButtonEvent{
					Button: name,
					Origin: schema.OriginHID,
				})
			}
		}
		// Releases reset nothing here; repeat handling lives in the remote
		// ingress translator.
	}
}

func (d *decoder) emitEvent(typ schema.EventType, data any) {
	telemetry.InputEventsTotal.WithLabelValues(string(typ), string(schema.OriginHID)).Inc()
	d.emit(typ, data)
}

func (d *decoder) clampLaser(pos int) int {
	if pos < d.cal.LaserMin {
		return d.cal.LaserMin
	}
	if pos > d.cal.LaserMax {
		return d.cal.LaserMax
	}
	return pos
}

// wheelDelta interprets the wrapping counter difference as a signed detent
// count.
func wheelDelta(last, now byte) int {
	return int(int8(now - last))
}

func deltaDirection(delta int) schema.Direction {
	if delta < 0 {
		return schema.DirectionCounter
	}
	return schema.DirectionClock
}

func deltaSpeed(delta int) int {
	if delta < 0 {
		delta = -delta
	}
	if delta < 1 {
		return 1
	}
	if delta > maxDetentSpeed {
		return maxDetentSpeed
	}
	return delta
}
