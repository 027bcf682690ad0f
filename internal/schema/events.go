/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schema defines the wire contracts shared by every beodeck service:
// the event envelope, input events, media snapshots and the source record.
package schema

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// EventType tags an envelope on the wire.
type EventType string

const (
	EventLaser        EventType = "laser"
	EventNav          EventType = "nav"
	EventVolume       EventType = "volume"
	EventButton       EventType = "button"
	EventMediaUpdate  EventType = "media_update"
	EventSourceUpdate EventType = "source_update"
	EventMenuUpdate   EventType = "menu_update"
	EventDeviceState  EventType = "device_state"
)

// SourceUpdateType builds the per-source telemetry type (e.g. "cd_update").
func SourceUpdateType(sourceID string) EventType {
	return EventType(sourceID + "_update")
}

// Origin marks where an input event came from.
type Origin string

const (
	OriginHID      Origin = "hid"
	OriginEmulated Origin = "emulated"
)

// Envelope is the wire framing for every event emitted by a service.
// Unknown trailing fields in incoming payloads are tolerated.
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Reason    string          `json:"reason,omitempty"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope marshals data and stamps the envelope. Marshal failures are
// impossible for the fixed payload types and reported as an empty object.
func NewEnvelope(typ EventType, data any, reason string, seq uint64) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	return Envelope{
		Type:      typ,
		Data:      raw,
		Reason:    reason,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Seq is a monotonic per-emitter sequence counter, safe for concurrent use.
type Seq struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Seq) Next() uint64 { return s.n.Add(1) }

// Current returns the last issued sequence number.
func (s *Seq) Current() uint64 { return s.n.Load() }

// Direction of a rotary detent.
type Direction string

const (
	DirectionClock   Direction = "clock"
	DirectionCounter Direction = "counter"
)

// LaserEvent carries a calibrated laser arc position and its angle in
// degrees.
type LaserEvent struct {
	Position int     `json:"position"`
	Angle    float64 `json:"angle"`
	Origin   Origin  `json:"origin,omitempty"`
}

// NavEvent carries a wheel detent crossing with its observed speed.
type NavEvent struct {
	Direction Direction `json:"direction"`
	Speed     int       `json:"speed"`
	Origin    Origin    `json:"origin,omitempty"`
}

// VolumeEvent has the same shape as NavEvent but targets the volume wheel.
type VolumeEvent struct {
	Direction Direction `json:"direction"`
	Speed     int       `json:"speed"`
	Origin    Origin    `json:"origin,omitempty"`
}

// ButtonEvent carries a button press. Names are case-insensitive.
type ButtonEvent struct {
	Button string `json:"button"`
	Origin Origin `json:"origin,omitempty"`
	Repeat int    `json:"repeat,omitempty"`
}

// NormalizeButton lower-cases a button name for comparison.
func NormalizeButton(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// DeviceStateEvent reports HID endpoint availability.
type DeviceStateEvent struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// PlaybackState enumerates media snapshot states.
type PlaybackState string

const (
	PlaybackPlaying   PlaybackState = "playing"
	PlaybackPaused    PlaybackState = "paused"
	PlaybackStopped   PlaybackState = "stopped"
	PlaybackBuffering PlaybackState = "buffering"
	PlaybackIdle      PlaybackState = "idle"
)

// MediaSnapshot is the last-known now-playing record.
type MediaSnapshot struct {
	Title      string        `json:"title"`
	Artist     string        `json:"artist,omitempty"`
	Album      string        `json:"album,omitempty"`
	ArtworkURL string        `json:"artwork_url,omitempty"`
	State      PlaybackState `json:"state"`
	PositionMS int64         `json:"position_ms,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
	SourceID   string        `json:"source_id,omitempty"`
	Player     PlayerKind    `json:"player,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ReasonExternalTakeover marks a snapshot produced by a third-party
// controller of a networked speaker.
const ReasonExternalTakeover = "external_takeover"

// PlayerKind distinguishes where a source produces audio.
type PlayerKind string

const (
	PlayerLocal  PlayerKind = "local"
	PlayerRemote PlayerKind = "remote"
)

// MenuItem is one entry of the device menu held by the input daemon.
type MenuItem struct {
	Label    string `json:"label"`
	Route    string `json:"route"`
	SourceID string `json:"source_id,omitempty"`
}

// MenuUpdate is broadcast whenever the menu sequence changes.
type MenuUpdate struct {
	Items []MenuItem `json:"items"`
}

// VolumeReport is posted by players and rebroadcast on the media topic.
type VolumeReport struct {
	Volume int    `json:"volume"`
	Source string `json:"source"`
}
