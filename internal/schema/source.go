/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schema

import (
	"errors"
	"strings"
	"time"
)

// SourceState is the lifecycle state of a registered source.
type SourceState string

const (
	SourceAbsent     SourceState = "absent"
	SourceRegistered SourceState = "registered"
	SourcePlaying    SourceState = "playing"
	SourcePaused     SourceState = "paused"
	SourceGone       SourceState = "gone"
	// SourceIdle is accepted on the wire as a synonym for registered.
	SourceIdle SourceState = "idle"
)

// SourceEvent is an external event applied to a source's state machine.
type SourceEvent string

const (
	SourceEvRegister         SourceEvent = "register"
	SourceEvStart            SourceEvent = "start"
	SourceEvPause            SourceEvent = "pause"
	SourceEvResume           SourceEvent = "resume"
	SourceEvStop             SourceEvent = "stop"
	SourceEvGone             SourceEvent = "gone"
	SourceEvTimeout          SourceEvent = "timeout"
	SourceEvExternalTakeover SourceEvent = "external_takeover"
)

// ErrForbiddenTransition is returned when a source posts a transition the
// state machine does not allow (e.g. gone -> playing without a register).
var ErrForbiddenTransition = errors.New("forbidden source state transition")

// Transition applies an event to a source-local state and returns the new
// state. The router-global effects are the caller's concern.
func Transition(from SourceState, ev SourceEvent) (SourceState, error) {
	if from == SourceIdle {
		from = SourceRegistered
	}
	switch ev {
	case SourceEvRegister:
		if from == SourceAbsent || from == SourceGone || from == SourceRegistered {
			return SourceRegistered, nil
		}
		// Re-registering while playing/paused is idempotent on the record
		// but does not change playback state.
		return from, nil
	case SourceEvStart:
		switch from {
		case SourceRegistered, SourcePaused:
			return SourcePlaying, nil
		case SourcePlaying:
			return SourcePlaying, nil
		}
		return from, ErrForbiddenTransition
	case SourceEvPause:
		if from == SourcePlaying {
			return SourcePaused, nil
		}
		return from, ErrForbiddenTransition
	case SourceEvResume:
		if from == SourcePaused {
			return SourcePlaying, nil
		}
		return from, ErrForbiddenTransition
	case SourceEvStop:
		if from == SourcePlaying || from == SourcePaused {
			return SourceRegistered, nil
		}
		return from, ErrForbiddenTransition
	case SourceEvGone:
		return SourceGone, nil
	case SourceEvTimeout:
		if from == SourcePlaying || from == SourcePaused {
			return SourceGone, nil
		}
		return from, ErrForbiddenTransition
	case SourceEvExternalTakeover:
		if from == SourcePlaying {
			return SourceGone, nil
		}
		return from, ErrForbiddenTransition
	}
	return from, ErrForbiddenTransition
}

// EventForState maps a posted target state to the state machine event that
// reaches it. Sources post full records with a target state rather than
// events, so the router derives the event from (current, posted).
func EventForState(current, posted SourceState) (SourceEvent, error) {
	if posted == SourceIdle {
		posted = SourceRegistered
	}
	switch posted {
	case SourceRegistered:
		if current == SourcePlaying || current == SourcePaused {
			return SourceEvStop, nil
		}
		return SourceEvRegister, nil
	case SourcePlaying:
		if current == SourcePaused {
			return SourceEvResume, nil
		}
		return SourceEvStart, nil
	case SourcePaused:
		return SourceEvPause, nil
	case SourceGone:
		return SourceEvGone, nil
	}
	return "", ErrForbiddenTransition
}

// Action is a control command understood by sources and players.
type Action string

const (
	ActionPlay      Action = "play"
	ActionPause     Action = "pause"
	ActionToggle    Action = "toggle"
	ActionNext      Action = "next"
	ActionPrev      Action = "prev"
	ActionStop      Action = "stop"
	ActionVolumeSet Action = "volume_set"
	ActionLoad      Action = "load"
)

// MediaKeys are the actions the router may fall through to the default
// player when no source claims them.
var MediaKeys = map[Action]bool{
	ActionPlay:   true,
	ActionPause:  true,
	ActionToggle: true,
	ActionNext:   true,
	ActionPrev:   true,
	ActionStop:   true,
}

// Handles is the set of actions a source accepts. Case-insensitive.
type Handles []string

// Contains reports whether the set includes action.
func (h Handles) Contains(a Action) bool {
	for _, v := range h {
		if strings.EqualFold(v, string(a)) {
			return true
		}
	}
	return false
}

// SourceRecord is the full registration record for one content domain.
type SourceRecord struct {
	ID         string      `json:"id"`
	State      SourceState `json:"state"`
	Name       string      `json:"name"`
	CommandURL string      `json:"command_url"`
	Player     PlayerKind  `json:"player"`
	Handles    Handles     `json:"handles"`
	MenuPreset string      `json:"menu_preset,omitempty"`

	// LastTransitionAt is stamped by the router, monotonic.
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
	// Degraded is set by the router after repeated forward timeouts.
	Degraded bool `json:"degraded,omitempty"`
}

// Validate checks the fields a registration must carry.
func (r *SourceRecord) Validate() error {
	if r.ID == "" {
		return errors.New("source record: id is required")
	}
	if r.CommandURL == "" {
		return errors.New("source record: command_url is required")
	}
	if r.Player != PlayerLocal && r.Player != PlayerRemote {
		return errors.New("source record: player must be local or remote")
	}
	return nil
}
