/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/schema"
)

const (
	// releaseCode terminates a key press on the wire.
	releaseCode = 0x00

	// repeatThreshold is how many consecutive identical codes a held key
	// needs before it starts repeat-firing.
	repeatThreshold = 3
)

// Command is a translated router intent.
type Command struct {
	Action schema.Action
	Params map[string]any
	Repeat int
}

// translator holds the per-ingress soft state: current device-class mode
// and the repeat counter. Owned by a single goroutine.
type translator struct {
	keymap *Keymap
	mode   DeviceClass
	logger zerolog.Logger

	lastCode byte
	repeats  int
}

func newTranslator(keymap *Keymap, logger zerolog.Logger) *translator {
	return &translator{
		keymap: keymap,
		mode:   ClassAudio,
		logger: logger,
	}
}

// translate consumes one code byte. A key fires on its first appearance;
// while held, identical codes count as repeats and fire again only past the
// threshold. A release resets the counter.
func (t *translator) translate(code byte) (Command, bool) {
	if code == releaseCode {
		t.lastCode = 0
		t.repeats = 0
		return Command{}, false
	}

	if code == t.lastCode {
		t.repeats++
		if t.repeats < repeatThreshold {
			return Command{}, false
		}
	} else {
		t.lastCode = code
		t.repeats = 0
	}

	binding, ok := t.keymap.lookup(code)
	if !ok {
		t.logger.Debug().Str("code", hexCode(code)).Msg("unmapped key code")
		return Command{}, false
	}

	if binding.SetMode != "" {
		t.mode = binding.SetMode
		t.logger.Debug().Str("mode", string(t.mode)).Msg("ingress mode switched")
		return Command{}, false
	}

	if binding.Class != "" && binding.Class != t.mode {
		return Command{}, false
	}

	return Command{Action: binding.Action, Params: binding.Params, Repeat: t.repeats}, true
}

func hexCode(code byte) string {
	const digits = "0123456789abcdef"
	return "0x" + string([]byte{digits[code>>4], digits[code&0xf]})
}
