/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ingress funnels remote-control key codes (IR bus sniffer and a
// Bluetooth LE remote) into router commands.
package ingress

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/beodeck/beodeck/internal/schema"
)

// DeviceClass disambiguates navigation keys on remotes that drive both an
// audio and a video product.
type DeviceClass string

const (
	ClassAudio DeviceClass = "audio"
	ClassVideo DeviceClass = "video"
)

// Binding maps one vendor key code.
type Binding struct {
	// Action is the router command the key fires.
	Action schema.Action `yaml:"action,omitempty"`
	// Class restricts the binding to one ingress mode; empty matches both.
	Class DeviceClass `yaml:"device_class,omitempty"`
	// SetMode marks a source-select key that mutates the ingress mode
	// instead of firing a command.
	SetMode DeviceClass `yaml:"set_mode,omitempty"`
	// Params are forwarded verbatim with the action.
	Params map[string]any `yaml:"params,omitempty"`
}

// Keymap is the static code translation table.
type Keymap struct {
	Keys map[string]Binding `yaml:"keys"`
}

//go:embed keymap_default.yaml
var defaultKeymap []byte

// LoadKeymap reads path, falling back to the embedded defaults when path is
// empty.
func LoadKeymap(path string) (*Keymap, error) {
	data := defaultKeymap
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingress: read keymap: %w", err)
		}
	}
	var km Keymap
	if err := yaml.Unmarshal(data, &km); err != nil {
		return nil, fmt.Errorf("ingress: parse keymap: %w", err)
	}
	if len(km.Keys) == 0 {
		return nil, fmt.Errorf("ingress: keymap has no keys")
	}
	return &km, nil
}

// lookup resolves a code byte.
func (k *Keymap) lookup(code byte) (Binding, bool) {
	b, ok := k.Keys[fmt.Sprintf("0x%02x", code)]
	return b, ok
}
