/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package volume maps abstract volume intents onto a concrete output path.
// An Adapter knows one path (network speaker, datalink amplifier, local
// mixer); the Engine in front of it debounces the nav stream and enforces
// the configured ceiling.
package volume

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
)

// Adapter is one pluggable volume output path.
type Adapter interface {
	// Apply sets level (0..100) and balance (-50..+50), returning the level
	// actually set after the path's own clamping. Idempotent.
	Apply(ctx context.Context, level, balance int) (int, error)

	// Power switches the output on or off where the path supports it and is
	// a no-op otherwise.
	Power(ctx context.Context, on bool) error

	// Report returns the path's current level, used to reconcile on startup.
	Report(ctx context.Context) (int, error)

	// Name identifies the path in logs and reports.
	Name() string
}

// New selects the adapter for the configured volume type.
func New(cfg *config.Config, client *peer.Client, logger zerolog.Logger) (Adapter, error) {
	logger = logger.With().Str("component", "volume").Str("type", string(cfg.Volume.Type)).Logger()
	switch cfg.Volume.Type {
	case config.VolumeSonos:
		return newSonosAdapter(cfg, client, logger), nil
	case config.VolumeBluesound:
		return newBluesoundAdapter(cfg, client, logger), nil
	case config.VolumePowerlink:
		return newDatalinkAdapter(cfg, datalinkPowerlink, logger)
	case config.VolumeBeolab5:
		return newDatalinkAdapter(cfg, datalinkBeolab5, logger)
	case config.VolumeC4Amp:
		return newC4AmpAdapter(cfg, logger)
	case config.VolumeHDMI:
		return newMixerAdapter(cfg, "HDMI", logger), nil
	case config.VolumeSPDIF:
		return newMixerAdapter(cfg, "IEC958", logger), nil
	case config.VolumeRCA:
		return newMixerAdapter(cfg, "Master", logger), nil
	}
	return nil, fmt.Errorf("volume: unknown adapter type %q", cfg.Volume.Type)
}

func clampLevel(level, max int) int {
	if level < 0 {
		return 0
	}
	if level > max {
		return max
	}
	return level
}
