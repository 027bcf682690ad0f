/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package volume

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
)

// runnerFunc executes an external command; injected so tests run without
// amixer installed.
type runnerFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// mixerAdapter sets a local ALSA mixer control. Covers the hdmi, spdif and
// rca output paths, which differ only in the control name.
type mixerAdapter struct {
	control string
	card    string
	max     int
	run     runnerFunc
	logger  zerolog.Logger
}

func newMixerAdapter(cfg *config.Config, control string, logger zerolog.Logger) *mixerAdapter {
	card := cfg.Volume.Device
	if card == "" {
		card = "default"
	}
	return &mixerAdapter{
		control: control,
		card:    card,
		max:     cfg.Volume.Max,
		run:     execRunner,
		logger:  logger,
	}
}

func (a *mixerAdapter) Name() string {
	switch a.control {
	case "HDMI":
		return "hdmi"
	case "IEC958":
		return "spdif"
	}
	return "rca"
}

func (a *mixerAdapter) Apply(ctx context.Context, level, _ int) (int, error) {
	level = clampLevel(level, a.max)
	out, err := a.run(ctx, "amixer", "-D", a.card, "sset", a.control, fmt.Sprintf("%d%%", level))
	if err != nil {
		return 0, fmt.Errorf("volume: amixer sset %s: %w: %s", a.control, err, out)
	}
	return level, nil
}

// Power mutes instead of powering down: local outputs have no power rail.
func (a *mixerAdapter) Power(ctx context.Context, on bool) error {
	state := "mute"
	if on {
		state = "unmute"
	}
	out, err := a.run(ctx, "amixer", "-D", a.card, "sset", a.control, state)
	if err != nil {
		return fmt.Errorf("volume: amixer %s %s: %w: %s", state, a.control, err, out)
	}
	return nil
}

var mixerPercentRe = regexp.MustCompile(`\[(\d+)%\]`)

func (a *mixerAdapter) Report(ctx context.Context) (int, error) {
	out, err := a.run(ctx, "amixer", "-D", a.card, "sget", a.control)
	if err != nil {
		return 0, fmt.Errorf("volume: amixer sget %s: %w: %s", a.control, err, out)
	}
	m := mixerPercentRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("volume: no level in amixer output for %s", a.control)
	}
	level, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, err
	}
	return level, nil
}
