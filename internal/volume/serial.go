/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package volume

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
)

// datalinkVariant selects the frame format written to the amplifier bus.
type datalinkVariant int

const (
	datalinkPowerlink datalinkVariant = iota
	datalinkBeolab5
)

// datalinkAdapter writes volume frames to a Powerlink or Beolab 5 speaker
// over a serial device. These paths are write-only: the speaker never
// reports its level back, so the adapter tracks the last applied level.
type datalinkAdapter struct {
	variant datalinkVariant
	max     int
	logger  zerolog.Logger

	mu    sync.Mutex
	port  *os.File
	path  string
	level int
}

func newDatalinkAdapter(cfg *config.Config, variant datalinkVariant, logger zerolog.Logger) (*datalinkAdapter, error) {
	if cfg.Volume.Device == "" {
		return nil, fmt.Errorf("volume: %s requires volume.device", variantName(variant))
	}
	return &datalinkAdapter{
		variant: variant,
		max:     cfg.Volume.Max,
		logger:  logger,
		path:    cfg.Volume.Device,
	}, nil
}

func variantName(v datalinkVariant) string {
	if v == datalinkBeolab5 {
		return "beolab5"
	}
	return "powerlink"
}

func (a *datalinkAdapter) Name() string { return variantName(a.variant) }

// openLocked lazily opens the serial device. Caller holds a.mu.
func (a *datalinkAdapter) openLocked() error {
	if a.port != nil {
		return nil
	}
	port, err := os.OpenFile(a.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("volume: open %s: %w", a.path, err)
	}
	a.port = port
	return nil
}

// frame encodes one volume command. Powerlink carries a 0..0x4F attenuation
// byte; the Beolab 5 link scales 0..100 onto 0..0x5A and needs the channel
// prefix repeated.
func (a *datalinkAdapter) frame(level int) []byte {
	switch a.variant {
	case datalinkBeolab5:
		scaled := byte(level * 0x5A / 100)
		return []byte{0x60, 0x01, 0x10, scaled, 0x10, scaled, 0x61}
	default:
		scaled := byte(level * 0x4F / 100)
		return []byte{0x87, 0x1F, 0x04, scaled, 0x97}
	}
}

func (a *datalinkAdapter) write(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.openLocked(); err != nil {
		return err
	}
	if _, err := a.port.Write(frame); err != nil {
		// Drop the handle so the next write reopens the device.
		a.port.Close()
		a.port = nil
		return fmt.Errorf("volume: write %s: %w", a.path, err)
	}
	return nil
}

func (a *datalinkAdapter) Apply(ctx context.Context, level, _ int) (int, error) {
	level = clampLevel(level, a.max)
	if err := a.write(a.frame(level)); err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.level = level
	a.mu.Unlock()
	return level, nil
}

func (a *datalinkAdapter) Power(ctx context.Context, on bool) error {
	var frame []byte
	switch a.variant {
	case datalinkBeolab5:
		frame = []byte{0x60, 0x01, 0x20, powerByte(on), 0x61}
	default:
		frame = []byte{0x87, 0x1F, 0x01, powerByte(on), 0x97}
	}
	return a.write(frame)
}

func powerByte(on bool) byte {
	if on {
		return 0x01
	}
	return 0x00
}

// Report returns the last applied level; the link has no read-back.
func (a *datalinkAdapter) Report(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level, nil
}

// c4ampAdapter drives a Control4 multizone amplifier with its ASCII serial
// protocol. Zone 1 is the device output.
type c4ampAdapter struct {
	max    int
	logger zerolog.Logger

	mu    sync.Mutex
	port  *os.File
	path  string
	level int
}

func newC4AmpAdapter(cfg *config.Config, logger zerolog.Logger) (*c4ampAdapter, error) {
	if cfg.Volume.Device == "" {
		return nil, fmt.Errorf("volume: c4amp requires volume.device")
	}
	return &c4ampAdapter{
		max:    cfg.Volume.Max,
		logger: logger,
		path:   cfg.Volume.Device,
	}, nil
}

func (a *c4ampAdapter) Name() string { return "c4amp" }

func (a *c4ampAdapter) send(cmd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		port, err := os.OpenFile(a.path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("volume: open %s: %w", a.path, err)
		}
		a.port = port
	}
	if _, err := a.port.Write([]byte(cmd + "\r\n")); err != nil {
		a.port.Close()
		a.port = nil
		return fmt.Errorf("volume: write %s: %w", a.path, err)
	}
	return nil
}

func (a *c4ampAdapter) Apply(ctx context.Context, level, balance int) (int, error) {
	level = clampLevel(level, a.max)
	if err := a.send(fmt.Sprintf("VOL 01 %03d", level)); err != nil {
		return 0, err
	}
	if balance != 0 {
		if err := a.send(fmt.Sprintf("BAL 01 %+03d", balance)); err != nil {
			a.logger.Warn().Err(err).Int("balance", balance).Msg("balance command failed")
		}
	}
	a.mu.Lock()
	a.level = level
	a.mu.Unlock()
	return level, nil
}

func (a *c4ampAdapter) Power(ctx context.Context, on bool) error {
	if on {
		return a.send("PWR 01 ON")
	}
	return a.send("PWR 01 OFF")
}

func (a *c4ampAdapter) Report(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level, nil
}
