/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/telemetry"
)

// ResetLevel is the escalating recovery action applied between failed BLE
// connect attempts.
type ResetLevel int

const (
	// ResetPowerCycle toggles the adapter's Powered property.
	ResetPowerCycle ResetLevel = iota + 1
	// ResetInterface brings the HCI interface down and up.
	ResetInterface
	// ResetStackRestart restarts the host bluetooth daemon.
	ResetStackRestart
	// ResetModuleReload unloads and reloads the kernel driver.
	ResetModuleReload
)

const (
	// bleFailMax consecutive failures trigger the long cool-off.
	bleFailMax = 30
	// bleFailExit total failures abandon the remote entirely.
	bleFailExit = 50
	// bleCoolOff is the pause after bleFailMax before starting over.
	bleCoolOff = 600 * time.Second
	// bleEscalateEvery failures bump the reset level one step.
	bleEscalateEvery = 5
)

// bleBackoff is the inter-attempt delay schedule; the last entry repeats.
var bleBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// ErrRemoteAbandoned reports that the BLE remote could not be reached after
// the full failure budget. The daemon exits on it rather than spinning.
var ErrRemoteAbandoned = errors.New("ingress: bluetooth remote abandoned after repeated failures")

// attemptFunc connects to the remote and streams key codes until the link
// drops. It returns nil only on ctx cancellation. onUp fires once the link
// is established so the supervisor can reset its failure counters.
type attemptFunc func(ctx context.Context, onUp func(), codes func(byte)) error

// resetFunc applies one recovery action.
type resetFunc func(ctx context.Context, level ResetLevel) error

// BLERemote supervises a Bluetooth LE remote: connect, stream notifications,
// and recover from the flaky-adapter failure modes the hardware is known for.
type BLERemote struct {
	address string
	trans   *translator
	sender  *Sender
	logger  zerolog.Logger

	attempt attemptFunc
	reset   resetFunc
	sleep   func(ctx context.Context, d time.Duration) error

	consecutive int
	total       int
}

// NewBLERemote builds the supervisor around the BlueZ transport.
func NewBLERemote(address string, keymap *Keymap, sender *Sender, logger zerolog.Logger) *BLERemote {
	logger = logger.With().Str("component", "ble").Str("address", address).Logger()
	b := &BLERemote{
		address: address,
		trans:   newTranslator(keymap, logger),
		sender:  sender,
		logger:  logger,
		sleep:   sleepCtx,
	}
	bz := &bluezLink{address: address, logger: logger}
	b.attempt = bz.attempt
	b.reset = bz.reset
	return b
}

// Run supervises the link until ctx is cancelled or the failure budget is
// spent, in which case it returns ErrRemoteAbandoned.
func (b *BLERemote) Run(ctx context.Context) error {
	for {
		err := b.attempt(ctx, b.linkUp, b.onCode)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.consecutive++
		b.total++
		b.logger.Warn().Err(err).
			Int("consecutive", b.consecutive).
			Int("total", b.total).
			Msg("bluetooth link failed")

		if b.total >= bleFailExit {
			return ErrRemoteAbandoned
		}

		if b.consecutive >= bleFailMax {
			b.logger.Warn().Dur("cool_off", bleCoolOff).Msg("bluetooth cooling off")
			if err := b.sleep(ctx, bleCoolOff); err != nil {
				return err
			}
			b.consecutive = 0
			continue
		}

		level := b.level()
		telemetry.BLEReconnects.WithLabelValues(strconv.Itoa(int(level))).Inc()
		if err := b.reset(ctx, level); err != nil {
			b.logger.Warn().Err(err).Int("level", int(level)).Msg("bluetooth reset failed")
		}
		if err := b.sleep(ctx, b.backoff()); err != nil {
			return err
		}
	}
}

// level escalates one step per bleEscalateEvery consecutive failures,
// capped at module reload.
func (b *BLERemote) level() ResetLevel {
	level := ResetLevel(1 + (b.consecutive-1)/bleEscalateEvery)
	if level > ResetModuleReload {
		level = ResetModuleReload
	}
	return level
}

func (b *BLERemote) backoff() time.Duration {
	idx := b.consecutive - 1
	if idx >= len(bleBackoff) {
		idx = len(bleBackoff) - 1
	}
	return bleBackoff[idx]
}

// linkUp resets the consecutive counter. The total budget keeps counting so
// a remote that flaps forever still gets abandoned.
func (b *BLERemote) linkUp() {
	b.consecutive = 0
	b.logger.Info().Msg("bluetooth remote connected")
}

func (b *BLERemote) onCode(code byte) {
	if cmd, ok := b.trans.translate(code); ok {
		b.sender.Send(context.Background(), cmd)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsAbandoned reports whether err is the terminal give-up error.
func IsAbandoned(err error) bool {
	return errors.Is(err, ErrRemoteAbandoned)
}
