/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package input decodes the head-unit's raw HID reports into semantic input
// events and fans them out to websocket subscribers. It also hosts the
// device menu model.
package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
)

const (
	reportSize = 8

	// reportQueueDepth bounds the raw report channel; stale positions are
	// shed oldest-first.
	reportQueueDepth = 64

	reopenBackoffMin = time.Second
	reopenBackoffMax = 30 * time.Second
)

// errNoDevice means discovery found nothing matching the configured ids.
var errNoDevice = errors.New("input: no matching hidraw device")

// discoverDevice resolves the hidraw node for the configured endpoint. An
// explicit hid_path wins over vendor/product matching.
func discoverDevice(cfg *config.Config) (string, error) {
	if cfg.HIDPath != "" {
		return cfg.HIDPath, nil
	}
	if cfg.HIDVendorID == "" || cfg.HIDProductID == "" {
		return "", errNoDevice
	}

	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("hidraw"); err != nil {
		return "", fmt.Errorf("input: enumerate hidraw: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return "", fmt.Errorf("input: enumerate hidraw: %w", err)
	}
	for _, d := range devices {
		parent := d.ParentWithSubsystemDevtype("usb", "usb_device")
		if parent == nil {
			continue
		}
		if parent.SysattrValue("idVendor") == cfg.HIDVendorID &&
			parent.SysattrValue("idProduct") == cfg.HIDProductID {
			return d.Devnode(), nil
		}
	}
	return "", errNoDevice
}

// deviceState is one connect/disconnect transition of the HID endpoint.
type deviceState struct {
	connected bool
	detail    string
}

// reader owns the HID endpoint exclusively. It reads fixed-length reports
// on a dedicated blocking goroutine and sheds the oldest report when the
// decoder falls behind. State transitions travel over their own channel so
// the consumer applies them on its own goroutine.
type reader struct {
	cfg     *config.Config
	reports chan []byte
	states  chan deviceState
	logger  zerolog.Logger
}

func newReader(cfg *config.Config, logger zerolog.Logger) *reader {
	return &reader{
		cfg:     cfg,
		reports: make(chan []byte, reportQueueDepth),
		states:  make(chan deviceState, 8),
		logger:  logger.With().Str("component", "hid_reader").Logger(),
	}
}

// pushState queues a transition, shedding the oldest if the consumer lags.
func (r *reader) pushState(connected bool, detail string) {
	st := deviceState{connected: connected, detail: detail}
	select {
	case r.states <- st:
	default:
		select {
		case <-r.states:
		default:
		}
		select {
		case r.states <- st:
		default:
		}
	}
}

// Run keeps the endpoint open until ctx is cancelled, reopening with
// exponential backoff after read errors. Subscribers stay connected across
// gaps; they simply see no events.
func (r *reader) Run(ctx context.Context) error {
	backoff := reopenBackoffMin
	for {
		err := r.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.pushState(false, err.Error())
		r.logger.Warn().Err(err).Dur("reopen_in", backoff).Msg("hid endpoint lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reopenBackoffMax {
			backoff = reopenBackoffMax
		}
	}
}

func (r *reader) readLoop(ctx context.Context) error {
	node, err := discoverDevice(r.cfg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(node, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("input: open %s: %w", node, err)
	}
	defer f.Close()

	// Close unblocks the pending read when ctx ends.
	go func() {
		<-ctx.Done()
		f.Close()
	}()

	r.pushState(true, node)
	r.logger.Info().Str("device", node).Msg("hid endpoint open")

	buf := make([]byte, reportSize)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return fmt.Errorf("input: read %s: %w", node, err)
		}
		if n != reportSize {
			continue
		}
		report := make([]byte, reportSize)
		copy(report, buf)
		select {
		case r.reports <- report:
		default:
			// Shed the oldest report; a stale laser position is worthless.
			select {
			case <-r.reports:
			default:
			}
			select {
			case r.reports <- report:
			default:
			}
		}
	}
}
