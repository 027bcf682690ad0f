/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	irReopenMin = time.Second
	irReopenMax = 30 * time.Second
)

// IRSniffer reads raw key codes from the IR/rotary bus serial device, one
// byte per code, and fires translated commands at the router.
type IRSniffer struct {
	device string
	trans  *translator
	sender *Sender
	logger zerolog.Logger
}

// NewIRSniffer wires the sniffer to its serial device.
func NewIRSniffer(device string, keymap *Keymap, sender *Sender, logger zerolog.Logger) *IRSniffer {
	logger = logger.With().Str("component", "ir").Str("device", device).Logger()
	return &IRSniffer{
		device: device,
		trans:  newTranslator(keymap, logger),
		sender: sender,
		logger: logger,
	}
}

// Run keeps the device open until ctx is cancelled, reopening with backoff
// after read errors.
func (s *IRSniffer) Run(ctx context.Context) error {
	backoff := irReopenMin
	for {
		err := s.sniff(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("reopen_in", backoff).Msg("ir bus lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > irReopenMax {
			backoff = irReopenMax
		}
	}
}

func (s *IRSniffer) sniff(ctx context.Context) error {
	f, err := os.OpenFile(s.device, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("ingress: open %s: %w", s.device, err)
	}
	defer f.Close()
	go func() {
		<-ctx.Done()
		f.Close()
	}()

	s.logger.Info().Msg("ir bus open")

	buf := make([]byte, 1)
	for {
		if _, err := f.Read(buf); err != nil {
			return fmt.Errorf("ingress: read %s: %w", s.device, err)
		}
		if cmd, ok := s.trans.translate(buf[0]); ok {
			s.sender.Send(ctx, cmd)
		}
	}
}
