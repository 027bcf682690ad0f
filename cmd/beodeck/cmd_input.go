/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/input"
)

var inputCmd = &cobra.Command{
	Use:   "input",
	Short: "Run the HID input daemon",
	Long:  "Reads the deck's laser and wheel HID reports, owns the device menu and serves the input websocket topic.",
	RunE:  runInput,
}

func runInput(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	stopTracing, err := initTracing(ctx, "input")
	if err != nil {
		return err
	}
	defer stopTracing()

	bus := events.NewBus()
	stopMirror := startMirror(ctx, "input", bus)
	defer stopMirror()
	startMetrics(ctx)

	daemon := input.NewDaemon(cfg, bus, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, "input", cfg.Bind.Input, daemon.Routes()) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
