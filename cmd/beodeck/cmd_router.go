/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/router"
	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/volume"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the event router",
	Long:  "Owns the active-source state machine, gates media snapshots, forwards commands and hosts the volume adapter.",
	RunE:  runRouter,
}

func runRouter(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	stopTracing, err := initTracing(ctx, "router")
	if err != nil {
		return err
	}
	defer stopTracing()

	client := peer.NewClient()
	bus := events.NewBus()
	stopMirror := startMirror(ctx, "router", bus)
	defer stopMirror()
	startMetrics(ctx)

	svc := router.New(cfg, client, bus, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, "router", cfg.Bind.Router, svc.Routes()) })

	// The volume adapter lives in the router process: it consumes wheel
	// events from the input websocket and reports applied levels back
	// through the router's own gating.
	if cfg.Volume.Type != "" {
		adapter, err := volume.New(cfg, client, logger)
		if err != nil {
			return exitf(exitConfig, "volume adapter: %w", err)
		}
		engine := volume.NewEngine(cfg, adapter, func(report schema.VolumeReport) {
			if _, err := svc.ApplyVolumeReport(report); err != nil {
				logger.Warn().Err(err).Msg("volume report dropped")
			}
		}, logger)
		feed := volume.NewFeed(fmt.Sprintf("ws://%s/input/ws", cfg.Bind.Input), engine, logger)

		g.Go(func() error { return engine.Run(ctx) })
		g.Go(func() error { return feed.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
