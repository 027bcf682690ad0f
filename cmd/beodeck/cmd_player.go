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

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/player"
)

var playerCmd = &cobra.Command{
	Use:   "player",
	Short: "Run the player adapter",
	Long:  "Bridges the configured playback backend (Sonos, BluOS or the local decoder) onto the fabric.",
	RunE:  runPlayer,
}

func runPlayer(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.Player.Type == config.PlayerNone {
		return exitf(exitConfig, "player.type is none, nothing to run")
	}

	ctx, cancel := signalContext()
	defer cancel()

	stopTracing, err := initTracing(ctx, "player")
	if err != nil {
		return err
	}
	defer stopTracing()
	startMetrics(ctx)

	client := peer.NewClient()
	if err := requirePeer(ctx, client, "router", cfg.Bind.Router); err != nil {
		return err
	}

	poster := player.NewPoster(cfg, client, logger)
	backend, err := player.New(cfg, poster, logger)
	if err != nil {
		return exitf(exitConfig, "player backend: %w", err)
	}
	svc := player.NewService(backend, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return backend.Run(ctx) })
	g.Go(func() error { return serveHTTP(ctx, "player", cfg.Bind.Player, svc.Routes()) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
