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

	"github.com/beodeck/beodeck/internal/ingress"
	"github.com/beodeck/beodeck/internal/peer"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Run the remote-control ingress",
	Long:  "Sniffs the IR/rotary bus and a Bluetooth LE remote, translating key codes into router commands.",
	RunE:  runRemote,
}

func runRemote(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.IRDevice == "" && cfg.BLEAddress == "" {
		return exitf(exitConfig, "remote ingress needs ir_device or ble_address")
	}

	ctx, cancel := signalContext()
	defer cancel()

	stopTracing, err := initTracing(ctx, "remote")
	if err != nil {
		return err
	}
	defer stopTracing()
	startMetrics(ctx)

	keymap, err := ingress.LoadKeymap(cfg.KeymapFile)
	if err != nil {
		return exitf(exitConfig, "keymap: %w", err)
	}

	client := peer.NewClient()
	if err := requirePeer(ctx, client, "router", cfg.Bind.Router); err != nil {
		return err
	}
	sender := ingress.NewSender(cfg, client, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(ctx, "remote", cfg.Bind.Remote, ingress.Routes()) })
	if cfg.IRDevice != "" {
		sniffer := ingress.NewIRSniffer(cfg.IRDevice, keymap, sender, logger)
		g.Go(func() error { return sniffer.Run(ctx) })
	}
	if cfg.BLEAddress != "" {
		remote := ingress.NewBLERemote(cfg.BLEAddress, keymap, sender, logger)
		g.Go(func() error { return remote.Run(ctx) })
	}

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case ingress.IsAbandoned(err):
		// Distinct exit code so the unit can stop retrying a remote whose
		// hardware is genuinely gone.
		return exitf(exitRemoteGone, "%v", err)
	default:
		return err
	}
}
