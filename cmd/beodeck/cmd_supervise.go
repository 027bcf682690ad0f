/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/beodeck/beodeck/internal/health"
	"github.com/beodeck/beodeck/internal/peer"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the health supervisor",
	Long:  "Probes each fabric daemon's health endpoint on an interval and restarts failed units.",
	RunE:  runSupervise,
}

func runSupervise(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	startMetrics(ctx)

	sup := health.New(cfg, peer.NewClient(), logger)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
