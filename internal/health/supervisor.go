/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package health runs the watchdog that keeps the fabric's daemons alive.
package health

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/telemetry"
)

// Peer is one supervised daemon.
type Peer struct {
	// Name matches the systemd unit suffix: beodeck-<name>.
	Name string
	// Addr is the daemon's bind address, probed at /health.
	Addr string
}

// Runner executes a host command. Tests inject a fake.
type Runner func(ctx context.Context, name string, args ...string) error

// Supervisor probes each peer on a fixed tick and restarts its unit after a
// failed probe. A restart is issued once per outage: the latch clears only
// when the peer answers again, so a daemon that stays down is not hammered
// with restarts every tick.
type Supervisor struct {
	peers    []Peer
	interval time.Duration
	client   *peer.Client
	runner   Runner
	logger   zerolog.Logger

	// latched tracks peers already restarted during the current outage.
	latched map[string]bool
}

// New builds the supervisor from config. All three core daemons are watched;
// the remote ingress is optional and watched only when configured.
func New(cfg *config.Config, client *peer.Client, logger zerolog.Logger) *Supervisor {
	peers := []Peer{
		{Name: "input", Addr: cfg.Bind.Input},
		{Name: "router", Addr: cfg.Bind.Router},
		{Name: "player", Addr: cfg.Bind.Player},
	}
	if cfg.IRDevice != "" || cfg.BLEAddress != "" {
		peers = append(peers, Peer{Name: "remote", Addr: cfg.Bind.Remote})
	}
	return &Supervisor{
		peers:    peers,
		interval: cfg.SupervisorInterval(),
		client:   client,
		runner:   systemdRestart,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		latched:  make(map[string]bool),
	}
}

func systemdRestart(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Run ticks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep probes every peer once.
func (s *Supervisor) sweep(ctx context.Context) {
	for _, p := range s.peers {
		healthy := s.probe(ctx, p)
		switch {
		case healthy:
			if s.latched[p.Name] {
				s.logger.Info().Str("peer", p.Name).Msg("peer recovered")
			}
			s.latched[p.Name] = false
		case s.latched[p.Name]:
			// Already restarted this outage; wait for it to come back.
		default:
			s.restart(ctx, p)
			s.latched[p.Name] = true
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, p Peer) bool {
	res := s.client.Probe(ctx, fmt.Sprintf("http://%s/health", p.Addr))
	return res.OK()
}

func (s *Supervisor) restart(ctx context.Context, p Peer) {
	unit := "beodeck-" + p.Name
	s.logger.Warn().Str("peer", p.Name).Str("unit", unit).Msg("peer unhealthy, restarting")
	telemetry.SupervisorRestarts.WithLabelValues(p.Name).Inc()
	if err := s.runner(ctx, "systemctl", "restart", unit); err != nil {
		s.logger.Error().Err(err).Str("unit", unit).Msg("restart failed")
	}
}
