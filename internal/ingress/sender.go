/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
)

// Sender delivers translated commands to the router.
type Sender struct {
	client    *peer.Client
	routerURL string
	logger    zerolog.Logger
}

// NewSender targets the router's bind address.
func NewSender(cfg *config.Config, client *peer.Client, logger zerolog.Logger) *Sender {
	return &Sender{
		client:    client,
		routerURL: fmt.Sprintf("http://%s/router/command", cfg.Bind.Router),
		logger:    logger.With().Str("component", "ingress_sender").Logger(),
	}
}

// Send posts one command. Failures are logged, never fatal: a lost keypress
// is recoverable by pressing again.
func (s *Sender) Send(ctx context.Context, cmd Command) {
	body := map[string]any{"action": cmd.Action}
	if len(cmd.Params) > 0 {
		body["params"] = cmd.Params
	}
	res := s.client.PostJSON(ctx, s.routerURL, body, peer.CommandDeadline)
	if !res.OK() {
		s.logger.Warn().
			Str("action", string(cmd.Action)).
			Str("status", string(res.Status)).
			Msg("command delivery failed")
	}
}
