/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player renders abstract media intents onto a concrete backend: a
// networked speaker polled over HTTP, or a local child-process decoder. The
// backend is the single writer of the playback state it reports; the router
// never fabricates it.
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
)

// Backend is one concrete playback path.
type Backend interface {
	// Command executes one abstract action.
	Command(ctx context.Context, action schema.Action, params map[string]any) error

	// Run owns the backend's state (polling or decoder supervision) until
	// ctx is cancelled.
	Run(ctx context.Context) error

	// Kind reports where the audio is produced.
	Kind() schema.PlayerKind
}

// Poster delivers media snapshots and volume reports to the router.
type Poster struct {
	client    *peer.Client
	routerURL string
	logger    zerolog.Logger
}

// NewPoster targets the router's bind address.
func NewPoster(cfg *config.Config, client *peer.Client, logger zerolog.Logger) *Poster {
	return &Poster{
		client:    client,
		routerURL: fmt.Sprintf("http://%s", cfg.Bind.Router),
		logger:    logger.With().Str("component", "player_poster").Logger(),
	}
}

// Media posts one snapshot. Suppression is the router's call; the poster
// only logs it.
func (p *Poster) Media(ctx context.Context, snap schema.MediaSnapshot) {
	res := p.client.PostJSON(ctx, p.routerURL+"/router/media", snap, peer.MetadataDeadline)
	if !res.OK() {
		p.logger.Warn().Str("status", string(res.Status)).Str("title", snap.Title).Msg("media post failed")
		return
	}
	var reply struct {
		Status string `json:"status"`
	}
	if err := res.Decode(&reply); err == nil && reply.Status != "ok" {
		p.logger.Debug().Str("status", reply.Status).Str("title", snap.Title).Msg("media post suppressed")
	}
}

// Volume posts one volume report.
func (p *Poster) Volume(ctx context.Context, report schema.VolumeReport) {
	res := p.client.PostJSON(ctx, p.routerURL+"/router/volume_report", report, peer.CommandDeadline)
	if !res.OK() {
		p.logger.Warn().Str("status", string(res.Status)).Msg("volume report post failed")
	}
}

// New selects the backend for the configured player type.
func New(cfg *config.Config, poster *Poster, logger zerolog.Logger) (Backend, error) {
	switch cfg.Player.Type {
	case config.PlayerSonos:
		return NewPoller(newSonosSpeaker(cfg), poster, logger), nil
	case config.PlayerBluesound:
		return NewPoller(newBluesoundSpeaker(cfg), poster, logger), nil
	case config.PlayerLocal:
		return NewLocal(cfg, poster, logger), nil
	case config.PlayerNone, "":
		return nil, fmt.Errorf("player: no backend configured")
	}
	return nil, fmt.Errorf("player: unknown type %q", cfg.Player.Type)
}

// Service is the player's HTTP surface.
type Service struct {
	backend Backend
	logger  zerolog.Logger
}

// NewService wraps a backend with its command endpoint.
func NewService(backend Backend, logger zerolog.Logger) *Service {
	return &Service{
		backend: backend,
		logger:  logger.With().Str("component", "player").Logger(),
	}
}

// Routes mounts /command and /health.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(telemetry.MetricsMiddleware)
	r.Post("/command", s.handleCommand)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action schema.Action  `json:"action"`
		Params map[string]any `json:"params,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if err := s.backend.Command(r.Context(), body.Action, body.Params); err != nil {
		s.logger.Warn().Err(err).Str("action", string(body.Action)).Msg("command failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "service": "player", "kind": s.backend.Kind()})
}
