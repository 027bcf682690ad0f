/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package source is the reusable harness a content domain embeds to join
// the fabric: registration, menu announcement, command surface, and a clean
// goodbye on shutdown.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
)

const (
	// registerBackoffMin/Max bound the registration retry loop. The router
	// may come up after us on boot.
	registerBackoffMin = time.Second
	registerBackoffMax = 30 * time.Second

	// goneGrace bounds the shutdown goodbye. Past it the router's liveness
	// TTL cleans up for us.
	goneGrace = 3 * time.Second
)

// CommandFunc handles one accepted action. Returning an error yields a 500;
// the action is already checked against the declared handles.
type CommandFunc func(ctx context.Context, action schema.Action, params map[string]any) error

// Adapter is one content domain's identity on the fabric.
type Adapter struct {
	// ID is the stable source id, also used for menu cleanup.
	ID string
	// Name is the human label shown in the menu.
	Name string
	// Handles lists the actions the domain accepts.
	Handles schema.Handles
	// Player declares where audio is produced.
	Player schema.PlayerKind
	// Menu is the menu entry announced after registration. Zero value skips
	// the announcement.
	Menu schema.MenuItem
	// MenuAfter positions the entry (label or route of the predecessor).
	MenuAfter string
	// Bind is the harness's own listen address.
	Bind string
	// OnCommand receives accepted actions.
	OnCommand CommandFunc
}

// Harness runs an Adapter against the router and input daemon.
type Harness struct {
	adapter Adapter
	cfg     *config.Config
	client  *peer.Client
	logger  zerolog.Logger

	mu    sync.Mutex
	state schema.SourceState
}

// New validates the adapter and builds its harness.
func New(adapter Adapter, cfg *config.Config, client *peer.Client, logger zerolog.Logger) (*Harness, error) {
	if adapter.ID == "" || adapter.Bind == "" {
		return nil, fmt.Errorf("source: adapter needs id and bind address")
	}
	if adapter.Player != schema.PlayerLocal && adapter.Player != schema.PlayerRemote {
		return nil, fmt.Errorf("source: adapter player must be local or remote")
	}
	return &Harness{
		adapter: adapter,
		cfg:     cfg,
		client:  client,
		logger:  logger.With().Str("component", "source").Str("source_id", adapter.ID).Logger(),
		state:   schema.SourceRegistered,
	}, nil
}

// record builds the registration record for the current state.
func (h *Harness) record(state schema.SourceState) schema.SourceRecord {
	return schema.SourceRecord{
		ID:         h.adapter.ID,
		State:      state,
		Name:       h.adapter.Name,
		CommandURL: fmt.Sprintf("http://%s/command", h.adapter.Bind),
		Player:     h.adapter.Player,
		Handles:    h.adapter.Handles,
	}
}

func (h *Harness) routerURL(path string) string {
	return fmt.Sprintf("http://%s%s", h.cfg.Bind.Router, path)
}

func (h *Harness) inputURL(path string) string {
	return fmt.Sprintf("http://%s%s", h.cfg.Bind.Input, path)
}

// Run serves the harness until ctx is cancelled, then posts the goodbye.
// The caller owns the HTTP listener; Run only drives the fabric protocol.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.register(ctx); err != nil {
		return err
	}
	h.announceMenu(ctx)

	<-ctx.Done()
	h.goodbye()
	return ctx.Err()
}

// register retries until the router accepts us or ctx ends.
func (h *Harness) register(ctx context.Context) error {
	backoff := registerBackoffMin
	for {
		res := h.client.PostJSON(ctx, h.routerURL("/router/source"), h.record(schema.SourceRegistered), peer.CommandDeadline)
		if res.OK() {
			h.logger.Info().Msg("registered with router")
			return nil
		}
		h.logger.Warn().Str("status", string(res.Status)).Dur("retry_in", backoff).Msg("registration failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > registerBackoffMax {
			backoff = registerBackoffMax
		}
	}
}

// announceMenu adds the menu entry. Best effort: a source without a menu
// item is still reachable through emulation and the IR path.
func (h *Harness) announceMenu(ctx context.Context) {
	if h.adapter.Menu.Label == "" {
		return
	}
	item := h.adapter.Menu
	if item.SourceID == "" {
		item.SourceID = h.adapter.ID
	}
	body := map[string]any{"action": "add", "item": item}
	if h.adapter.MenuAfter != "" {
		body["after"] = h.adapter.MenuAfter
	}
	res := h.client.PostJSON(ctx, h.inputURL("/input/menu"), body, peer.CommandDeadline)
	if !res.OK() {
		h.logger.Warn().Str("status", string(res.Status)).Msg("menu announcement failed")
	}
}

// goodbye posts state=gone and removes the menu entry, bounded by the grace
// period so shutdown never hangs on a dead router.
func (h *Harness) goodbye() {
	ctx, cancel := context.WithTimeout(context.Background(), goneGrace)
	defer cancel()

	res := h.client.PostJSON(ctx, h.routerURL("/router/source"), h.record(schema.SourceGone), peer.CommandDeadline)
	if !res.OK() {
		h.logger.Warn().Str("status", string(res.Status)).Msg("gone post failed, liveness TTL will clean up")
	}
	if h.adapter.Menu.Label != "" {
		body := map[string]any{"action": "remove", "id": h.adapter.ID}
		h.client.PostJSON(ctx, h.inputURL("/input/menu"), body, peer.CommandDeadline)
	}
}

// PostState relays a state change to the router and tracks it locally.
func (h *Harness) PostState(ctx context.Context, state schema.SourceState) error {
	res := h.client.PostJSON(ctx, h.routerURL("/router/source"), h.record(state), peer.CommandDeadline)
	if !res.OK() {
		return fmt.Errorf("source: state post %s: %s", state, res.Status)
	}
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	return nil
}

// State returns the last state the router acknowledged.
func (h *Harness) State() schema.SourceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Routes serves the harness HTTP surface.
func (h *Harness) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.MetricsMiddleware)
	r.Post("/command", h.handleCommand)
	r.Get("/status", h.handleStatus)
	r.Get("/health", h.handleHealth)
	return r
}

func (h *Harness) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleCommand enforces the declared handles: anything else is 405 so the
// router can distinguish "wrong source" from "broken source".
func (h *Harness) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action schema.Action  `json:"action"`
		Params map[string]any `json:"params,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed JSON"})
		return
	}
	if !h.adapter.Handles.Contains(body.Action) {
		h.respond(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": fmt.Sprintf("action %q not handled", body.Action)})
		return
	}
	if h.adapter.OnCommand != nil {
		if err := h.adapter.OnCommand(r.Context(), body.Action, body.Params); err != nil {
			h.logger.Error().Err(err).Str("action", string(body.Action)).Msg("command failed")
			h.respond(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	h.respond(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Harness) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{
		"id":      h.adapter.ID,
		"state":   h.State(),
		"handles": h.adapter.Handles,
		"player":  h.adapter.Player,
	})
}

func (h *Harness) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{"status": "ok"})
}
