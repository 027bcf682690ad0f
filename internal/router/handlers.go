/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
)

// Routes mounts the router surface on a chi router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(telemetry.MetricsMiddleware)

	r.Post("/router/source", s.handleSource)
	r.Post("/router/media", s.handleMedia)
	r.Post("/router/command", s.handleCommand)
	r.Post("/router/volume_report", s.handleVolumeReport)
	r.Post("/router/playback_override", s.handlePlaybackOverride)
	r.Get("/router/status", s.handleStatus)
	r.Get("/router/ws", s.hub.ServeWS)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Service) respond(w http.ResponseWriter, status int, body map[string]any) {
	body["seq"] = s.seq.Next()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Service) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("malformed request body")
		s.respond(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON"})
		return false
	}
	return true
}

func (s *Service) handleSource(w http.ResponseWriter, r *http.Request) {
	var rec schema.SourceRecord
	if !s.decodeBody(w, r, &rec) {
		return
	}
	active, err := s.ApplySource(r.Context(), rec)
	switch {
	case err == nil:
		s.respond(w, http.StatusOK, map[string]any{"ok": true, "active_source": active})
	case errors.Is(err, schema.ErrForbiddenTransition):
		s.respond(w, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
	case errors.Is(err, ErrOverloaded):
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "overloaded"})
	case IsProbeRefusal(err):
		s.respond(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
	default:
		s.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
	}
}

func (s *Service) handleMedia(w http.ResponseWriter, r *http.Request) {
	var snap schema.MediaSnapshot
	if !s.decodeBody(w, r, &snap) {
		return
	}
	status, err := s.ApplyMedia(snap)
	if err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action schema.Action  `json:"action"`
		Params map[string]any `json:"params,omitempty"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Action == "" {
		s.respond(w, http.StatusBadRequest, map[string]any{"status": "rejected", "error": "action is required"})
		return
	}
	res, err := s.ForwardCommand(r.Context(), body.Action, body.Params)
	if err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	httpStatus := http.StatusOK
	if res.HTTPStatus != 0 {
		httpStatus = res.HTTPStatus
	}
	reply := map[string]any{"status": res.Status}
	if res.ForwardedTo != "" {
		reply["forwarded_to"] = res.ForwardedTo
	}
	s.respond(w, httpStatus, reply)
}

func (s *Service) handleVolumeReport(w http.ResponseWriter, r *http.Request) {
	var report schema.VolumeReport
	if !s.decodeBody(w, r, &report) {
		return
	}
	status, err := s.ApplyVolumeReport(report)
	if err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Service) handlePlaybackOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force bool `json:"force"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if err := s.SetPlaybackOverride(body.Force); err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Snapshot()
	if err != nil {
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"ok": true, "service": "router"})
}
