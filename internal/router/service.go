/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package router holds the authoritative active-source state machine. It is
// the single writer of the media snapshot the UI sees and the single
// destination for remote-control intents.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
	"github.com/beodeck/beodeck/internal/wsbus"
)

const (
	// degradedWindow and degradedThreshold govern when a source that keeps
	// timing out on command forwards is marked degraded.
	degradedWindow    = 30 * time.Second
	degradedThreshold = 3

	// ttlSweepInterval is how often playing sources are checked against the
	// liveness TTL.
	ttlSweepInterval = 30 * time.Second

	taskQueueDepth = 128
)

// ErrOverloaded is returned when the state task's queue is full. Callers
// translate it to a 503.
var ErrOverloaded = errors.New("router: state task overloaded")

// TransportMode selects whether the router forwards commands itself or
// instructs the source to.
type TransportMode string

const (
	TransportDirect TransportMode = "direct"
	TransportProxy  TransportMode = "proxy"
)

// Service is the event router. All state mutations run on the single
// goroutine inside Run; HTTP handlers post closures to it.
type Service struct {
	cfg    *config.Config
	client *peer.Client
	hub    *wsbus.Hub
	bus    *events.Bus
	seq    *schema.Seq
	logger zerolog.Logger

	tasks   chan task
	stopped chan struct{}

	// Owned by the Run goroutine.
	active        string
	sources       map[string]*schema.SourceRecord
	lastMedia     *schema.MediaSnapshot
	transportMode TransportMode
	forceOverride bool
	timeouts      map[string][]time.Time

	now func() time.Time
}

type task struct {
	fn   func()
	done chan struct{}
}

// New creates the router service. bus carries envelopes to the NATS mirror;
// the hub serves /router/ws subscribers.
func New(cfg *config.Config, client *peer.Client, bus *events.Bus, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:           cfg,
		client:        client,
		bus:           bus,
		seq:           &schema.Seq{},
		logger:        logger.With().Str("component", "router").Logger(),
		tasks:         make(chan task, taskQueueDepth),
		stopped:       make(chan struct{}),
		sources:       make(map[string]*schema.SourceRecord),
		transportMode: TransportDirect,
		timeouts:      make(map[string][]time.Time),
		now:           time.Now,
	}
	s.hub = wsbus.NewHub("router", s.replay, logger)
	return s
}

// Hub exposes the websocket hub for route mounting.
func (s *Service) Hub() *wsbus.Hub { return s.hub }

// replay hands a fresh subscriber the cached snapshot exactly once.
func (s *Service) replay() []schema.Envelope {
	var out []schema.Envelope
	_ = s.exec(func() {
		if s.lastMedia != nil {
			out = append(out, schema.NewEnvelope(schema.EventMediaUpdate, s.lastMedia, "client_connect", s.seq.Next()))
		}
	})
	return out
}

// Run owns all router state until ctx is cancelled. Restores persisted state
// before serving mutations.
func (s *Service) Run(ctx context.Context) error {
	s.restore(ctx)

	ticker := time.NewTicker(ttlSweepInterval)
	defer ticker.Stop()
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-s.tasks:
			t.fn()
			close(t.done)
		case <-ticker.C:
			s.sweepTTL()
		}
	}
}

// exec runs fn on the state goroutine and waits for it. Returns
// ErrOverloaded without blocking when the queue is full.
func (s *Service) exec(fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case s.tasks <- t:
	default:
		return ErrOverloaded
	}
	select {
	case <-t.done:
		return nil
	case <-s.stopped:
		return errors.New("router: stopped")
	}
}

// publish broadcasts env to websocket subscribers and the internal bus.
func (s *Service) publish(env schema.Envelope) {
	s.hub.Publish(env)
	if s.bus != nil {
		s.bus.Publish(env)
	}
}

// defaultPlayerKind maps the configured default player to a player kind.
func (s *Service) defaultPlayerKind() schema.PlayerKind {
	switch config.PlayerType(s.cfg.DefaultPlayer) {
	case config.PlayerLocal:
		return schema.PlayerLocal
	case config.PlayerSonos, config.PlayerBluesound:
		return schema.PlayerRemote
	}
	return ""
}

func (s *Service) playerCommandURL() string {
	if s.cfg.DefaultPlayer == "" || config.PlayerType(s.cfg.DefaultPlayer) == config.PlayerNone {
		return ""
	}
	return fmt.Sprintf("http://%s/command", s.cfg.Bind.Player)
}

// ApplySource validates and applies one posted source record. probe runs the
// reachability check outside the state goroutine when registration needs it.
func (s *Service) ApplySource(ctx context.Context, rec schema.SourceRecord) (active string, err error) {
	if vErr := rec.Validate(); vErr != nil {
		return "", vErr
	}

	// Phase 1: read current state to decide whether a probe or a deposition
	// is needed. Both involve network calls and must not run on the state
	// goroutine.
	var (
		current    schema.SourceState
		needProbe  bool
		prevRecord *schema.SourceRecord
	)
	if execErr := s.exec(func() {
		current = schema.SourceAbsent
		existing := s.sources[rec.ID]
		if existing != nil {
			current = existing.State
		}
		ev, evErr := schema.EventForState(current, rec.State)
		if evErr != nil {
			return
		}
		// Any post that creates a record is a registration and gets probed,
		// including a first post that goes straight to playing.
		needProbe = existing == nil || existing.State == schema.SourceGone
		if ev == schema.SourceEvStart && existing != nil && existing.Degraded {
			needProbe = true
		}
		if ev == schema.SourceEvStart && s.active != "" && s.active != rec.ID {
			if prev, ok := s.sources[s.active]; ok {
				cp := *prev
				prevRecord = &cp
			}
		}
	}); execErr != nil {
		return "", execErr
	}

	if needProbe {
		if res := s.client.Probe(ctx, healthURL(rec.CommandURL)); !res.OK() {
			s.logger.Warn().
				Str("source", rec.ID).
				Str("command_url", rec.CommandURL).
				Str("status", string(res.Status)).
				Msg("registration refused, command_url unreachable")
			return "", fmt.Errorf("source %s unreachable: %w", rec.ID, errors.Join(res.Err, errPeerProbe))
		}
	}

	if prevRecord != nil {
		s.depose(ctx, prevRecord, rec.ID)
	}

	// Phase 2: commit.
	var commitErr error
	if execErr := s.exec(func() {
		active, commitErr = s.commitSource(rec)
	}); execErr != nil {
		return "", execErr
	}
	return active, commitErr
}

var errPeerProbe = errors.New("probe failed")

// IsProbeRefusal reports whether err is a refused registration.
func IsProbeRefusal(err error) bool { return errors.Is(err, errPeerProbe) }

// depose pauses or stops the previous owner before ownership transfers.
// Unacknowledged deposition does not block the transfer.
func (s *Service) depose(ctx context.Context, prev *schema.SourceRecord, next string) {
	action := schema.ActionStop
	if prev.Handles.Contains(schema.ActionPause) {
		action = schema.ActionPause
	}
	res := s.client.PostJSON(ctx, prev.CommandURL, map[string]any{"action": action}, peer.CommandDeadline)
	if res.OK() {
		telemetry.RouterTakeovers.WithLabelValues("acknowledged").Inc()
		return
	}
	telemetry.RouterTakeovers.WithLabelValues("unacknowledged").Inc()
	s.logger.Warn().
		Str("previous", prev.ID).
		Str("next", next).
		Str("action", string(action)).
		Str("status", string(res.Status)).
		Msg("takeover_unacknowledged")
}

// commitSource applies the transition on the state goroutine.
func (s *Service) commitSource(rec schema.SourceRecord) (string, error) {
	current := schema.SourceAbsent
	if existing, ok := s.sources[rec.ID]; ok {
		current = existing.State
	}
	// A first post that announces playing registers and starts in one step.
	// The reachability probe already ran in ApplySource.
	if current == schema.SourceAbsent && rec.State == schema.SourcePlaying {
		current = schema.SourceRegistered
	}
	ev, err := schema.EventForState(current, rec.State)
	if err != nil {
		return s.active, err
	}
	next, err := schema.Transition(current, ev)
	if err != nil {
		s.logger.Warn().
			Str("source", rec.ID).
			Str("from", string(current)).
			Str("posted", string(rec.State)).
			Msg("forbidden source transition rejected")
		return s.active, err
	}

	rec.State = next
	rec.LastTransitionAt = s.now()
	if existing, ok := s.sources[rec.ID]; ok && ev != schema.SourceEvRegister {
		rec.Degraded = existing.Degraded
	}

	switch ev {
	case schema.SourceEvGone:
		delete(s.sources, rec.ID)
		delete(s.timeouts, rec.ID)
		if s.active == rec.ID {
			s.active = ""
		}
	case schema.SourceEvStart:
		rec.Degraded = false
		s.sources[rec.ID] = &rec
		s.active = rec.ID
	case schema.SourceEvStop:
		s.sources[rec.ID] = &rec
		if s.active == rec.ID {
			s.active = ""
		}
	default:
		s.sources[rec.ID] = &rec
	}

	s.logger.Info().
		Str("source", rec.ID).
		Str("event", string(ev)).
		Str("state", string(next)).
		Str("active_source", s.activeOrNone()).
		Msg("source transition")

	s.publish(schema.NewEnvelope(schema.EventSourceUpdate, rec, "", s.seq.Next()))
	s.persist()
	return s.activeOrNone(), nil
}

func (s *Service) activeOrNone() string {
	if s.active == "" {
		return "none"
	}
	return s.active
}

// MediaStatus is the gating outcome of a posted snapshot.
type MediaStatus string

const (
	MediaAccepted   MediaStatus = "ok"
	MediaSuppressed MediaStatus = "suppressed"
)

// ApplyMedia gates one media snapshot and broadcasts it when accepted.
func (s *Service) ApplyMedia(snap schema.MediaSnapshot) (MediaStatus, error) {
	var status MediaStatus
	err := s.exec(func() {
		status = s.gateMedia(snap)
	})
	if err != nil {
		return "", err
	}
	telemetry.RouterMediaPosts.WithLabelValues(string(status)).Inc()
	return status, nil
}

func (s *Service) gateMedia(snap schema.MediaSnapshot) MediaStatus {
	accept := false
	reason := snap.Reason

	switch {
	case s.forceOverride:
		accept = true
	case s.active == "":
		accept = snap.Player != "" && snap.Player == s.defaultPlayerKind()
	case snap.Reason == schema.ReasonExternalTakeover:
		rec, ok := s.sources[s.active]
		if ok && rec.Player == schema.PlayerLocal {
			// A networked speaker started playing under a third-party
			// controller; the local source loses the device.
			deposed := *rec
			if next, err := schema.Transition(rec.State, schema.SourceEvExternalTakeover); err == nil {
				deposed.State = next
				deposed.LastTransitionAt = s.now()
				delete(s.sources, rec.ID)
				delete(s.timeouts, rec.ID)
				s.active = ""
				s.publish(schema.NewEnvelope(schema.EventSourceUpdate, deposed, schema.ReasonExternalTakeover, s.seq.Next()))
				telemetry.RouterTakeovers.WithLabelValues("external").Inc()
				accept = true
			}
		} else if ok && rec.Player == schema.PlayerRemote {
			// Same speaker, different controller: the snapshot is about the
			// active output, accept it.
			accept = true
		}
	default:
		rec, ok := s.sources[s.active]
		accept = ok && snap.Player == rec.Player
		if accept && snap.SourceID == "" {
			snap.SourceID = s.active
		}
	}

	if !accept {
		s.logger.Debug().
			Str("active_source", s.activeOrNone()).
			Str("posting_player", string(snap.Player)).
			Str("reason", snap.Reason).
			Msg("media snapshot suppressed")
		return MediaSuppressed
	}

	// Stopped snapshots keep the previous artwork so the UI never flashes a
	// broken image.
	if snap.State == schema.PlaybackStopped && snap.ArtworkURL == "" && s.lastMedia != nil {
		snap.ArtworkURL = s.lastMedia.ArtworkURL
	}

	s.lastMedia = &snap
	s.publish(schema.NewEnvelope(schema.EventMediaUpdate, snap, reason, s.seq.Next()))
	s.persist()
	return MediaAccepted
}

// CommandResult is the router's reply to a forwarded command.
type CommandResult struct {
	Status      string `json:"status"`
	ForwardedTo string `json:"forwarded_to,omitempty"`
	HTTPStatus  int    `json:"-"`
}

// ForwardCommand resolves the target for an intent and forwards it.
func (s *Service) ForwardCommand(ctx context.Context, action schema.Action, params map[string]any) (CommandResult, error) {
	var (
		targetURL string
		targetID  string
	)
	if err := s.exec(func() {
		if s.active != "" {
			if rec, ok := s.sources[s.active]; ok && rec.Handles.Contains(action) {
				targetURL = rec.CommandURL
				targetID = rec.ID
				return
			}
		}
		if schema.MediaKeys[action] {
			if url := s.playerCommandURL(); url != "" {
				targetURL = url
				targetID = "player:" + s.cfg.DefaultPlayer
			}
		}
	}); err != nil {
		return CommandResult{}, err
	}

	if targetURL == "" {
		return CommandResult{Status: "unhandled"}, nil
	}

	body := map[string]any{"action": action}
	if len(params) > 0 {
		body["params"] = params
	}
	res := s.client.PostJSON(ctx, targetURL, body, peer.CommandDeadline)
	telemetry.CommandForwards.WithLabelValues(targetID, string(res.Status)).Inc()

	switch res.Status {
	case peer.StatusOK:
		return CommandResult{Status: "ok", ForwardedTo: targetID}, nil
	case peer.StatusTimeout:
		s.recordTimeout(targetID)
		return CommandResult{Status: "timeout", ForwardedTo: targetID, HTTPStatus: 408}, nil
	case peer.StatusUnavailable:
		s.recordTimeout(targetID)
		return CommandResult{Status: "peer_unavailable", ForwardedTo: targetID, HTTPStatus: 502}, nil
	default:
		return CommandResult{Status: "rejected", ForwardedTo: targetID, HTTPStatus: res.HTTPStatus}, nil
	}
}

// recordTimeout tracks forward failures; three within the window mark the
// source degraded so its next playing transition is re-probed.
func (s *Service) recordTimeout(sourceID string) {
	_ = s.exec(func() {
		rec, ok := s.sources[sourceID]
		if !ok {
			return
		}
		cutoff := s.now().Add(-degradedWindow)
		kept := s.timeouts[sourceID][:0]
		for _, ts := range s.timeouts[sourceID] {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		kept = append(kept, s.now())
		s.timeouts[sourceID] = kept
		if len(kept) >= degradedThreshold && !rec.Degraded {
			rec.Degraded = true
			s.logger.Warn().Str("source", sourceID).Int("timeouts", len(kept)).Msg("source marked degraded")
		}
	})
}

// VolumeReportStatus is the gating outcome of a posted volume report.
type VolumeReportStatus string

const (
	VolumeAccepted VolumeReportStatus = "ok"
	VolumeRejected VolumeReportStatus = "rejected"
)

// ApplyVolumeReport rebroadcasts a player volume report when the posting
// player matches the configured volume adapter type.
func (s *Service) ApplyVolumeReport(report schema.VolumeReport) (VolumeReportStatus, error) {
	if report.Source != string(s.cfg.Volume.Type) {
		s.logger.Warn().
			Str("posting_player", report.Source).
			Str("volume_adapter", string(s.cfg.Volume.Type)).
			Int("volume", report.Volume).
			Msg("volume report dropped, adapter type mismatch")
		return VolumeRejected, nil
	}
	err := s.exec(func() {
		s.publish(schema.NewEnvelope(schema.EventVolume, report, "player_report", s.seq.Next()))
	})
	if err != nil {
		return "", err
	}
	return VolumeAccepted, nil
}

// SetPlaybackOverride toggles forced media acceptance.
func (s *Service) SetPlaybackOverride(force bool) error {
	return s.exec(func() {
		s.forceOverride = force
		s.logger.Info().Bool("force", force).Msg("playback override")
	})
}

// Status is the full router state snapshot for GET /router/status.
type Status struct {
	ActiveSource  string                          `json:"active_source"`
	Sources       map[string]schema.SourceRecord  `json:"sources"`
	LastMedia     *schema.MediaSnapshot           `json:"last_media,omitempty"`
	Subscribers   int                             `json:"subscribers"`
	TransportMode TransportMode                   `json:"transport_mode"`
	ForceOverride bool                            `json:"force_override"`
	Seq           uint64                          `json:"seq"`
}

// Snapshot returns the current router state.
func (s *Service) Snapshot() (Status, error) {
	var st Status
	err := s.exec(func() {
		st = Status{
			ActiveSource:  s.activeOrNone(),
			Sources:       make(map[string]schema.SourceRecord, len(s.sources)),
			LastMedia:     s.lastMedia,
			TransportMode: s.transportMode,
			ForceOverride: s.forceOverride,
			Seq:           s.seq.Current(),
		}
		for id, rec := range s.sources {
			st.Sources[id] = *rec
		}
	})
	st.Subscribers = s.hub.SubscriberCount()
	return st, err
}

// sweepTTL downgrades playing/paused sources whose last transition exceeds
// the liveness TTL. Runs on the state goroutine.
func (s *Service) sweepTTL() {
	ttl := s.cfg.LivenessTTL()
	cutoff := s.now().Add(-ttl)
	for id, rec := range s.sources {
		if rec.State != schema.SourcePlaying && rec.State != schema.SourcePaused {
			continue
		}
		if rec.LastTransitionAt.After(cutoff) {
			continue
		}
		next, err := schema.Transition(rec.State, schema.SourceEvTimeout)
		if err != nil {
			continue
		}
		expired := *rec
		expired.State = next
		expired.LastTransitionAt = s.now()
		delete(s.sources, id)
		delete(s.timeouts, id)
		if s.active == id {
			s.active = ""
		}
		s.logger.Warn().Str("source", id).Dur("ttl", ttl).Msg("source liveness expired")
		s.publish(schema.NewEnvelope(schema.EventSourceUpdate, expired, "timeout", s.seq.Next()))
		s.persist()
	}
}

func healthURL(commandURL string) string {
	// Sources expose /health next to /command.
	const suffix = "/command"
	if len(commandURL) > len(suffix) && commandURL[len(commandURL)-len(suffix):] == suffix {
		return commandURL[:len(commandURL)-len(suffix)] + "/health"
	}
	return commandURL + "/health"
}
