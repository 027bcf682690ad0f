/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package input

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/schema"
	"github.com/beodeck/beodeck/internal/telemetry"
	"github.com/beodeck/beodeck/internal/wsbus"
)

// eventRingSize is how many recent events the daemon retains.
const eventRingSize = 256

var errUnknownEventType = errors.New("input: unknown event type for emulation")

// eventRing keeps the last N envelopes for the debug surface. Input is
// realtime, so subscribers get no backlog; the ring only serves inspection.
type eventRing struct {
	mu   sync.Mutex
	buf  []schema.Envelope
	next int
	full bool
}

func newEventRing() *eventRing {
	return &eventRing{buf: make([]schema.Envelope, eventRingSize)}
}

func (r *eventRing) push(env schema.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = env
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *eventRing) recent(limit int) []schema.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]schema.Envelope, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Daemon is the hardware-input service.
type Daemon struct {
	cfg    *config.Config
	hub    *wsbus.Hub
	bus    *events.Bus
	seq    *schema.Seq
	menu   *menuModel
	reader *reader
	dec    *decoder
	ring   *eventRing
	logger zerolog.Logger

	connected atomic.Bool
	emulated  atomic.Bool
}

// NewDaemon assembles the input daemon. bus may be nil.
func NewDaemon(cfg *config.Config, bus *events.Bus, logger zerolog.Logger) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		bus:    bus,
		seq:    &schema.Seq{},
		menu:   newMenuModel(cfg.Menu),
		ring:   newEventRing(),
		logger: logger.With().Str("component", "input").Logger(),
	}
	d.hub = wsbus.NewHub("input", d.replay, logger)
	d.reader = newReader(cfg, logger)
	d.dec = newDecoder(cfg.Calibration, func(typ schema.EventType, data any) {
		d.publish(typ, data, "")
	}, logger)
	return d
}

// Hub exposes the websocket hub.
func (d *Daemon) Hub() *wsbus.Hub { return d.hub }

// replay: new subscribers get the current menu exactly once, no event
// backlog.
func (d *Daemon) replay() []schema.Envelope {
	return []schema.Envelope{
		schema.NewEnvelope(schema.EventMenuUpdate, schema.MenuUpdate{Items: d.menu.snapshot()}, "client_connect", d.seq.Next()),
	}
}

func (d *Daemon) publish(typ schema.EventType, data any, reason string) {
	env := schema.NewEnvelope(typ, data, reason, d.seq.Next())
	d.ring.push(env)
	d.hub.Publish(env)
	if d.bus != nil {
		d.bus.Publish(env)
	}
}

// applyDeviceState runs on the Run goroutine so the decoder's last-seen
// table keeps a single owner.
func (d *Daemon) applyDeviceState(st deviceState) {
	d.connected.Store(st.connected)
	if !st.connected {
		d.dec.reset()
	}
	d.publish(schema.EventDeviceState, schema.DeviceStateEvent{Connected: st.connected, Detail: st.detail}, "")
}

// Run consumes reports until ctx is cancelled. Without any HID
// configuration the daemon runs in pure emulation mode.
func (d *Daemon) Run(ctx context.Context) error {
	hidConfigured := d.cfg.HIDPath != "" || d.cfg.HIDVendorID != ""
	if !hidConfigured {
		d.emulated.Store(true)
		d.logger.Info().Msg("no hid endpoint configured, emulation only")
		<-ctx.Done()
		return ctx.Err()
	}

	go func() { _ = d.reader.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-d.reader.states:
			d.applyDeviceState(st)
		case report := <-d.reader.reports:
			d.dec.decode(report)
		}
	}
}

// Routes mounts the input surface.
func (d *Daemon) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(telemetry.MetricsMiddleware)
	r.Post("/input/menu", d.handleMenu)
	r.Post("/input/emulate", d.handleEmulate)
	r.Post("/input/broadcast", d.handleBroadcast)
	r.Get("/input/status", d.handleStatus)
	r.Get("/input/events", d.handleEvents)
	r.Get("/input/ws", d.hub.ServeWS)
	r.Get("/health", d.handleHealth)
	return r
}

func (d *Daemon) respond(w http.ResponseWriter, status int, body map[string]any) {
	body["seq"] = d.seq.Next()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (d *Daemon) handleMenu(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string            `json:"action"`
		Item   *schema.MenuItem  `json:"item,omitempty"`
		After  string            `json:"after,omitempty"`
		ID     string            `json:"id,omitempty"`
		Items  []schema.MenuItem `json:"items,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		d.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed JSON"})
		return
	}

	var (
		menu []schema.MenuItem
		err  error
	)
	switch body.Action {
	case "add":
		if body.Item == nil {
			d.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "add requires item"})
			return
		}
		menu = d.menu.add(*body.Item, body.After)
	case "remove":
		menu, err = d.menu.remove(body.ID)
		if err != nil {
			d.respond(w, http.StatusNotFound, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	case "replace":
		menu = d.menu.replace(body.Items)
	default:
		d.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown menu action"})
		return
	}

	d.publish(schema.EventMenuUpdate, schema.MenuUpdate{Items: menu}, "")
	d.respond(w, http.StatusOK, map[string]any{"ok": true, "menu": menu})
}

func (d *Daemon) handleEmulate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type schema.EventType `json:"type"`
		Data json.RawMessage  `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		d.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed JSON"})
		return
	}

	data, err := emulatedPayload(d.cfg.Calibration, body.Type, body.Data)
	if err != nil {
		d.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if !d.connected.Load() {
		d.emulated.Store(true)
	}
	telemetry.InputEventsTotal.WithLabelValues(string(body.Type), string(schema.OriginEmulated)).Inc()
	d.publish(body.Type, data, "")
	d.respond(w, http.StatusOK, map[string]any{"ok": true})
}

// emulatedPayload re-types an emulated event and stamps its origin so it is
// indistinguishable from a decoded one except for observability.
func emulatedPayload(cal config.Calibration, typ schema.EventType, raw json.RawMessage) (any, error) {
	switch typ {
	case schema.EventLaser:
		var ev schema.LaserEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.Angle = cal.Angle(ev.Position)
		ev.Origin = schema.OriginEmulated
		return ev, nil
	case schema.EventNav:
		var ev schema.NavEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.Origin = schema.OriginEmulated
		return ev, nil
	case schema.EventVolume:
		var ev schema.VolumeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.Origin = schema.OriginEmulated
		return ev, nil
	case schema.EventButton:
		var ev schema.ButtonEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.Origin = schema.OriginEmulated
		return ev, nil
	}
	return nil, errUnknownEventType
}

func (d *Daemon) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type schema.EventType `json:"type"`
		Data json.RawMessage  `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		d.respond(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "type and data required"})
		return
	}
	d.publish(body.Type, body.Data, "")
	d.respond(w, http.StatusOK, map[string]any{"ok": true})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.respond(w, http.StatusOK, map[string]any{
		"menu":      d.menu.snapshot(),
		"connected": d.connected.Load(),
		"emulated":  d.emulated.Load(),
	})
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.ring.recent(0))
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	d.respond(w, http.StatusOK, map[string]any{"ok": true, "service": "input"})
}
