/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
)

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{DeviceName: "test"}
	}
	svc := New(cfg, peer.NewClient(), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = svc.Run(ctx) }()

	// Wait for the state loop to come up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := svc.exec(func() {}); err == nil {
			return svc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("state loop never started")
	return nil
}

// fakeSource is an httptest stand-in for a source adapter.
type fakeSource struct {
	srv *httptest.Server

	mu       sync.Mutex
	commands []string
	state    schema.SourceState
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	f := &fakeSource{state: schema.SourcePlaying}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"state": f.state})
	})
	mux.HandleFunc("/command", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action string `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.commands = append(f.commands, body.Action)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok": true}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSource) commandURL() string { return f.srv.URL + "/command" }

func (f *fakeSource) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func record(id string, state schema.SourceState, src *fakeSource, player schema.PlayerKind, handles ...string) schema.SourceRecord {
	return schema.SourceRecord{
		ID:         id,
		State:      state,
		Name:       id,
		CommandURL: src.commandURL(),
		Player:     player,
		Handles:    handles,
	}
}

func TestRegisterRefusedWhenUnreachable(t *testing.T) {
	svc := newTestService(t, nil)
	rec := schema.SourceRecord{
		ID:         "cd",
		State:      schema.SourceRegistered,
		CommandURL: "http://127.0.0.1:1/command",
		Player:     schema.PlayerLocal,
	}
	if _, err := svc.ApplySource(context.Background(), rec); !IsProbeRefusal(err) {
		t.Fatalf("expected probe refusal, got %v", err)
	}
	st, _ := svc.Snapshot()
	if len(st.Sources) != 0 {
		t.Errorf("refused registration must not create a record")
	}
}

func TestPlayingSetsActiveSource(t *testing.T) {
	svc := newTestService(t, nil)
	src := newFakeSource(t)

	active, err := svc.ApplySource(context.Background(), record("cd", schema.SourceRegistered, src, schema.PlayerLocal, "play", "pause"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if active != "none" {
		t.Errorf("active after register: got %s", active)
	}

	active, err = svc.ApplySource(context.Background(), record("cd", schema.SourcePlaying, src, schema.PlayerLocal, "play", "pause"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if active != "cd" {
		t.Errorf("active after start: got %s", active)
	}

	// Stop clears ownership; no source record stays in playing.
	active, err = svc.ApplySource(context.Background(), record("cd", schema.SourceRegistered, src, schema.PlayerLocal, "play", "pause"))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if active != "none" {
		t.Errorf("active after stop: got %s", active)
	}
	st, _ := svc.Snapshot()
	if st.Sources["cd"].State != schema.SourceRegistered {
		t.Errorf("state after stop: got %s", st.Sources["cd"].State)
	}
}

func TestTakeoverDeposesPreviousOwner(t *testing.T) {
	svc := newTestService(t, nil)
	prev := newFakeSource(t)
	next := newFakeSource(t)

	ctx := context.Background()
	if _, err := svc.ApplySource(ctx, record("radio", schema.SourceRegistered, prev, schema.PlayerRemote, "play", "pause")); err != nil {
		t.Fatalf("register prev: %v", err)
	}
	if _, err := svc.ApplySource(ctx, record("radio", schema.SourcePlaying, prev, schema.PlayerRemote, "play", "pause")); err != nil {
		t.Fatalf("start prev: %v", err)
	}

	if _, err := svc.ApplySource(ctx, record("cd", schema.SourceRegistered, next, schema.PlayerLocal, "play", "stop")); err != nil {
		t.Fatalf("register next: %v", err)
	}
	active, err := svc.ApplySource(ctx, record("cd", schema.SourcePlaying, next, schema.PlayerLocal, "play", "stop"))
	if err != nil {
		t.Fatalf("start next: %v", err)
	}
	if active != "cd" {
		t.Errorf("active: got %s", active)
	}

	got := prev.received()
	if len(got) != 1 || got[0] != "pause" {
		t.Errorf("previous owner commands: got %v, want [pause]", got)
	}
}

func TestDeposeFallsBackToStop(t *testing.T) {
	svc := newTestService(t, nil)
	prev := newFakeSource(t)
	next := newFakeSource(t)

	ctx := context.Background()
	// Previous owner does not handle pause.
	if _, err := svc.ApplySource(ctx, record("usb", schema.SourcePlaying, prev, schema.PlayerLocal, "play", "stop")); err != nil {
		t.Fatalf("start prev: %v", err)
	}
	if _, err := svc.ApplySource(ctx, record("cd", schema.SourcePlaying, next, schema.PlayerLocal, "play")); err != nil {
		t.Fatalf("start next: %v", err)
	}

	got := prev.received()
	if len(got) != 1 || got[0] != "stop" {
		t.Errorf("previous owner commands: got %v, want [stop]", got)
	}
}

func TestGoneToPlayingForbidden(t *testing.T) {
	svc := newTestService(t, nil)
	src := newFakeSource(t)
	ctx := context.Background()

	if _, err := svc.ApplySource(ctx, record("cd", schema.SourcePlaying, src, schema.PlayerLocal, "play")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ApplySource(ctx, record("cd", schema.SourceGone, src, schema.PlayerLocal, "play")); err != nil {
		t.Fatalf("gone: %v", err)
	}

	st, _ := svc.Snapshot()
	if len(st.Sources) != 0 {
		t.Fatalf("gone must destroy the record, have %v", st.Sources)
	}
	if st.ActiveSource != "none" {
		t.Errorf("active after gone: got %s", st.ActiveSource)
	}

	// Re-registering after gone yields a fresh record.
	if _, err := svc.ApplySource(ctx, record("cd", schema.SourceRegistered, src, schema.PlayerLocal, "play")); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	st, _ = svc.Snapshot()
	if st.Sources["cd"].State != schema.SourceRegistered {
		t.Errorf("fresh record state: got %s", st.Sources["cd"].State)
	}
}

func TestMediaGatingSuppressesForeignPlayer(t *testing.T) {
	svc := newTestService(t, &config.Config{DeviceName: "test", DefaultPlayer: "sonos"})
	src := newFakeSource(t)
	ctx := context.Background()

	if _, err := svc.ApplySource(ctx, record("cd", schema.SourcePlaying, src, schema.PlayerLocal, "play")); err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := svc.ApplyMedia(schema.MediaSnapshot{Title: "Sonos-X", State: schema.PlaybackPlaying, Player: schema.PlayerRemote})
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if status != MediaSuppressed {
		t.Errorf("remote snapshot with local active source: got %s, want suppressed", status)
	}

	status, err = svc.ApplyMedia(schema.MediaSnapshot{Title: "Local", State: schema.PlaybackPlaying, Player: schema.PlayerLocal})
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if status != MediaAccepted {
		t.Errorf("matching player kind: got %s, want ok", status)
	}
}

func TestExternalTakeoverDeposesLocalSource(t *testing.T) {
	svc := newTestService(t, &config.Config{DeviceName: "test", DefaultPlayer: "sonos"})
	src := newFakeSource(t)
	ctx := context.Background()

	if _, err := svc.ApplySource(ctx, record("cd", schema.SourcePlaying, src, schema.PlayerLocal, "play")); err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := svc.ApplyMedia(schema.MediaSnapshot{
		Title:  "B",
		Artist: "Y",
		State:  schema.PlaybackPlaying,
		Player: schema.PlayerRemote,
		Reason: schema.ReasonExternalTakeover,
	})
	if err != nil {
		t.Fatalf("media: %v", err)
	}
	if status != MediaAccepted {
		t.Fatalf("takeover snapshot: got %s, want ok", status)
	}

	st, _ := svc.Snapshot()
	if st.ActiveSource != "none" {
		t.Errorf("active after takeover: got %s", st.ActiveSource)
	}
	if _, ok := st.Sources["cd"]; ok {
		t.Errorf("local source must be gone after external takeover")
	}
	if st.LastMedia == nil || st.LastMedia.Title != "B" {
		t.Errorf("last media: got %+v", st.LastMedia)
	}
}

func TestStoppedSnapshotPreservesArtwork(t *testing.T) {
	svc := newTestService(t, &config.Config{DeviceName: "test", DefaultPlayer: "sonos"})

	if status, _ := svc.ApplyMedia(schema.MediaSnapshot{
		Title:      "A",
		ArtworkURL: "http://127.0.0.1/art.jpg",
		State:      schema.PlaybackPlaying,
		Player:     schema.PlayerRemote,
	}); status != MediaAccepted {
		t.Fatalf("seed snapshot suppressed")
	}

	if status, _ := svc.ApplyMedia(schema.MediaSnapshot{
		Title:  "A",
		State:  schema.PlaybackStopped,
		Player: schema.PlayerRemote,
	}); status != MediaAccepted {
		t.Fatalf("stop snapshot suppressed")
	}

	st, _ := svc.Snapshot()
	if st.LastMedia.ArtworkURL != "http://127.0.0.1/art.jpg" {
		t.Errorf("artwork blanked on stop: %+v", st.LastMedia)
	}
	if st.LastMedia.State != schema.PlaybackStopped {
		t.Errorf("state: got %s", st.LastMedia.State)
	}
}

func TestCommandForwardedToActiveSource(t *testing.T) {
	svc := newTestService(t, nil)
	src := newFakeSource(t)
	ctx := context.Background()

	if _, err := svc.ApplySource(ctx, record("cd", schema.SourcePlaying, src, schema.PlayerLocal, "play", "next")); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ForwardCommand(ctx, schema.ActionNext, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.Status != "ok" || res.ForwardedTo != "cd" {
		t.Errorf("result: %+v", res)
	}
	got := src.received()
	if len(got) != 1 || got[0] != "next" {
		t.Errorf("source saw %v", got)
	}
}

func TestCommandUnhandledWithoutTarget(t *testing.T) {
	svc := newTestService(t, &config.Config{DeviceName: "test", DefaultPlayer: "none"})
	res, err := svc.ForwardCommand(context.Background(), schema.ActionPlay, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.Status != "unhandled" {
		t.Errorf("status: got %s", res.Status)
	}
}

func TestVolumeReportAdapterMatch(t *testing.T) {
	cfg := &config.Config{DeviceName: "test"}
	cfg.Volume.Type = config.VolumeSonos
	svc := newTestService(t, cfg)

	status, err := svc.ApplyVolumeReport(schema.VolumeReport{Volume: 30, Source: "bluesound"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if status != VolumeRejected {
		t.Errorf("mismatched report: got %s, want rejected", status)
	}

	status, err = svc.ApplyVolumeReport(schema.VolumeReport{Volume: 30, Source: "sonos"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if status != VolumeAccepted {
		t.Errorf("matching report: got %s, want ok", status)
	}
}

func TestIdempotentReregistration(t *testing.T) {
	svc := newTestService(t, nil)
	src := newFakeSource(t)
	ctx := context.Background()

	rec := record("cd", schema.SourceRegistered, src, schema.PlayerLocal, "play")
	if _, err := svc.ApplySource(ctx, rec); err != nil {
		t.Fatalf("first register: %v", err)
	}
	first, _ := svc.Snapshot()
	if _, err := svc.ApplySource(ctx, rec); err != nil {
		t.Fatalf("second register: %v", err)
	}
	second, _ := svc.Snapshot()

	if first.Sources["cd"].State != second.Sources["cd"].State ||
		first.ActiveSource != second.ActiveSource {
		t.Errorf("re-registration changed state: %+v vs %+v", first, second)
	}
}

func TestPersistAndRestore(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "router-state.json")
	cfg := &config.Config{DeviceName: "test", StateFile: stateFile}

	svc := newTestService(t, cfg)
	src := newFakeSource(t)
	ctx := context.Background()

	if _, err := svc.ApplySource(ctx, record("radio", schema.SourcePlaying, src, schema.PlayerRemote, "play")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if status, _ := svc.ApplyMedia(schema.MediaSnapshot{Title: "A", State: schema.PlaybackPlaying, Player: schema.PlayerRemote}); status != MediaAccepted {
		t.Fatalf("media suppressed")
	}

	// Second service restores from the same file while the source still
	// reports playing.
	restored := newTestService(t, cfg)
	st, _ := restored.Snapshot()
	if st.ActiveSource != "radio" {
		t.Errorf("restored active: got %s", st.ActiveSource)
	}
	if st.LastMedia == nil || st.LastMedia.Title != "A" {
		t.Errorf("restored media: %+v", st.LastMedia)
	}
}

func TestRestoreDropsDeadSource(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "router-state.json")
	cfg := &config.Config{DeviceName: "test", StateFile: stateFile}

	svc := newTestService(t, cfg)
	src := newFakeSource(t)
	if _, err := svc.ApplySource(context.Background(), record("radio", schema.SourcePlaying, src, schema.PlayerRemote, "play")); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.srv.Close()

	restored := newTestService(t, cfg)
	st, _ := restored.Snapshot()
	if st.ActiveSource != "none" {
		t.Errorf("dead source must not be restored as active, got %s", st.ActiveSource)
	}
}
