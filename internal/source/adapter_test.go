/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package source

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
)

// fakeFabric records source and menu posts on behalf of the router and the
// input daemon.
type fakeFabric struct {
	srv *httptest.Server

	mu       sync.Mutex
	sources  []schema.SourceRecord
	menus    []map[string]any
	rejected int
	reject   bool
}

func newFakeFabric(t *testing.T) *fakeFabric {
	t.Helper()
	f := &fakeFabric{}
	mux := http.NewServeMux()
	mux.HandleFunc("/router/source", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.reject {
			f.rejected++
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var rec schema.SourceRecord
		json.NewDecoder(r.Body).Decode(&rec)
		f.sources = append(f.sources, rec)
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/input/menu", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.menus = append(f.menus, body)
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFabric) addr() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeFabric) lastSource(t *testing.T) schema.SourceRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) == 0 {
		t.Fatal("no source posts recorded")
	}
	return f.sources[len(f.sources)-1]
}

func newTestHarness(t *testing.T, fabric *fakeFabric, adapter Adapter) *Harness {
	t.Helper()
	cfg := &config.Config{}
	cfg.Bind.Router = fabric.addr()
	cfg.Bind.Input = fabric.addr()
	if adapter.ID == "" {
		adapter.ID = "cd"
	}
	if adapter.Bind == "" {
		adapter.Bind = "127.0.0.1:8769"
	}
	if adapter.Player == "" {
		adapter.Player = schema.PlayerLocal
	}
	h, err := New(adapter, cfg, peer.NewClient(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new harness: %v", err)
	}
	return h
}

func TestRunRegistersAndAnnouncesMenu(t *testing.T) {
	fabric := newFakeFabric(t)
	h := newTestHarness(t, fabric, Adapter{
		Name:    "CD",
		Handles: schema.Handles{"play", "pause", "next"},
		Menu:    schema.MenuItem{Label: "CD", Route: "/cd"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		fabric.mu.Lock()
		defer fabric.mu.Unlock()
		return len(fabric.sources) >= 1 && len(fabric.menus) >= 1
	})

	rec := fabric.lastSource(t)
	if rec.State != schema.SourceRegistered || rec.ID != "cd" {
		t.Fatalf("registration record = %+v", rec)
	}
	if rec.CommandURL != "http://127.0.0.1:8769/command" {
		t.Fatalf("command_url = %s", rec.CommandURL)
	}

	fabric.mu.Lock()
	menu := fabric.menus[0]
	fabric.mu.Unlock()
	if menu["action"] != "add" {
		t.Fatalf("menu post = %v", menu)
	}

	cancel()
	<-done
}

func TestRunRetriesRegistration(t *testing.T) {
	fabric := newFakeFabric(t)
	fabric.mu.Lock()
	fabric.reject = true
	fabric.mu.Unlock()

	h := newTestHarness(t, fabric, Adapter{Handles: schema.Handles{"play"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	waitFor(t, func() bool {
		fabric.mu.Lock()
		defer fabric.mu.Unlock()
		return fabric.rejected >= 1
	})
	fabric.mu.Lock()
	fabric.reject = false
	fabric.mu.Unlock()

	waitFor(t, func() bool {
		fabric.mu.Lock()
		defer fabric.mu.Unlock()
		return len(fabric.sources) >= 1
	})
}

func TestShutdownPostsGoneAndRemovesMenu(t *testing.T) {
	fabric := newFakeFabric(t)
	h := newTestHarness(t, fabric, Adapter{
		Menu:    schema.MenuItem{Label: "CD", Route: "/cd"},
		Handles: schema.Handles{"play"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool {
		fabric.mu.Lock()
		defer fabric.mu.Unlock()
		return len(fabric.sources) >= 1
	})

	cancel()
	<-done

	rec := fabric.lastSource(t)
	if rec.State != schema.SourceGone {
		t.Fatalf("final source post state = %s, want gone", rec.State)
	}
	fabric.mu.Lock()
	defer fabric.mu.Unlock()
	last := fabric.menus[len(fabric.menus)-1]
	if last["action"] != "remove" || last["id"] != "cd" {
		t.Fatalf("final menu post = %v", last)
	}
}

func TestPostStateTracksAcknowledged(t *testing.T) {
	fabric := newFakeFabric(t)
	h := newTestHarness(t, fabric, Adapter{Handles: schema.Handles{"play"}})

	if err := h.PostState(context.Background(), schema.SourcePlaying); err != nil {
		t.Fatalf("post state: %v", err)
	}
	if h.State() != schema.SourcePlaying {
		t.Fatalf("state = %s", h.State())
	}
	if rec := fabric.lastSource(t); rec.State != schema.SourcePlaying {
		t.Fatalf("posted record state = %s", rec.State)
	}
}

func TestCommandEnforcesHandles(t *testing.T) {
	fabric := newFakeFabric(t)
	var got schema.Action
	h := newTestHarness(t, fabric, Adapter{
		Handles: schema.Handles{"play", "next"},
		OnCommand: func(_ context.Context, action schema.Action, _ map[string]any) error {
			got = action
			return nil
		},
	})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/command", map[string]any{"action": "play"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("play status = %d", resp.StatusCode)
	}
	if got != schema.ActionPlay {
		t.Fatalf("handler saw %q", got)
	}

	resp = postJSON(t, srv.URL+"/command", map[string]any{"action": "load"})
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("unhandled action status = %d, want 405", resp.StatusCode)
	}
}

func TestStatusReportsIdentity(t *testing.T) {
	fabric := newFakeFabric(t)
	h := newTestHarness(t, fabric, Adapter{Handles: schema.Handles{"play"}})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.ID != "cd" || body.State != "registered" {
		t.Fatalf("status = %+v", body)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
