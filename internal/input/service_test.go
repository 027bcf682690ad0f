/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package input

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/events"
	"github.com/beodeck/beodeck/internal/schema"
)

func newTestDaemon(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		DeviceName: "test",
		Menu: []schema.MenuItem{
			{Label: "A", Route: "menu/a"},
			{Label: "B", Route: "menu/b"},
			{Label: "C", Route: "menu/c"},
		},
	}
	d := NewDaemon(cfg, nil, zerolog.Nop())
	srv := httptest.NewServer(d.Routes())
	t.Cleanup(srv.Close)
	return d, srv
}

func postJSON(t *testing.T, url, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	out["_status"] = float64(resp.StatusCode)
	return out
}

func subscribe(t *testing.T, srv *httptest.Server) (*ws.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	conn, _, err := ws.Dial(ctx, strings.Replace(srv.URL, "http", "ws", 1)+"/input/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(ws.StatusNormalClosure, "") })
	return conn, ctx
}

func readEnv(t *testing.T, ctx context.Context, conn *ws.Conn) schema.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env schema.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestSubscriberGetsMenuOnConnect(t *testing.T) {
	_, srv := newTestDaemon(t)
	conn, ctx := subscribe(t, srv)

	env := readEnv(t, ctx, conn)
	if env.Type != schema.EventMenuUpdate || env.Reason != "client_connect" {
		t.Fatalf("connect envelope: type=%s reason=%s", env.Type, env.Reason)
	}
	var menu schema.MenuUpdate
	if err := json.Unmarshal(env.Data, &menu); err != nil {
		t.Fatal(err)
	}
	if len(menu.Items) != 3 || menu.Items[0].Label != "A" {
		t.Errorf("menu snapshot: %+v", menu.Items)
	}
}

func TestMenuAddAfterBroadcastsOrder(t *testing.T) {
	_, srv := newTestDaemon(t)
	conn, ctx := subscribe(t, srv)
	readEnv(t, ctx, conn) // connect snapshot

	out := postJSON(t, srv.URL+"/input/menu",
		`{"action":"add","item":{"label":"D","route":"menu/d"},"after":"B"}`)
	if out["ok"] != true {
		t.Fatalf("menu add: %v", out)
	}

	env := readEnv(t, ctx, conn)
	if env.Type != schema.EventMenuUpdate {
		t.Fatalf("broadcast type: %s", env.Type)
	}
	var menu schema.MenuUpdate
	if err := json.Unmarshal(env.Data, &menu); err != nil {
		t.Fatal(err)
	}
	var labels []string
	for _, item := range menu.Items {
		labels = append(labels, item.Label)
	}
	want := []string{"A", "B", "D", "C"}
	for i := range want {
		if i >= len(labels) || labels[i] != want[i] {
			t.Fatalf("menu order: got %v want %v", labels, want)
		}
	}
}

func TestMenuRemove(t *testing.T) {
	_, srv := newTestDaemon(t)
	out := postJSON(t, srv.URL+"/input/menu", `{"action":"remove","id":"menu/b"}`)
	if out["ok"] != true {
		t.Fatalf("remove: %v", out)
	}
	menu := out["menu"].([]any)
	if len(menu) != 2 {
		t.Errorf("menu after remove: %v", menu)
	}

	out = postJSON(t, srv.URL+"/input/menu", `{"action":"remove","id":"menu/zzz"}`)
	if out["_status"] != float64(404) {
		t.Errorf("unknown remove: %v", out)
	}
}

func TestEmulatedEventIndistinguishableButMarked(t *testing.T) {
	_, srv := newTestDaemon(t)
	conn, ctx := subscribe(t, srv)
	readEnv(t, ctx, conn)

	out := postJSON(t, srv.URL+"/input/emulate",
		`{"type":"nav","data":{"direction":"clock","speed":2}}`)
	if out["ok"] != true {
		t.Fatalf("emulate: %v", out)
	}

	env := readEnv(t, ctx, conn)
	if env.Type != schema.EventNav {
		t.Fatalf("type: %s", env.Type)
	}
	var ev schema.NavEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Origin != schema.OriginEmulated || ev.Speed != 2 {
		t.Errorf("emulated event: %+v", ev)
	}
}

func TestEmulateUnknownTypeRejected(t *testing.T) {
	_, srv := newTestDaemon(t)
	out := postJSON(t, srv.URL+"/input/emulate", `{"type":"warp","data":{}}`)
	if out["_status"] != float64(400) {
		t.Errorf("unknown type: %v", out)
	}
}

func TestBroadcastRelaysSourceTelemetry(t *testing.T) {
	_, srv := newTestDaemon(t)
	conn, ctx := subscribe(t, srv)
	readEnv(t, ctx, conn)

	out := postJSON(t, srv.URL+"/input/broadcast",
		`{"type":"cd_update","data":{"track_count":12}}`)
	if out["ok"] != true {
		t.Fatalf("broadcast: %v", out)
	}

	env := readEnv(t, ctx, conn)
	if env.Type != schema.EventType("cd_update") {
		t.Fatalf("type: %s", env.Type)
	}
}

func TestStatusReportsMenuAndConnection(t *testing.T) {
	d, srv := newTestDaemon(t)
	resp, err := srv.Client().Get(srv.URL + "/input/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st["connected"] != false {
		t.Errorf("connected: %v", st["connected"])
	}
	if _, ok := st["seq"]; !ok {
		t.Error("status missing seq")
	}
	_ = d
}

func TestRingKeepsRecentEvents(t *testing.T) {
	ring := newEventRing()
	seq := &schema.Seq{}
	for i := 0; i < eventRingSize+10; i++ {
		ring.push(schema.NewEnvelope(schema.EventLaser, schema.LaserEvent{Position: i}, "", seq.Next()))
	}
	recent := ring.recent(0)
	if len(recent) != eventRingSize {
		t.Fatalf("ring size: %d", len(recent))
	}
	if recent[len(recent)-1].Seq != uint64(eventRingSize+10) {
		t.Errorf("newest seq: %d", recent[len(recent)-1].Seq)
	}
	if recent[0].Seq != 11 {
		t.Errorf("oldest seq: %d", recent[0].Seq)
	}
}

func TestDeviceLossResetsDecoderInRunLoop(t *testing.T) {
	cfg := &config.Config{
		DeviceName:  "test",
		HIDPath:     "/nonexistent/hidraw-test",
		Calibration: config.Calibration{LaserMin: 3, LaserMid: 63, LaserMax: 123},
	}
	bus := events.NewBus()
	d := NewDaemon(cfg, bus, zerolog.Nop())

	lasers := bus.Subscribe(schema.EventLaser)
	states := bus.Subscribe(schema.EventDeviceState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// The configured path does not exist, so the reader reports one failed
	// open immediately and then backs off; consume it so it cannot
	// interleave with the scripted reports below.
	select {
	case <-states:
	case <-time.After(2 * time.Second):
		t.Fatal("no initial device state event")
	}
	report := func(laser byte) []byte {
		return []byte{laser, 0, 0, 0, 0, 0, 0, 0}
	}
	nextLaser := func() schema.LaserEvent {
		t.Helper()
		select {
		case env := <-lasers:
			var ev schema.LaserEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				t.Fatal(err)
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no laser event")
		}
		return schema.LaserEvent{}
	}

	// Seed report is silent, the second one moves.
	d.reader.reports <- report(50)
	d.reader.reports <- report(60)
	if ev := nextLaser(); ev.Position != 60 {
		t.Fatalf("position = %d, want 60", ev.Position)
	}

	// Endpoint loss resets the last-seen table on the Run goroutine; the
	// first report after reopen seeds silently again.
	d.reader.pushState(false, "endpoint lost")
	select {
	case <-states:
	case <-time.After(2 * time.Second):
		t.Fatal("no device state event")
	}
	d.reader.reports <- report(70)
	d.reader.reports <- report(80)
	if ev := nextLaser(); ev.Position != 80 {
		t.Fatalf("position after reset = %d, want 80", ev.Position)
	}
}
