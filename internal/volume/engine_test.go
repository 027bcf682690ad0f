/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package volume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/schema"
)

// fakeAdapter records applies and echoes the requested level.
type fakeAdapter struct {
	mu      sync.Mutex
	applies []int
	seed    int
}

func (f *fakeAdapter) Apply(ctx context.Context, level, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, level)
	return level, nil
}

func (f *fakeAdapter) Power(ctx context.Context, on bool) error { return nil }

func (f *fakeAdapter) Report(ctx context.Context) (int, error) { return f.seed, nil }

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) applied() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.applies...)
}

func newTestEngine(t *testing.T, max, debounceMS int, adapter Adapter) (*Engine, *[]schema.VolumeReport, *sync.Mutex) {
	t.Helper()
	cfg := &config.Config{DeviceName: "test"}
	cfg.Volume.Max = max
	cfg.Volume.Step = 1
	cfg.Volume.DebounceMS = debounceMS

	var (
		mu      sync.Mutex
		reports []schema.VolumeReport
	)
	e := NewEngine(cfg, adapter, func(r schema.VolumeReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
	return e, &reports, &mu
}

func waitReports(t *testing.T, mu *sync.Mutex, reports *[]schema.VolumeReport, want int) []schema.VolumeReport {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*reports)
		got := append([]schema.VolumeReport(nil), (*reports)...)
		mu.Unlock()
		if n >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d reports", want)
	return nil
}

func TestSeedReportOnStartup(t *testing.T) {
	adapter := &fakeAdapter{seed: 42}
	_, reports, mu := newTestEngine(t, 100, 20, adapter)

	got := waitReports(t, mu, reports, 1)
	if got[0].Volume != 42 || got[0].Source != "fake" {
		t.Errorf("seed report: %+v", got[0])
	}
}

func TestBurstCoalescedIntoOneApply(t *testing.T) {
	adapter := &fakeAdapter{}
	e, reports, mu := newTestEngine(t, 100, 30, adapter)
	waitReports(t, mu, reports, 1) // seed

	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 3})
	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 2})
	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 5})

	got := waitReports(t, mu, reports, 2)
	if got[1].Volume != 10 {
		t.Errorf("coalesced level: got %d want 10", got[1].Volume)
	}
	if applies := adapter.applied(); len(applies) != 1 || applies[0] != 10 {
		t.Errorf("adapter applies: %v, want one apply of 10", applies)
	}
}

func TestClampAtCeilingStillReports(t *testing.T) {
	adapter := &fakeAdapter{}
	e, reports, mu := newTestEngine(t, 70, 20, adapter)
	waitReports(t, mu, reports, 1)

	// Three aggressive spins crossing the ceiling.
	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 30})
	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 30})
	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 30})

	got := waitReports(t, mu, reports, 2)
	if got[1].Volume != 70 {
		t.Errorf("clamped level: got %d want 70", got[1].Volume)
	}

	// Another spin at the ceiling changes nothing but still reports.
	e.Feed(schema.VolumeEvent{Direction: schema.DirectionClock, Speed: 10})
	got = waitReports(t, mu, reports, 3)
	if got[2].Volume != 70 {
		t.Errorf("report at ceiling: got %d want 70", got[2].Volume)
	}
}

func TestCounterDirectionLowersLevel(t *testing.T) {
	adapter := &fakeAdapter{seed: 50}
	e, reports, mu := newTestEngine(t, 100, 20, adapter)
	waitReports(t, mu, reports, 1)

	e.Feed(schema.VolumeEvent{Direction: schema.DirectionCounter, Speed: 8})
	got := waitReports(t, mu, reports, 2)
	if got[1].Volume != 42 {
		t.Errorf("lowered level: got %d want 42", got[1].Volume)
	}
}

func TestFloorClampsAtZero(t *testing.T) {
	adapter := &fakeAdapter{seed: 3}
	e, reports, mu := newTestEngine(t, 100, 20, adapter)
	waitReports(t, mu, reports, 1)

	e.Feed(schema.VolumeEvent{Direction: schema.DirectionCounter, Speed: 32})
	got := waitReports(t, mu, reports, 2)
	if got[1].Volume != 0 {
		t.Errorf("floor: got %d want 0", got[1].Volume)
	}
}
