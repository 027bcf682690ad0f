/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schema

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    SourceState
		ev      SourceEvent
		want    SourceState
		wantErr bool
	}{
		{SourceAbsent, SourceEvRegister, SourceRegistered, false},
		{SourceRegistered, SourceEvStart, SourcePlaying, false},
		{SourcePlaying, SourceEvPause, SourcePaused, false},
		{SourcePaused, SourceEvResume, SourcePlaying, false},
		{SourcePlaying, SourceEvStop, SourceRegistered, false},
		{SourcePlaying, SourceEvGone, SourceGone, false},
		{SourcePaused, SourceEvTimeout, SourceGone, false},
		{SourcePlaying, SourceEvExternalTakeover, SourceGone, false},
		// Forbidden: gone -> playing without an intervening register.
		{SourceGone, SourceEvStart, SourceGone, true},
		{SourceAbsent, SourceEvPause, SourceAbsent, true},
		{SourceRegistered, SourceEvResume, SourceRegistered, true},
		{SourceRegistered, SourceEvExternalTakeover, SourceRegistered, true},
	}

	for _, tc := range cases {
		got, err := Transition(tc.from, tc.ev)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s + %s: expected error, got %s", tc.from, tc.ev, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s + %s: unexpected error %v", tc.from, tc.ev, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s + %s: got %s want %s", tc.from, tc.ev, got, tc.want)
		}
	}
}

func TestTransitionGoneRequiresRegister(t *testing.T) {
	state := SourceGone
	if _, err := Transition(state, SourceEvStart); err == nil {
		t.Fatal("gone -> playing must be rejected")
	}
	state, err := Transition(state, SourceEvRegister)
	if err != nil {
		t.Fatalf("register after gone: %v", err)
	}
	state, err = Transition(state, SourceEvStart)
	if err != nil || state != SourcePlaying {
		t.Fatalf("start after re-register: state=%s err=%v", state, err)
	}
}

func TestEventForState(t *testing.T) {
	ev, err := EventForState(SourcePaused, SourcePlaying)
	if err != nil || ev != SourceEvResume {
		t.Fatalf("paused -> playing: got %s err=%v", ev, err)
	}
	ev, err = EventForState(SourcePlaying, SourceRegistered)
	if err != nil || ev != SourceEvStop {
		t.Fatalf("playing -> registered: got %s err=%v", ev, err)
	}
	ev, err = EventForState(SourceAbsent, SourceIdle)
	if err != nil || ev != SourceEvRegister {
		t.Fatalf("absent -> idle: got %s err=%v", ev, err)
	}
}

func TestHandlesCaseInsensitive(t *testing.T) {
	h := Handles{"Play", "PAUSE", "next"}
	for _, a := range []Action{ActionPlay, ActionPause, ActionNext} {
		if !h.Contains(a) {
			t.Errorf("handles should contain %s", a)
		}
	}
	if h.Contains(ActionStop) {
		t.Error("handles should not contain stop")
	}
}

func TestSeqMonotonic(t *testing.T) {
	var s Seq
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		n := s.Next()
		if n <= prev {
			t.Fatalf("seq not monotonic: %d after %d", n, prev)
		}
		prev = n
	}
}

func TestSourceRecordValidate(t *testing.T) {
	r := SourceRecord{ID: "cd", CommandURL: "http://127.0.0.1:8769/command", Player: PlayerLocal}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	for _, bad := range []SourceRecord{
		{CommandURL: "http://x", Player: PlayerLocal},
		{ID: "cd", Player: PlayerLocal},
		{ID: "cd", CommandURL: "http://x", Player: "speaker"},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("record %+v should be rejected", bad)
		}
	}
}
