/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/schema"
)

func writeTempKeymap(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keymap.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testKeymap(t *testing.T) *Keymap {
	t.Helper()
	km, err := LoadKeymap("")
	if err != nil {
		t.Fatalf("load embedded keymap: %v", err)
	}
	return km
}

func TestKeymapEmbeddedDefaults(t *testing.T) {
	km := testKeymap(t)
	b, ok := km.lookup(0x35)
	if !ok {
		t.Fatal("0x35 should be mapped")
	}
	if b.Action != schema.ActionPlay {
		t.Fatalf("0x35 = %s, want play", b.Action)
	}
}

func TestKeymapFileOverride(t *testing.T) {
	path := writeTempKeymap(t, "keys:\n  \"0x01\": {action: stop}\n")
	km, err := LoadKeymap(path)
	if err != nil {
		t.Fatalf("load keymap: %v", err)
	}
	if _, ok := km.lookup(0x35); ok {
		t.Fatal("override should replace the defaults entirely")
	}
	if b, ok := km.lookup(0x01); !ok || b.Action != schema.ActionStop {
		t.Fatalf("0x01 = %+v ok=%v, want stop", b, ok)
	}
}

func TestKeymapRejectsEmpty(t *testing.T) {
	path := writeTempKeymap(t, "keys: {}\n")
	if _, err := LoadKeymap(path); err == nil {
		t.Fatal("empty keymap should be rejected")
	}
}

func TestTranslateFiresOnFirstPress(t *testing.T) {
	tr := newTranslator(testKeymap(t), zerolog.Nop())
	cmd, ok := tr.translate(0x35)
	if !ok {
		t.Fatal("first press should fire")
	}
	if cmd.Action != schema.ActionPlay || cmd.Repeat != 0 {
		t.Fatalf("got %+v", cmd)
	}
}

func TestTranslateHoldRepeatsPastThreshold(t *testing.T) {
	tr := newTranslator(testKeymap(t), zerolog.Nop())
	fired := 0
	// One press plus five held repeats of the same code.
	for i := 0; i < 6; i++ {
		if _, ok := tr.translate(0x60); ok {
			fired++
		}
	}
	// First press fires, repeats 1 and 2 are suppressed, 3..5 fire.
	if fired != 4 {
		t.Fatalf("fired %d times, want 4", fired)
	}
}

func TestTranslateReleaseResetsRepeat(t *testing.T) {
	tr := newTranslator(testKeymap(t), zerolog.Nop())
	tr.translate(0x60)
	tr.translate(0x60)
	tr.translate(releaseCode)
	cmd, ok := tr.translate(0x60)
	if !ok || cmd.Repeat != 0 {
		t.Fatalf("after release, press should fire fresh, got %+v ok=%v", cmd, ok)
	}
}

func TestTranslateModeGatesBindings(t *testing.T) {
	tr := newTranslator(testKeymap(t), zerolog.Nop())

	// Default mode is audio: audio-class next fires.
	if _, ok := tr.translate(0x1e); !ok {
		t.Fatal("audio next should fire in audio mode")
	}

	// 0x85 switches to video mode without firing.
	if _, ok := tr.translate(0x85); ok {
		t.Fatal("mode switch should not fire a command")
	}
	if _, ok := tr.translate(0x1e); ok {
		t.Fatal("audio next should be dropped in video mode")
	}
	if _, ok := tr.translate(0x58); !ok {
		t.Fatal("video play should fire in video mode")
	}

	// Back to audio.
	tr.translate(0x81)
	if _, ok := tr.translate(0x1f); !ok {
		t.Fatal("audio prev should fire after switching back")
	}
}

func TestTranslateUnmappedDropped(t *testing.T) {
	tr := newTranslator(testKeymap(t), zerolog.Nop())
	if _, ok := tr.translate(0xfe); ok {
		t.Fatal("unmapped code should be dropped")
	}
}

func TestTranslateVolumeParams(t *testing.T) {
	tr := newTranslator(testKeymap(t), zerolog.Nop())
	cmd, ok := tr.translate(0x64)
	if !ok {
		t.Fatal("volume down should fire")
	}
	if cmd.Action != schema.ActionVolumeSet {
		t.Fatalf("action = %s", cmd.Action)
	}
	if d, ok := cmd.Params["delta"].(int); !ok || d != -1 {
		t.Fatalf("delta = %v", cmd.Params["delta"])
	}
}
