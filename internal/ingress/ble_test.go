/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestRemote builds a supervisor whose attempt outcomes are scripted and
// whose sleeps are recorded instead of slept.
func newTestRemote(t *testing.T, outcomes []error) (*BLERemote, *[]ResetLevel, *[]time.Duration) {
	t.Helper()
	resets := &[]ResetLevel{}
	sleeps := &[]time.Duration{}
	i := 0
	b := &BLERemote{
		address: "AA:BB:CC:DD:EE:FF",
		trans:   newTranslator(testKeymap(t), zerolog.Nop()),
		logger:  zerolog.Nop(),
		sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
		reset: func(_ context.Context, level ResetLevel) error {
			*resets = append(*resets, level)
			return nil
		},
	}
	b.attempt = func(ctx context.Context, onUp func(), codes func(byte)) error {
		if i >= len(outcomes) {
			<-ctx.Done()
			return ctx.Err()
		}
		err := outcomes[i]
		i++
		if err == nil {
			onUp()
			return errors.New("link dropped")
		}
		return err
	}
	return b, resets, sleeps
}

func failures(n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = errors.New("connect refused")
	}
	return out
}

func TestBLEBackoffSchedule(t *testing.T) {
	b, _, sleeps := newTestRemote(t, failures(7))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	b.Run(ctx)

	want := []time.Duration{
		2 * time.Second, 5 * time.Second, 15 * time.Second,
		30 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	if len(*sleeps) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(*sleeps), len(want), *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Fatalf("sleep %d = %v, want %v", i, (*sleeps)[i], d)
		}
	}
}

func TestBLEResetEscalation(t *testing.T) {
	b, resets, _ := newTestRemote(t, failures(16))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	b.Run(ctx)

	if len(*resets) != 16 {
		t.Fatalf("reset %d times, want 16", len(*resets))
	}
	// Level bumps every 5 consecutive failures.
	for i, want := range []ResetLevel{
		1, 1, 1, 1, 1,
		2, 2, 2, 2, 2,
		3, 3, 3, 3, 3,
		4,
	} {
		if (*resets)[i] != want {
			t.Fatalf("reset %d at level %d, want %d", i, (*resets)[i], want)
		}
	}
}

func TestBLECoolOffAfterMaxConsecutive(t *testing.T) {
	// 30 straight failures, then a successful connect, then cancel.
	outcomes := append(failures(bleFailMax), nil)
	b, _, sleeps := newTestRemote(t, outcomes)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	b.Run(ctx)

	var sawCoolOff bool
	for _, d := range *sleeps {
		if d == bleCoolOff {
			sawCoolOff = true
		}
	}
	if !sawCoolOff {
		t.Fatalf("expected a %v cool-off sleep, got %v", bleCoolOff, *sleeps)
	}
	if b.consecutive != 1 {
		t.Fatalf("consecutive = %d after post-cool-off connect then drop, want 1", b.consecutive)
	}
}

func TestBLEAbandonsAfterTotalBudget(t *testing.T) {
	b, _, _ := newTestRemote(t, failures(bleFailExit+5))
	err := b.Run(context.Background())
	if !IsAbandoned(err) {
		t.Fatalf("err = %v, want abandoned", err)
	}
	if b.total != bleFailExit {
		t.Fatalf("total = %d, want %d", b.total, bleFailExit)
	}
}

func TestBLESuccessResetsConsecutiveOnly(t *testing.T) {
	// Fail 4 times, connect once, fail again: the next backoff restarts at
	// the head of the schedule but total keeps counting.
	outcomes := append(failures(4), nil, errors.New("connect refused"))
	b, _, sleeps := newTestRemote(t, outcomes)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	b.Run(ctx)

	// Sleeps: 2,5,15,30 for the first four failures, then the dropped link
	// counts as consecutive=1 again so 2s, then 5s.
	if len(*sleeps) < 6 {
		t.Fatalf("sleeps = %v", *sleeps)
	}
	if (*sleeps)[4] != 2*time.Second {
		t.Fatalf("post-success backoff = %v, want 2s", (*sleeps)[4])
	}
	if b.total != 6 {
		t.Fatalf("total = %d, want 6", b.total)
	}
}

func TestBLEResetFailureIsNonFatal(t *testing.T) {
	b, _, sleeps := newTestRemote(t, failures(2))
	b.reset = func(context.Context, ResetLevel) error {
		return errors.New("systemctl exploded")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	b.Run(ctx)
	if len(*sleeps) != 2 {
		t.Fatalf("supervision should continue past reset failures, sleeps=%v", *sleeps)
	}
}
