/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/schema"
)

const (
	// gaplessThreshold: remaining play time below which the next decoder is
	// pre-spawned (suspended) so the track boundary is seamless.
	gaplessThreshold = 2 * time.Second

	defaultDecoderCmd = "beodeck-decode"
)

// decoderProc is one running child decoder.
type decoderProc interface {
	// Lines streams stdout lines ("duration=<ms>", "ms=<ms>").
	Lines() <-chan string
	// Done yields the process exit exactly once.
	Done() <-chan error
	// Suspend and Resume hold a pre-spawned decoder at its first sample.
	Suspend() error
	Resume() error
	Kill() error
}

type spawnFunc func(ctx context.Context, track string) (decoderProc, error)

// execDecoder wraps a real child process.
type execDecoder struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan error
}

func newExecSpawner(command string, logger zerolog.Logger) spawnFunc {
	return func(ctx context.Context, track string) (decoderProc, error) {
		cmd := exec.CommandContext(ctx, command, track)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn decoder for %s: %w", track, err)
		}

		d := &execDecoder{
			cmd:   cmd,
			lines: make(chan string, 16),
			done:  make(chan error, 1),
		}
		go func() {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				select {
				case d.lines <- scanner.Text():
				default:
				}
			}
		}()
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				logger.Debug().Str("track", track).Msg(scanner.Text())
			}
		}()
		go func() { d.done <- cmd.Wait() }()
		return d, nil
	}
}

func (d *execDecoder) Lines() <-chan string { return d.lines }
func (d *execDecoder) Done() <-chan error   { return d.done }
func (d *execDecoder) Suspend() error       { return d.cmd.Process.Signal(syscall.SIGSTOP) }
func (d *execDecoder) Resume() error        { return d.cmd.Process.Signal(syscall.SIGCONT) }
func (d *execDecoder) Kill() error          { return d.cmd.Process.Kill() }

// localCommand is one action posted into the state goroutine.
type localCommand struct {
	action schema.Action
	params map[string]any
	reply  chan error
}

// Local renders audio through a child decoder per track. All state lives on
// the Run goroutine; Command posts into it.
type Local struct {
	spawn  spawnFunc
	poster *Poster
	logger zerolog.Logger

	commands chan localCommand

	// Owned by Run.
	playlist   []string
	index      int
	current    decoderProc
	next       decoderProc
	state      schema.PlaybackState
	positionMS int64
	durationMS int64
}

// NewLocal creates the local decoder backend.
func NewLocal(cfg *config.Config, poster *Poster, logger zerolog.Logger) *Local {
	command := cfg.Player.Decoder
	if command == "" {
		command = defaultDecoderCmd
	}
	logger = logger.With().Str("component", "local_player").Logger()
	return &Local{
		spawn:    newExecSpawner(command, logger),
		poster:   poster,
		logger:   logger,
		commands: make(chan localCommand, 8),
		state:    schema.PlaybackIdle,
	}
}

func (l *Local) Kind() schema.PlayerKind { return schema.PlayerLocal }

// Command posts an action to the state goroutine and waits for it.
func (l *Local) Command(ctx context.Context, action schema.Action, params map[string]any) error {
	cmd := localCommand{action: action, params: params, reply: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns decoder lifecycle until ctx is cancelled.
func (l *Local) Run(ctx context.Context) error {
	defer l.killAll()
	for {
		var (
			lines <-chan string
			done  <-chan error
		)
		if l.current != nil {
			lines = l.current.Lines()
			done = l.current.Done()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.commands:
			cmd.reply <- l.handle(ctx, cmd.action, cmd.params)
		case line := <-lines:
			l.handleTick(ctx, line)
		case err := <-done:
			l.handleExit(ctx, err)
		}
	}
}

func (l *Local) handle(ctx context.Context, action schema.Action, params map[string]any) error {
	switch action {
	case schema.ActionLoad:
		return l.load(ctx, params)
	case schema.ActionPlay:
		return l.play(ctx)
	case schema.ActionPause:
		return l.pause(ctx)
	case schema.ActionToggle:
		if l.state == schema.PlaybackPlaying {
			return l.pause(ctx)
		}
		return l.play(ctx)
	case schema.ActionStop:
		l.killAll()
		l.state = schema.PlaybackStopped
		l.positionMS = 0
		l.post(ctx)
		return nil
	case schema.ActionNext:
		return l.skip(ctx, 1)
	case schema.ActionPrev:
		return l.skip(ctx, -1)
	}
	return fmt.Errorf("local: unsupported action %q", action)
}

func (l *Local) load(ctx context.Context, params map[string]any) error {
	raw, ok := params["tracks"].([]any)
	if !ok || len(raw) == 0 {
		return errors.New("local: load requires params.tracks")
	}
	tracks := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return errors.New("local: tracks must be strings")
		}
		tracks = append(tracks, s)
	}
	index := 0
	if i, ok := intParam(params, "index"); ok && i >= 0 && i < len(tracks) {
		index = i
	}

	l.killAll()
	l.playlist = tracks
	l.index = index
	return l.startTrack(ctx)
}

func (l *Local) play(ctx context.Context) error {
	switch l.state {
	case schema.PlaybackPaused:
		if err := l.current.Resume(); err != nil {
			return err
		}
		l.state = schema.PlaybackPlaying
		l.post(ctx)
		return nil
	case schema.PlaybackPlaying:
		return nil
	default:
		if len(l.playlist) == 0 {
			return errors.New("local: nothing loaded")
		}
		return l.startTrack(ctx)
	}
}

func (l *Local) pause(ctx context.Context) error {
	if l.state != schema.PlaybackPlaying || l.current == nil {
		return errors.New("local: not playing")
	}
	if err := l.current.Suspend(); err != nil {
		return err
	}
	l.state = schema.PlaybackPaused
	l.post(ctx)
	return nil
}

func (l *Local) skip(ctx context.Context, dir int) error {
	target := l.index + dir
	if target < 0 || target >= len(l.playlist) {
		return fmt.Errorf("local: no track at position %d", target)
	}
	l.killAll()
	l.index = target
	return l.startTrack(ctx)
}

// startTrack spawns the decoder for the current index and reports playing.
func (l *Local) startTrack(ctx context.Context) error {
	proc, err := l.spawn(ctx, l.playlist[l.index])
	if err != nil {
		l.state = schema.PlaybackIdle
		return err
	}
	l.current = proc
	l.state = schema.PlaybackPlaying
	l.positionMS = 0
	l.durationMS = 0
	l.post(ctx)
	return nil
}

// handleTick consumes one decoder progress line and pre-queues the next
// track near the boundary.
func (l *Local) handleTick(ctx context.Context, line string) {
	key, value, found := strings.Cut(line, "=")
	if !found {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return
	}
	switch key {
	case "duration":
		l.durationMS = n
	case "ms":
		l.positionMS = n
	default:
		return
	}

	if l.next == nil && l.durationMS > 0 && l.index+1 < len(l.playlist) {
		remaining := time.Duration(l.durationMS-l.positionMS) * time.Millisecond
		if remaining > 0 && remaining < gaplessThreshold {
			l.prequeue(ctx)
		}
	}
}

// prequeue spawns the next decoder suspended at its first sample.
func (l *Local) prequeue(ctx context.Context) {
	proc, err := l.spawn(ctx, l.playlist[l.index+1])
	if err != nil {
		l.logger.Warn().Err(err).Str("track", l.playlist[l.index+1]).Msg("prequeue failed")
		return
	}
	if err := proc.Suspend(); err != nil {
		l.logger.Warn().Err(err).Msg("suspend prequeued decoder failed")
		proc.Kill()
		return
	}
	l.next = proc
	l.logger.Debug().Str("track", l.playlist[l.index+1]).Msg("next decoder prequeued")
}

// handleExit advances the playlist. A prequeued decoder takes over without
// the state ever passing through stopped.
func (l *Local) handleExit(ctx context.Context, exitErr error) {
	l.current = nil
	if exitErr != nil && l.state == schema.PlaybackPlaying {
		l.logger.Warn().Err(exitErr).Str("track", l.playlist[l.index]).Msg("decoder exited abnormally")
	}

	if l.next != nil {
		l.current = l.next
		l.next = nil
		l.index++
		if err := l.current.Resume(); err != nil {
			l.logger.Error().Err(err).Msg("resume prequeued decoder failed")
			l.current.Kill()
			l.current = nil
			l.state = schema.PlaybackStopped
			l.post(ctx)
			return
		}
		l.state = schema.PlaybackPlaying
		l.positionMS = 0
		l.durationMS = 0
		l.post(ctx)
		return
	}

	if l.index+1 < len(l.playlist) && l.state == schema.PlaybackPlaying {
		// Boundary arrived before the prequeue threshold (short track).
		l.index++
		if err := l.startTrack(ctx); err != nil {
			l.logger.Error().Err(err).Msg("advance to next track failed")
		}
		return
	}

	if l.state == schema.PlaybackPlaying {
		l.state = schema.PlaybackStopped
		l.post(ctx)
	}
}

func (l *Local) killAll() {
	if l.current != nil {
		l.current.Kill()
		l.current = nil
	}
	if l.next != nil {
		l.next.Kill()
		l.next = nil
	}
}

// post sends the current state to the router.
func (l *Local) post(ctx context.Context) {
	snap := schema.MediaSnapshot{
		State:      l.state,
		Player:     schema.PlayerLocal,
		PositionMS: l.positionMS,
		DurationMS: l.durationMS,
	}
	if l.index < len(l.playlist) {
		snap.Title = trackTitle(l.playlist[l.index])
	}
	if l.poster != nil {
		l.poster.Media(ctx, snap)
	}
}

func trackTitle(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
