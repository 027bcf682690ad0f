/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
)

// persistedState is the crash-survivable part of the router state.
type persistedState struct {
	ActiveSource string                `json:"active_source,omitempty"`
	CommandURL   string                `json:"command_url,omitempty"`
	LastMedia    *schema.MediaSnapshot `json:"last_media,omitempty"`
}

// persist writes the state file atomically. Runs on the state goroutine; a
// failed write is logged and the in-memory state stays authoritative.
func (s *Service) persist() {
	if s.cfg.StateFile == "" {
		return
	}
	st := persistedState{LastMedia: s.lastMedia}
	if s.active != "" {
		st.ActiveSource = s.active
		if rec, ok := s.sources[s.active]; ok {
			st.CommandURL = rec.CommandURL
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal state file")
		return
	}

	dir := filepath.Dir(s.cfg.StateFile)
	tmp, err := os.CreateTemp(dir, ".router-state-*.json")
	if err != nil {
		s.logger.Error().Err(err).Str("dir", dir).Msg("stage state file")
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.logger.Error().Err(err).Msg("write state file")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.logger.Error().Err(err).Msg("close state file")
		return
	}
	if err := os.Rename(tmpName, s.cfg.StateFile); err != nil {
		os.Remove(tmpName)
		s.logger.Error().Err(err).Str("path", s.cfg.StateFile).Msg("rename state file")
	}
}

// restore loads the state file and, when an active source was persisted,
// re-probes it. A dead or non-playing source leaves only the cached media
// for replay. Runs once before the state loop starts, so field access is
// safe without exec.
func (s *Service) restore(ctx context.Context) {
	if s.cfg.StateFile == "" {
		return
	}
	data, err := os.ReadFile(s.cfg.StateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.cfg.StateFile).Msg("read state file")
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn().Err(err).Str("path", s.cfg.StateFile).Msg("state file corrupt, starting fresh")
		return
	}

	s.lastMedia = st.LastMedia

	if st.ActiveSource == "" || st.CommandURL == "" {
		return
	}

	res := s.client.GetJSON(ctx, statusURL(st.CommandURL), peer.MetadataDeadline)
	if !res.OK() {
		s.logger.Info().
			Str("source", st.ActiveSource).
			Str("status", string(res.Status)).
			Msg("persisted active source not reachable, dropping ownership")
		return
	}
	var status struct {
		State schema.SourceState `json:"state"`
	}
	if err := res.Decode(&status); err != nil || status.State != schema.SourcePlaying {
		s.logger.Info().
			Str("source", st.ActiveSource).
			Str("state", string(status.State)).
			Msg("persisted active source no longer playing")
		return
	}

	s.active = st.ActiveSource
	s.sources[st.ActiveSource] = &schema.SourceRecord{
		ID:               st.ActiveSource,
		State:            schema.SourcePlaying,
		CommandURL:       st.CommandURL,
		Player:           playerKindOf(st.LastMedia),
		LastTransitionAt: s.now(),
	}
	s.logger.Info().Str("source", st.ActiveSource).Msg("restored active source from state file")
}

func playerKindOf(media *schema.MediaSnapshot) schema.PlayerKind {
	if media != nil && media.Player != "" {
		return media.Player
	}
	return schema.PlayerRemote
}

func statusURL(commandURL string) string {
	const suffix = "/command"
	if len(commandURL) > len(suffix) && commandURL[len(commandURL)-len(suffix):] == suffix {
		return commandURL[:len(commandURL)-len(suffix)] + "/status"
	}
	return commandURL + "/status"
}
