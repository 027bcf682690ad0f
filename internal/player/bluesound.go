/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
)

// bluesoundSpeaker talks the BluOS HTTP/XML surface on port 11000.
type bluesoundSpeaker struct {
	baseURL string
	http    *http.Client
}

func newBluesoundSpeaker(cfg *config.Config) *bluesoundSpeaker {
	host := cfg.Player.IP
	if host == "" {
		host = cfg.Player.Host
	}
	return &bluesoundSpeaker{
		baseURL: fmt.Sprintf("http://%s:11000", host),
		http:    &http.Client{Timeout: peer.CommandDeadline},
	}
}

func (b *bluesoundSpeaker) Name() string { return "bluesound" }

func (b *bluesoundSpeaker) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bluesound: %s returned HTTP %d", path, resp.StatusCode)
	}
	return data, nil
}

func (b *bluesoundSpeaker) Do(ctx context.Context, action schema.Action, params map[string]any) error {
	var path string
	switch action {
	case schema.ActionPlay:
		path = "/Play"
	case schema.ActionPause:
		path = "/Pause"
	case schema.ActionToggle:
		path = "/Pause?toggle=1"
	case schema.ActionNext:
		path = "/Skip"
	case schema.ActionPrev:
		path = "/Back"
	case schema.ActionStop:
		path = "/Stop"
	case schema.ActionVolumeSet:
		level, ok := intParam(params, "level")
		if !ok {
			return fmt.Errorf("bluesound: volume_set requires params.level")
		}
		path = fmt.Sprintf("/Volume?level=%d", level)
	case schema.ActionLoad:
		preset, ok := params["preset"].(string)
		if !ok {
			return fmt.Errorf("bluesound: load requires params.preset")
		}
		path = "/Preset?id=" + url.QueryEscape(preset)
	default:
		return fmt.Errorf("bluesound: unsupported action %q", action)
	}
	_, err := b.get(ctx, path)
	return err
}

// bluosStatus mirrors the fields of /Status this adapter consumes.
type bluosStatus struct {
	State    string  `xml:"state"`
	Title    string  `xml:"title1"`
	Artist   string  `xml:"artist"`
	Album    string  `xml:"album"`
	Image    string  `xml:"image"`
	Seconds  float64 `xml:"secs"`
	Total    float64 `xml:"totlen"`
	Volume   int     `xml:"volume"`
}

func (b *bluesoundSpeaker) status(ctx context.Context) (bluosStatus, error) {
	var st bluosStatus
	data, err := b.get(ctx, "/Status")
	if err != nil {
		return st, err
	}
	if err := xml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("bluesound: parse status: %w", err)
	}
	return st, nil
}

func (b *bluesoundSpeaker) State(ctx context.Context) (schema.MediaSnapshot, error) {
	st, err := b.status(ctx)
	if err != nil {
		return schema.MediaSnapshot{}, err
	}
	snap := schema.MediaSnapshot{
		Title:      st.Title,
		Artist:     st.Artist,
		Album:      st.Album,
		PositionMS: int64(st.Seconds * 1000),
		DurationMS: int64(st.Total * 1000),
	}
	switch st.State {
	case "play", "stream":
		snap.State = schema.PlaybackPlaying
	case "pause":
		snap.State = schema.PlaybackPaused
	case "stop":
		snap.State = schema.PlaybackStopped
	case "connecting":
		snap.State = schema.PlaybackBuffering
	default:
		snap.State = schema.PlaybackIdle
	}
	if st.Image != "" {
		snap.ArtworkURL = b.baseURL + st.Image
	}
	return snap, nil
}

func (b *bluesoundSpeaker) Volume(ctx context.Context) (int, error) {
	st, err := b.status(ctx)
	if err != nil {
		return 0, err
	}
	return st.Volume, nil
}
