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
	"strconv"
	"strings"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
	"github.com/beodeck/beodeck/internal/schema"
)

// sonosSpeaker talks UPnP AVTransport / RenderingControl to one zone player.
type sonosSpeaker struct {
	baseURL string
	http    *http.Client
}

func newSonosSpeaker(cfg *config.Config) *sonosSpeaker {
	host := cfg.Player.IP
	if host == "" {
		host = cfg.Player.Host
	}
	return &sonosSpeaker{
		baseURL: fmt.Sprintf("http://%s:1400", host),
		http:    &http.Client{Timeout: peer.CommandDeadline},
	}
}

func (s *sonosSpeaker) Name() string { return "sonos" }

const soapEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:%s xmlns:u="urn:schemas-upnp-org:service:%s:1">%s</u:%s></s:Body></s:Envelope>`

func (s *sonosSpeaker) soap(ctx context.Context, service, endpoint, action, args string) ([]byte, error) {
	body := fmt.Sprintf(soapEnvelope, action, service, args, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"urn:schemas-upnp-org:service:%s:1#%s"`, service, action))

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sonos: %s returned HTTP %d", action, resp.StatusCode)
	}
	return data, nil
}

func (s *sonosSpeaker) avTransport(ctx context.Context, action, args string) ([]byte, error) {
	return s.soap(ctx, "AVTransport", "/MediaRenderer/AVTransport/Control", action,
		"<InstanceID>0</InstanceID>"+args)
}

func (s *sonosSpeaker) Do(ctx context.Context, action schema.Action, params map[string]any) error {
	switch action {
	case schema.ActionPlay:
		_, err := s.avTransport(ctx, "Play", "<Speed>1</Speed>")
		return err
	case schema.ActionPause:
		_, err := s.avTransport(ctx, "Pause", "")
		return err
	case schema.ActionToggle:
		snap, err := s.State(ctx)
		if err != nil {
			return err
		}
		if snap.State == schema.PlaybackPlaying {
			return s.Do(ctx, schema.ActionPause, nil)
		}
		return s.Do(ctx, schema.ActionPlay, nil)
	case schema.ActionNext:
		_, err := s.avTransport(ctx, "Next", "")
		return err
	case schema.ActionPrev:
		_, err := s.avTransport(ctx, "Previous", "")
		return err
	case schema.ActionStop:
		_, err := s.avTransport(ctx, "Stop", "")
		return err
	case schema.ActionVolumeSet:
		level, ok := intParam(params, "level")
		if !ok {
			return fmt.Errorf("sonos: volume_set requires params.level")
		}
		_, err := s.soap(ctx, "RenderingControl", "/MediaRenderer/RenderingControl/Control", "SetVolume",
			fmt.Sprintf("<InstanceID>0</InstanceID><Channel>Master</Channel><DesiredVolume>%d</DesiredVolume>", level))
		return err
	}
	return fmt.Errorf("sonos: unsupported action %q", action)
}

func (s *sonosSpeaker) State(ctx context.Context) (schema.MediaSnapshot, error) {
	var snap schema.MediaSnapshot

	transport, err := s.avTransport(ctx, "GetTransportInfo", "")
	if err != nil {
		return snap, err
	}
	var ti struct {
		State string `xml:"Body>GetTransportInfoResponse>CurrentTransportState"`
	}
	if err := xml.Unmarshal(transport, &ti); err != nil {
		return snap, fmt.Errorf("sonos: parse transport info: %w", err)
	}
	snap.State = transportState(ti.State)

	position, err := s.avTransport(ctx, "GetPositionInfo", "")
	if err != nil {
		return snap, err
	}
	var pi struct {
		Duration string `xml:"Body>GetPositionInfoResponse>TrackDuration"`
		RelTime  string `xml:"Body>GetPositionInfoResponse>RelTime"`
		Metadata string `xml:"Body>GetPositionInfoResponse>TrackMetaData"`
	}
	if err := xml.Unmarshal(position, &pi); err != nil {
		return snap, fmt.Errorf("sonos: parse position info: %w", err)
	}
	snap.DurationMS = clockToMS(pi.Duration)
	snap.PositionMS = clockToMS(pi.RelTime)

	if pi.Metadata != "" && pi.Metadata != "NOT_IMPLEMENTED" {
		var didl struct {
			Item struct {
				Title   string `xml:"title"`
				Creator string `xml:"creator"`
				Album   string `xml:"album"`
				Art     string `xml:"albumArtURI"`
			} `xml:"item"`
		}
		if err := xml.Unmarshal([]byte(pi.Metadata), &didl); err == nil {
			snap.Title = didl.Item.Title
			snap.Artist = didl.Item.Creator
			snap.Album = didl.Item.Album
			if didl.Item.Art != "" {
				snap.ArtworkURL = s.baseURL + didl.Item.Art
			}
		}
	}
	return snap, nil
}

func (s *sonosSpeaker) Volume(ctx context.Context) (int, error) {
	data, err := s.soap(ctx, "RenderingControl", "/MediaRenderer/RenderingControl/Control", "GetVolume",
		"<InstanceID>0</InstanceID><Channel>Master</Channel>")
	if err != nil {
		return 0, err
	}
	var reply struct {
		CurrentVolume int `xml:"Body>GetVolumeResponse>CurrentVolume"`
	}
	if err := xml.Unmarshal(data, &reply); err != nil {
		return 0, fmt.Errorf("sonos: parse volume: %w", err)
	}
	return reply.CurrentVolume, nil
}

func transportState(s string) schema.PlaybackState {
	switch s {
	case "PLAYING":
		return schema.PlaybackPlaying
	case "PAUSED_PLAYBACK":
		return schema.PlaybackPaused
	case "TRANSITIONING":
		return schema.PlaybackBuffering
	case "STOPPED":
		return schema.PlaybackStopped
	}
	return schema.PlaybackIdle
}

// clockToMS parses the H:MM:SS clock strings UPnP uses.
func clockToMS(clock string) int64 {
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return int64((float64(h*3600+m*60) + sec) * 1000)
}

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
