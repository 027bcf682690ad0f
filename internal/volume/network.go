/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package volume

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/beodeck/beodeck/internal/config"
	"github.com/beodeck/beodeck/internal/peer"
)

// sonosAdapter drives a Sonos zone player over UPnP RenderingControl.
type sonosAdapter struct {
	baseURL string
	max     int
	http    *http.Client
	logger  zerolog.Logger
}

func newSonosAdapter(cfg *config.Config, _ *peer.Client, logger zerolog.Logger) *sonosAdapter {
	host := cfg.Volume.Host
	if host == "" {
		host = cfg.Player.IP
	}
	return &sonosAdapter{
		baseURL: fmt.Sprintf("http://%s:1400", host),
		max:     cfg.Volume.Max,
		http:    &http.Client{Timeout: peer.CommandDeadline},
		logger:  logger,
	}
}

func (a *sonosAdapter) Name() string { return "sonos" }

const sonosSetVolumeBody = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:SetVolume xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">
<InstanceID>0</InstanceID><Channel>Master</Channel><DesiredVolume>%d</DesiredVolume>
</u:SetVolume></s:Body></s:Envelope>`

const sonosGetVolumeBody = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:GetVolume xmlns:u="urn:schemas-upnp-org:service:RenderingControl:1">
<InstanceID>0</InstanceID><Channel>Master</Channel>
</u:GetVolume></s:Body></s:Envelope>`

func (a *sonosAdapter) soap(ctx context.Context, action, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/MediaRenderer/RenderingControl/Control", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"urn:schemas-upnp-org:service:RenderingControl:1#%s"`, action))

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sonos: %s returned HTTP %d", action, resp.StatusCode)
	}
	return data, nil
}

func (a *sonosAdapter) Apply(ctx context.Context, level, _ int) (int, error) {
	level = clampLevel(level, a.max)
	if _, err := a.soap(ctx, "SetVolume", fmt.Sprintf(sonosSetVolumeBody, level)); err != nil {
		return 0, err
	}
	return level, nil
}

// Power is a no-op: Sonos zones have no power switch, playback transport
// state stands in for it.
func (a *sonosAdapter) Power(ctx context.Context, on bool) error { return nil }

func (a *sonosAdapter) Report(ctx context.Context) (int, error) {
	data, err := a.soap(ctx, "GetVolume", sonosGetVolumeBody)
	if err != nil {
		return 0, err
	}
	var envelope struct {
		CurrentVolume int `xml:"Body>GetVolumeResponse>CurrentVolume"`
	}
	if err := xml.Unmarshal(data, &envelope); err != nil {
		return 0, fmt.Errorf("sonos: parse GetVolume response: %w", err)
	}
	return envelope.CurrentVolume, nil
}

// bluesoundAdapter drives a BluOS player over its HTTP/XML surface.
type bluesoundAdapter struct {
	baseURL string
	max     int
	http    *http.Client
	logger  zerolog.Logger
}

func newBluesoundAdapter(cfg *config.Config, _ *peer.Client, logger zerolog.Logger) *bluesoundAdapter {
	host := cfg.Volume.Host
	if host == "" {
		host = cfg.Player.IP
	}
	return &bluesoundAdapter{
		baseURL: fmt.Sprintf("http://%s:11000", host),
		max:     cfg.Volume.Max,
		http:    &http.Client{Timeout: peer.CommandDeadline},
		logger:  logger,
	}
}

func (a *bluesoundAdapter) Name() string { return "bluesound" }

func (a *bluesoundAdapter) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bluesound: %s returned HTTP %d", path, resp.StatusCode)
	}
	return data, nil
}

func (a *bluesoundAdapter) Apply(ctx context.Context, level, _ int) (int, error) {
	level = clampLevel(level, a.max)
	if _, err := a.get(ctx, fmt.Sprintf("/Volume?level=%d", level)); err != nil {
		return 0, err
	}
	return level, nil
}

func (a *bluesoundAdapter) Power(ctx context.Context, on bool) error {
	// BluOS models a standby toggle; off maps to standby.
	if on {
		_, err := a.get(ctx, "/Power?state=on")
		return err
	}
	_, err := a.get(ctx, "/Power?state=standby")
	return err
}

func (a *bluesoundAdapter) Report(ctx context.Context) (int, error) {
	data, err := a.get(ctx, "/Volume")
	if err != nil {
		return 0, err
	}
	var vol struct {
		Level string `xml:",chardata"`
	}
	if err := xml.Unmarshal(data, &vol); err != nil {
		return 0, fmt.Errorf("bluesound: parse volume response: %w", err)
	}
	level, err := strconv.Atoi(strings.TrimSpace(vol.Level))
	if err != nil {
		return 0, fmt.Errorf("bluesound: non-numeric volume %q", vol.Level)
	}
	return level, nil
}
