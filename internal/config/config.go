/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package config loads the beodeck device configuration from
// /etc/beodeck/config.json and secrets.env.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/beodeck/beodeck/internal/schema"
)

// PlayerType selects the playback backend.
type PlayerType string

const (
	PlayerSonos     PlayerType = "sonos"
	PlayerBluesound PlayerType = "bluesound"
	PlayerLocal     PlayerType = "local"
	PlayerNone      PlayerType = "none"
)

// VolumeType selects the volume output path.
type VolumeType string

const (
	VolumeSonos     VolumeType = "sonos"
	VolumeBluesound VolumeType = "bluesound"
	VolumePowerlink VolumeType = "powerlink"
	VolumeHDMI      VolumeType = "hdmi"
	VolumeSPDIF     VolumeType = "spdif"
	VolumeRCA       VolumeType = "rca"
	VolumeBeolab5   VolumeType = "beolab5"
	VolumeC4Amp     VolumeType = "c4amp"
)

var playerTypes = map[PlayerType]bool{
	PlayerSonos: true, PlayerBluesound: true, PlayerLocal: true, PlayerNone: true,
}

var volumeTypes = map[VolumeType]bool{
	VolumeSonos: true, VolumeBluesound: true, VolumePowerlink: true,
	VolumeHDMI: true, VolumeSPDIF: true, VolumeRCA: true,
	VolumeBeolab5: true, VolumeC4Amp: true,
}

// Player configures the playback backend.
type Player struct {
	Type PlayerType `json:"type"`
	IP   string     `json:"ip,omitempty"`
	Host string     `json:"host,omitempty"`
	// Decoder is the child decoder command for the local path. It receives
	// the track path as its only argument and prints progress ticks on
	// stdout.
	Decoder string `json:"decoder,omitempty"`
}

// Volume configures the volume output path.
type Volume struct {
	Type       VolumeType `json:"type"`
	Host       string     `json:"host,omitempty"`
	Device     string     `json:"device,omitempty"`
	Max        int        `json:"max"`
	Step       int        `json:"step"`
	DebounceMS int        `json:"debounce_ms"`
}

// Calibration holds the laser position range on the horizontal arc.
type Calibration struct {
	LaserMin int `json:"laser_min"`
	LaserMid int `json:"laser_mid"`
	LaserMax int `json:"laser_max"`
}

// Arc angle bounds in degrees. The mid calibration point faces straight
// ahead regardless of where it sits in the position range.
const (
	ArcMinDeg = 0.0
	ArcMidDeg = 90.0
	ArcMaxDeg = 180.0
)

// Angle maps a laser position to its angle on the arc, interpolating
// linearly on each side of the mid point. Positions outside the calibrated
// range clamp to the arc ends.
func (cal Calibration) Angle(pos int) float64 {
	switch {
	case pos <= cal.LaserMin:
		return ArcMinDeg
	case pos >= cal.LaserMax:
		return ArcMaxDeg
	case pos <= cal.LaserMid:
		return ArcMinDeg + (ArcMidDeg-ArcMinDeg)*float64(pos-cal.LaserMin)/float64(cal.LaserMid-cal.LaserMin)
	default:
		return ArcMidDeg + (ArcMaxDeg-ArcMidDeg)*float64(pos-cal.LaserMid)/float64(cal.LaserMax-cal.LaserMid)
	}
}

// Bind holds the localhost listen addresses for the core services.
type Bind struct {
	Input  string `json:"input"`
	Router string `json:"router"`
	Player string `json:"player"`
	Remote string `json:"remote"`
}

// Config is the general device configuration (config.json).
type Config struct {
	DeviceName    string            `json:"device_name"`
	Environment   string            `json:"environment,omitempty"`
	DefaultPlayer string            `json:"default_player,omitempty"`
	Player        Player            `json:"player"`
	Volume        Volume            `json:"volume"`
	Menu          []schema.MenuItem `json:"menu,omitempty"`
	Calibration   Calibration       `json:"calibration"`
	Bind          Bind              `json:"bind,omitempty"`

	// Observability and fabric extras.
	MetricsBind    string  `json:"metrics_bind,omitempty"`
	NATSURL        string  `json:"nats_url,omitempty"`
	TracingEnabled bool    `json:"tracing_enabled,omitempty"`
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty"`
	TracingSample  float64 `json:"tracing_sample_rate,omitempty"`

	// StateFile is where the router persists active source + last media.
	StateFile string `json:"state_file,omitempty"`

	// HID device selection for the input daemon.
	HIDVendorID  string `json:"hid_vendor_id,omitempty"`
	HIDProductID string `json:"hid_product_id,omitempty"`
	HIDPath      string `json:"hid_path,omitempty"`

	// Remote ingress.
	IRDevice   string `json:"ir_device,omitempty"`
	BLEAddress string `json:"ble_address,omitempty"`
	KeymapFile string `json:"keymap_file,omitempty"`

	// Supervision.
	SupervisorIntervalSec int `json:"supervisor_interval_sec,omitempty"`
	LivenessTTLSec        int `json:"liveness_ttl_sec,omitempty"`

	dir     string
	Secrets map[string]string `json:"-"`
}

// Defaults applied when config.json omits a key.
const (
	DefaultLaserMin   = 3
	DefaultLaserMax   = 123
	DefaultDebounceMS = 50
	DefaultMaxSpeed   = 32
)

// DefaultDir is the configuration directory unless BEODECK_CONFIG_DIR is set.
const DefaultDir = "/etc/beodeck"

// Dir returns the directory the config was loaded from.
func (c *Config) Dir() string { return c.dir }

// SupervisorInterval returns the supervisor tick interval.
func (c *Config) SupervisorInterval() time.Duration {
	if c.SupervisorIntervalSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SupervisorIntervalSec) * time.Second
}

// LivenessTTL returns the source-liveness TTL used for the gone downgrade.
func (c *Config) LivenessTTL() time.Duration {
	if c.LivenessTTLSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.LivenessTTLSec) * time.Second
}

// Load reads config.json and secrets.env from dir (or the default directory
// when dir is empty), applies defaults and validates. Validation failures
// name the offending key; callers exit 1 on error.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv("BEODECK_CONFIG_DIR")
	}
	if dir == "" {
		dir = DefaultDir
	}

	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("read config.json: %w", err)
	}

	cfg := &Config{dir: dir}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Secrets, err = loadSecrets(filepath.Join(dir, "secrets.env"))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Calibration.LaserMin == 0 && c.Calibration.LaserMax == 0 {
		c.Calibration = Calibration{
			LaserMin: DefaultLaserMin,
			LaserMid: (DefaultLaserMin + DefaultLaserMax) / 2,
			LaserMax: DefaultLaserMax,
		}
	}
	if c.Calibration.LaserMid == 0 {
		c.Calibration.LaserMid = (c.Calibration.LaserMin + c.Calibration.LaserMax) / 2
	}
	if c.Volume.DebounceMS <= 0 {
		c.Volume.DebounceMS = DefaultDebounceMS
	}
	if c.Volume.Step <= 0 {
		c.Volume.Step = 1
	}
	if c.Bind.Input == "" {
		c.Bind.Input = "127.0.0.1:8765"
	}
	if c.Bind.Router == "" {
		c.Bind.Router = "127.0.0.1:8766"
	}
	if c.Bind.Player == "" {
		c.Bind.Player = "127.0.0.1:8768"
	}
	if c.Bind.Remote == "" {
		c.Bind.Remote = "127.0.0.1:8767"
	}
	if c.MetricsBind == "" {
		c.MetricsBind = "127.0.0.1:9100"
	}
	if c.StateFile == "" {
		c.StateFile = "/var/lib/beodeck/router-state.json"
	}
	if c.Player.Type == "" {
		c.Player.Type = PlayerNone
	}
}

func (c *Config) validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("config: device_name is required")
	}
	if !playerTypes[c.Player.Type] {
		return fmt.Errorf("config: player.type %q is not one of sonos, bluesound, local, none", c.Player.Type)
	}
	if (c.Player.Type == PlayerSonos || c.Player.Type == PlayerBluesound) && c.Player.IP == "" && c.Player.Host == "" {
		return fmt.Errorf("config: player.ip or player.host is required for player.type %q", c.Player.Type)
	}
	if c.Volume.Type != "" {
		if !volumeTypes[c.Volume.Type] {
			return fmt.Errorf("config: volume.type %q is not recognized", c.Volume.Type)
		}
		if c.Volume.Max <= 0 || c.Volume.Max > 100 {
			return fmt.Errorf("config: volume.max must be in 1..100, got %d", c.Volume.Max)
		}
	}
	cal := c.Calibration
	if !(cal.LaserMin < cal.LaserMid && cal.LaserMid < cal.LaserMax) {
		return fmt.Errorf("config: calibration requires laser_min < laser_mid < laser_max, got %d/%d/%d",
			cal.LaserMin, cal.LaserMid, cal.LaserMax)
	}
	return nil
}

// PlayerBaseURL returns the HTTP base of the configured network speaker,
// empty for local/none players.
func (c *Config) PlayerBaseURL() string {
	host := c.Player.IP
	if host == "" {
		host = c.Player.Host
	}
	if host == "" {
		return ""
	}
	switch c.Player.Type {
	case PlayerSonos:
		return "http://" + host + ":1400"
	case PlayerBluesound:
		return "http://" + host + ":11000"
	}
	return ""
}

// loadSecrets parses KEY=value lines; blank lines and #-comments ignored.
func loadSecrets(path string) (map[string]string, error) {
	secrets := make(map[string]string)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return secrets, nil
		}
		return nil, fmt.Errorf("read secrets.env: %w", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		secrets[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return secrets, nil
}

// RotateSecret updates one secret and rewrites secrets.env atomically
// (staged temp file, then rename) with mode 0600.
func (c *Config) RotateSecret(key, value string) error {
	if c.Secrets == nil {
		c.Secrets = make(map[string]string)
	}
	c.Secrets[key] = value

	keys := make([]string, 0, len(c.Secrets))
	for k := range c.Secrets {
		keys = append(keys, k)
	}
	// Deterministic file order across rotations.
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, c.Secrets[k])
	}

	path := filepath.Join(c.dir, "secrets.env")
	tmp, err := os.CreateTemp(c.dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("stage secrets.env: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod secrets.env: %w", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("write secrets.env: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close secrets.env: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename secrets.env: %w", err)
	}
	return nil
}
