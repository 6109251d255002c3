// Package config loads Breathsync configuration in layers: built-in
// defaults, an optional YAML file, the environment, then CLI flags.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tretten/breathing-sub000/internal/logging"
	"github.com/tretten/breathing-sub000/internal/playback"
	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/voice"
)

// Default configuration values
const (
	DefaultAddr      = ":8080"
	DefaultRelayURL  = "ws://localhost:8080/ws"
	DefaultSTUN      = "stun:stun.l.google.com:19302"
	DefaultConfigEnv = "BREATHSYNC_CONFIG"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig  `koanf:"server"`
	Relay     RelayConfig   `koanf:"relay"`
	ICE       ICEConfig     `koanf:"ice"`
	Session   SessionConfig `koanf:"session"`
	Log       LogConfig     `koanf:"log"`
	Presets   []Preset      `koanf:"presets" validate:"dive"`
	PrefsPath string        `koanf:"prefs_path"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr" validate:"required"`
	ContentDir     string        `koanf:"content_dir"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
	OpsPerSecond   float64       `koanf:"ops_per_second" validate:"gt=0"`
	Burst          int           `koanf:"burst" validate:"gt=0"`
	TimePeriod     time.Duration `koanf:"time_period" validate:"gt=0"`
}

type RelayConfig struct {
	URL            string        `koanf:"url" validate:"required,url"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// ICEConfig lists the rendezvous servers for voice links.
type ICEConfig struct {
	STUN       []string `koanf:"stun" validate:"min=1"`
	TURN       string   `koanf:"turn"`
	TURNUser   string   `koanf:"turn_user"`
	TURNPass   string   `koanf:"turn_pass"`
	ForceRelay bool     `koanf:"force_relay"`
}

type SessionConfig struct {
	Countdown           time.Duration `koanf:"countdown" validate:"gt=0"`
	SoloGrace           time.Duration `koanf:"solo_grace" validate:"gte=0"`
	Liveness            time.Duration `koanf:"liveness" validate:"gt=0"`
	Heartbeat           time.Duration `koanf:"heartbeat" validate:"gt=0,ltfield=Liveness"`
	EvalInterval        time.Duration `koanf:"eval_interval" validate:"gt=0"`
	StaleCheckInterval  time.Duration `koanf:"stale_check_interval" validate:"gt=0"`
	AbandonAfter        time.Duration `koanf:"abandon_after" validate:"gt=0"`
	LateJoinWindow      time.Duration `koanf:"late_join_window" validate:"gt=0"`
	MaxSession          time.Duration `koanf:"max_session" validate:"gt=0"`
	EndedGrace          time.Duration `koanf:"ended_grace" validate:"gte=0"`
	DriftInterval       time.Duration `koanf:"drift_interval" validate:"gt=0"`
	DriftThreshold      time.Duration `koanf:"drift_threshold" validate:"gt=0"`
	LatencyCompensation time.Duration `koanf:"latency_compensation" validate:"gte=0"`
	SeekEpsilon         time.Duration `koanf:"seek_epsilon" validate:"gte=0"`
	MissTolerance       time.Duration `koanf:"miss_tolerance" validate:"gte=0"`
	SeekableTimeout     time.Duration `koanf:"seekable_timeout" validate:"gt=0"`
	VoiceCapacity       int           `koanf:"voice_capacity" validate:"gte=2,lte=16"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=dev debug trace info warn error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=console json"`
}

// Preset is a room with its exercise audio. The preset id is the room id.
type Preset struct {
	ID       string `koanf:"id" validate:"required,max=64,excludesall=/.#$[]"`
	Title    string `koanf:"title"`
	AudioURL string `koanf:"audio_url" validate:"required"`
}

// Options for loading config with CLI flag overrides
type Options struct {
	ConfigPath string
	RelayURL   string
	Addr       string
	ContentDir string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	LogLevel   string
}

// DefaultPresets are the rooms available when none are configured.
func DefaultPresets() []Preset {
	return []Preset{
		{ID: "box", Title: "Box breathing", AudioURL: "/content/box.mp3"},
		{ID: "478", Title: "4-7-8 relaxation", AudioURL: "/content/478.mp3"},
		{ID: "coherent", Title: "Coherent breathing", AudioURL: "/content/coherent.mp3"},
	}
}

// Preset looks up a preset by id.
func (c *Config) Preset(id string) (Preset, bool) {
	for _, p := range c.Presets {
		if p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}

// HTTPBase returns the relay's http(s) origin, derived from the websocket URL.
func (c *Config) HTTPBase() (*url.URL, error) {
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// ContentURL resolves a preset's audio URL against the relay origin.
// Absolute URLs are returned unchanged.
func (c *Config) ContentURL(p Preset) (string, error) {
	ref, err := url.Parse(p.AudioURL)
	if err != nil {
		return "", fmt.Errorf("parse audio url: %w", err)
	}
	if ref.IsAbs() {
		return p.AudioURL, nil
	}
	base, err := c.HTTPBase()
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// TURNServers expands a bare TURN host into udp, tcp and tls URLs. A value
// that already carries a scheme is used as is.
func (c ICEConfig) TURNServers() []string {
	if c.TURN == "" {
		return nil
	}
	if strings.Contains(c.TURN, "?") {
		return []string{c.TURN}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURN, "turns:"), "turn:")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

func (c *Config) Timings() room.Timings {
	s := c.Session
	return room.Timings{
		Countdown:          s.Countdown,
		SoloGrace:          s.SoloGrace,
		EvalInterval:       s.EvalInterval,
		StaleCheckInterval: s.StaleCheckInterval,
		AbandonAfter:       s.AbandonAfter,
		LateJoinWindow:     s.LateJoinWindow,
		MaxSession:         s.MaxSession,
		EndedGrace:         s.EndedGrace,
	}
}

func (c *Config) PresenceOptions() presence.Options {
	return presence.Options{Liveness: c.Session.Liveness, Heartbeat: c.Session.Heartbeat}
}

func (c *Config) PlaybackOptions() playback.Options {
	s := c.Session
	return playback.Options{
		LatencyCompensation: s.LatencyCompensation,
		SeekEpsilon:         s.SeekEpsilon,
		MissTolerance:       s.MissTolerance,
		DriftInterval:       s.DriftInterval,
		DriftThreshold:      s.DriftThreshold,
		SeekableTimeout:     s.SeekableTimeout,
	}
}

func (c *Config) VoiceOptions() voice.Options {
	return voice.Options{Capacity: c.Session.VoiceCapacity}
}

func (c *Config) PionOptions() voice.PionOptions {
	return voice.PionOptions{
		STUNServers:    c.ICE.STUN,
		TURNServers:    c.ICE.TURNServers(),
		TURNUsername:   c.ICE.TURNUser,
		TURNCredential: c.ICE.TURNPass,
		ForceRelay:     c.ICE.ForceRelay,
		AutoRelay:      true,
	}
}

func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
