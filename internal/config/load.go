package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"breathsync.yaml",
	"breathsync.yml",
	"/etc/breathsync/breathsync.yaml",
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         DefaultAddr,
			ContentDir:   "content",
			OpsPerSecond: 50,
			Burst:        100,
			TimePeriod:   time.Second,
		},
		Relay: RelayConfig{
			URL:            DefaultRelayURL,
			RequestTimeout: 10 * time.Second,
		},
		ICE: ICEConfig{
			STUN: []string{DefaultSTUN},
		},
		Session: SessionConfig{
			Countdown:           3 * time.Second,
			SoloGrace:           3 * time.Second,
			Liveness:            5 * time.Minute,
			Heartbeat:           60 * time.Second,
			EvalInterval:        250 * time.Millisecond,
			StaleCheckInterval:  2 * time.Second,
			AbandonAfter:        5 * time.Second,
			LateJoinWindow:      30 * time.Second,
			MaxSession:          30 * time.Minute,
			EndedGrace:          10 * time.Second,
			DriftInterval:       time.Second,
			DriftThreshold:      250 * time.Millisecond,
			LatencyCompensation: 300 * time.Millisecond,
			SeekEpsilon:         100 * time.Millisecond,
			MissTolerance:       250 * time.Millisecond,
			SeekableTimeout:     5 * time.Second,
			VoiceCapacity:       6,
		},
		Log: LogConfig{Format: "console"},
	}
}

// Load reads configuration with precedence flag > env > file > default.
// A .env file in the working directory is read into the environment first.
func Load(opts Options) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(opts.ConfigPath); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if opts.ConfigPath != "" {
		return nil, fmt.Errorf("config file %s: %w", opts.ConfigPath, os.ErrNotExist)
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyOptions(opts)
	if len(cfg.Presets) == 0 {
		cfg.Presets = DefaultPresets()
	}
	if cfg.PrefsPath != "" {
		cfg.PrefsPath = filepath.Clean(cfg.PrefsPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and preset uniqueness.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seen := make(map[string]bool, len(c.Presets))
	for _, p := range c.Presets {
		if seen[p.ID] {
			return fmt.Errorf("invalid configuration: duplicate preset %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// applyOptions lets non-empty CLI flags win over everything else.
func (c *Config) applyOptions(o Options) {
	if o.RelayURL != "" {
		c.Relay.URL = o.RelayURL
	}
	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.ContentDir != "" {
		c.Server.ContentDir = o.ContentDir
	}
	if o.STUNServer != "" {
		c.ICE.STUN = splitList(o.STUNServer)
	}
	if o.TURNServer != "" {
		c.ICE.TURN = o.TURNServer
	}
	if o.TURNUser != "" {
		c.ICE.TURNUser = o.TURNUser
	}
	if o.TURNPass != "" {
		c.ICE.TURNPass = o.TURNPass
	}
	if o.ForceRelay {
		c.ICE.ForceRelay = true
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
}

func findConfigFile(explicit string) string {
	if explicit == "" {
		explicit = os.Getenv(DefaultConfigEnv)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var listPaths = []string{
	"server.allowed_origins",
	"ice.stun",
}

// splitLists turns comma separated env values into lists.
func splitLists(k *koanf.Koanf) error {
	for _, path := range listPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		if err := k.Set(path, splitList(s)); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envMappings maps environment names to config paths. The unprefixed names
// are kept for existing deployments.
var envMappings = map[string]string{
	"breathsync_addr":            "server.addr",
	"breathsync_content_dir":     "server.content_dir",
	"breathsync_allowed_origins": "server.allowed_origins",
	"breathsync_ops_per_second":  "server.ops_per_second",
	"breathsync_burst":           "server.burst",
	"breathsync_time_period":     "server.time_period",

	"breathsync_relay_url":       "relay.url",
	"relay_url":                  "relay.url",
	"breathsync_request_timeout": "relay.request_timeout",

	"breathsync_stun_servers": "ice.stun",
	"stun_server":             "ice.stun",
	"breathsync_turn_server":  "ice.turn",
	"turn_server":             "ice.turn",
	"turn_username":           "ice.turn_user",
	"turn_password":           "ice.turn_pass",
	"breathsync_force_relay":  "ice.force_relay",

	"breathsync_countdown":        "session.countdown",
	"breathsync_solo_grace":       "session.solo_grace",
	"breathsync_liveness":         "session.liveness",
	"breathsync_heartbeat":        "session.heartbeat",
	"breathsync_late_join_window": "session.late_join_window",
	"breathsync_max_session":      "session.max_session",
	"breathsync_ended_grace":      "session.ended_grace",
	"breathsync_latency_comp":     "session.latency_compensation",
	"breathsync_voice_capacity":   "session.voice_capacity",

	"breathsync_prefs": "prefs_path",

	"log_level":  "log.level",
	"log_format": "log.format",
}

// envTransform maps an environment name to its config path, or "" to skip it.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}
