package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breathsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(DefaultConfigEnv, "")
	t.Chdir(t.TempDir())

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != DefaultAddr || cfg.Relay.URL != DefaultRelayURL {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Session.Countdown != 3*time.Second || cfg.Session.LatencyCompensation != 300*time.Millisecond {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if len(cfg.Presets) != len(DefaultPresets()) {
		t.Fatalf("presets = %v", cfg.Presets)
	}
	if _, ok := cfg.Preset("box"); !ok {
		t.Fatal("box preset missing")
	}
}

func TestPrecedence(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, `
relay:
  url: ws://file.example/ws
session:
  countdown: 5s
  voice_capacity: 4
presets:
  - id: calm
    title: Calm
    audio_url: https://cdn.example/calm.mp3
`)
	t.Setenv(DefaultConfigEnv, path)
	t.Setenv("RELAY_URL", "ws://env.example/ws")
	t.Setenv("STUN_SERVER", "stun:a:3478, stun:b:3478")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.URL != "ws://env.example/ws" {
		t.Fatalf("env should beat file: %s", cfg.Relay.URL)
	}
	if cfg.Session.Countdown != 5*time.Second || cfg.Session.VoiceCapacity != 4 {
		t.Fatalf("file values lost: %+v", cfg.Session)
	}
	if cfg.Session.SoloGrace != 3*time.Second {
		t.Fatalf("default lost: %v", cfg.Session.SoloGrace)
	}
	if len(cfg.ICE.STUN) != 2 || cfg.ICE.STUN[1] != "stun:b:3478" {
		t.Fatalf("stun = %v", cfg.ICE.STUN)
	}
	if len(cfg.Presets) != 1 || cfg.Presets[0].ID != "calm" {
		t.Fatalf("presets = %v", cfg.Presets)
	}

	cfg, err = Load(Options{RelayURL: "wss://flag.example/ws", STUNServer: "stun:c:3478"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.URL != "wss://flag.example/ws" || len(cfg.ICE.STUN) != 1 {
		t.Fatalf("flags should win: %s %v", cfg.Relay.URL, cfg.ICE.STUN)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string]string{
		"heartbeat over liveness": "session:\n  heartbeat: 10m\n",
		"duplicate preset":        "presets:\n  - {id: a, audio_url: /a.mp3}\n  - {id: a, audio_url: /b.mp3}\n",
		"bad preset id":           "presets:\n  - {id: a/b, audio_url: /a.mp3}\n",
		"bad log level":           "log:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(DefaultConfigEnv, writeFile(t, body))
			if _, err := Load(Options{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load(Options{ConfigPath: "/nonexistent/breathsync.yaml"}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestContentURL(t *testing.T) {
	cfg := &Config{Relay: RelayConfig{URL: "wss://relay.example:8443/ws"}}
	got, err := cfg.ContentURL(Preset{AudioURL: "/content/box.mp3?v=2"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://relay.example:8443/content/box.mp3?v=2" {
		t.Fatalf("ContentURL = %s", got)
	}
	abs := "http://cdn.example/a.mp3"
	if got, _ := cfg.ContentURL(Preset{AudioURL: abs}); got != abs {
		t.Fatalf("absolute url rewritten: %s", got)
	}
}

func TestTURNServers(t *testing.T) {
	ice := ICEConfig{TURN: "turn.example.com"}
	got := ice.TURNServers()
	want := []string{
		"turn:turn.example.com:3478?transport=udp",
		"turn:turn.example.com:3478?transport=tcp",
		"turns:turn.example.com:5349?transport=tcp",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	full := ICEConfig{TURN: "turn:turn.example.com:3478?transport=udp"}
	if got := full.TURNServers(); len(got) != 1 || got[0] != full.TURN {
		t.Fatalf("explicit url expanded: %v", got)
	}
	if (ICEConfig{}).TURNServers() != nil {
		t.Fatal("empty TURN should give nil")
	}
}
