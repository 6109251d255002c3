package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tretten/breathing-sub000/internal/config"
	"github.com/tretten/breathing-sub000/internal/identity"
	"github.com/tretten/breathing-sub000/internal/logging"
	"github.com/tretten/breathing-sub000/internal/store/remote"
	"github.com/tretten/breathing-sub000/internal/ui"
)

// LoadConfig loads configuration with the global flags applied and
// reinitialises logging from it.
func LoadConfig(opts config.Options) (*config.Config, error) {
	opts.ConfigPath = flagConfig
	opts.RelayURL = flagRelayURL
	opts.LogLevel = flagLogLevel

	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.Logging())

	if cfg.ICE.ForceRelay && cfg.ICE.TURNServers() == nil {
		return nil, errors.New("cannot force relay mode without TURN server configured")
	}
	return cfg, nil
}

// LoadPrefs reads the local identity from the configured or default path.
func LoadPrefs(cfg *config.Config) (identity.Prefs, string, error) {
	path := cfg.PrefsPath
	if path == "" {
		p, err := identity.DefaultPath()
		if err != nil {
			return identity.Prefs{}, "", err
		}
		path = p
	}
	prefs, err := identity.Load(path)
	if err != nil {
		return identity.Prefs{}, path, fmt.Errorf("load prefs: %w", err)
	}
	return prefs, path, nil
}

// DialRelay connects to the relay behind a spinner.
func DialRelay(ctx context.Context, cfg *config.Config) (*remote.Client, error) {
	sp := ui.NewConnectionSpinner("Connecting to " + cfg.Relay.URL)
	sp.Start()
	client, err := remote.Dial(ctx, remote.Options{
		URL:            cfg.Relay.URL,
		RequestTimeout: cfg.Relay.RequestTimeout,
	})
	sp.Stop()
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}
	return client, nil
}

func findPreset(cfg *config.Config, id string) (config.Preset, error) {
	if p, ok := cfg.Preset(id); ok {
		return p, nil
	}
	ids := make([]string, 0, len(cfg.Presets))
	for _, p := range cfg.Presets {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return config.Preset{}, fmt.Errorf("unknown room %q (available: %s)", id, strings.Join(ids, ", "))
}
