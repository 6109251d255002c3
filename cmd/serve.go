package cmd

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/tretten/breathing-sub000/internal/config"
	"github.com/tretten/breathing-sub000/internal/files"
	"github.com/tretten/breathing-sub000/internal/relay"
	"github.com/tretten/breathing-sub000/internal/store/memory"
)

const contentPrefix = "/content/"

var (
	flagServeAddr    string
	flagServeContent string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay that clients share state through",
	Long: `Run the relay: a websocket endpoint holding the shared room tree, plus
health, metrics, room inspection and the preset audio files.

Examples:
  breathsync serve
  breathsync serve --addr :9000 --content ./content`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{Addr: flagServeAddr, ContentDir: flagServeContent})
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, nil)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&flagServeContent, "content", "", "Directory with preset audio and cue files")
}

// serve supervises the hub and the HTTP server until ctx is done.
func serve(ctx context.Context, cfg *config.Config, listening func(net.Addr)) error {
	metrics := relay.NewMetrics(prometheus.NewRegistry())
	hub := relay.NewHub(memory.NewTree(), relay.HubOptions{
		OpsPerSecond: cfg.Server.OpsPerSecond,
		Burst:        cfg.Server.Burst,
		TimePeriod:   cfg.Server.TimePeriod,
		Metrics:      metrics,
	})
	httpSvc := &relay.HTTPService{
		Addr: cfg.Server.Addr,
		Handler: relay.NewRouter(hub, relay.RouterOptions{
			ContentDir:     cfg.Server.ContentDir,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}),
		Listening: listening,
	}

	sup := suture.New("breathsync-relay", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Str("event", e.String()).Msg("supervisor event")
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   5 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(hub)
	sup.Add(httpSvc)

	checkContent(cfg)

	log.Info().Str("addr", cfg.Server.Addr).Str("content", cfg.Server.ContentDir).Msg("starting relay")
	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// checkContent logs the state of every preset served from the content
// directory. Problems are warnings; the relay still serves the rest.
func checkContent(cfg *config.Config) {
	if cfg.Server.ContentDir == "" {
		return
	}
	var names []string
	for _, p := range cfg.Presets {
		if name, ok := strings.CutPrefix(p.AudioURL, contentPrefix); ok {
			names = append(names, name)
		}
	}

	assets, err := files.ValidateAssets(cfg.Server.ContentDir, names)
	if err != nil {
		log.Warn().Err(err).Str("content", cfg.Server.ContentDir).Msg("preset content")
	}
	for _, a := range assets {
		if a.CueErr != nil {
			log.Warn().Err(a.CueErr).Str("asset", a.Name).Msg("preset has no usable cues")
			continue
		}
		log.Info().Str("asset", a.Name).Int64("size", a.Size).Dur("duration", a.Duration()).Msg("preset content")
	}
}
