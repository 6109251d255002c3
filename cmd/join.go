package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/config"
	"github.com/tretten/breathing-sub000/internal/content"
	"github.com/tretten/breathing-sub000/internal/playback"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/session"
	"github.com/tretten/breathing-sub000/internal/ui"
	"github.com/tretten/breathing-sub000/internal/voice"
)

var (
	flagJoinSTUN     string
	flagJoinTURN     string
	flagJoinTURNUser string
	flagJoinTURNPass string
	flagJoinRelay    bool
	flagJoinNoVoice  bool
	flagJoinHeadless bool
	flagJoinReady    bool
	flagJoinLate     bool
)

const leaveTimeout = 5 * time.Second

var joinCmd = &cobra.Command{
	Use:     "join <room>",
	Aliases: []string{"j"},
	Short:   "Join a breathing room",
	Long: `Join one of the preset rooms. The session starts a few seconds after
everyone present is ready; a single participant starts alone after a short
grace period.

Examples:
  breathsync join box
  breathsync join 478 --no-voice
  breathsync join box --headless --ready`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{
			STUNServer: flagJoinSTUN,
			TURNServer: flagJoinTURN,
			TURNUser:   flagJoinTURNUser,
			TURNPass:   flagJoinTURNPass,
			ForceRelay: flagJoinRelay,
		})
		if err != nil {
			return err
		}
		return joinRoom(cmd.Context(), cfg, args[0])
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagJoinSTUN, "stun", "", "STUN server URL(s), comma separated")
	joinCmd.Flags().StringVar(&flagJoinTURN, "turn", "", "TURN server host or URL")
	joinCmd.Flags().StringVar(&flagJoinTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagJoinTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagJoinRelay, "relay", false, "Force voice through TURN")
	joinCmd.Flags().BoolVar(&flagJoinNoVoice, "no-voice", false, "Disable the voice mesh")
	joinCmd.Flags().BoolVar(&flagJoinHeadless, "headless", false, "Log events instead of showing the interactive view")
	joinCmd.Flags().BoolVar(&flagJoinReady, "ready", false, "Mark ready on entry")
	joinCmd.Flags().BoolVar(&flagJoinLate, "late", false, "Join a running session automatically")
}

func joinRoom(ctx context.Context, cfg *config.Config, roomID string) error {
	preset, err := findPreset(cfg, roomID)
	if err != nil {
		return err
	}
	prefs, _, err := LoadPrefs(cfg)
	if err != nil {
		return err
	}
	audioURL, err := cfg.ContentURL(preset)
	if err != nil {
		return err
	}

	client, err := DialRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	clock := clocksync.New(clockwork.NewRealClock())
	detach := clock.Attach(client)
	defer detach()

	httpClient := &http.Client{Timeout: cfg.Relay.RequestTimeout}
	timeline, err := content.Fetch(ctx, httpClient, content.CueURL(audioURL))
	if err != nil {
		log.Warn().Err(err).Str("room_id", preset.ID).Msg("cue file unavailable")
	}

	var factory voice.LinkFactory
	if !flagJoinNoVoice {
		factory = voice.NewPionFactory(cfg.PionOptions())
	}

	sess, err := session.Enter(ctx, session.Deps{
		Store:  client,
		Clock:  clock,
		Player: playback.NewVirtualPlayer(clock.Base(), content.DurationResolver(httpClient)),
		Voice:  factory,
	}, session.Options{
		Room:         preset.ID,
		ClientID:     prefs.ClientID,
		VoiceName:    prefs.VoiceName(),
		AudioURL:     audioURL,
		Timeline:     timeline,
		AutoLateJoin: flagJoinLate,
		Timings:      cfg.Timings(),
		Presence:     cfg.PresenceOptions(),
		Playback:     cfg.PlaybackOptions(),
		Voice:        cfg.VoiceOptions(),
	})
	if err != nil {
		return err
	}

	if flagJoinReady {
		if err := sess.SetReady(ctx, true); err != nil {
			log.Warn().Err(err).Msg("mark ready")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		if flagJoinHeadless {
			return followHeadless(runCtx, sess)
		}
		return ui.RunSession(runCtx, sess, preset.Title)
	})
	g.Go(func() error {
		<-runCtx.Done()
		leaveCtx, done := context.WithTimeout(context.Background(), leaveTimeout)
		defer done()
		if err := sess.Leave(leaveCtx); err != nil {
			return fmt.Errorf("leave room: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// followHeadless logs room and playback changes until ctx is done.
func followHeadless(ctx context.Context, sess *session.Session) error {
	cancelRoom := sess.Coordinator().OnEvent(func(ev room.Event) {
		log.Info().Stringer("phase", ev.Phase).Stringer("late_join", ev.LateJoin).
			Int64("start_timestamp", ev.State.Start()).Msg("room")
	})
	defer cancelRoom()
	cancelPlay := sess.Scheduler().OnStateChange(func(st playback.State) {
		log.Info().Stringer("state", st).Msg("playback")
	})
	defer cancelPlay()

	<-ctx.Done()
	return nil
}
