package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tretten/breathing-sub000/internal/ui"
	"github.com/tretten/breathing-sub000/internal/version"
)

var (
	flagConfig   string
	flagRelayURL string
	flagLogLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "breathsync",
	Short: "Synchronized group breathing sessions with optional voice",
	Long: `Breathsync runs guided breathing sessions that start at the same moment for
everyone in a room. Clients meet through a relay, agree on a start time
without a leader and keep their audio aligned to shared time. Participants
may talk to each other over a peer-to-peer voice mesh between sessions.`,
	Version: version.Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default breathsync.yaml or $BREATHSYNC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flagRelayURL, "relay-url", "", "Relay websocket URL")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, joinCmd, statusCmd, idCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
