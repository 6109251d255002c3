package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tretten/breathing-sub000/internal/config"
	"github.com/tretten/breathing-sub000/internal/identity"
	"github.com/tretten/breathing-sub000/internal/ui"
)

var flagIDNewVoice bool

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show or refresh this client's identity",
	Long: `Show the client id and voice name other participants see. The identity
is created on first use and kept in the user config directory.

Examples:
  breathsync id
  breathsync id --new-voice`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{})
		if err != nil {
			return err
		}
		prefs, path, err := LoadPrefs(cfg)
		if err != nil {
			return err
		}
		if flagIDNewVoice {
			prefs.VoiceSeed = identity.NewVoiceSeed()
			if err := identity.Save(path, prefs); err != nil {
				return err
			}
			ui.PrintSuccessf("New voice name: %s", prefs.VoiceName())
		}

		fmt.Println(ui.BoxStyle.Render(fmt.Sprintf("%s Voice name:  %s\n%s Client id:   %s\n   Prefs:       %s",
			ui.IconPeer, ui.BoldStyle.Foreground(ui.Primary).Render(prefs.VoiceName()),
			ui.IconRoom, prefs.ClientID,
			ui.MutedStyle.Render(path),
		)))
		return nil
	},
}

func init() {
	idCmd.Flags().BoolVar(&flagIDNewVoice, "new-voice", false, "Pick a new random voice name")
}
