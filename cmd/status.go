package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/tretten/breathing-sub000/internal/clocksync"
	"github.com/tretten/breathing-sub000/internal/config"
	"github.com/tretten/breathing-sub000/internal/content"
	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/room"
	"github.com/tretten/breathing-sub000/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [room...]",
	Short: "Show who is in each room and what the room is doing",
	Long: `Show the phase and the online members of the preset rooms, read from the
relay without joining.

Examples:
  breathsync status
  breathsync status box 478`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{})
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), cfg, args)
	},
}

// RoomStatus is one row of the status table.
type RoomStatus struct {
	Preset  config.Preset
	Phase   room.Phase
	Elapsed time.Duration
	Online  presence.Online
}

func showStatus(ctx context.Context, cfg *config.Config, ids []string) error {
	presets := cfg.Presets
	if len(ids) > 0 {
		presets = presets[:0:0]
		for _, id := range ids {
			p, err := findPreset(cfg, id)
			if err != nil {
				return err
			}
			presets = append(presets, p)
		}
	}

	client, err := DialRelay(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	clock := clocksync.New(clockwork.NewRealClock())
	defer clock.Attach(client)()

	resolve := content.DurationResolver(&http.Client{Timeout: cfg.Relay.RequestTimeout})
	rows := make([]RoomStatus, 0, len(presets))
	for _, p := range presets {
		var duration time.Duration
		if u, err := cfg.ContentURL(p); err == nil {
			duration, _ = resolve(ctx, u)
		}
		rs, err := readRoom(ctx, client, clock, p, duration, cfg.Session.Liveness)
		if err != nil {
			return err
		}
		rows = append(rows, rs)
	}

	renderStatus(rows)
	return nil
}

// readRoom reads a room's state and online map once.
func readRoom(ctx context.Context, st store.Store, clock *clocksync.Clock, p config.Preset, duration, liveness time.Duration) (RoomStatus, error) {
	stateSnap, err := st.Get(ctx, store.RoomStatePath(p.ID))
	if err != nil {
		return RoomStatus{}, fmt.Errorf("read room %s: %w", p.ID, err)
	}
	onlineSnap, err := st.Get(ctx, store.OnlinePath(p.ID))
	if err != nil {
		return RoomStatus{}, fmt.Errorf("read room %s: %w", p.ID, err)
	}

	state, _ := room.DecodeState(stateSnap)
	now := clock.NowMillis()
	rs := RoomStatus{
		Preset: p,
		Phase:  room.DerivePhase(state, now, duration),
		Online: presence.Online{},
	}
	if rs.Phase == room.PhaseActive {
		rs.Elapsed = clock.Since(state.Start())
	}
	for _, child := range onlineSnap.Children() {
		rec, err := presence.DecodeRecord(child)
		if err != nil {
			continue
		}
		if time.Duration(now-rec.JoinedAt)*time.Millisecond <= liveness {
			rs.Online[child.Key()] = rec
		}
	}
	return rs, nil
}

func renderStatus(rows []RoomStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.SetTitle("Rooms")
	t.AppendHeader(table.Row{"Room", "Title", "Phase", "Online", "Ready", "Breathing"})

	for _, r := range rows {
		var ready, playing int
		for _, rec := range r.Online {
			if rec.IsReady {
				ready++
			}
			if rec.IsPlaying {
				playing++
			}
		}
		phase := r.Phase.String()
		if r.Phase == room.PhaseActive {
			phase = fmt.Sprintf("%s (%s)", phase, r.Elapsed.Truncate(time.Second))
		}
		t.AppendRow(table.Row{r.Preset.ID, r.Preset.Title, phase, r.Online.Count(), ready, playing})
	}
	t.Render()
}
