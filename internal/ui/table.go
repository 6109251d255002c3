package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/voice"
)

// MemberRow is one line of the room roster.
type MemberRow struct {
	Name   string
	Self   bool
	Ready  bool
	Status string
	Voice  string
}

// MemberRows builds the roster from presence and the voice mesh, sorted by
// client id.
func MemberRows(self string, members presence.Online, participants []voice.Participant) []MemberRow {
	connected := make(map[string]bool, len(participants))
	for _, p := range participants {
		connected[p.ID] = p.Connected || p.Self
	}

	rows := make([]MemberRow, 0, len(members))
	for _, id := range members.IDs() {
		rec := members[id]
		name := rec.VoiceName
		if name == "" {
			name = shortID(id)
		}
		row := MemberRow{Name: name, Self: id == self, Ready: rec.IsReady, Status: "waiting"}
		if rec.IsPlaying {
			row.Status = "breathing"
		}
		switch {
		case !rec.IsVoiceEnabled:
			row.Voice = "-"
		case rec.IsMuted:
			row.Voice = "muted"
		case connected[id]:
			row.Voice = "live"
		default:
			row.Voice = "connecting"
		}
		rows = append(rows, row)
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// MemberTable renders the roster with lipgloss/table.
func MemberTable(rows []MemberRow) string {
	if len(rows) == 0 {
		return MutedStyle.Render("Nobody here yet")
	}

	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		name := r.Name
		if r.Self {
			name += " (you)"
		}
		ready := IconWaiting
		if r.Ready {
			ready = IconReady
		}
		data = append(data, []string{name, ready, r.Status, r.Voice})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Name", "Ready", "Status", "Voice").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Render()
}
