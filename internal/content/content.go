// Package content reads the cue file that sits next to each session's audio
// and turns it into phase windows for display.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// CueExtension replaces the audio extension to name the cue file.
const CueExtension = ".cues.json"

const maxCueFileSize = 1 << 20

var ErrEmptyTimeline = errors.New("content: cue file has no phases")

// Cue is one phase of the exercise, e.g. {"type":"inhale","durationSeconds":4}.
type Cue struct {
	Type            string  `json:"type"`
	DurationSeconds float64 `json:"durationSeconds"`
}

func (c Cue) Duration() time.Duration {
	return time.Duration(c.DurationSeconds * float64(time.Second))
}

// Window is a cue placed on the audio timeline, covering [Start, End).
type Window struct {
	Cue
	Index int
	Start time.Duration
	End   time.Duration
}

type Timeline struct {
	windows []Window
}

// NewTimeline lays cues end to end. Cues without a positive duration are
// skipped.
func NewTimeline(cues []Cue) *Timeline {
	t := &Timeline{}
	var at time.Duration
	for _, c := range cues {
		d := c.Duration()
		if d <= 0 {
			continue
		}
		t.windows = append(t.windows, Window{Cue: c, Index: len(t.windows), Start: at, End: at + d})
		at += d
	}
	return t
}

func (t *Timeline) Windows() []Window {
	return append([]Window(nil), t.windows...)
}

func (t *Timeline) Len() int { return len(t.windows) }

// Total is the end of the last window.
func (t *Timeline) Total() time.Duration {
	if len(t.windows) == 0 {
		return 0
	}
	return t.windows[len(t.windows)-1].End
}

// At returns the window containing pos and the time left in it.
func (t *Timeline) At(pos time.Duration) (Window, time.Duration, bool) {
	if pos < 0 {
		return Window{}, 0, false
	}
	lo, hi := 0, len(t.windows)
	for lo < hi {
		mid := (lo + hi) / 2
		w := t.windows[mid]
		switch {
		case pos < w.Start:
			hi = mid
		case pos >= w.End:
			lo = mid + 1
		default:
			return w, w.End - pos, true
		}
	}
	return Window{}, 0, false
}

// CueURL maps an audio URL to its sibling cue file.
func CueURL(audioURL string) string {
	base, query := audioURL, ""
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base, query = base[:i], base[i:]
	}
	ext := path.Ext(base)
	if strings.Contains(ext, "/") {
		ext = ""
	}
	return strings.TrimSuffix(base, ext) + CueExtension + query
}

// Parse accepts either a bare cue array or an object with a "cues" array.
func Parse(data []byte) (*Timeline, error) {
	var cues []Cue
	if err := json.Unmarshal(data, &cues); err != nil {
		var doc struct {
			Cues []Cue `json:"cues"`
		}
		if err2 := json.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("parse cues: %w", err)
		}
		cues = doc.Cues
	}
	t := NewTimeline(cues)
	if t.Len() == 0 {
		return nil, ErrEmptyTimeline
	}
	return t, nil
}

// Fetch downloads and parses the cue file at url.
func Fetch(ctx context.Context, client *http.Client, url string) (*Timeline, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch cues: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch cues %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCueFileSize))
	if err != nil {
		return nil, fmt.Errorf("read cues: %w", err)
	}
	return Parse(data)
}

// DurationResolver resolves an audio URL's length from its cue file, for
// players that never decode the audio itself.
func DurationResolver(client *http.Client) func(ctx context.Context, audioURL string) (time.Duration, error) {
	return func(ctx context.Context, audioURL string) (time.Duration, error) {
		t, err := Fetch(ctx, client, CueURL(audioURL))
		if err != nil {
			return 0, err
		}
		return t.Total(), nil
	}
}
