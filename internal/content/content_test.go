package content

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCueURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/content/box.mp3", "/content/box.cues.json"},
		{"https://cdn.example.com/a/4-7-8.ogg", "https://cdn.example.com/a/4-7-8.cues.json"},
		{"/content/box.mp3?v=2", "/content/box.cues.json?v=2"},
		{"/content/noext", "/content/noext.cues.json"},
	}
	for _, tt := range tests {
		if got := CueURL(tt.in); got != tt.want {
			t.Errorf("CueURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTimelineWindows(t *testing.T) {
	tl := NewTimeline([]Cue{
		{Type: "inhale", DurationSeconds: 4},
		{Type: "hold", DurationSeconds: 0},
		{Type: "hold", DurationSeconds: 7},
		{Type: "exhale", DurationSeconds: 8},
	})
	if tl.Len() != 3 {
		t.Fatalf("len = %d, want 3", tl.Len())
	}
	if tl.Total() != 19*time.Second {
		t.Fatalf("total = %v, want 19s", tl.Total())
	}

	tests := []struct {
		pos       time.Duration
		typ       string
		remaining time.Duration
		ok        bool
	}{
		{0, "inhale", 4 * time.Second, true},
		{3999 * time.Millisecond, "inhale", time.Millisecond, true},
		{4 * time.Second, "hold", 7 * time.Second, true},
		{12 * time.Second, "exhale", 7 * time.Second, true},
		{19 * time.Second, "", 0, false},
		{-time.Second, "", 0, false},
	}
	for _, tt := range tests {
		w, rem, ok := tl.At(tt.pos)
		if ok != tt.ok || w.Type != tt.typ || rem != tt.remaining {
			t.Errorf("At(%v) = (%q, %v, %v), want (%q, %v, %v)", tt.pos, w.Type, rem, ok, tt.typ, tt.remaining, tt.ok)
		}
	}
}

func TestParseShapes(t *testing.T) {
	if _, err := Parse([]byte(`[{"type":"inhale","durationSeconds":4}]`)); err != nil {
		t.Errorf("array: %v", err)
	}
	tl, err := Parse([]byte(`{"cues":[{"type":"inhale","durationSeconds":1.5}]}`))
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	if tl.Total() != 1500*time.Millisecond {
		t.Errorf("total = %v", tl.Total())
	}
	if _, err := Parse([]byte(`[]`)); !errors.Is(err, ErrEmptyTimeline) {
		t.Errorf("empty: %v", err)
	}
	if _, err := Parse([]byte(`nope`)); err == nil {
		t.Error("garbage parsed")
	}
}

func TestFetchAndResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/content/box.cues.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[{"type":"inhale","durationSeconds":4},{"type":"exhale","durationSeconds":6}]`))
	}))
	defer srv.Close()

	d, err := DurationResolver(srv.Client())(context.Background(), srv.URL+"/content/box.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if d != 10*time.Second {
		t.Errorf("duration = %v, want 10s", d)
	}

	if _, err := Fetch(context.Background(), srv.Client(), srv.URL+"/missing.cues.json"); err == nil {
		t.Error("expected error for 404")
	}
}
