package files

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tretten/breathing-sub000/internal/content"
)

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateAssets(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "box.mp3", "ID3")
	write(t, dir, "box.cues.json", `[{"type":"inhale","durationSeconds":4},{"type":"hold","durationSeconds":4}]`)
	write(t, dir, "calm/478.ogg", "OggS")

	assets, err := ValidateAssets(dir, []string{"box.mp3", "calm/478.ogg"})
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 {
		t.Fatalf("assets = %v", assets)
	}
	if assets[0].Duration() != 8*time.Second || assets[0].Type != "audio/mpeg" {
		t.Fatalf("box = %+v", assets[0])
	}
	if assets[1].Cues != nil || assets[1].CueErr == nil {
		t.Fatalf("478 should report missing cues: %+v", assets[1])
	}
}

func TestValidateAssetsErrors(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "empty.mp3", "")
	write(t, dir, "notes.txt", "hi")
	write(t, dir, "bad.mp3", "ID3")
	write(t, dir, "bad.cues.json", `[]`)
	if err := os.Mkdir(filepath.Join(dir, "dir.mp3"), 0o755); err != nil {
		t.Fatal(err)
	}

	assets, err := ValidateAssets(dir, []string{"empty.mp3", "notes.txt", "dir.mp3", "missing.mp3", "../escape.mp3", "bad.mp3"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"empty.mp3: file is empty", "notes.txt: not a known audio type", "dir.mp3: is a directory", "missing.mp3: file does not exist", "../escape.mp3: invalid content path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
	if len(assets) != 1 || !errors.Is(assets[0].CueErr, content.ErrEmptyTimeline) {
		t.Fatalf("assets = %+v", assets)
	}
}

func TestContentType(t *testing.T) {
	if ContentType("A.MP3") != "audio/mpeg" || !IsAudio("x.opus") || IsAudio("x.cues.json") {
		t.Fatal("content types wrong")
	}
}
