package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesPrefs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.yaml")

	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidClientID(p.ClientID) {
		t.Fatalf("client id %q is not a uuid", p.ClientID)
	}
	if p.VoiceSeed == "" || p.Language != "en" || p.Theme != "dark" {
		t.Fatalf("defaults not filled: %+v", p)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again != p {
		t.Fatalf("reload = %+v, want %+v", again, p)
	}
}

func TestLoadKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	const id = "0b6b7e4c-5a4e-4c39-9a4f-3f3f0b1f2a11"
	if err := os.WriteFile(path, []byte("client_id: "+id+"\nlanguage: de\nvoice_seed: maple-comet\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.ClientID != id || p.Language != "de" || p.VoiceSeed != "maple-comet" || p.Theme != "dark" {
		t.Fatalf("prefs = %+v", p)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "theme: dark") {
		t.Fatalf("filled theme not saved:\n%s", data)
	}
}

func TestLoadReplacesInvalidID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	if err := os.WriteFile(path, []byte("client_id: not.a.path\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidClientID(p.ClientID) {
		t.Fatalf("invalid id kept: %q", p.ClientID)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	if err := os.WriteFile(path, []byte("client_id: [unclosed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("garbage parsed")
	}
}

func TestVoiceNameDeterministic(t *testing.T) {
	if VoiceName("") != "" {
		t.Fatal("empty seed should give no name")
	}
	a, b := VoiceName("maple-comet"), VoiceName("maple-comet")
	if a != b {
		t.Fatalf("%q != %q", a, b)
	}
	parts := strings.Split(a, " ")
	if len(parts) != 2 || parts[0][0] < 'A' || parts[0][0] > 'Z' {
		t.Fatalf("name %q is not two title-cased words", a)
	}
	seed := NewVoiceSeed()
	if !strings.Contains(seed, "-") {
		t.Fatalf("seed %q", seed)
	}
}
