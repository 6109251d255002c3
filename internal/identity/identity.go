// Package identity keeps the local client identity and preferences.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	appDir       = "breathsync"
	prefsFile    = "prefs.yaml"
	defaultTheme = "dark"
	defaultLang  = "en"
)

// Prefs are the values persisted between runs. They are passed through to
// the room untouched, apart from VoiceSeed which names the client to peers.
type Prefs struct {
	ClientID  string `yaml:"client_id"`
	Language  string `yaml:"language"`
	VoiceSeed string `yaml:"voice_seed"`
	Theme     string `yaml:"theme"`
}

// VoiceName is the display name derived from VoiceSeed.
func (p Prefs) VoiceName() string {
	return VoiceName(p.VoiceSeed)
}

// NewClientID returns a fresh random client id.
func NewClientID() string {
	return uuid.NewString()
}

// ValidClientID reports whether id is a canonical uuid.
func ValidClientID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// DefaultPath is prefs.yaml under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, appDir, prefsFile), nil
}

// Load reads prefs from path, filling and saving any missing values. A
// missing file is created.
func Load(path string) (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return p, fmt.Errorf("read prefs: %w", err)
	default:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return p, fmt.Errorf("parse prefs %s: %w", path, err)
		}
	}

	if !fill(&p) {
		return p, nil
	}
	if err := Save(path, p); err != nil {
		return p, err
	}
	log.Debug().Str("path", path).Str("client_id", p.ClientID).Msg("prefs initialised")
	return p, nil
}

// fill sets defaults and reports whether anything changed.
func fill(p *Prefs) bool {
	changed := false
	if !ValidClientID(p.ClientID) {
		p.ClientID = NewClientID()
		changed = true
	}
	if p.VoiceSeed == "" {
		p.VoiceSeed = NewVoiceSeed()
		changed = true
	}
	if p.Language == "" {
		p.Language = defaultLang
		changed = true
	}
	if p.Theme == "" {
		p.Theme = defaultTheme
		changed = true
	}
	return changed
}

// Save writes prefs atomically.
func Save(path string, p Prefs) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}
