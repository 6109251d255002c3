// Package files checks the preset media a relay serves.
package files

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tretten/breathing-sub000/internal/content"
)

var contentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".json": "application/json; charset=utf-8",
}

// ContentType returns the media type for a content file name, or "".
func ContentType(name string) string {
	return contentTypes[strings.ToLower(path.Ext(name))]
}

// IsAudio reports whether name has a known audio extension.
func IsAudio(name string) bool {
	return strings.HasPrefix(ContentType(name), "audio/")
}

// Asset describes one preset audio file and its cue file.
type Asset struct {
	// Name is relative to the content directory, slash separated.
	Name string
	Path string
	Size int64
	Type string

	// Cues is nil when the cue file is missing or invalid; CueErr says why.
	Cues   *content.Timeline
	CueErr error
}

// Duration is the asset length according to its cues.
func (a Asset) Duration() time.Duration {
	if a.Cues == nil {
		return 0
	}
	return a.Cues.Total()
}

// ValidateAssets checks that every named audio file exists under dir, is a
// non-empty regular file of a known audio type, and reads its cue file. A
// missing cue file is reported on the asset, not as an error; clients can
// still play but show no captions and cannot learn the length.
func ValidateAssets(dir string, names []string) ([]Asset, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var assets []Asset
	var errs []error
	for _, name := range names {
		a, err := validateAsset(dir, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		assets = append(assets, a)
	}
	if len(errs) > 0 {
		return assets, fmt.Errorf("content validation failed: %w", errors.Join(errs...))
	}
	return assets, nil
}

func validateAsset(dir, name string) (Asset, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != strings.TrimPrefix(name, "/") {
		return Asset{}, fmt.Errorf("%s: invalid content path", name)
	}
	if !IsAudio(clean) {
		return Asset{}, fmt.Errorf("%s: not a known audio type", name)
	}

	p := filepath.Join(dir, filepath.FromSlash(clean))
	stat, err := os.Stat(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Asset{}, fmt.Errorf("%s: file does not exist", name)
	case err != nil:
		return Asset{}, fmt.Errorf("%s: failed to stat file: %w", name, err)
	case stat.IsDir():
		return Asset{}, fmt.Errorf("%s: is a directory", name)
	case stat.Size() == 0:
		return Asset{}, fmt.Errorf("%s: file is empty", name)
	}

	a := Asset{Name: clean, Path: p, Size: stat.Size(), Type: ContentType(clean)}

	cuePath := filepath.Join(dir, filepath.FromSlash(content.CueURL(clean)))
	data, err := os.ReadFile(cuePath)
	if err != nil {
		a.CueErr = fmt.Errorf("read cues: %w", err)
		return a, nil
	}
	a.Cues, a.CueErr = content.Parse(data)
	return a, nil
}
