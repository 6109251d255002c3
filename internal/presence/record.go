package presence

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/tretten/breathing-sub000/internal/store"
)

var validate = validator.New()

// Record is one client's entry under rooms/{room}/online.
type Record struct {
	// JoinedAt is refreshed by the heartbeat; Unix milliseconds of shared time.
	JoinedAt       int64  `json:"joinedAt" validate:"gt=0"`
	IsReady        bool   `json:"isReady"`
	VoiceName      string `json:"voiceName,omitempty" validate:"max=64"`
	IsVoiceEnabled bool   `json:"isVoiceEnabled,omitempty"`
	IsMuted        bool   `json:"isMuted,omitempty"`
	IsPlaying      bool   `json:"isPlaying,omitempty"`
}

// DecodeRecord reads and validates a record. Malformed records are errors
// and callers skip them.
func DecodeRecord(s store.Snapshot) (Record, error) {
	var r Record
	if !s.Exists() {
		return r, fmt.Errorf("presence %s: missing", s.Key())
	}
	if _, ok := s.Value().(map[string]any); !ok {
		return r, fmt.Errorf("presence %s: not an object", s.Key())
	}
	if err := s.Decode(&r); err != nil {
		return r, fmt.Errorf("presence %s: %w", s.Key(), err)
	}
	if err := validate.Struct(r); err != nil {
		return r, fmt.Errorf("presence %s: %w", s.Key(), err)
	}
	return r, nil
}

// Patch is a partial update of the local record. Nil fields are untouched.
type Patch struct {
	IsReady        *bool
	VoiceName      *string
	IsVoiceEnabled *bool
	IsMuted        *bool
	IsPlaying      *bool
}

// Bool is a helper for building patches.
func Bool(b bool) *bool { return &b }

// String is a helper for building patches.
func String(s string) *string { return &s }

func (p Patch) apply(r Record) Record {
	if p.IsReady != nil {
		r.IsReady = *p.IsReady
	}
	if p.VoiceName != nil {
		r.VoiceName = *p.VoiceName
	}
	if p.IsVoiceEnabled != nil {
		r.IsVoiceEnabled = *p.IsVoiceEnabled
	}
	if p.IsMuted != nil {
		r.IsMuted = *p.IsMuted
	}
	if p.IsPlaying != nil {
		r.IsPlaying = *p.IsPlaying
	}
	return r
}

// fields returns the store update for the patch.
func (p Patch) fields() map[string]any {
	m := make(map[string]any, 5)
	if p.IsReady != nil {
		m["isReady"] = *p.IsReady
	}
	if p.VoiceName != nil {
		m["voiceName"] = *p.VoiceName
	}
	if p.IsVoiceEnabled != nil {
		m["isVoiceEnabled"] = *p.IsVoiceEnabled
	}
	if p.IsMuted != nil {
		m["isMuted"] = *p.IsMuted
	}
	if p.IsPlaying != nil {
		m["isPlaying"] = *p.IsPlaying
	}
	return m
}

// Online is the filtered set of present clients keyed by client id.
type Online map[string]Record

func (o Online) Count() int {
	return len(o)
}

// IDs returns the client ids in lexicographic order.
func (o Online) IDs() []string {
	ids := make([]string, 0, len(o))
	for id := range o {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AllReady reports whether there is at least one client and all are ready.
func (o Online) AllReady() bool {
	if len(o) == 0 {
		return false
	}
	for _, r := range o {
		if !r.IsReady {
			return false
		}
	}
	return true
}

func (o Online) AnyPlaying() bool {
	for _, r := range o {
		if r.IsPlaying {
			return true
		}
	}
	return false
}

// VoiceEnabled returns the ids of voice-enabled clients, sorted.
func (o Online) VoiceEnabled() []string {
	var ids []string
	for _, id := range o.IDs() {
		if o[id].IsVoiceEnabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o Online) clone() Online {
	out := make(Online, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
