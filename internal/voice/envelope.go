package voice

import (
	"fmt"
	"sort"

	"github.com/pion/webrtc/v4"

	"github.com/tretten/breathing-sub000/internal/store"
)

const candidatesKey = "candidates"

// Envelope carries one pair's negotiation under signaling/{room}/{from}_{to}.
// From is always the initiator. Session changes every time the initiator
// starts over, so a rewritten envelope is never mistaken for a replay.
type Envelope struct {
	From       string                     `json:"from"`
	To         string                     `json:"to"`
	Session    string                     `json:"session"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidates map[string]Candidate       `json:"candidates,omitempty"`
}

// Candidate is one trickled ICE candidate, appended by either side.
type Candidate struct {
	From    string `json:"from"`
	Session string `json:"session"`
	webrtc.ICECandidateInit
}

// EnvelopeKey names the envelope for an initiator and answerer.
func EnvelopeKey(initiator, answerer string) string {
	return initiator + "_" + answerer
}

// Initiator reports whether self offers to peer. The smaller id offers.
func Initiator(self, peer string) bool {
	return self < peer
}

// DecodeEnvelope validates an envelope snapshot.
func DecodeEnvelope(s store.Snapshot) (Envelope, error) {
	var env Envelope
	if _, ok := s.Value().(map[string]any); !ok {
		return env, fmt.Errorf("envelope %s: not an object", s.Key())
	}
	if err := s.Decode(&env); err != nil {
		return env, fmt.Errorf("envelope %s: %w", s.Key(), err)
	}
	if env.From == "" || env.To == "" || env.Session == "" {
		return env, fmt.Errorf("envelope %s: missing from, to or session", s.Key())
	}
	if s.Key() != EnvelopeKey(env.From, env.To) {
		return env, fmt.Errorf("envelope %s: key does not match %s", s.Key(), EnvelopeKey(env.From, env.To))
	}
	return env, nil
}

// Involves reports whether self is either end.
func (e Envelope) Involves(self string) bool {
	return e.From == self || e.To == self
}

// Peer returns the other end.
func (e Envelope) Peer(self string) string {
	if e.From == self {
		return e.To
	}
	return e.From
}

// CandidateKeys returns the candidate push keys in append order.
func (e Envelope) CandidateKeys() []string {
	keys := make([]string, 0, len(e.Candidates))
	for k := range e.Candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
