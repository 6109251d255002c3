package voice

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Microphone is the local capture shared by every link.
type Microphone interface {
	SetMuted(muted bool)
	Close() error
}

// LinkEvents are raised by a Link from its own goroutines.
type LinkEvents struct {
	OnCandidate func(webrtc.ICECandidateInit)
	// OnFailed fires once when the transport fails, disconnects or closes.
	OnFailed func()
}

// Link is one peer connection and its playback sink.
type Link interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddCandidate(c webrtc.ICECandidateInit) error
	// AwaitingAnswer is true between CreateOffer and AcceptAnswer.
	AwaitingAnswer() bool
	HasRemoteDescription() bool
	// SetPaused stops sending and rendering without tearing the link down.
	SetPaused(paused bool)
	Close() error
}

// LinkFactory builds the microphone and links for a Mesh.
type LinkFactory interface {
	OpenMicrophone(ctx context.Context) (Microphone, error)
	NewLink(peerID string, mic Microphone, events LinkEvents) (Link, error)
}
