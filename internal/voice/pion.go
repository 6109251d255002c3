package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultSTUNServers is the public rendezvous list used when none is
// configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

// AudioSource is a Microphone the pion transport can send.
type AudioSource interface {
	Microphone
	Track() webrtc.TrackLocal
}

type PionOptions struct {
	STUNServers    []string
	TURNServers    []string
	TURNUsername   string
	TURNCredential string
	// ForceRelay restricts ICE to TURN candidates. Ignored without TURN.
	ForceRelay bool
	// AutoRelay forces relay when the host looks to be behind a VPN or
	// carrier-grade NAT.
	AutoRelay bool
	// OpenMicrophone defaults to a SilentMicrophone.
	OpenMicrophone func(ctx context.Context) (AudioSource, error)
}

// PionFactory builds links on pion/webrtc.
type PionFactory struct {
	config webrtc.Configuration
	open   func(ctx context.Context) (AudioSource, error)
}

var _ LinkFactory = (*PionFactory)(nil)

func NewPionFactory(opts PionOptions) *PionFactory {
	stun := opts.STUNServers
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}
	servers := []webrtc.ICEServer{{URLs: stun}}
	if len(opts.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       opts.TURNServers,
			Username:   opts.TURNUsername,
			Credential: opts.TURNCredential,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if len(opts.TURNServers) > 0 && (opts.ForceRelay || (opts.AutoRelay && RestrictedNetwork())) {
		policy = webrtc.ICETransportPolicyRelay
	}

	open := opts.OpenMicrophone
	if open == nil {
		open = func(context.Context) (AudioSource, error) {
			return NewSilentMicrophone(nil)
		}
	}
	return &PionFactory{
		config: webrtc.Configuration{ICEServers: servers, ICETransportPolicy: policy},
		open:   open,
	}
}

func (f *PionFactory) OpenMicrophone(ctx context.Context) (Microphone, error) {
	return f.open(ctx)
}

func (f *PionFactory) NewLink(peerID string, mic Microphone, events LinkEvents) (Link, error) {
	src, ok := mic.(AudioSource)
	if !ok {
		return nil, errors.New("microphone has no track")
	}

	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(src.Track())
	if err != nil {
		pc.Close()
		return nil, err
	}

	l := &pionLink{peer: peerID, pc: pc, sender: sender, track: src.Track(), sink: NewDiscardSink()}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnCandidate == nil {
			return
		}
		events.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer", peerID).Str("state", state.String()).Msg("voice link state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			l.failOnce.Do(func() {
				if events.OnFailed != nil {
					events.OnFailed()
				}
			})
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go l.sink.Drain(track)
	})
	return l, nil
}

type pionLink struct {
	peer     string
	pc       *webrtc.PeerConnection
	sender   *webrtc.RTPSender
	track    webrtc.TrackLocal
	sink     *DiscardSink
	failOnce sync.Once

	mu     sync.Mutex
	paused bool
}

func (l *pionLink) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *l.pc.LocalDescription(), nil
}

func (l *pionLink) AcceptOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *l.pc.LocalDescription(), nil
}

func (l *pionLink) AcceptAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

func (l *pionLink) AddCandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *pionLink) AwaitingAnswer() bool {
	return l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (l *pionLink) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *pionLink) SetPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused == paused {
		return
	}
	l.paused = paused
	l.sink.SetPaused(paused)

	var track webrtc.TrackLocal
	if !paused {
		track = l.track
	}
	if err := l.sender.ReplaceTrack(track); err != nil {
		log.Debug().Err(err).Str("peer", l.peer).Msg("replace voice track")
	}
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
