// Package voice runs a full mesh of peer audio links among the
// voice-enabled clients of a room, negotiated through the shared store.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tretten/breathing-sub000/internal/notify"
	"github.com/tretten/breathing-sub000/internal/presence"
	"github.com/tretten/breathing-sub000/internal/store"
)

const DefaultCapacity = 6

const disableTimeout = 5 * time.Second

type Options struct {
	// Capacity is the most voice-enabled clients a room may hold.
	Capacity int
}

// Participant is one voice-enabled client as shown to the user.
type Participant struct {
	ID        string
	VoiceName string
	Muted     bool
	Self      bool
	// Connected is true once a link to the peer exists.
	Connected bool
}

type peer struct {
	id        string
	key       string
	session   string
	initiator bool
	link      Link
	// observed is set once the envelope for session has been seen in the
	// store; only then does its absence mean the other side tore it down.
	observed bool
}

// Mesh is the local end of a room's voice mesh. All negotiation runs on
// one goroutine; the exported methods may be called from any goroutine.
type Mesh struct {
	st       store.Store
	tracker  *presence.Tracker
	factory  LinkFactory
	room     string
	self     string
	capacity int
	loop     *notify.Serial
	ctx      context.Context
	cancel   context.CancelFunc
	changes  *notify.Queue[[]Participant]

	mu         sync.Mutex
	enabled    bool
	gen        uint64
	muted      bool
	paused     bool
	closed     bool
	mic        Microphone
	cancelSig  func()
	cancelPres func()

	// Written only on the loop goroutine, under mu.
	peers map[string]*peer
	// Owned by the loop goroutine.
	seen map[string]map[string]bool
}

func New(st store.Store, tracker *presence.Tracker, factory LinkFactory, opts Options) *Mesh {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		st:       st,
		tracker:  tracker,
		factory:  factory,
		room:     tracker.Room(),
		self:     tracker.Self(),
		capacity: opts.Capacity,
		loop:     notify.NewSerial(),
		ctx:      ctx,
		cancel:   cancel,
		changes:  notify.New[[]Participant](),
		peers:    make(map[string]*peer),
		seen:     make(map[string]map[string]bool),
	}
}

func (m *Mesh) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Mesh) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// OnChange calls fn whenever links or participants change.
func (m *Mesh) OnChange(fn func([]Participant)) func() {
	return m.changes.Subscribe(fn)
}

// Enable joins the mesh. A full room fails with ErrRoomFull before the
// microphone is opened; a microphone failure returns *MicrophoneError.
func (m *Mesh) Enable(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.enabled:
		m.mu.Unlock()
		return nil
	}
	muted := m.muted
	m.mu.Unlock()

	others := 0
	for _, id := range m.tracker.Online().VoiceEnabled() {
		if id != m.self {
			others++
		}
	}
	if others >= m.capacity {
		return ErrRoomFull
	}

	mic, err := m.factory.OpenMicrophone(ctx)
	if err != nil {
		return &MicrophoneError{Err: err}
	}
	mic.SetMuted(muted)

	if err := m.tracker.Set(ctx, presence.Patch{
		IsVoiceEnabled: presence.Bool(true),
		IsMuted:        presence.Bool(muted),
	}); err != nil {
		mic.Close()
		return fmt.Errorf("announce voice: %w", err)
	}

	m.mu.Lock()
	if m.closed || m.enabled {
		m.mu.Unlock()
		mic.Close()
		return nil
	}
	m.enabled = true
	m.gen++
	gen := m.gen
	m.mic = mic
	m.mu.Unlock()

	cancelSig := m.st.Subscribe(store.SignalingPath(m.room), func(s store.Snapshot) {
		m.loop.Push(func() { m.onSignaling(gen, s) })
	})
	cancelPres := m.tracker.OnChange(func(presence.Online) {
		m.loop.Push(func() { m.reconcile(gen) })
	})

	m.mu.Lock()
	m.cancelSig, m.cancelPres = cancelSig, cancelPres
	m.mu.Unlock()

	log.Info().Str("room_id", m.room).Msg("voice enabled")
	return nil
}

// Disable leaves the mesh: every link is torn down and this client's
// envelopes are removed.
func (m *Mesh) Disable(ctx context.Context) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.enabled = false
	m.gen++
	mic := m.mic
	cancelSig, cancelPres := m.cancelSig, m.cancelPres
	m.mic, m.cancelSig, m.cancelPres = nil, nil, nil
	m.mu.Unlock()

	if cancelSig != nil {
		cancelSig()
	}
	if cancelPres != nil {
		cancelPres()
	}

	done := make(chan struct{})
	m.loop.Push(func() {
		defer close(done)
		m.teardownAll(ctx)
	})
	select {
	case <-done:
	case <-m.loop.Stopped():
	case <-ctx.Done():
	}
	if mic != nil {
		mic.Close()
	}

	err := m.tracker.Set(ctx, presence.Patch{IsVoiceEnabled: presence.Bool(false)})
	if err != nil && !errors.Is(err, presence.ErrNotJoined) {
		return fmt.Errorf("announce voice off: %w", err)
	}
	log.Info().Str("room_id", m.room).Msg("voice disabled")
	return nil
}

// ToggleMute flips the local mute and returns the new state.
func (m *Mesh) ToggleMute(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return false, ErrVoiceDisabled
	}
	muted := !m.muted
	m.mu.Unlock()
	return muted, m.SetMuted(ctx, muted)
}

// SetMuted sets the local mute. It is remembered while voice is off and
// applied on the next Enable.
func (m *Mesh) SetMuted(ctx context.Context, muted bool) error {
	m.mu.Lock()
	if m.muted == muted {
		m.mu.Unlock()
		return nil
	}
	m.muted = muted
	enabled, mic := m.enabled, m.mic
	m.mu.Unlock()

	if !enabled {
		return nil
	}
	if mic != nil {
		mic.SetMuted(muted)
	}
	m.notifyChange()
	return m.tracker.Set(ctx, presence.Patch{IsMuted: presence.Bool(muted)})
}

// PauseAll suspends every link without tearing it down.
func (m *Mesh) PauseAll() {
	m.setPaused(true)
}

// ResumeAll undoes PauseAll.
func (m *Mesh) ResumeAll() {
	m.setPaused(false)
}

func (m *Mesh) setPaused(paused bool) {
	m.mu.Lock()
	if m.paused == paused {
		m.mu.Unlock()
		return
	}
	m.paused = paused
	m.mu.Unlock()

	m.loop.Push(func() {
		for _, p := range m.peers {
			p.link.SetPaused(paused)
		}
	})
}

func (m *Mesh) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Participants lists voice-enabled clients, self included, by id.
func (m *Mesh) Participants() []Participant {
	return m.participants()
}

func (m *Mesh) participants() []Participant {
	online := m.tracker.Online()
	m.mu.Lock()
	linked := make(map[string]bool, len(m.peers))
	for id := range m.peers {
		linked[id] = true
	}
	m.mu.Unlock()

	var out []Participant
	for _, id := range online.VoiceEnabled() {
		rec := online[id]
		out = append(out, Participant{
			ID:        id,
			VoiceName: rec.VoiceName,
			Muted:     rec.IsMuted,
			Self:      id == m.self,
			Connected: linked[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Mesh) notifyChange() {
	m.loop.Push(func() { m.changes.Publish(m.participants()) })
}

// Close disables voice and stops the negotiation goroutine.
func (m *Mesh) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), disableTimeout)
	defer cancel()
	err := m.Disable(ctx)

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.loop.Stop()
	return err
}

func (m *Mesh) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled && m.gen == gen
}

// reconcile brings links in line with the voice-enabled set: links to
// clients that left or turned voice off are torn down, and links this
// client should initiate are offered.
func (m *Mesh) reconcile(gen uint64) {
	if !m.current(gen) {
		return
	}
	online := m.tracker.Online()
	want := make(map[string]bool)
	for _, id := range online.VoiceEnabled() {
		if id != m.self {
			want[id] = true
		}
	}

	changed := false
	for id := range m.peers {
		if !want[id] {
			log.Debug().Str("peer", id).Msg("peer left voice")
			m.teardown(m.ctx, id, true)
			changed = true
		}
	}
	for id := range want {
		if _, ok := m.peers[id]; ok || !Initiator(m.self, id) {
			continue
		}
		if err := m.initiate(gen, id); err != nil {
			log.Warn().Err(err).Str("peer", id).Msg("voice offer failed")
			continue
		}
		changed = true
	}
	if changed {
		m.changes.Publish(m.participants())
	}
}

func (m *Mesh) newLink(gen uint64, peerID, session string) (Link, error) {
	m.mu.Lock()
	mic, paused := m.mic, m.paused
	m.mu.Unlock()

	link, err := m.factory.NewLink(peerID, mic, LinkEvents{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			m.loop.Push(func() { m.sendCandidate(gen, peerID, session, c) })
		},
		OnFailed: func() {
			m.loop.Push(func() { m.linkFailed(gen, peerID, session) })
		},
	})
	if err != nil {
		return nil, err
	}
	link.SetPaused(paused)
	return link, nil
}

func (m *Mesh) initiate(gen uint64, peerID string) error {
	key := EnvelopeKey(m.self, peerID)
	session := uuid.NewString()

	link, err := m.newLink(gen, peerID, session)
	if err != nil {
		return linkError("create link", peerID, err)
	}
	offer, err := link.CreateOffer(m.ctx)
	if err != nil {
		link.Close()
		return linkError("create offer", peerID, err)
	}
	m.setPeer(&peer{id: peerID, key: key, session: session, initiator: true, link: link})

	path := store.EnvelopePath(m.room, key)
	env := Envelope{From: m.self, To: peerID, Session: session, Offer: &offer}
	if err := m.st.Set(m.ctx, path, env); err != nil {
		m.teardown(m.ctx, peerID, false)
		return linkError("write offer", peerID, err)
	}
	if err := m.st.OnDisconnectRemove(m.ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("register envelope cleanup")
	}
	log.Debug().Str("peer", peerID).Str("session", session).Msg("sent voice offer")
	return nil
}

func (m *Mesh) onSignaling(gen uint64, snap store.Snapshot) {
	if !m.current(gen) {
		return
	}

	present := make(map[string]bool)
	for _, child := range snap.Children() {
		env, err := DecodeEnvelope(child)
		if err != nil {
			log.Debug().Err(err).Msg("skipping envelope")
			continue
		}
		if !env.Involves(m.self) {
			continue
		}
		present[child.Key()] = true
		m.handleEnvelope(gen, child.Key(), env)
	}

	for key := range m.seen {
		if !present[key] {
			delete(m.seen, key)
		}
	}
	changed := false
	for id, p := range m.peers {
		if p.observed && !present[p.key] {
			log.Debug().Str("peer", id).Msg("envelope removed by peer")
			m.teardown(m.ctx, id, false)
			changed = true
		}
	}
	if changed {
		m.changes.Publish(m.participants())
	}
}

// once reports whether token is new for the envelope at key and records it.
func (m *Mesh) once(key, token string) bool {
	set := m.seen[key]
	if set == nil {
		set = make(map[string]bool)
		m.seen[key] = set
	}
	if set[token] {
		return false
	}
	set[token] = true
	return true
}

func (m *Mesh) handleEnvelope(gen uint64, key string, env Envelope) {
	peerID := env.Peer(m.self)

	if env.To == m.self && env.Offer != nil && env.Answer == nil {
		m.answer(gen, key, env)
	}

	p := m.peers[peerID]
	if p == nil || p.session != env.Session {
		return
	}
	p.observed = true

	if p.initiator && env.Answer != nil && m.once(key, "answer/"+env.Session) {
		if !p.link.AwaitingAnswer() {
			log.Debug().Str("peer", peerID).Msg("answer arrived outside negotiation")
		} else if err := p.link.AcceptAnswer(*env.Answer); err != nil {
			log.Warn().Err(linkError("apply answer", peerID, err)).Msg("voice negotiation failed")
			m.teardown(m.ctx, peerID, true)
			m.changes.Publish(m.participants())
			return
		}
	}

	if !p.link.HasRemoteDescription() {
		return
	}
	for _, ck := range env.CandidateKeys() {
		c := env.Candidates[ck]
		if c.From == m.self || c.Session != env.Session {
			continue
		}
		if !m.once(key, "candidate/"+env.Session+"/"+ck) {
			continue
		}
		if err := p.link.AddCandidate(c.ICECandidateInit); err != nil {
			log.Debug().Err(err).Str("peer", peerID).Msg("add ice candidate")
		}
	}
}

func (m *Mesh) answer(gen uint64, key string, env Envelope) {
	if !Initiator(env.From, m.self) {
		log.Debug().Str("peer", env.From).Msg("ignoring offer from non-initiator")
		return
	}
	// A re-offer replaces the old link. Tear it down first so its seen
	// tokens go before the new offer is recorded.
	if old := m.peers[env.From]; old != nil && old.session != env.Session {
		m.teardown(m.ctx, env.From, false)
	}
	if !m.once(key, "offer/"+env.Session) {
		return
	}

	link, err := m.newLink(gen, env.From, env.Session)
	if err != nil {
		log.Warn().Err(linkError("create link", env.From, err)).Msg("voice answer failed")
		return
	}
	answer, err := link.AcceptOffer(m.ctx, *env.Offer)
	if err != nil {
		link.Close()
		log.Warn().Err(linkError("accept offer", env.From, err)).Msg("voice answer failed")
		return
	}
	m.setPeer(&peer{id: env.From, key: key, session: env.Session, link: link, observed: true})

	path := store.EnvelopePath(m.room, key)
	if err := m.st.Update(m.ctx, path, map[string]any{"answer": answer}); err != nil {
		log.Warn().Err(linkError("write answer", env.From, err)).Msg("voice answer failed")
		m.teardown(m.ctx, env.From, false)
		return
	}
	if err := m.st.OnDisconnectRemove(m.ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("register envelope cleanup")
	}
	log.Debug().Str("peer", env.From).Str("session", env.Session).Msg("sent voice answer")
	m.changes.Publish(m.participants())
}

func (m *Mesh) sendCandidate(gen uint64, peerID, session string, c webrtc.ICECandidateInit) {
	if !m.current(gen) {
		return
	}
	p := m.peers[peerID]
	if p == nil || p.session != session {
		return
	}
	path := store.Join(store.EnvelopePath(m.room, p.key), candidatesKey)
	if _, err := m.st.Push(m.ctx, path, Candidate{From: m.self, Session: session, ICECandidateInit: c}); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("send ice candidate")
	}
}

func (m *Mesh) linkFailed(gen uint64, peerID, session string) {
	if !m.current(gen) {
		return
	}
	p := m.peers[peerID]
	if p == nil || p.session != session {
		return
	}
	log.Info().Str("peer", peerID).Msg("voice link lost")
	m.teardown(m.ctx, peerID, true)
	m.changes.Publish(m.participants())
	// Renegotiate now rather than on the next presence change.
	m.loop.Push(func() { m.reconcile(gen) })
}

// teardown closes the link to peerID and forgets its seen tokens. With
// remove set, the pair's envelope is deleted from the store as well.
func (m *Mesh) teardown(ctx context.Context, peerID string, remove bool) {
	p := m.peers[peerID]
	if p == nil {
		return
	}
	m.mu.Lock()
	delete(m.peers, peerID)
	m.mu.Unlock()
	delete(m.seen, p.key)
	if err := p.link.Close(); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("close voice link")
	}
	if !remove {
		return
	}
	path := store.EnvelopePath(m.room, p.key)
	if err := m.st.Remove(ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("remove envelope")
	}
	if err := m.st.CancelOnDisconnect(ctx, path); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("cancel envelope cleanup")
	}
}

func (m *Mesh) setPeer(p *peer) {
	m.mu.Lock()
	m.peers[p.id] = p
	m.mu.Unlock()
}

func (m *Mesh) teardownAll(ctx context.Context) {
	for id := range m.peers {
		m.teardown(ctx, id, true)
	}
	m.seen = make(map[string]map[string]bool)
	m.changes.Publish(m.participants())
}
