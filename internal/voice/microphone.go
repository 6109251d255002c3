package voice

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// An Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilentMicrophone publishes an Opus track of silence. Headless clients use
// it so peers still see a live audio track.
type SilentMicrophone struct {
	track  *webrtc.TrackLocalStaticSample
	ticker clockwork.Ticker
	muted  atomic.Bool
	frames atomic.Int64
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewSilentMicrophone(clock clockwork.Clock) (*SilentMicrophone, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "breathsync",
	)
	if err != nil {
		return nil, err
	}

	m := &SilentMicrophone{
		track:  track,
		ticker: clock.NewTicker(frameDuration),
		stop:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m, nil
}

func (m *SilentMicrophone) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.ticker.Chan():
			if m.muted.Load() {
				continue
			}
			if err := m.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err == nil {
				m.frames.Add(1)
			}
		}
	}
}

func (m *SilentMicrophone) Track() webrtc.TrackLocal {
	return m.track
}

func (m *SilentMicrophone) SetMuted(muted bool) {
	m.muted.Store(muted)
}

// Frames is the number of frames written so far.
func (m *SilentMicrophone) Frames() int64 {
	return m.frames.Load()
}

func (m *SilentMicrophone) Close() error {
	m.once.Do(func() {
		m.ticker.Stop()
		close(m.stop)
	})
	m.wg.Wait()
	return nil
}

// DiscardSink consumes remote audio without rendering it, counting what
// arrives while not paused.
type DiscardSink struct {
	paused  atomic.Bool
	packets atomic.Int64
	bytes   atomic.Int64
}

func NewDiscardSink() *DiscardSink {
	return &DiscardSink{}
}

// Drain reads track until it ends.
func (s *DiscardSink) Drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		s.count(n)
	}
}

// DrainReader reads r until it fails or returns io.EOF.
func (s *DiscardSink) DrainReader(r io.Reader) {
	buf := make([]byte, 1500)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.count(n)
		}
		if err != nil {
			return
		}
	}
}

func (s *DiscardSink) count(n int) {
	if s.paused.Load() {
		return
	}
	s.packets.Add(1)
	s.bytes.Add(int64(n))
}

func (s *DiscardSink) SetPaused(paused bool) {
	s.paused.Store(paused)
}

func (s *DiscardSink) Packets() int64 {
	return s.packets.Load()
}

func (s *DiscardSink) Bytes() int64 {
	return s.bytes.Load()
}
