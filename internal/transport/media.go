package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrAlreadyAcquired = errors.New("media already acquired")

// MediaSource hands local tracks to a PeerAdapter. Release must stop any
// capture and is called exactly once per successful Acquire.
type MediaSource interface {
	Acquire(ctx context.Context) ([]webrtc.TrackLocal, error)
	Release()
}

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SyntheticSource produces one silent Opus audio track. It stands in for a
// microphone in headless peers and tests.
type SyntheticSource struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyntheticSource(clock clockwork.Clock, logger *slog.Logger) *SyntheticSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyntheticSource{clock: clock, logger: logger}
}

func (s *SyntheticSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, ErrAlreadyAcquired
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "interview",
	)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, track, s.done)

	return []webrtc.TrackLocal{track}, nil
}

func (s *SyntheticSource) run(ctx context.Context, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			sample := media.Sample{Data: opusSilence, Duration: frameDuration}
			if err := track.WriteSample(sample); err != nil {
				s.logger.Debug("synthetic sample dropped", "error", err)
			}
		}
	}
}

// Release stops the sample writer and waits for it. Safe to repeat.
func (s *SyntheticSource) Release() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether samples are being produced.
func (s *SyntheticSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
