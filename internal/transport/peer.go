// Package transport negotiates the media connection between two matched
// peers. Negotiation artifacts are opaque JSON payloads to everything
// outside this package: session descriptions for offers and answers,
// candidate inits for trickled ICE candidates.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrClosed           = errors.New("transport closed")
)

// Callbacks are invoked from pion's goroutines and must not block.
type Callbacks struct {
	OnRemoteTrack    func(kind string)
	OnLocalCandidate func(payload json.RawMessage)
	OnFailed         func(err error)
}

func (cb *Callbacks) fill() {
	if cb.OnRemoteTrack == nil {
		cb.OnRemoteTrack = func(string) {}
	}
	if cb.OnLocalCandidate == nil {
		cb.OnLocalCandidate = func(json.RawMessage) {}
	}
	if cb.OnFailed == nil {
		cb.OnFailed = func(error) {}
	}
}

// Adapter owns exactly one transport session for the lifetime of a match.
type Adapter interface {
	CreateInitialOffer() (json.RawMessage, error)
	ApplyRemoteOffer(payload json.RawMessage) (json.RawMessage, error)
	ApplyRemoteAnswer(payload json.RawMessage) error
	AddRemoteCandidate(payload json.RawMessage) error
	// ReleaseMedia stops local capture. Close implies it.
	ReleaseMedia()
	Close() error
}

type PeerOptions struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers 127.0.0.1 candidates, needed when both peers
	// share a machine with no other interface.
	IncludeLoopback bool
	Logger          *slog.Logger
}

// Compile-time interface check.
var _ Adapter = (*PeerAdapter)(nil)

// PeerAdapter is the pion-backed Adapter.
type PeerAdapter struct {
	pc     *webrtc.PeerConnection
	source MediaSource
	cb     Callbacks
	logger *slog.Logger

	releaseOnce sync.Once
	trackOnce   sync.Once

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

// NewPeerAdapter creates the connection and attaches the source's tracks.
// Media is acquired here; on any error nothing is left open.
func NewPeerAdapter(ctx context.Context, source MediaSource, cb Callbacks, opts PeerOptions) (*PeerAdapter, error) {
	cb.fill()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	tracks, err := source.Acquire(ctx)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("acquiring media: %w", err)
	}

	a := &PeerAdapter{pc: pc, source: source, cb: cb, logger: logger}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	if len(tracks) == 0 {
		_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("adding receive-only transceiver: %w", err)
		}
	}

	pc.OnICECandidate(a.handleLocalCandidate)
	pc.OnTrack(a.handleTrack)
	pc.OnConnectionStateChange(a.handleStateChange)

	return a, nil
}

// drainRTCP reads until the sender closes; pion needs RTCP consumed for
// its interceptors to run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (a *PeerAdapter) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		a.logger.Warn("encoding local candidate", "error", err)
		return
	}
	a.cb.OnLocalCandidate(payload)
}

func (a *PeerAdapter) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	a.logger.Info("remote track available", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	a.trackOnce.Do(func() { a.cb.OnRemoteTrack(track.Kind().String()) })

	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (a *PeerAdapter) handleStateChange(state webrtc.PeerConnectionState) {
	a.logger.Debug("peer connection state", "state", state.String())
	if state == webrtc.PeerConnectionStateFailed {
		a.cb.OnFailed(ErrConnectionFailed)
	}
}

func (a *PeerAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *PeerAdapter) CreateInitialOffer() (json.RawMessage, error) {
	if a.isClosed() {
		return nil, ErrClosed
	}
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := a.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("setting local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (a *PeerAdapter) ApplyRemoteOffer(payload json.RawMessage) (json.RawMessage, error) {
	if a.isClosed() {
		return nil, ErrClosed
	}
	if err := a.setRemote(payload, webrtc.SDPTypeOffer); err != nil {
		return nil, err
	}

	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("setting local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (a *PeerAdapter) ApplyRemoteAnswer(payload json.RawMessage) error {
	if a.isClosed() {
		return ErrClosed
	}
	return a.setRemote(payload, webrtc.SDPTypeAnswer)
}

func (a *PeerAdapter) setRemote(payload json.RawMessage, want webrtc.SDPType) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decoding remote %s: %w", want, err)
	}
	if desc.Type != want {
		return fmt.Errorf("expected remote %s, got %s", want, desc.Type)
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote %s: %w", want, err)
	}

	a.mu.Lock()
	a.remoteSet = true
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, candidate := range pending {
		if err := a.pc.AddICECandidate(candidate); err != nil {
			a.logger.Warn("adding buffered candidate", "error", err)
		}
	}
	return nil
}

// AddRemoteCandidate buffers candidates that arrive before the remote
// description.
func (a *PeerAdapter) AddRemoteCandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("decoding remote candidate: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.remoteSet {
		a.pending = append(a.pending, candidate)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

func (a *PeerAdapter) ReleaseMedia() {
	a.releaseOnce.Do(a.source.Release)
}

// Close releases media and closes the connection. Later calls are no-ops.
func (a *PeerAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.pending = nil
	a.mu.Unlock()

	a.ReleaseMedia()
	return a.pc.Close()
}
