package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// countingSource wraps a SyntheticSource and counts lifecycle calls.
type countingSource struct {
	inner    *SyntheticSource
	err      error
	acquired atomic.Int32
	released atomic.Int32
}

func newCountingSource() *countingSource {
	return &countingSource{inner: NewSyntheticSource(nil, quietLogger())}
}

func (s *countingSource) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.acquired.Add(1)
	return s.inner.Acquire(ctx)
}

func (s *countingSource) Release() {
	s.released.Add(1)
	s.inner.Release()
}

// peer is one side of an in-process negotiation.
type peer struct {
	adapter    *PeerAdapter
	source     *countingSource
	candidates chan json.RawMessage
	track      chan string
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		source:     newCountingSource(),
		candidates: make(chan json.RawMessage, 64),
		track:      make(chan string, 1),
	}
	cb := Callbacks{
		OnLocalCandidate: func(payload json.RawMessage) { p.candidates <- payload },
		OnRemoteTrack:    func(kind string) { p.track <- kind },
	}
	adapter, err := NewPeerAdapter(context.Background(), p.source, cb, PeerOptions{IncludeLoopback: true, Logger: quietLogger()})
	require.NoError(t, err)
	p.adapter = adapter
	t.Cleanup(func() { adapter.Close() })
	return p
}

// relay forwards one side's trickled candidates to the other.
func relay(ctx context.Context, wg *sync.WaitGroup, from, to *peer) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-from.candidates:
			to.adapter.AddRemoteCandidate(c)
		}
	}
}

func TestPeerAdapter_NegotiatesAudio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	initiator := newPeer(t)
	responder := newPeer(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go relay(ctx, &wg, initiator, responder)
	go relay(ctx, &wg, responder, initiator)
	defer func() {
		cancel()
		wg.Wait()
	}()

	offer, err := initiator.adapter.CreateInitialOffer()
	require.NoError(t, err)
	answer, err := responder.adapter.ApplyRemoteOffer(offer)
	require.NoError(t, err)
	require.NoError(t, initiator.adapter.ApplyRemoteAnswer(answer))

	for name, p := range map[string]*peer{"initiator": initiator, "responder": responder} {
		select {
		case kind := <-p.track:
			assert.Equal(t, "audio", kind, name)
		case <-ctx.Done():
			t.Fatalf("%s never saw a remote track", name)
		}
	}
}

func TestPeerAdapter_BuffersEarlyCandidates(t *testing.T) {
	initiator := newPeer(t)
	responder := newPeer(t)

	offer, err := initiator.adapter.CreateInitialOffer()
	require.NoError(t, err)

	var candidate json.RawMessage
	select {
	case candidate = <-initiator.candidates:
	case <-time.After(10 * time.Second):
		t.Fatal("no local candidate gathered")
	}

	require.NoError(t, responder.adapter.AddRemoteCandidate(candidate))
	responder.adapter.mu.Lock()
	assert.Len(t, responder.adapter.pending, 1)
	responder.adapter.mu.Unlock()

	_, err = responder.adapter.ApplyRemoteOffer(offer)
	require.NoError(t, err)
	responder.adapter.mu.Lock()
	assert.Empty(t, responder.adapter.pending)
	responder.adapter.mu.Unlock()
}

func TestPeerAdapter_RejectsMismatchedDescription(t *testing.T) {
	initiator := newPeer(t)
	responder := newPeer(t)

	offer, err := initiator.adapter.CreateInitialOffer()
	require.NoError(t, err)

	err = initiator.adapter.ApplyRemoteAnswer(offer)
	assert.Error(t, err)

	_, err = responder.adapter.ApplyRemoteOffer(json.RawMessage(`not json`))
	assert.Error(t, err)

	assert.Error(t, responder.adapter.AddRemoteCandidate(json.RawMessage(`[]`)))
}

func TestPeerAdapter_Teardown(t *testing.T) {
	t.Run("close releases media exactly once", func(t *testing.T) {
		p := newPeer(t)
		require.True(t, p.source.inner.Active())

		p.adapter.ReleaseMedia()
		assert.False(t, p.source.inner.Active())

		require.NoError(t, p.adapter.Close())
		require.NoError(t, p.adapter.Close())

		assert.Equal(t, int32(1), p.source.acquired.Load())
		assert.Equal(t, int32(1), p.source.released.Load())

		_, err := p.adapter.CreateInitialOffer()
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, p.adapter.AddRemoteCandidate(json.RawMessage(`{"candidate":""}`)), ErrClosed)
	})

	t.Run("failed acquisition leaves nothing open", func(t *testing.T) {
		source := newCountingSource()
		source.err = errors.New("permission denied")

		_, err := NewPeerAdapter(context.Background(), source, Callbacks{}, PeerOptions{Logger: quietLogger()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
		assert.Equal(t, int32(0), source.released.Load())
	})
}

func TestSyntheticSource(t *testing.T) {
	source := NewSyntheticSource(nil, quietLogger())

	tracks, err := source.Acquire(context.Background())
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.True(t, source.Active())

	_, err = source.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyAcquired)

	source.Release()
	source.Release()
	assert.False(t, source.Active())

	// A released source can be acquired again for the next match.
	_, err = source.Acquire(context.Background())
	require.NoError(t, err)
	source.Release()
}
