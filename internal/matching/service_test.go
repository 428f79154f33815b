package matching

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/mossy-p/interview-signaling/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchTimeout = 30 * time.Second

type countingScorer struct {
	calls atomic.Int32
}

func (s *countingScorer) Score(context.Context, ScoreRequest) (Score, error) {
	s.calls.Add(1)
	return Score{Rating: 3, Text: "solid answer"}, nil
}

func newTestService(t *testing.T) (*Service, *clockwork.FakeClock, *countingScorer) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	scorer := &countingScorer{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewService(store.NewMemoryStore(), scorer, clock, logger, searchTimeout), clock, scorer
}

func matchPair(t *testing.T, svc *Service) (initiator, responder models.MatchResponse) {
	t.Helper()
	ctx := context.Background()

	first, err := svc.FindPartner(ctx, "alice", nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, first.Status)

	second, err := svc.FindPartner(ctx, "bob", nil)
	require.NoError(t, err)
	require.Equal(t, models.StatusMatched, second.Status)

	first, err = svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	return first, second
}

func TestFindPartner_RejectsCommaInTag(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.FindPartner(ctx, "alice", []string{"go,rust"})
	require.ErrorIs(t, err, ErrInvalidTags)
	_, err = svc.FindPartner(ctx, "alice", []string{""})
	require.ErrorIs(t, err, ErrInvalidTags)

	resp, err := svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, resp.Status, "rejected request was not queued")
}

func TestFindPartner_ConcurrentPair(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, pid := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			_, err := svc.FindPartner(ctx, pid, nil)
			assert.NoError(t, err)
		}(pid)
	}
	wg.Wait()

	a, err := svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	b, err := svc.PollStatus(ctx, "bob", nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusMatched, a.Status)
	assert.Equal(t, models.StatusMatched, b.Status)
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.Equal(t, "bob", a.PartnerID)
	assert.Equal(t, "alice", b.PartnerID)
	assert.ElementsMatch(t, []models.Role{models.RoleInitiator, models.RoleResponder}, []models.Role{a.Role, b.Role})
}

func TestPollStatus_SearchTimeout(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.FindPartner(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, resp.Status)

	clock.Advance(searchTimeout - time.Second)
	resp, err = svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, resp.Status)

	clock.Advance(time.Second)
	resp, err = svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, resp.Status)
	assert.Equal(t, models.EndNoPartner, resp.Outcome)
}

func TestPollStatus_RoleIsStable(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	initiator, responder := matchPair(t, svc)
	assert.Equal(t, models.RoleInitiator, initiator.Role)
	assert.Equal(t, models.RoleResponder, responder.Role)

	require.NoError(t, svc.Signal(ctx, "alice", initiator.SessionID, models.SignalMessage{Type: models.SignalTypeOffer, Sequence: 1}))
	clock.Advance(time.Minute)

	again, err := svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, initiator.Role, again.Role)

	// Re-requesting a partner mid-session keeps the same role too.
	again, err = svc.FindPartner(ctx, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RoleResponder, again.Role)
	assert.Equal(t, responder.SessionID, again.SessionID)
}

func TestSignal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	initiator, _ := matchPair(t, svc)
	sid := initiator.SessionID

	t.Run("validates type and sequence", func(t *testing.T) {
		err := svc.Signal(ctx, "alice", sid, models.SignalMessage{Type: "shout", Sequence: 1})
		assert.ErrorIs(t, err, ErrInvalidSignal)

		err = svc.Signal(ctx, "alice", sid, models.SignalMessage{Type: models.SignalTypeOffer, Sequence: 0})
		assert.ErrorIs(t, err, ErrInvalidSignal)
	})

	t.Run("ignores spoofed sender and session fields", func(t *testing.T) {
		err := svc.Signal(ctx, "alice", sid, models.SignalMessage{
			SessionID: "other",
			From:      "bob",
			Type:      models.SignalTypeOffer,
			Payload:   json.RawMessage(`{"sdp":"x"}`),
			Sequence:  1,
		})
		require.NoError(t, err)

		resp, err := svc.PollStatus(ctx, "bob", nil)
		require.NoError(t, err)
		require.Len(t, resp.NewSignals, 1)
		assert.Equal(t, "alice", resp.NewSignals[0].From)
		assert.Equal(t, sid, resp.NewSignals[0].SessionID)
	})

	t.Run("resend of the same sequence is a no-op", func(t *testing.T) {
		msg := models.SignalMessage{Type: models.SignalTypeCandidate, Sequence: 2}
		require.NoError(t, svc.Signal(ctx, "alice", sid, msg))
		require.NoError(t, svc.Signal(ctx, "alice", sid, msg))

		resp, err := svc.PollStatus(ctx, "bob", models.Watermarks{"alice": 1})
		require.NoError(t, err)
		assert.Len(t, resp.NewSignals, 1)
	})

	t.Run("strangers and unknown sessions are rejected", func(t *testing.T) {
		err := svc.Signal(ctx, "mallory", sid, models.SignalMessage{Type: models.SignalTypeOffer, Sequence: 1})
		assert.ErrorIs(t, err, store.ErrNotParticipant)

		err = svc.Signal(ctx, "alice", "nope", models.SignalMessage{Type: models.SignalTypeOffer, Sequence: 1})
		assert.ErrorIs(t, err, store.ErrUnknownSession)
	})
}

func TestLeave_PartnerSeesDropped(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	initiator, _ := matchPair(t, svc)

	require.NoError(t, svc.Leave(ctx, "bob", ""))
	require.NoError(t, svc.Leave(ctx, "bob", ""))

	resp, err := svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, resp.Status)
	assert.Equal(t, initiator.SessionID, resp.SessionID)
	assert.Equal(t, models.EndDropped, resp.EndReason)

	require.NoError(t, svc.Leave(ctx, "alice", models.EndCompleted))
	resp, err = svc.PollStatus(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, resp.Status)

	require.NoError(t, svc.Leave(ctx, "never-seen", models.EndCompleted))
}

func TestLeave_HangUpRecordsCompleted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	matchPair(t, svc)

	require.NoError(t, svc.Leave(ctx, "alice", models.EndCompleted))

	resp, err := svc.PollStatus(ctx, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, resp.Status)
	assert.Equal(t, models.EndCompleted, resp.EndReason)
}

func TestSubmitAnswer(t *testing.T) {
	svc, _, scorer := newTestService(t)
	ctx := context.Background()
	initiator, _ := matchPair(t, svc)
	sid := initiator.SessionID

	req := models.SubmitAnswerRequest{
		Question:       "How would you shard a queue?",
		Answer:         "By consistent hashing on the tenant",
		IdempotencyKey: "attempt-1",
	}

	t.Run("only the responder may submit", func(t *testing.T) {
		_, err := svc.SubmitAnswer(ctx, "alice", sid, req)
		assert.ErrorIs(t, err, ErrRoleForbidden)

		_, err = svc.SubmitAnswer(ctx, "mallory", sid, req)
		assert.ErrorIs(t, err, store.ErrNotParticipant)
	})

	t.Run("retries yield one record delivered once to both", func(t *testing.T) {
		first, err := svc.SubmitAnswer(ctx, "bob", sid, req)
		require.NoError(t, err)
		second, err := svc.SubmitAnswer(ctx, "bob", sid, req)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, int32(1), scorer.calls.Load())
		assert.Equal(t, models.RoleResponder, first.AuthorRole)
		assert.Equal(t, 3, first.Rating)

		for _, pid := range []string{"alice", "bob"} {
			resp, err := svc.PollStatus(ctx, pid, nil)
			require.NoError(t, err)

			var feedback []models.SignalMessage
			for _, msg := range resp.NewSignals {
				if msg.From == models.SystemSender {
					feedback = append(feedback, msg)
				}
			}
			require.Len(t, feedback, 1, pid)
			require.NotNil(t, resp.LastFeedback)
			assert.Equal(t, first.ID, resp.LastFeedback.ID)
		}
	})

	t.Run("after the session ends a retry still returns the record", func(t *testing.T) {
		require.NoError(t, svc.Leave(ctx, "alice", models.EndCompleted))

		again, err := svc.SubmitAnswer(ctx, "bob", sid, req)
		require.NoError(t, err)
		assert.Equal(t, int32(1), scorer.calls.Load())
		assert.NotEmpty(t, again.ID)

		fresh := req
		fresh.IdempotencyKey = "attempt-2"
		_, err = svc.SubmitAnswer(ctx, "bob", sid, fresh)
		assert.ErrorIs(t, err, store.ErrSessionEnded)
	})
}

func TestHTTPScorer(t *testing.T) {
	t.Run("decodes the score", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req ScoreRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "s1", req.SessionID)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"rating":5,"text":"excellent"}`))
		}))
		defer server.Close()

		score, err := NewHTTPScorer(server.URL, time.Second).Score(context.Background(), ScoreRequest{SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, Score{Rating: 5, Text: "excellent"}, score)
	})

	t.Run("surfaces non-200 responses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := NewHTTPScorer(server.URL, time.Second).Score(context.Background(), ScoreRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})
}
