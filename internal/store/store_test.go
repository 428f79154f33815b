package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchTimeout = 30 * time.Second

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// backends runs fn once per Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		server := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { client.Close() })
		fn(t, NewRedisStore(client, "test:"))
	})
}

func entry(pid string, at time.Time, tags ...string) models.QueueEntry {
	return models.QueueEntry{ParticipantID: pid, EnqueuedAt: at, Tags: tags}
}

func pair(t *testing.T, s Store, a, b string) *models.Session {
	t.Helper()
	ctx := context.Background()

	st, err := s.Enqueue(ctx, entry(a, base), searchTimeout)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, st.State)

	st, err = s.Enqueue(ctx, entry(b, base.Add(time.Second)), searchTimeout)
	require.NoError(t, err)
	require.Equal(t, models.StatusMatched, st.State)
	return st.Session
}

func signal(sid, from string, typ models.SignalType, seq int64) models.SignalMessage {
	return models.SignalMessage{
		SessionID: sid,
		From:      from,
		Type:      typ,
		Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq)),
		Sequence:  seq,
		CreatedAt: base,
	}
}

func TestEnqueue(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		t.Run("pairs oldest waiting entry as initiator", func(t *testing.T) {
			session := pair(t, s, "alice", "bob")

			assert.NotEmpty(t, session.ID)
			assert.Equal(t, "alice", session.Initiator)
			assert.Equal(t, "bob", session.Responder)
			assert.Equal(t, models.SessionForming, session.State)

			for _, pid := range []string{"alice", "bob"} {
				st, err := s.Status(ctx, pid, base.Add(2*time.Second), searchTimeout)
				require.NoError(t, err)
				assert.Equal(t, models.StatusMatched, st.State)
				assert.Equal(t, session.ID, st.Session.ID)
			}
		})

		t.Run("re-enqueue in a session returns that session", func(t *testing.T) {
			st, err := s.Enqueue(ctx, entry("alice", base.Add(5*time.Second)), searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusMatched, st.State)

			again, err := s.Enqueue(ctx, entry("alice", base.Add(6*time.Second)), searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, st.Session.ID, again.Session.ID)
		})

		t.Run("re-enqueue while waiting does not duplicate the entry", func(t *testing.T) {
			for i := 0; i < 3; i++ {
				st, err := s.Enqueue(ctx, entry("carol", base.Add(time.Duration(i)*time.Second)), searchTimeout)
				require.NoError(t, err)
				assert.Equal(t, models.StatusWaiting, st.State)
			}

			st, err := s.Enqueue(ctx, entry("dave", base.Add(4*time.Second)), searchTimeout)
			require.NoError(t, err)
			require.Equal(t, models.StatusMatched, st.State)
			assert.Equal(t, "carol", st.Session.Initiator)

			st, err = s.Enqueue(ctx, entry("erin", base.Add(5*time.Second)), searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusWaiting, st.State)
		})
	})
}

func TestEnqueue_Tags(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		st, err := s.Enqueue(ctx, entry("go-dev", base, "go"), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaiting, st.State)

		st, err = s.Enqueue(ctx, entry("react-dev", base.Add(time.Second), "react"), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaiting, st.State)

		st, err = s.Enqueue(ctx, entry("fullstack", base.Add(2*time.Second), "react", "node"), searchTimeout)
		require.NoError(t, err)
		require.Equal(t, models.StatusMatched, st.State)
		assert.Equal(t, "react-dev", st.Session.Initiator)

		st, err = s.Enqueue(ctx, entry("anyone", base.Add(3*time.Second)), searchTimeout)
		require.NoError(t, err)
		require.Equal(t, models.StatusMatched, st.State)
		assert.Equal(t, "go-dev", st.Session.Initiator)
	})
}

func TestStatus_SearchTimeout(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Enqueue(ctx, entry("alice", base), searchTimeout)
		require.NoError(t, err)

		st, err := s.Status(ctx, "alice", base.Add(searchTimeout-time.Second), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaiting, st.State)

		st, err = s.Status(ctx, "alice", base.Add(searchTimeout), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusIdle, st.State)
		assert.Equal(t, models.EndNoPartner, st.Outcome)

		st, err = s.Status(ctx, "alice", base.Add(searchTimeout+time.Second), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusIdle, st.State)
		assert.Empty(t, st.Outcome)
	})
}

func TestEnqueue_SkipsExpiredEntries(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Enqueue(ctx, entry("stale", base), searchTimeout)
		require.NoError(t, err)

		st, err := s.Enqueue(ctx, entry("fresh", base.Add(searchTimeout+time.Second)), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaiting, st.State)

		st, err = s.Status(ctx, "stale", base.Add(searchTimeout+2*time.Second), searchTimeout)
		require.NoError(t, err)
		assert.Equal(t, models.StatusIdle, st.State)
		assert.Equal(t, models.EndNoPartner, st.Outcome)
	})
}

func TestLeave(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		t.Run("unknown participant", func(t *testing.T) {
			for i := 0; i < 2; i++ {
				session, err := s.Leave(ctx, "nobody", models.EndDropped, base)
				require.NoError(t, err)
				assert.Nil(t, session)
			}
		})

		t.Run("waiting participant leaves the queue", func(t *testing.T) {
			_, err := s.Enqueue(ctx, entry("quitter", base), searchTimeout)
			require.NoError(t, err)

			for i := 0; i < 2; i++ {
				_, err := s.Leave(ctx, "quitter", models.EndDropped, base)
				require.NoError(t, err)
			}

			st, err := s.Status(ctx, "quitter", base, searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusIdle, st.State)

			st, err = s.Enqueue(ctx, entry("newcomer", base.Add(time.Second)), searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusWaiting, st.State, "quitter must not be paired")
			_, err = s.Leave(ctx, "newcomer", models.EndDropped, base)
			require.NoError(t, err)
		})

		t.Run("leaving a session ends it for the partner", func(t *testing.T) {
			session := pair(t, s, "alice", "bob")
			leftAt := base.Add(10 * time.Second)

			left, err := s.Leave(ctx, "bob", models.EndDropped, leftAt)
			require.NoError(t, err)
			require.NotNil(t, left)
			assert.Equal(t, models.SessionEnded, left.State)

			again, err := s.Leave(ctx, "bob", models.EndCompleted, leftAt.Add(time.Second))
			require.NoError(t, err)
			assert.Nil(t, again)

			st, err := s.Status(ctx, "alice", leftAt, searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusEnded, st.State)
			assert.Equal(t, session.ID, st.Session.ID)
			assert.Equal(t, models.EndDropped, st.Session.EndReason)
			assert.Equal(t, "bob", st.Session.EndedBy)
			require.NotNil(t, st.Session.EndedAt)
			assert.Equal(t, leftAt.UnixMilli(), st.Session.EndedAt.UnixMilli())

			st, err = s.Status(ctx, "bob", leftAt, searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusIdle, st.State)

			// The partner leaving the ended session keeps the original reason.
			left, err = s.Leave(ctx, "alice", models.EndCompleted, leftAt.Add(time.Second))
			require.NoError(t, err)
			require.NotNil(t, left)
			assert.Equal(t, models.EndDropped, left.EndReason)

			st, err = s.Status(ctx, "alice", leftAt, searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusIdle, st.State)
		})

		t.Run("participants of an ended session can be matched again", func(t *testing.T) {
			st, err := s.Enqueue(ctx, entry("alice", base.Add(time.Minute)), searchTimeout)
			require.NoError(t, err)
			assert.Equal(t, models.StatusWaiting, st.State)
			_, err = s.Leave(ctx, "alice", models.EndDropped, base)
			require.NoError(t, err)
		})
	})
}

func TestAppendSignal(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := pair(t, s, "alice", "bob")

		t.Run("rejects unknown sessions and strangers", func(t *testing.T) {
			_, err := s.AppendSignal(ctx, signal("missing", "alice", models.SignalTypeOffer, 1))
			assert.ErrorIs(t, err, ErrUnknownSession)

			_, err = s.AppendSignal(ctx, signal(session.ID, "mallory", models.SignalTypeOffer, 1))
			assert.ErrorIs(t, err, ErrNotParticipant)

			_, err = s.Signals(ctx, session.ID, "mallory", nil)
			assert.ErrorIs(t, err, ErrNotParticipant)
		})

		t.Run("delivers to the partner once per sequence", func(t *testing.T) {
			ok, err := s.AppendSignal(ctx, signal(session.ID, "alice", models.SignalTypeOffer, 1))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.AppendSignal(ctx, signal(session.ID, "alice", models.SignalTypeOffer, 1))
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.AppendSignal(ctx, signal(session.ID, "alice", models.SignalTypeCandidate, 2))
			require.NoError(t, err)

			inbox, err := s.Signals(ctx, session.ID, "bob", nil)
			require.NoError(t, err)
			require.Len(t, inbox, 2)
			assert.Equal(t, int64(1), inbox[0].Sequence)
			assert.Equal(t, int64(2), inbox[1].Sequence)
			assert.JSONEq(t, `{"n":1}`, string(inbox[0].Payload))

			own, err := s.Signals(ctx, session.ID, "alice", nil)
			require.NoError(t, err)
			assert.Empty(t, own)
		})

		t.Run("fetch above watermark is idempotent", func(t *testing.T) {
			for i := 0; i < 2; i++ {
				inbox, err := s.Signals(ctx, session.ID, "bob", models.Watermarks{"alice": 1})
				require.NoError(t, err)
				require.Len(t, inbox, 1)
				assert.Equal(t, int64(2), inbox[0].Sequence)
			}
		})

		t.Run("tracks lifecycle state", func(t *testing.T) {
			current, err := s.Session(ctx, session.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionSignaling, current.State)

			connected, err := models.EncodeControl(models.ControlMessage{Kind: models.ControlConnected})
			require.NoError(t, err)
			msg := signal(session.ID, "bob", models.SignalTypeControl, 1)
			msg.Payload = connected
			_, err = s.AppendSignal(ctx, msg)
			require.NoError(t, err)

			current, err = s.Session(ctx, session.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SessionConnected, current.State)
		})

		t.Run("rejects signals after the session ends", func(t *testing.T) {
			_, err := s.Leave(ctx, "bob", models.EndCompleted, base.Add(time.Minute))
			require.NoError(t, err)

			_, err = s.AppendSignal(ctx, signal(session.ID, "alice", models.SignalTypeCandidate, 3))
			assert.ErrorIs(t, err, ErrSessionEnded)
		})
	})
}

func TestSaveFeedback(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		session := pair(t, s, "alice", "bob")

		_, err := s.LastFeedback(ctx, session.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		record := models.FeedbackRecord{
			ID:             "fb-1",
			SessionID:      session.ID,
			AuthorRole:     models.RoleResponder,
			Rating:         4,
			Text:           "clear structure",
			Question:       "Describe a cache",
			IdempotencyKey: "key-1",
			CreatedAt:      base,
		}

		stored, created, err := s.SaveFeedback(ctx, record)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "fb-1", stored.ID)

		retry := record
		retry.ID = "fb-2"
		retry.Rating = 1
		stored, created, err = s.SaveFeedback(ctx, retry)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "fb-1", stored.ID)
		assert.Equal(t, 4, stored.Rating)

		for _, pid := range []string{"alice", "bob"} {
			inbox, err := s.Signals(ctx, session.ID, pid, nil)
			require.NoError(t, err)
			require.Len(t, inbox, 1, pid)
			assert.Equal(t, models.SystemSender, inbox[0].From)
			assert.Equal(t, int64(1), inbox[0].Sequence)

			control, err := models.DecodeControl(inbox[0].Payload)
			require.NoError(t, err)
			assert.Equal(t, models.ControlFeedback, control.Kind)
			require.NotNil(t, control.Feedback)
			assert.Equal(t, "fb-1", control.Feedback.ID)
		}

		last, err := s.LastFeedback(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, "fb-1", last.ID)

		_, err = s.Feedback(ctx, session.ID, "other-key")
		assert.ErrorIs(t, err, ErrNotFound)

		_, _, err = s.SaveFeedback(ctx, models.FeedbackRecord{SessionID: "missing", IdempotencyKey: "k"})
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestEnqueue_ConcurrentPairingIsAtomic(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const participants = 40

		var wg sync.WaitGroup
		errs := make(chan error, participants)
		for i := 0; i < participants; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Enqueue(ctx, entry(fmt.Sprintf("p%02d", i), base), searchTimeout)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		sessionOf := make(map[string]string)
		members := make(map[string][]string)
		for i := 0; i < participants; i++ {
			pid := fmt.Sprintf("p%02d", i)
			st, err := s.Status(ctx, pid, base, searchTimeout)
			require.NoError(t, err)
			require.Equal(t, models.StatusMatched, st.State, pid)

			role, ok := st.Session.RoleOf(pid)
			require.True(t, ok)
			assert.NotEmpty(t, role)
			sessionOf[pid] = st.Session.ID
			members[st.Session.ID] = append(members[st.Session.ID], pid)
		}

		assert.Len(t, members, participants/2)
		for sid, pids := range members {
			require.Len(t, pids, 2, sid)
			session, err := s.Session(ctx, sid)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{session.Initiator, session.Responder}, pids)
			assert.NotEqual(t, session.Initiator, session.Responder)
		}
	})
}
