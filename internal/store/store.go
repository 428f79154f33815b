// Package store holds the server-owned state of matchmaking: the waiting
// queue, the session registry and the per-participant signal mailboxes.
//
// Every Store implementation performs pairing, mailbox appends and leave as
// single atomic steps, so concurrent requests never pair one queue entry
// into two sessions and never append the same (sender, sequence) twice.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/interview-signaling/internal/models"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotParticipant = errors.New("not a participant of this session")
	ErrSessionEnded   = errors.New("session has ended")
	ErrNotFound       = errors.New("not found")
)

// Status is a participant's view of its own queue/session membership.
// Session is set for StatusMatched and StatusEnded.
type Status struct {
	State   models.MatchStatus
	Outcome models.EndReason
	Session *models.Session
}

// Store is the repository injected into the matching service.
type Store interface {
	// Enqueue pairs entry with the longest-waiting compatible entry, or
	// queues it. A participant already in an active session gets that
	// session back; one already queued stays queued.
	Enqueue(ctx context.Context, entry models.QueueEntry, searchTimeout time.Duration) (Status, error)

	// Status reports membership. A queue entry older than searchTimeout is
	// dropped and reported once as idle with outcome no_partner.
	Status(ctx context.Context, participantID string, now time.Time, searchTimeout time.Duration) (Status, error)

	// Leave removes the participant from the queue or ends its session
	// with the given reason. Safe to repeat and safe for strangers. It
	// returns the session the participant left, if any.
	Leave(ctx context.Context, participantID string, reason models.EndReason, now time.Time) (*models.Session, error)

	Session(ctx context.Context, sessionID string) (*models.Session, error)

	// AppendSignal adds msg to the mailbox of msg.From's partner. It
	// returns false without error when the (sender, sequence) pair was
	// already stored.
	AppendSignal(ctx context.Context, msg models.SignalMessage) (bool, error)

	// Signals returns the recipient's mailbox entries above the watermarks,
	// in append order.
	Signals(ctx context.Context, sessionID, recipient string, watermarks models.Watermarks) ([]models.SignalMessage, error)

	// SaveFeedback stores record unless one with the same idempotency key
	// exists for the session, in which case the stored one is returned
	// with created=false. Creation also appends a feedback control message
	// from models.SystemSender to both mailboxes.
	SaveFeedback(ctx context.Context, record models.FeedbackRecord) (stored models.FeedbackRecord, created bool, err error)

	Feedback(ctx context.Context, sessionID, idempotencyKey string) (models.FeedbackRecord, error)
	LastFeedback(ctx context.Context, sessionID string) (models.FeedbackRecord, error)

	Close() error
}

func expired(enqueuedAt, now time.Time, searchTimeout time.Duration) bool {
	return now.Sub(enqueuedAt) >= searchTimeout
}

func feedbackMessage(record models.FeedbackRecord, seq int64) (models.SignalMessage, error) {
	payload, err := models.EncodeControl(models.ControlMessage{
		Kind:     models.ControlFeedback,
		Feedback: &record,
	})
	if err != nil {
		return models.SignalMessage{}, err
	}
	return models.SignalMessage{
		SessionID: record.SessionID,
		From:      models.SystemSender,
		Type:      models.SignalTypeControl,
		Payload:   payload,
		Sequence:  seq,
		CreatedAt: record.CreatedAt,
	}, nil
}

// stateAfter returns the session state after msg is appended.
func stateAfter(current models.SessionState, msg models.SignalMessage) models.SessionState {
	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		if current == models.SessionForming {
			return models.SessionSignaling
		}
	case models.SignalTypeControl:
		if c, err := models.DecodeControl(msg.Payload); err == nil && c.Kind == models.ControlConnected {
			return models.SessionConnected
		}
	}
	return current
}
