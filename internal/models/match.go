package models

import "time"

// MatchStatus is what a participant sees when asking about itself.
type MatchStatus string

const (
	StatusIdle    MatchStatus = "idle"
	StatusWaiting MatchStatus = "waiting"
	StatusMatched MatchStatus = "matched"
	StatusEnded   MatchStatus = "ended"
)

// QueueEntry is a participant waiting for a partner.
type QueueEntry struct {
	ParticipantID string    `json:"participantId"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	Tags          []string  `json:"tags,omitempty"`
}

// Compatible reports whether two entries may be paired: either side has
// no tags, or they share at least one.
func (e QueueEntry) Compatible(other QueueEntry) bool {
	if len(e.Tags) == 0 || len(other.Tags) == 0 {
		return true
	}
	for _, a := range e.Tags {
		for _, b := range other.Tags {
			if a == b {
				return true
			}
		}
	}
	return false
}

// FindPartnerRequest is the body of POST /api/match/find.
type FindPartnerRequest struct {
	Tags []string `json:"tags,omitempty" binding:"max=8,dive,min=1,max=32,excludes=0x2C"`
}

// MatchResponse is returned by find and status calls.
type MatchResponse struct {
	Status       MatchStatus     `json:"status"`
	Outcome      EndReason       `json:"outcome,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	Role         Role            `json:"role,omitempty"`
	PartnerID    string          `json:"partnerId,omitempty"`
	EndReason    EndReason       `json:"endReason,omitempty"`
	NewSignals   []SignalMessage `json:"newSignals,omitempty"`
	LastFeedback *FeedbackRecord `json:"lastFeedback,omitempty"`
}

// SubmitAnswerRequest is the body of POST /api/sessions/:id/answers.
type SubmitAnswerRequest struct {
	Question       string `json:"question" binding:"required,max=2000"`
	Answer         string `json:"answer" binding:"required,max=20000"`
	IdempotencyKey string `json:"idempotencyKey" binding:"required,max=64"`
}

// FeedbackRecord is attached to a session and read-only once created.
type FeedbackRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	AuthorRole     Role      `json:"authorRole"`
	Rating         int       `json:"rating"`
	Text           string    `json:"text"`
	Question       string    `json:"question,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}
