package models

import "time"

// Role is assigned by the server at pairing time and never changes for
// the lifetime of a session.
type Role string

const (
	// RoleInitiator is the interviewer. Only this side creates the first
	// negotiation offer and advances questions.
	RoleInitiator Role = "initiator"
	// RoleResponder is the candidate. It only reacts to inbound
	// negotiation messages and is the only side that records answers.
	RoleResponder Role = "responder"
)

// SessionState is the server-side lifecycle of a session.
type SessionState string

const (
	SessionForming   SessionState = "forming"
	SessionSignaling SessionState = "signaling"
	SessionConnected SessionState = "connected"
	SessionEnded     SessionState = "ended"
)

// EndReason explains why a session or search finished.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndDropped   EndReason = "dropped"
	EndNoPartner EndReason = "no_partner"
)

// Session pairs exactly two participants.
type Session struct {
	ID        string       `json:"id"`
	Initiator string       `json:"initiator"`
	Responder string       `json:"responder"`
	State     SessionState `json:"state"`
	EndReason EndReason    `json:"endReason,omitempty"`
	EndedBy   string       `json:"endedBy,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
}

// RoleOf returns the role held by participantID, or false if the
// participant is not part of the session.
func (s *Session) RoleOf(participantID string) (Role, bool) {
	switch participantID {
	case s.Initiator:
		return RoleInitiator, true
	case s.Responder:
		return RoleResponder, true
	}
	return "", false
}

// PartnerOf returns the other participant.
func (s *Session) PartnerOf(participantID string) string {
	if participantID == s.Initiator {
		return s.Responder
	}
	return s.Initiator
}

// Active reports whether the session still accepts signals.
func (s *Session) Active() bool {
	return s.State != SessionEnded
}
