// Package coordinator drives a peer through one interview:
// idle → searching → matched → connected → ended. Transitions are a pure
// function of (State, Event); the Coordinator executes the resulting
// effects and feeds their completions back in as events.
package coordinator

import (
	"encoding/json"

	"github.com/mossy-p/interview-signaling/internal/models"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSearching Phase = "searching"
	PhaseMatched   Phase = "matched"
	PhaseConnected Phase = "connected"
	PhaseEnded     Phase = "ended"
)

// State is what the user sees. Role and PartnerID are set once at match.
type State struct {
	Phase     Phase
	SessionID string
	Role      models.Role
	PartnerID string
	Reason    models.EndReason
}

func (s State) inSession() bool {
	return s.Phase == PhaseMatched || s.Phase == PhaseConnected
}

func (s State) owns(sessionID string) bool {
	return s.inSession() && s.SessionID == sessionID
}

// Outcome is emitted on every user-visible phase change.
type Outcome struct {
	Phase     Phase
	SessionID string
	Role      models.Role
	PartnerID string
	Reason    models.EndReason
	Err       error
}

func outcome(s State, err error) Emit {
	return Emit{Outcome: Outcome{
		Phase:     s.Phase,
		SessionID: s.SessionID,
		Role:      s.Role,
		PartnerID: s.PartnerID,
		Reason:    s.Reason,
		Err:       err,
	}}
}

// Event is an input to Next.
type Event interface{ event() }

type (
	FindPartnerRequested struct{ Tags []string }
	CancelRequested      struct{}
	HangUpRequested      struct{}

	// SearchStatus is a find or status response while searching.
	SearchStatus   struct{ Response models.MatchResponse }
	SearchFailed   struct{ Err error }
	SearchTimedOut struct{}

	PeerReady   struct{ SessionID string }
	RemoteTrack struct{ SessionID string }

	PeerFailed struct {
		SessionID string
		Err       error
	}

	LocalCandidate struct {
		SessionID string
		Payload   json.RawMessage
	}

	SignalReceived struct{ Message models.SignalMessage }

	// SessionEnded: the server reports the session over.
	SessionEnded struct {
		SessionID string
		Reason    models.EndReason
	}

	ConnectionLost struct {
		SessionID string
		Err       error
	}
)

func (FindPartnerRequested) event() {}
func (CancelRequested) event()      {}
func (HangUpRequested) event()      {}
func (SearchStatus) event()         {}
func (SearchFailed) event()         {}
func (SearchTimedOut) event()       {}
func (PeerReady) event()            {}
func (PeerFailed) event()           {}
func (RemoteTrack) event()          {}
func (LocalCandidate) event()       {}
func (SignalReceived) event()       {}
func (SessionEnded) event()         {}
func (ConnectionLost) event()       {}

// Effect is work the Coordinator performs for a transition.
type Effect interface{ effect() }

type (
	Enqueue         struct{ Tags []string }
	StartSearchPoll struct{}
	StopSearchPoll  struct{}

	// SetupPeer acquires media and builds the transport.
	SetupPeer struct {
		SessionID string
		Role      models.Role
	}

	StartSignaling struct{ SessionID string }
	StopSignaling  struct{}
	SendOffer      struct{}

	// AnswerOffer applies the remote offer and sends the answer.
	AnswerOffer  struct{ Payload json.RawMessage }
	ApplyAnswer  struct{ Payload json.RawMessage }
	AddCandidate struct{ Payload json.RawMessage }

	SendSignal struct {
		Type    models.SignalType
		Payload json.RawMessage
	}

	SendControl    struct{ Control models.ControlMessage }
	DeliverControl struct{ Message models.SignalMessage }
	ReleaseMedia   struct{}
	CloseTransport struct{}
	Leave          struct{ Reason models.EndReason }
	Emit           struct{ Outcome Outcome }
)

func (Enqueue) effect()         {}
func (StartSearchPoll) effect() {}
func (StopSearchPoll) effect()  {}
func (SetupPeer) effect()       {}
func (StartSignaling) effect()  {}
func (StopSignaling) effect()   {}
func (SendOffer) effect()       {}
func (AnswerOffer) effect()     {}
func (ApplyAnswer) effect()     {}
func (AddCandidate) effect()    {}
func (SendSignal) effect()      {}
func (SendControl) effect()     {}
func (DeliverControl) effect()  {}
func (ReleaseMedia) effect()    {}
func (CloseTransport) effect()  {}
func (Leave) effect()           {}
func (Emit) effect()            {}

// Next is the transition function. Events that do not apply to the
// current phase, or that belong to another session, leave the state
// unchanged and produce no effects.
func Next(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case FindPartnerRequested:
		if s.Phase != PhaseIdle && s.Phase != PhaseEnded {
			return s, nil
		}
		return State{Phase: PhaseSearching}, []Effect{Enqueue{Tags: ev.Tags}}

	case CancelRequested:
		return stop(s, models.EndDropped)

	case HangUpRequested:
		return stop(s, models.EndCompleted)

	case SearchStatus:
		if s.Phase != PhaseSearching {
			return s, nil
		}
		return searchStatus(s, ev.Response)

	case SearchFailed:
		if s.Phase != PhaseSearching {
			return s, nil
		}
		next := State{Phase: PhaseIdle}
		return next, []Effect{StopSearchPoll{}, outcome(next, ev.Err)}

	case SearchTimedOut:
		if s.Phase != PhaseSearching {
			return s, nil
		}
		next := State{Phase: PhaseIdle, Reason: models.EndNoPartner}
		return next, []Effect{StopSearchPoll{}, Leave{Reason: models.EndDropped}, outcome(next, nil)}

	case PeerReady:
		if s.Phase != PhaseMatched || s.SessionID != ev.SessionID {
			return s, nil
		}
		effects := []Effect{StartSignaling{SessionID: s.SessionID}}
		if s.Role == models.RoleInitiator {
			effects = append(effects, SendOffer{})
		}
		return s, effects

	case PeerFailed:
		if !s.owns(ev.SessionID) {
			return s, nil
		}
		return teardown(s, models.EndDropped, ev.Err, nil)

	case RemoteTrack:
		if s.Phase != PhaseMatched || s.SessionID != ev.SessionID {
			return s, nil
		}
		next := s
		next.Phase = PhaseConnected
		return next, []Effect{SendControl{Control: models.ControlMessage{Kind: models.ControlConnected}}, outcome(next, nil)}

	case LocalCandidate:
		if !s.owns(ev.SessionID) {
			return s, nil
		}
		return s, []Effect{SendSignal{Type: models.SignalTypeCandidate, Payload: ev.Payload}}

	case SignalReceived:
		if !s.owns(ev.Message.SessionID) {
			return s, nil
		}
		return signal(s, ev.Message)

	case SessionEnded:
		if !s.owns(ev.SessionID) {
			return s, nil
		}
		return teardown(s, models.EndDropped, nil, nil)

	case ConnectionLost:
		if !s.owns(ev.SessionID) {
			return s, nil
		}
		return teardown(s, models.EndDropped, ev.Err, nil)
	}
	return s, nil
}

func searchStatus(s State, resp models.MatchResponse) (State, []Effect) {
	switch resp.Status {
	case models.StatusWaiting:
		return s, []Effect{StartSearchPoll{}}

	case models.StatusMatched:
		next := State{
			Phase:     PhaseMatched,
			SessionID: resp.SessionID,
			Role:      resp.Role,
			PartnerID: resp.PartnerID,
		}
		return next, []Effect{
			StopSearchPoll{},
			SetupPeer{SessionID: next.SessionID, Role: next.Role},
			outcome(next, nil),
		}

	case models.StatusEnded:
		// The partner left before this side saw the match.
		next := State{
			Phase:     PhaseMatched,
			SessionID: resp.SessionID,
			Role:      resp.Role,
			PartnerID: resp.PartnerID,
		}
		return teardown(next, models.EndDropped, nil, nil)

	default:
		// Idle: expired (no_partner) or removed from the queue elsewhere.
		next := State{Phase: PhaseIdle, Reason: resp.Outcome}
		return next, []Effect{StopSearchPoll{}, outcome(next, nil)}
	}
}

func signal(s State, msg models.SignalMessage) (State, []Effect) {
	switch msg.Type {
	case models.SignalTypeOffer:
		if s.Role == models.RoleResponder {
			return s, []Effect{AnswerOffer{Payload: msg.Payload}}
		}
	case models.SignalTypeAnswer:
		if s.Role == models.RoleInitiator {
			return s, []Effect{ApplyAnswer{Payload: msg.Payload}}
		}
	case models.SignalTypeCandidate:
		return s, []Effect{AddCandidate{Payload: msg.Payload}}
	case models.SignalTypeControl:
		control, err := models.DecodeControl(msg.Payload)
		if err != nil {
			return s, nil
		}
		switch control.Kind {
		case models.ControlHangup:
			return teardown(s, models.EndDropped, nil, nil)
		case models.ControlConnected:
			return s, nil
		}
		return s, []Effect{DeliverControl{Message: msg}}
	}
	return s, nil
}

// stop handles Cancel and HangUp, which are valid in every phase.
func stop(s State, reason models.EndReason) (State, []Effect) {
	switch s.Phase {
	case PhaseSearching:
		next := State{Phase: PhaseIdle}
		return next, []Effect{StopSearchPoll{}, Leave{Reason: models.EndDropped}, outcome(next, nil)}
	case PhaseMatched, PhaseConnected:
		var pre []Effect
		if reason == models.EndCompleted {
			pre = []Effect{SendControl{Control: models.ControlMessage{Kind: models.ControlHangup}}}
		}
		return teardown(s, reason, nil, pre)
	}
	return s, nil
}

// teardown ends the session. The order is fixed: stop polling, release
// media, close the transport, then tell the server.
func teardown(s State, reason models.EndReason, err error, pre []Effect) (State, []Effect) {
	next := s
	next.Phase = PhaseEnded
	next.Reason = reason

	effects := append(pre,
		StopSignaling{},
		StopSearchPoll{},
		ReleaseMedia{},
		CloseTransport{},
		Leave{Reason: reason},
		outcome(next, err),
	)
	return next, effects
}
