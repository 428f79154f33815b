package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/interview-signaling/internal/models"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all state in process. One mutex guards everything,
// which makes pairing a single critical section.
type MemoryStore struct {
	mu    sync.Mutex
	newID func() string

	queue      []models.QueueEntry
	expired    map[string]bool   // participant → search timed out, not yet reported
	membership map[string]string // participant → session id
	sessions   map[string]*models.Session
	mailboxes  map[mailboxKey]*mailbox
	systemSeq  map[string]int64
	feedback   map[string]map[string]models.FeedbackRecord // session → key → record
	lastKey    map[string]string
}

type mailboxKey struct {
	sessionID string
	recipient string
}

type mailbox struct {
	entries []models.SignalMessage
	keys    map[string]struct{}
}

// NewMemoryStore creates an empty store. Session ids are random UUIDs.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		newID:      uuid.NewString,
		expired:    make(map[string]bool),
		membership: make(map[string]string),
		sessions:   make(map[string]*models.Session),
		mailboxes:  make(map[mailboxKey]*mailbox),
		systemSeq:  make(map[string]int64),
		feedback:   make(map[string]map[string]models.FeedbackRecord),
		lastKey:    make(map[string]string),
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, entry models.QueueEntry, searchTimeout time.Duration) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := entry.ParticipantID
	if sid, ok := s.membership[pid]; ok {
		if session := s.sessions[sid]; session != nil && session.Active() {
			return Status{State: models.StatusMatched, Session: copySession(session)}, nil
		}
		delete(s.membership, pid)
	}
	delete(s.expired, pid)

	for _, queued := range s.queue {
		if queued.ParticipantID == pid {
			return Status{State: models.StatusWaiting}, nil
		}
	}

	remaining := s.queue[:0:0]
	var partner *models.QueueEntry
	for i, queued := range s.queue {
		if partner != nil {
			remaining = append(remaining, queued)
			continue
		}
		if expired(queued.EnqueuedAt, entry.EnqueuedAt, searchTimeout) {
			s.expired[queued.ParticipantID] = true
			continue
		}
		if queued.Compatible(entry) {
			partner = &s.queue[i]
			continue
		}
		remaining = append(remaining, queued)
	}

	if partner == nil {
		s.queue = append(remaining, entry)
		return Status{State: models.StatusWaiting}, nil
	}

	session := &models.Session{
		ID:        s.newID(),
		Initiator: partner.ParticipantID,
		Responder: pid,
		State:     models.SessionForming,
		CreatedAt: entry.EnqueuedAt,
	}
	s.queue = remaining
	s.sessions[session.ID] = session
	s.membership[session.Initiator] = session.ID
	s.membership[session.Responder] = session.ID

	return Status{State: models.StatusMatched, Session: copySession(session)}, nil
}

func (s *MemoryStore) Status(_ context.Context, participantID string, now time.Time, searchTimeout time.Duration) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sid, ok := s.membership[participantID]; ok {
		if session := s.sessions[sid]; session != nil {
			state := models.StatusMatched
			if !session.Active() {
				state = models.StatusEnded
			}
			return Status{State: state, Session: copySession(session)}, nil
		}
		delete(s.membership, participantID)
	}

	if s.expired[participantID] {
		delete(s.expired, participantID)
		return Status{State: models.StatusIdle, Outcome: models.EndNoPartner}, nil
	}

	for i, queued := range s.queue {
		if queued.ParticipantID != participantID {
			continue
		}
		if expired(queued.EnqueuedAt, now, searchTimeout) {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			return Status{State: models.StatusIdle, Outcome: models.EndNoPartner}, nil
		}
		return Status{State: models.StatusWaiting}, nil
	}

	return Status{State: models.StatusIdle}, nil
}

func (s *MemoryStore) Leave(_ context.Context, participantID string, reason models.EndReason, now time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, queued := range s.queue {
		if queued.ParticipantID == participantID {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.expired, participantID)

	sid, ok := s.membership[participantID]
	if !ok {
		return nil, nil
	}
	delete(s.membership, participantID)

	session := s.sessions[sid]
	if session == nil {
		return nil, nil
	}
	if session.Active() {
		endedAt := now
		session.State = models.SessionEnded
		session.EndReason = reason
		session.EndedBy = participantID
		session.EndedAt = &endedAt
	}
	return copySession(session), nil
}

func (s *MemoryStore) Session(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return copySession(session), nil
}

func (s *MemoryStore) AppendSignal(_ context.Context, msg models.SignalMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[msg.SessionID]
	if !ok {
		return false, ErrUnknownSession
	}
	if _, ok := session.RoleOf(msg.From); !ok {
		return false, ErrNotParticipant
	}
	if !session.Active() {
		return false, ErrSessionEnded
	}

	box := s.mailboxLocked(msg.SessionID, session.PartnerOf(msg.From))
	if _, dup := box.keys[msg.Key()]; dup {
		return false, nil
	}
	box.keys[msg.Key()] = struct{}{}
	box.entries = append(box.entries, msg)
	session.State = stateAfter(session.State, msg)
	return true, nil
}

func (s *MemoryStore) Signals(_ context.Context, sessionID, recipient string, watermarks models.Watermarks) ([]models.SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if _, ok := session.RoleOf(recipient); !ok {
		return nil, ErrNotParticipant
	}

	box, ok := s.mailboxes[mailboxKey{sessionID, recipient}]
	if !ok {
		return nil, nil
	}
	var out []models.SignalMessage
	for _, msg := range box.entries {
		if watermarks.Above(msg) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveFeedback(_ context.Context, record models.FeedbackRecord) (models.FeedbackRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[record.SessionID]
	if !ok {
		return models.FeedbackRecord{}, false, ErrUnknownSession
	}

	byKey := s.feedback[record.SessionID]
	if existing, ok := byKey[record.IdempotencyKey]; ok {
		return existing, false, nil
	}

	s.systemSeq[record.SessionID]++
	msg, err := feedbackMessage(record, s.systemSeq[record.SessionID])
	if err != nil {
		s.systemSeq[record.SessionID]--
		return models.FeedbackRecord{}, false, err
	}

	if byKey == nil {
		byKey = make(map[string]models.FeedbackRecord)
		s.feedback[record.SessionID] = byKey
	}
	byKey[record.IdempotencyKey] = record
	s.lastKey[record.SessionID] = record.IdempotencyKey

	for _, recipient := range []string{session.Initiator, session.Responder} {
		box := s.mailboxLocked(record.SessionID, recipient)
		box.keys[msg.Key()] = struct{}{}
		box.entries = append(box.entries, msg)
	}
	return record, true, nil
}

func (s *MemoryStore) Feedback(_ context.Context, sessionID, idempotencyKey string) (models.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.feedback[sessionID][idempotencyKey]
	if !ok {
		return models.FeedbackRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) LastFeedback(_ context.Context, sessionID string) (models.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.lastKey[sessionID]
	if !ok {
		return models.FeedbackRecord{}, ErrNotFound
	}
	return s.feedback[sessionID][key], nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) mailboxLocked(sessionID, recipient string) *mailbox {
	key := mailboxKey{sessionID, recipient}
	box, ok := s.mailboxes[key]
	if !ok {
		box = &mailbox{keys: make(map[string]struct{})}
		s.mailboxes[key] = box
	}
	return box
}

func copySession(session *models.Session) *models.Session {
	c := *session
	if session.EndedAt != nil {
		endedAt := *session.EndedAt
		c.EndedAt = &endedAt
	}
	return &c
}
