// Package matching implements the server side of the mock-interview
// contract: finding a partner, reporting status with new mailbox entries,
// relaying signals, leaving, and turning submitted answers into feedback
// that both participants receive.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/mossy-p/interview-signaling/internal/store"
)

var (
	ErrRoleForbidden = errors.New("action not allowed for this role")
	ErrInvalidSignal = errors.New("invalid signal")
	ErrInvalidTags   = errors.New("invalid tags")
)

// Service owns no state of its own; everything lives in the Store so
// several instances can share one Redis.
type Service struct {
	store         store.Store
	scorer        Scorer
	clock         clockwork.Clock
	logger        *slog.Logger
	searchTimeout time.Duration
}

func NewService(st store.Store, scorer Scorer, clock clockwork.Clock, logger *slog.Logger, searchTimeout time.Duration) *Service {
	return &Service{
		store:         st,
		scorer:        scorer,
		clock:         clock,
		logger:        logger,
		searchTimeout: searchTimeout,
	}
}

// FindPartner enqueues participantID or pairs it immediately.
func (s *Service) FindPartner(ctx context.Context, participantID string, tags []string) (models.MatchResponse, error) {
	// Tags are single tokens; the Redis queue stores them comma-joined.
	for _, tag := range tags {
		if tag == "" || strings.Contains(tag, ",") {
			return models.MatchResponse{}, fmt.Errorf("%w: %q", ErrInvalidTags, tag)
		}
	}

	status, err := s.store.Enqueue(ctx, models.QueueEntry{
		ParticipantID: participantID,
		EnqueuedAt:    s.clock.Now(),
		Tags:          tags,
	}, s.searchTimeout)
	if err != nil {
		return models.MatchResponse{}, err
	}

	resp := response(participantID, status)
	if status.State == models.StatusMatched {
		s.logger.Info("participant matched",
			"participant", participantID,
			"session", status.Session.ID,
			"role", resp.Role,
			"partner", resp.PartnerID,
		)
	} else {
		s.logger.Debug("participant waiting", "participant", participantID, "tags", tags)
	}
	return resp, nil
}

// PollStatus reports membership plus any mailbox entries above the
// caller's watermarks and the newest feedback record.
func (s *Service) PollStatus(ctx context.Context, participantID string, watermarks models.Watermarks) (models.MatchResponse, error) {
	status, err := s.store.Status(ctx, participantID, s.clock.Now(), s.searchTimeout)
	if err != nil {
		return models.MatchResponse{}, err
	}

	resp := response(participantID, status)
	if status.Outcome == models.EndNoPartner {
		s.logger.Info("search timed out", "participant", participantID)
	}
	if status.Session == nil {
		return resp, nil
	}

	signals, err := s.store.Signals(ctx, status.Session.ID, participantID, watermarks)
	if err != nil {
		return models.MatchResponse{}, fmt.Errorf("reading mailbox: %w", err)
	}
	resp.NewSignals = signals

	feedback, err := s.store.LastFeedback(ctx, status.Session.ID)
	switch {
	case err == nil:
		resp.LastFeedback = &feedback
	case !errors.Is(err, store.ErrNotFound):
		return models.MatchResponse{}, fmt.Errorf("reading feedback: %w", err)
	}
	return resp, nil
}

// Signal deposits msg into the partner's mailbox. Sender and session are
// taken from the authenticated caller and the route, never from the body.
func (s *Service) Signal(ctx context.Context, participantID, sessionID string, msg models.SignalMessage) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, msg.Type)
	}
	if msg.Sequence < 1 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidSignal)
	}
	if participantID == models.SystemSender {
		return fmt.Errorf("%w: reserved sender id", ErrInvalidSignal)
	}

	msg.SessionID = sessionID
	msg.From = participantID
	msg.CreatedAt = s.clock.Now()

	appended, err := s.store.AppendSignal(ctx, msg)
	if err != nil {
		s.logger.Warn("signal rejected",
			"session", sessionID,
			"from", participantID,
			"type", msg.Type,
			"sequence", msg.Sequence,
			"error", err,
		)
		return err
	}
	if !appended {
		s.logger.Debug("duplicate signal ignored", "session", sessionID, "key", msg.Key())
	}
	return nil
}

// Leave is idempotent. Reasons other than completed are recorded as
// dropped.
func (s *Service) Leave(ctx context.Context, participantID string, reason models.EndReason) error {
	if reason != models.EndCompleted {
		reason = models.EndDropped
	}

	session, err := s.store.Leave(ctx, participantID, reason, s.clock.Now())
	if err != nil {
		return err
	}
	if session != nil && session.EndedBy == participantID {
		s.logger.Info("session ended",
			"session", session.ID,
			"by", participantID,
			"reason", session.EndReason,
		)
	}
	return nil
}

// SubmitAnswer scores a responder's answer once per idempotency key and
// distributes the resulting feedback through both mailboxes.
func (s *Service) SubmitAnswer(ctx context.Context, participantID, sessionID string, req models.SubmitAnswerRequest) (models.FeedbackRecord, error) {
	session, err := s.store.Session(ctx, sessionID)
	if err != nil {
		return models.FeedbackRecord{}, err
	}
	role, ok := session.RoleOf(participantID)
	if !ok {
		return models.FeedbackRecord{}, store.ErrNotParticipant
	}
	if role != models.RoleResponder {
		return models.FeedbackRecord{}, fmt.Errorf("%w: only the responder submits answers", ErrRoleForbidden)
	}

	existing, err := s.store.Feedback(ctx, sessionID, req.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.FeedbackRecord{}, err
	}
	if !session.Active() {
		return models.FeedbackRecord{}, store.ErrSessionEnded
	}

	score, err := s.scorer.Score(ctx, ScoreRequest{
		SessionID: sessionID,
		Question:  req.Question,
		Answer:    req.Answer,
	})
	if err != nil {
		return models.FeedbackRecord{}, fmt.Errorf("scoring answer: %w", err)
	}

	record, created, err := s.store.SaveFeedback(ctx, models.FeedbackRecord{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		AuthorRole:     role,
		Rating:         score.Rating,
		Text:           score.Text,
		Question:       req.Question,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return models.FeedbackRecord{}, err
	}
	if created {
		s.logger.Info("feedback recorded", "session", sessionID, "feedback", record.ID, "rating", record.Rating)
	}
	return record, nil
}

func response(participantID string, status store.Status) models.MatchResponse {
	resp := models.MatchResponse{Status: status.State, Outcome: status.Outcome}
	if status.Session != nil {
		role, _ := status.Session.RoleOf(participantID)
		resp.SessionID = status.Session.ID
		resp.Role = role
		resp.PartnerID = status.Session.PartnerOf(participantID)
		resp.EndReason = status.Session.EndReason
	}
	return resp
}
