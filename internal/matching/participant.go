package matching

import (
	"context"

	"github.com/mossy-p/interview-signaling/internal/models"
)

// Participant binds the service to one participant id, giving an
// in-process peer the same surface the HTTP client has.
type Participant struct {
	svc *Service
	id  string
}

func (s *Service) As(participantID string) *Participant {
	return &Participant{svc: s, id: participantID}
}

func (p *Participant) ID() string { return p.id }

func (p *Participant) FindPartner(ctx context.Context, tags []string) (models.MatchResponse, error) {
	return p.svc.FindPartner(ctx, p.id, tags)
}

func (p *Participant) Status(ctx context.Context, watermarks models.Watermarks) (models.MatchResponse, error) {
	return p.svc.PollStatus(ctx, p.id, watermarks)
}

func (p *Participant) Signal(ctx context.Context, sessionID string, msg models.SignalMessage) error {
	return p.svc.Signal(ctx, p.id, sessionID, msg)
}

func (p *Participant) Leave(ctx context.Context, reason models.EndReason) error {
	return p.svc.Leave(ctx, p.id, reason)
}

func (p *Participant) SubmitAnswer(ctx context.Context, sessionID string, req models.SubmitAnswerRequest) (models.FeedbackRecord, error) {
	return p.svc.SubmitAnswer(ctx, p.id, sessionID, req)
}
