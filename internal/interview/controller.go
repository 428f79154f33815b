// Package interview runs the turn-taking inside a connected session. The
// initiator asks questions; the responder records and submits answers and
// both sides see the resulting feedback exactly once.
package interview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/mossy-p/interview-signaling/internal/signaling"
)

var (
	ErrNotYourTurn      = errors.New("not allowed for this role")
	ErrNoQuestion       = errors.New("no question has been asked")
	ErrNotAnswering     = errors.New("no answer in progress")
	ErrAlreadyAnswering = errors.New("answer already in progress")
	ErrNothingToSubmit  = errors.New("no captured answer to submit")
)

// Sender relays control messages to the partner.
type Sender interface {
	Send(ctx context.Context, typ models.SignalType, payload json.RawMessage) (int64, error)
}

// Submitter turns an answer into a feedback record.
type Submitter interface {
	SubmitAnswer(ctx context.Context, sessionID string, req models.SubmitAnswerRequest) (models.FeedbackRecord, error)
}

// Recorder captures the responder's answer between Start and Stop.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (string, error)
}

// View is the interview state both participants share.
type View struct {
	Question  string
	Index     int
	Answering bool
	Feedback  []models.FeedbackRecord
}

type Options struct {
	MaxSubmitRetries int
	RetryBackoff     time.Duration
	Clock            clockwork.Clock
	Logger           *slog.Logger
}

type SessionController struct {
	sessionID string
	role      models.Role
	sender    Sender
	submitter Submitter
	recorder  Recorder
	opts      Options

	mu       sync.Mutex
	view     View
	seen     map[string]bool
	captured string
	key      string
}

func NewSessionController(sessionID string, role models.Role, sender Sender, submitter Submitter, recorder Recorder, opts Options) *SessionController {
	if opts.MaxSubmitRetries < 0 {
		opts.MaxSubmitRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionController{
		sessionID: sessionID,
		role:      role,
		sender:    sender,
		submitter: submitter,
		recorder:  recorder,
		opts:      opts,
		seen:      make(map[string]bool),
	}
}

func (c *SessionController) Role() models.Role { return c.role }

// View returns a copy of the shared state.
func (c *SessionController) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.view
	v.Feedback = append([]models.FeedbackRecord(nil), c.view.Feedback...)
	return v
}

// NextQuestion poses the next question. Initiator only.
func (c *SessionController) NextQuestion(ctx context.Context, question string) error {
	if c.role != models.RoleInitiator {
		return ErrNotYourTurn
	}

	c.mu.Lock()
	c.view.Index++
	c.view.Question = question
	c.view.Answering = false
	index := c.view.Index
	c.mu.Unlock()

	return c.sendControl(ctx, models.ControlMessage{Kind: models.ControlNextQuestion, Question: question, Index: index})
}

// StartAnswer begins recording. Responder only.
func (c *SessionController) StartAnswer(ctx context.Context) error {
	if c.role != models.RoleResponder {
		return ErrNotYourTurn
	}

	c.mu.Lock()
	switch {
	case c.view.Question == "":
		c.mu.Unlock()
		return ErrNoQuestion
	case c.view.Answering:
		c.mu.Unlock()
		return ErrAlreadyAnswering
	}
	c.mu.Unlock()

	if err := c.recorder.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.view.Answering = true
	c.mu.Unlock()

	return c.sendControl(ctx, models.ControlMessage{Kind: models.ControlAnswerStarted})
}

// StopAnswer ends recording and keeps the captured answer for Submit.
// Responder only.
func (c *SessionController) StopAnswer(ctx context.Context) error {
	if c.role != models.RoleResponder {
		return ErrNotYourTurn
	}

	c.mu.Lock()
	answering := c.view.Answering
	c.mu.Unlock()
	if !answering {
		return ErrNotAnswering
	}

	answer, err := c.recorder.Stop(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.view.Answering = false
	c.captured = answer
	c.key = uuid.NewString()
	c.mu.Unlock()

	return c.sendControl(ctx, models.ControlMessage{Kind: models.ControlAnswerStopped})
}

// Submit sends the captured answer for scoring. Every attempt for one
// captured answer carries the same idempotency key, so retries cannot
// produce a second record.
func (c *SessionController) Submit(ctx context.Context) (models.FeedbackRecord, error) {
	if c.role != models.RoleResponder {
		return models.FeedbackRecord{}, ErrNotYourTurn
	}

	c.mu.Lock()
	req := models.SubmitAnswerRequest{
		Question:       c.view.Question,
		Answer:         c.captured,
		IdempotencyKey: c.key,
	}
	c.mu.Unlock()
	if req.Answer == "" || req.IdempotencyKey == "" {
		return models.FeedbackRecord{}, ErrNothingToSubmit
	}

	var (
		record models.FeedbackRecord
		err    error
	)
	for attempt := 0; attempt <= c.opts.MaxSubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.opts.Clock.After(c.opts.RetryBackoff):
			case <-ctx.Done():
				return models.FeedbackRecord{}, ctx.Err()
			}
		}

		record, err = c.submitter.SubmitAnswer(ctx, c.sessionID, req)
		if err == nil {
			break
		}
		if signaling.IsPermanent(err) || ctx.Err() != nil {
			return models.FeedbackRecord{}, err
		}
		c.opts.Logger.Warn("submit failed", "session", c.sessionID, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return models.FeedbackRecord{}, err
	}

	c.mu.Lock()
	if c.key == req.IdempotencyKey {
		c.captured = ""
		c.key = ""
	}
	c.addFeedbackLocked(record)
	c.mu.Unlock()

	return record, nil
}

// Apply folds a control message from the partner or the server into the
// view. Anything else is ignored.
func (c *SessionController) Apply(msg models.SignalMessage) {
	if msg.Type != models.SignalTypeControl || msg.SessionID != c.sessionID {
		return
	}
	control, err := models.DecodeControl(msg.Payload)
	if err != nil {
		c.opts.Logger.Warn("dropping malformed control", "key", msg.Key(), "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch control.Kind {
	case models.ControlNextQuestion:
		c.view.Question = control.Question
		c.view.Index = control.Index
		c.view.Answering = false
	case models.ControlAnswerStarted:
		c.view.Answering = true
	case models.ControlAnswerStopped:
		c.view.Answering = false
	case models.ControlFeedback:
		if control.Feedback != nil {
			c.addFeedbackLocked(*control.Feedback)
		}
	}
}

func (c *SessionController) addFeedbackLocked(record models.FeedbackRecord) {
	if record.ID == "" || c.seen[record.ID] {
		return
	}
	c.seen[record.ID] = true
	c.view.Feedback = append(c.view.Feedback, record)
}

func (c *SessionController) sendControl(ctx context.Context, control models.ControlMessage) error {
	payload, err := models.EncodeControl(control)
	if err != nil {
		return err
	}
	_, err = c.sender.Send(ctx, models.SignalTypeControl, payload)
	return err
}

// ScriptRecorder returns canned answers in order, for headless peers.
type ScriptRecorder struct {
	mu      sync.Mutex
	answers []string
	next    int
	active  bool
}

func NewScriptRecorder(answers ...string) *ScriptRecorder {
	return &ScriptRecorder{answers: answers}
}

func (r *ScriptRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	return nil
}

func (r *ScriptRecorder) Stop(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return "", ErrNotAnswering
	}
	r.active = false
	if len(r.answers) == 0 {
		return "", errors.New("script recorder has no answers")
	}
	answer := r.answers[r.next%len(r.answers)]
	r.next++
	return answer, nil
}
