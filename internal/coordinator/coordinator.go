package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/mossy-p/interview-signaling/internal/signaling"
	"github.com/mossy-p/interview-signaling/internal/transport"
)

var ErrNoSession = errors.New("no active session")

// AdapterFactory acquires local media and builds the transport for a match.
type AdapterFactory func(ctx context.Context, role models.Role, cb transport.Callbacks) (transport.Adapter, error)

type Options struct {
	PollInterval    time.Duration
	SearchTimeout   time.Duration
	MaxPollFailures int
	MaxSendRetries  int
	RetryBackoff    time.Duration
	// CallTimeout bounds each find, leave or send call.
	CallTimeout     time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
	// OnControl receives control messages for the interview itself
	// (questions, answer state, feedback). Called from the event loop.
	OnControl       func(models.SignalMessage)
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 60 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.OnControl == nil {
		o.OnControl = func(models.SignalMessage) {}
	}
}

// Coordinator runs the single event loop for one local participant.
type Coordinator struct {
	api        signaling.API
	newAdapter AdapterFactory
	opts       Options
	logger     *slog.Logger

	events   *eventQueue
	outcomes chan Outcome
	outbox   chan func(context.Context)
	setups   sync.WaitGroup

	mu     sync.Mutex
	state  State
	client *signaling.Client

	// Owned by the event loop.
	ctx     context.Context
	adapter transport.Adapter
	search  *searchPoll
}

type searchPoll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(api signaling.API, newAdapter AdapterFactory, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		api:        api,
		newAdapter: newAdapter,
		opts:       opts,
		logger:     opts.Logger,
		events:     newEventQueue(),
		outcomes:   make(chan Outcome, 32),
		outbox:     make(chan func(context.Context), 64),
		state:      State{Phase: PhaseIdle},
	}
}

// Outcomes delivers phase changes the user should see.
func (c *Coordinator) Outcomes() <-chan Outcome { return c.outcomes }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) FindPartner(tags []string) { c.events.post(FindPartnerRequested{Tags: tags}) }
func (c *Coordinator) Cancel()                   { c.events.post(CancelRequested{}) }
func (c *Coordinator) HangUp()                   { c.events.post(HangUpRequested{}) }

// Send relays an interview message to the partner over the current
// session.
func (c *Coordinator) Send(ctx context.Context, typ models.SignalType, payload json.RawMessage) (int64, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return 0, ErrNoSession
	}
	return client.Send(ctx, typ, payload)
}

// Run processes events until ctx is cancelled, then tears down whatever
// session is active, waits for the final leave to be sent and closes any
// transport that finished building after the teardown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx

	outboxDone := make(chan struct{})
	go c.runOutbox(context.WithoutCancel(ctx), outboxDone)

	for {
		select {
		case <-ctx.Done():
			c.dispatch(CancelRequested{})
			close(c.outbox)
			<-outboxDone
			c.setups.Wait()
			for _, ev := range c.events.drain() {
				if ready, ok := ev.(peerReady); ok {
					ready.adapter.Close()
				}
			}
			return ctx.Err()
		case <-c.events.ready:
			for _, ev := range c.events.drain() {
				c.dispatch(ev)
			}
		}
	}
}

// peerReady carries the built adapter into the loop alongside PeerReady.
type peerReady struct {
	PeerReady
	adapter transport.Adapter
}

func (peerReady) event() {}

func (c *Coordinator) dispatch(ev Event) {
	if ready, ok := ev.(peerReady); ok {
		state := c.State()
		if state.Phase != PhaseMatched || state.SessionID != ready.SessionID || c.adapter != nil {
			ready.adapter.Close()
			return
		}
		c.adapter = ready.adapter
		ev = ready.PeerReady
	}

	c.mu.Lock()
	prev := c.state
	next, effects := Next(prev, ev)
	c.state = next
	c.mu.Unlock()

	if prev.Phase != next.Phase {
		c.logger.Info("phase changed",
			"from", prev.Phase,
			"to", next.Phase,
			"session", next.SessionID,
			"role", next.Role,
			"reason", next.Reason,
		)
	}

	for _, effect := range effects {
		c.execute(next, effect)
	}
}

func (c *Coordinator) execute(state State, effect Effect) {
	switch e := effect.(type) {
	case Enqueue:
		c.enqueue(func(ctx context.Context) {
			resp, err := c.api.FindPartner(ctx, e.Tags)
			if err != nil {
				c.events.post(SearchFailed{Err: err})
				return
			}
			c.events.post(SearchStatus{Response: resp})
		})

	case StartSearchPoll:
		c.startSearch()

	case StopSearchPoll:
		c.stopSearch()

	case SetupPeer:
		c.setups.Add(1)
		go func() {
			defer c.setups.Done()
			c.setupPeer(e.SessionID, e.Role)
		}()

	case StartSignaling:
		c.startSignaling(e.SessionID)

	case StopSignaling:
		c.mu.Lock()
		client := c.client
		c.client = nil
		c.mu.Unlock()
		if client != nil {
			client.Stop()
		}

	case SendOffer:
		if c.adapter == nil {
			return
		}
		offer, err := c.adapter.CreateInitialOffer()
		if err != nil {
			c.events.post(PeerFailed{SessionID: state.SessionID, Err: err})
			return
		}
		c.send(models.SignalTypeOffer, offer)

	case AnswerOffer:
		if c.adapter == nil {
			c.logger.Warn("offer arrived before transport was ready", "session", state.SessionID)
			return
		}
		answer, err := c.adapter.ApplyRemoteOffer(e.Payload)
		if err != nil {
			c.events.post(PeerFailed{SessionID: state.SessionID, Err: err})
			return
		}
		c.send(models.SignalTypeAnswer, answer)

	case ApplyAnswer:
		if c.adapter == nil {
			return
		}
		if err := c.adapter.ApplyRemoteAnswer(e.Payload); err != nil {
			c.events.post(PeerFailed{SessionID: state.SessionID, Err: err})
		}

	case AddCandidate:
		if c.adapter == nil {
			return
		}
		if err := c.adapter.AddRemoteCandidate(e.Payload); err != nil {
			c.logger.Warn("ignoring remote candidate", "session", state.SessionID, "error", err)
		}

	case SendSignal:
		c.send(e.Type, e.Payload)

	case SendControl:
		payload, err := models.EncodeControl(e.Control)
		if err != nil {
			c.logger.Error("encoding control", "kind", e.Control.Kind, "error", err)
			return
		}
		c.send(models.SignalTypeControl, payload)

	case DeliverControl:
		c.opts.OnControl(e.Message)

	case ReleaseMedia:
		if c.adapter != nil {
			c.adapter.ReleaseMedia()
		}

	case CloseTransport:
		if c.adapter != nil {
			if err := c.adapter.Close(); err != nil {
				c.logger.Warn("closing transport", "error", err)
			}
			c.adapter = nil
		}

	case Leave:
		c.enqueue(func(ctx context.Context) {
			if err := c.api.Leave(ctx, e.Reason); err != nil {
				c.logger.Warn("leave failed", "reason", e.Reason, "error", err)
			}
		})

	case Emit:
		select {
		case c.outcomes <- e.Outcome:
		default:
			c.logger.Warn("outcome dropped; nobody is reading", "phase", e.Outcome.Phase)
		}
	}
}

// enqueue runs server calls one at a time in effect order. A leave can
// never overtake the enqueue it cancels or the hangup sent before it, and
// outbound signals are numbered in the order they were produced.
func (c *Coordinator) enqueue(op func(context.Context)) {
	c.outbox <- op
}

func (c *Coordinator) runOutbox(ctx context.Context, done chan struct{}) {
	defer close(done)
	for op := range c.outbox {
		opCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		op(opCtx)
		cancel()
	}
}

func (c *Coordinator) startSearch() {
	if c.search != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	poll := &searchPoll{cancel: cancel, done: make(chan struct{})}
	c.search = poll

	go func() {
		defer close(poll.done)

		ticker := c.opts.Clock.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		timeout := c.opts.Clock.NewTimer(c.opts.SearchTimeout)
		defer timeout.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timeout.Chan():
				c.events.post(SearchTimedOut{})
				return
			case <-ticker.Chan():
				resp, err := c.api.Status(ctx, nil)
				if err != nil {
					if ctx.Err() == nil {
						c.logger.Warn("search poll failed", "error", err)
					}
					continue
				}
				c.events.post(SearchStatus{Response: resp})
			}
		}
	}()
}

func (c *Coordinator) stopSearch() {
	if c.search == nil {
		return
	}
	c.search.cancel()
	<-c.search.done
	c.search = nil
}

func (c *Coordinator) setupPeer(sessionID string, role models.Role) {
	cb := transport.Callbacks{
		OnRemoteTrack: func(string) {
			c.events.post(RemoteTrack{SessionID: sessionID})
		},
		OnLocalCandidate: func(payload json.RawMessage) {
			c.events.post(LocalCandidate{SessionID: sessionID, Payload: payload})
		},
		OnFailed: func(err error) {
			c.events.post(PeerFailed{SessionID: sessionID, Err: err})
		},
	}

	adapter, err := c.newAdapter(c.ctx, role, cb)
	if err != nil {
		c.events.post(PeerFailed{SessionID: sessionID, Err: err})
		return
	}
	c.events.post(peerReady{PeerReady: PeerReady{SessionID: sessionID}, adapter: adapter})
}

func (c *Coordinator) startSignaling(sessionID string) {
	onMessage := func(msg models.SignalMessage) {
		c.events.post(SignalReceived{Message: msg})
	}
	onEvent := func(ev signaling.Event) {
		switch ev.Kind {
		case signaling.EventEnded:
			c.events.post(SessionEnded{SessionID: sessionID, Reason: ev.Reason})
		case signaling.EventConnectionLost:
			c.events.post(ConnectionLost{SessionID: sessionID, Err: ev.Err})
		case signaling.EventDegraded:
			c.logger.Warn("signaling degraded", "session", sessionID, "error", ev.Err)
		}
	}

	client := signaling.NewClient(c.api, signaling.Options{
		PollInterval:    c.opts.PollInterval,
		MaxPollFailures: c.opts.MaxPollFailures,
		MaxSendRetries:  c.opts.MaxSendRetries,
		RetryBackoff:    c.opts.RetryBackoff,
		Clock:           c.opts.Clock,
		Logger:          c.logger.With("session", sessionID),
	}, onMessage, onEvent)

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	client.Start(c.ctx, sessionID)
}

// send queues delivery behind earlier calls; the client retries and
// reports exhaustion as EventDegraded. Once Run is shutting down only
// control messages still go out.
func (c *Coordinator) send(typ models.SignalType, payload json.RawMessage) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		c.logger.Debug("no signaling client; dropping outbound", "type", typ)
		return
	}
	c.enqueue(func(ctx context.Context) {
		if c.ctx.Err() != nil && typ != models.SignalTypeControl {
			return
		}
		if _, err := client.Send(ctx, typ, payload); err != nil {
			c.logger.Warn("send failed", "type", typ, "error", err)
		}
	})
}

// eventQueue is unbounded so callbacks from pion and the poll loop never
// block on the event loop, which may itself be waiting for them to stop.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) post(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
