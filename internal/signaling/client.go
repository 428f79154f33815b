// Package signaling is the peer side of the mailbox relay. A Client polls
// the server on a fixed interval, applies each new message exactly once
// in per-sender sequence order, and sends local messages with stable
// sequence numbers so retries are idempotent.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mossy-p/interview-signaling/internal/models"
)

var ErrNotStarted = errors.New("signaling client not started")

// EventKind classifies state-affecting outcomes the client reports.
type EventKind string

const (
	// EventEnded: the server reports the session ended, or no longer
	// knows the participant.
	EventEnded EventKind = "ended"
	// EventConnectionLost: MaxPollFailures consecutive polls failed.
	EventConnectionLost EventKind = "connection_lost"
	// EventDegraded: a send exhausted its retries.
	EventDegraded EventKind = "degraded"
)

type Event struct {
	Kind   EventKind
	Reason models.EndReason
	Err    error
}

type Options struct {
	PollInterval    time.Duration
	MaxPollFailures int
	MaxSendRetries  int
	RetryBackoff    time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPollFailures <= 0 {
		o.MaxPollFailures = 5
	}
	if o.MaxSendRetries < 0 {
		o.MaxSendRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 250 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Client relays messages for one session at a time. onMessage and onEvent
// are called from the polling goroutine (or from Send for EventDegraded)
// and must not block on the client itself.
type Client struct {
	api       API
	opts      Options
	onMessage func(models.SignalMessage)
	onEvent   func(Event)

	// pollMu serializes Poll so watermarks advance in one place.
	pollMu sync.Mutex
	// sendMu keeps sends, including their retries, in sequence order.
	sendMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	watermarks    models.Watermarks
	nextSeq       int64
	failures      int
	lostReported  bool
	endedReported bool
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewClient(api API, opts Options, onMessage func(models.SignalMessage), onEvent func(Event)) *Client {
	opts.setDefaults()
	return &Client{
		api:        api,
		opts:       opts,
		onMessage:  onMessage,
		onEvent:    onEvent,
		watermarks: make(models.Watermarks),
	}
}

// Start resets per-session state and begins polling for sessionID. A
// running loop for a previous session is stopped first.
func (c *Client) Start(ctx context.Context, sessionID string) {
	c.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.sessionID = sessionID
	c.watermarks = make(models.Watermarks)
	c.nextSeq = 0
	c.failures = 0
	c.lostReported = false
	c.endedReported = false
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.loop(loopCtx, done)
}

// Stop cancels the poll loop and waits for it to exit. It is safe to call
// repeatedly, and before Start. It must not be called from onMessage or
// onEvent.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a poll loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Watermark returns the highest applied sequence from sender.
func (c *Client) Watermark(sender string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarks[sender]
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := c.opts.Clock.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Poll(ctx)
		}
	}
}

// Poll performs one tick: fetch status and new messages, apply them in
// sequence order, advance watermarks. Failures are counted, not returned.
func (c *Client) Poll(ctx context.Context) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.mu.Lock()
	sessionID := c.sessionID
	since := make(models.Watermarks, len(c.watermarks))
	for sender, seq := range c.watermarks {
		since[sender] = seq
	}
	c.mu.Unlock()

	if sessionID == "" || ctx.Err() != nil {
		return
	}

	resp, err := c.api.Status(ctx, since)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.pollFailed(err)
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.lostReported = false
	c.mu.Unlock()

	if resp.SessionID != sessionID {
		c.opts.Logger.Warn("session no longer reported by server",
			"session", sessionID,
			"status", resp.Status,
			"reported_session", resp.SessionID,
		)
		c.reportEnded(models.EndDropped)
		return
	}

	c.apply(sessionID, resp.NewSignals)

	if resp.Status == models.StatusEnded {
		reason := resp.EndReason
		if reason == "" {
			reason = models.EndDropped
		}
		c.reportEnded(reason)
	}
}

// apply delivers msgs above the watermarks, in per-sender sequence order.
func (c *Client) apply(sessionID string, msgs []models.SignalMessage) {
	models.SortBySequence(msgs)

	for _, msg := range msgs {
		if msg.SessionID != sessionID {
			c.opts.Logger.Warn("dropping signal for another session",
				"session", sessionID,
				"message_session", msg.SessionID,
				"key", msg.Key(),
			)
			continue
		}

		c.mu.Lock()
		fresh := c.watermarks.Above(msg)
		c.mu.Unlock()
		if !fresh {
			continue
		}

		c.onMessage(msg)

		c.mu.Lock()
		c.watermarks[msg.From] = msg.Sequence
		c.mu.Unlock()
	}
}

func (c *Client) pollFailed(err error) {
	c.mu.Lock()
	c.failures++
	failures := c.failures
	report := failures >= c.opts.MaxPollFailures && !c.lostReported
	if report {
		c.lostReported = true
	}
	c.mu.Unlock()

	c.opts.Logger.Warn("poll failed", "failures", failures, "error", err)
	if report {
		c.onEvent(Event{Kind: EventConnectionLost, Reason: models.EndDropped, Err: err})
	}
}

func (c *Client) reportEnded(reason models.EndReason) {
	c.mu.Lock()
	already := c.endedReported
	c.endedReported = true
	c.mu.Unlock()

	if !already {
		c.onEvent(Event{Kind: EventEnded, Reason: reason})
	}
}

// Send assigns the next local sequence number and delivers the message.
// Transient failures are retried with the same sequence, which the
// server deduplicates. It returns the sequence used.
func (c *Client) Send(ctx context.Context, typ models.SignalType, payload []byte) (int64, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	sessionID := c.sessionID
	if sessionID == "" {
		c.mu.Unlock()
		return 0, ErrNotStarted
	}
	c.nextSeq++
	msg := models.SignalMessage{
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
		Sequence:  c.nextSeq,
	}
	c.mu.Unlock()

	var err error
	for attempt := 0; attempt <= c.opts.MaxSendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.opts.Clock.After(c.opts.RetryBackoff):
			case <-ctx.Done():
				return msg.Sequence, ctx.Err()
			}
		}

		err = c.api.Signal(ctx, sessionID, msg)
		if err == nil {
			return msg.Sequence, nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return msg.Sequence, err
		}
		c.opts.Logger.Warn("send failed",
			"session", sessionID,
			"type", typ,
			"sequence", msg.Sequence,
			"attempt", attempt+1,
			"error", err,
		)
	}

	c.onEvent(Event{Kind: EventDegraded, Err: err})
	return msg.Sequence, err
}
