// mockpeer is a headless interview participant. It authenticates, finds a
// partner, negotiates a real WebRTC connection carrying silent audio, and
// plays its role: as initiator it asks the given questions and hangs up
// once feedback has arrived for each; as responder it answers them from a
// script and submits each answer for scoring.
//
// Two mockpeers pointed at the same server exercise the whole system.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/mossy-p/interview-signaling/config"
	"github.com/mossy-p/interview-signaling/internal/coordinator"
	"github.com/mossy-p/interview-signaling/internal/interview"
	"github.com/mossy-p/interview-signaling/internal/models"
	"github.com/mossy-p/interview-signaling/internal/signaling"
	"github.com/mossy-p/interview-signaling/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	serverURL     string
	participantID string
	token         string
	tags          []string
	questions     []string
	answers       []string
	turn          time.Duration
	loopback      bool
	verbose       bool
}

func run() error {
	_ = godotenv.Load()
	cfg := config.LoadClient()

	var opts options
	flagSet := pflag.NewFlagSet("mockpeer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.serverURL, "server", cfg.ServerURL, "signaling server base URL")
	flagSet.StringVar(&opts.participantID, "participant", "", "participant id (default: random)")
	flagSet.StringVar(&opts.token, "token", os.Getenv("SIGNALING_TOKEN"), "bearer token; a dev token is requested when empty")
	flagSet.StringSliceVar(&opts.tags, "tags", nil, "topic tags to match on")
	flagSet.StringSliceVar(&opts.questions, "questions", []string{"Tell me about a system you designed."}, "questions to ask when initiator")
	flagSet.StringSliceVar(&opts.answers, "answers", []string{"I built a queue-backed ingestion pipeline."}, "scripted answers when responder")
	flagSet.DurationVar(&opts.turn, "turn", 3*time.Second, "how long each answer is recorded")
	flagSet.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "signaling poll interval")
	flagSet.DurationVar(&cfg.SearchTimeout, "search-timeout", cfg.SearchTimeout, "give up searching after this long")
	flagSet.BoolVar(&opts.loopback, "loopback", false, "gather loopback ICE candidates (both peers on one host)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	if opts.participantID == "" {
		opts.participantID = "peer-" + uuid.NewString()[:8]
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("participant", opts.participantID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.token == "" {
		token, err := signaling.RequestDevToken(ctx, opts.serverURL, opts.participantID)
		if err != nil {
			return fmt.Errorf("requesting dev token: %w", err)
		}
		opts.token = token
	}
	api := signaling.NewHTTPAPI(opts.serverURL, opts.token, 15*time.Second)

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	source := transport.NewSyntheticSource(nil, logger)
	newAdapter := func(ctx context.Context, role models.Role, cb transport.Callbacks) (transport.Adapter, error) {
		return transport.NewPeerAdapter(ctx, source, cb, transport.PeerOptions{
			ICEServers:      iceServers,
			IncludeLoopback: opts.loopback,
			Logger:          logger.With("role", role),
		})
	}

	var (
		mu         sync.Mutex
		controller *interview.SessionController
	)
	coord := coordinator.New(api, newAdapter, coordinator.Options{
		PollInterval:    cfg.PollInterval,
		SearchTimeout:   cfg.SearchTimeout,
		MaxPollFailures: cfg.MaxPollFailures,
		MaxSendRetries:  cfg.MaxSendRetries,
		Logger:          logger,
		OnControl: func(msg models.SignalMessage) {
			mu.Lock()
			c := controller
			mu.Unlock()
			if c != nil {
				c.Apply(msg)
			}
		},
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		coord.Run(runCtx)
	}()
	defer func() {
		cancelRun()
		<-runDone
	}()

	logger.Info("searching for a partner", "server", opts.serverURL, "tags", opts.tags)
	coord.FindPartner(opts.tags)

	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted")
			return nil

		case outcome := <-coord.Outcomes():
			switch outcome.Phase {
			case coordinator.PhaseMatched:
				logger.Info("matched", "session", outcome.SessionID, "role", outcome.Role, "partner", outcome.PartnerID)
				c := interview.NewSessionController(outcome.SessionID, outcome.Role, coord, api,
					interview.NewScriptRecorder(opts.answers...),
					interview.Options{MaxSubmitRetries: cfg.MaxSendRetries, Logger: logger})
				mu.Lock()
				controller = c
				mu.Unlock()

			case coordinator.PhaseConnected:
				logger.Info("connected", "session", outcome.SessionID)
				mu.Lock()
				c := controller
				mu.Unlock()
				go playRole(runCtx, c, coord, opts, logger)

			case coordinator.PhaseIdle:
				if outcome.Err != nil {
					return fmt.Errorf("search failed: %w", outcome.Err)
				}
				if outcome.Reason == models.EndNoPartner {
					return errors.New("no partner found")
				}
				return nil

			case coordinator.PhaseEnded:
				mu.Lock()
				c := controller
				mu.Unlock()
				var feedback []models.FeedbackRecord
				if c != nil {
					feedback = c.View().Feedback
				}
				logger.Info("session ended",
					"session", outcome.SessionID,
					"reason", outcome.Reason,
					"feedback", len(feedback),
					"error", outcome.Err,
				)
				for _, record := range feedback {
					fmt.Printf("Q: %s\n   rating %d: %s\n", record.Question, record.Rating, record.Text)
				}
				return nil
			}
		}
	}
}

func playRole(ctx context.Context, c *interview.SessionController, coord *coordinator.Coordinator, opts options, logger *slog.Logger) {
	if c.Role() == models.RoleInitiator {
		ask(ctx, c, coord, opts.questions, logger)
		return
	}
	answer(ctx, c, opts.turn, logger)
}

// ask poses each question and waits for its feedback before the next.
func ask(ctx context.Context, c *interview.SessionController, coord *coordinator.Coordinator, questions []string, logger *slog.Logger) {
	for i, question := range questions {
		if err := c.NextQuestion(ctx, question); err != nil {
			logger.Warn("asking question", "error", err)
			return
		}
		logger.Info("asked", "index", i+1, "question", question)

		want := i + 1
		if !waitFor(ctx, func() bool { return len(c.View().Feedback) >= want }) {
			return
		}
	}
	logger.Info("all questions answered; hanging up")
	coord.HangUp()
}

// answer responds to each new question from the script.
func answer(ctx context.Context, c *interview.SessionController, turn time.Duration, logger *slog.Logger) {
	answered := 0
	for {
		if !waitFor(ctx, func() bool { return c.View().Index > answered }) {
			return
		}
		view := c.View()
		answered = view.Index

		if err := c.StartAnswer(ctx); err != nil {
			logger.Warn("starting answer", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(turn):
		}
		if err := c.StopAnswer(ctx); err != nil {
			logger.Warn("stopping answer", "error", err)
			return
		}

		record, err := c.Submit(ctx)
		if err != nil {
			logger.Warn("submitting answer", "question", strings.TrimSpace(view.Question), "error", err)
			continue
		}
		logger.Info("feedback", "rating", record.Rating, "text", record.Text)
	}
}

func waitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
