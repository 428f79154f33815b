package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Scorer is the external answer-scoring collaborator.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (Score, error)
}

type ScoreRequest struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
}

type Score struct {
	Rating int    `json:"rating"`
	Text   string `json:"text"`
}

// StaticScorer returns the same score for every answer. Used when no
// scoring service is configured.
type StaticScorer struct {
	Rating int
	Text   string
}

func (s StaticScorer) Score(context.Context, ScoreRequest) (Score, error) {
	return Score{Rating: s.Rating, Text: s.Text}, nil
}

// HTTPScorer POSTs the answer as JSON to URL and decodes a Score.
type HTTPScorer struct {
	URL    string
	Client *http.Client
}

func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, req ScoreRequest) (Score, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Score{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Score{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return Score{}, fmt.Errorf("calling scorer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Score{}, fmt.Errorf("scorer returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var score Score
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return Score{}, fmt.Errorf("decoding score: %w", err)
	}
	return score, nil
}
