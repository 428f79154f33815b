package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/interview-signaling/internal/models"
)

// API is the server contract a peer depends on.
type API interface {
	FindPartner(ctx context.Context, tags []string) (models.MatchResponse, error)
	Status(ctx context.Context, watermarks models.Watermarks) (models.MatchResponse, error)
	Signal(ctx context.Context, sessionID string, msg models.SignalMessage) error
	Leave(ctx context.Context, reason models.EndReason) error
	SubmitAnswer(ctx context.Context, sessionID string, req models.SubmitAnswerRequest) (models.FeedbackRecord, error)
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsPermanent reports whether retrying err cannot help. Client errors are
// permanent except timeouts and rate limiting; everything else, including
// network failures, is transient.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusRequestTimeout || apiErr.Status == http.StatusTooManyRequests {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}

// Compile-time interface check.
var _ API = (*HTTPAPI)(nil)

// HTTPAPI talks to the signaling server with a bearer token.
type HTTPAPI struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPAPI(baseURL, token string, timeout time.Duration) *HTTPAPI {
	return &HTTPAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAPI) FindPartner(ctx context.Context, tags []string) (models.MatchResponse, error) {
	var resp models.MatchResponse
	err := a.do(ctx, http.MethodPost, "/api/match/find", nil, models.FindPartnerRequest{Tags: tags}, &resp)
	return resp, err
}

func (a *HTTPAPI) Status(ctx context.Context, watermarks models.Watermarks) (models.MatchResponse, error) {
	var resp models.MatchResponse
	query := url.Values{}
	if len(watermarks) > 0 {
		query["since"] = watermarks.Encode()
	}
	err := a.do(ctx, http.MethodGet, "/api/match/status", query, nil, &resp)
	return resp, err
}

func (a *HTTPAPI) Signal(ctx context.Context, sessionID string, msg models.SignalMessage) error {
	return a.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/signals", nil, msg, nil)
}

func (a *HTTPAPI) Leave(ctx context.Context, reason models.EndReason) error {
	return a.do(ctx, http.MethodPost, "/api/match/leave", nil, map[string]models.EndReason{"reason": reason}, nil)
}

func (a *HTTPAPI) SubmitAnswer(ctx context.Context, sessionID string, req models.SubmitAnswerRequest) (models.FeedbackRecord, error) {
	var record models.FeedbackRecord
	err := a.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/answers", nil, req, &record)
	return record, err
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := a.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// RequestDevToken asks a non-production server to mint a token for
// participantID.
func RequestDevToken(ctx context.Context, baseURL, participantID string) (string, error) {
	api := NewHTTPAPI(baseURL, "", 10*time.Second)
	var resp struct {
		Token string `json:"token"`
	}
	err := api.do(ctx, http.MethodPost, "/api/auth/dev-token", nil, map[string]string{"participantId": participantID}, &resp)
	return resp.Token, err
}
